// Package middleware provides the HTTP credential-validation strategies and
// the request guard. Each transport-level way of proving identity (password
// body, bearer access token, refresh token, OAuth callback) is a Strategy;
// handlers compose against the interface and never branch on the mechanism.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	authcore "github.com/vivaexcel/authcore"
)

// Principal is the authenticated identity a strategy resolves from a
// request. Result carries freshly issued tokens when the strategy performs
// a login; validation-only strategies leave it nil. Pending is set when the
// account requires a second factor before tokens can be issued.
type Principal struct {
	UserID        string
	Email         string
	CorrelationID string
	Result        *authcore.AuthResult
	Pending       *authcore.TwoFactorRequired
}

// Strategy validates one way of proving identity on an HTTP request.
type Strategy interface {
	Validate(r *http.Request) (*Principal, error)
}

// Authenticator is the service surface the strategies need.
type Authenticator interface {
	ValidateCredentials(ctx context.Context, email, password, ip string) (*authcore.User, error)
	Login(ctx context.Context, user *authcore.User, ip, userAgent string) (*authcore.AuthResult, *authcore.TwoFactorRequired, error)
	ValidateAccessToken(ctx context.Context, raw string) (*authcore.Identity, error)
	ValidateRefreshToken(ctx context.Context, raw string) (*authcore.Identity, error)
	HandleOAuthCallback(ctx context.Context, profile authcore.OAuthProfile, ip, userAgent string) (*authcore.AuthResult, *authcore.TwoFactorRequired, error)
}

// Local validates an email+password JSON body and performs a full login.
type Local struct {
	Auth Authenticator
}

type localCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Local) Validate(r *http.Request) (*Principal, error) {
	if s == nil || s.Auth == nil {
		return nil, authcore.ErrServiceNotReady
	}

	var creds localCredentials
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16)).Decode(&creds); err != nil {
		return nil, authcore.ErrInvalidCredentials
	}
	if creds.Email == "" || creds.Password == "" {
		return nil, authcore.ErrInvalidCredentials
	}

	user, err := s.Auth.ValidateCredentials(r.Context(), creds.Email, creds.Password, clientIP(r))
	if err != nil {
		return nil, err
	}

	result, pending, err := s.Auth.Login(r.Context(), user, clientIP(r), r.UserAgent())
	if err != nil {
		return nil, err
	}

	return &Principal{UserID: user.ID, Email: user.Email, Result: result, Pending: pending}, nil
}

// BearerJWT validates the Authorization bearer token as an access token.
type BearerJWT struct {
	Auth Authenticator
}

func (s *BearerJWT) Validate(r *http.Request) (*Principal, error) {
	if s == nil || s.Auth == nil {
		return nil, authcore.ErrServiceNotReady
	}

	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, authcore.ErrTokenInvalid
	}

	identity, err := s.Auth.ValidateAccessToken(r.Context(), raw)
	if err != nil {
		return nil, err
	}

	return &Principal{
		UserID:        identity.UserID,
		Email:         identity.Email,
		CorrelationID: identity.CorrelationID,
	}, nil
}

// RefreshJWT validates a refresh token taken from the named cookie, falling
// back to the bearer header. It only proves the token is live; rotation is
// the refresh endpoint's job.
type RefreshJWT struct {
	Auth       Authenticator
	CookieName string
}

func (s *RefreshJWT) Validate(r *http.Request) (*Principal, error) {
	if s == nil || s.Auth == nil {
		return nil, authcore.ErrServiceNotReady
	}

	raw := ""
	if s.CookieName != "" {
		if cookie, err := r.Cookie(s.CookieName); err == nil {
			raw = cookie.Value
		}
	}
	if raw == "" {
		raw, _ = bearerToken(r.Header.Get("Authorization"))
	}
	if raw == "" {
		return nil, authcore.ErrTokenInvalid
	}

	identity, err := s.Auth.ValidateRefreshToken(r.Context(), raw)
	if err != nil {
		return nil, err
	}

	return &Principal{
		UserID:        identity.UserID,
		Email:         identity.Email,
		CorrelationID: identity.CorrelationID,
	}, nil
}

// ProfileExtractor turns a provider callback request into a normalized
// profile. Implementations own the code-for-token exchange with the
// provider; the strategies only consume its output.
type ProfileExtractor func(r *http.Request) (authcore.OAuthProfile, error)

type oauthStrategy struct {
	auth     Authenticator
	provider string
	extract  ProfileExtractor
}

// GoogleOAuth validates a Google OAuth callback via the supplied extractor.
func GoogleOAuth(auth Authenticator, extract ProfileExtractor) Strategy {
	return &oauthStrategy{auth: auth, provider: authcore.ProviderGoogle, extract: extract}
}

// GitHubOAuth validates a GitHub OAuth callback via the supplied extractor.
func GitHubOAuth(auth Authenticator, extract ProfileExtractor) Strategy {
	return &oauthStrategy{auth: auth, provider: authcore.ProviderGitHub, extract: extract}
}

func (s *oauthStrategy) Validate(r *http.Request) (*Principal, error) {
	if s == nil || s.auth == nil || s.extract == nil {
		return nil, authcore.ErrServiceNotReady
	}

	profile, err := s.extract(r)
	if err != nil {
		return nil, authcore.ErrInvalidCredentials
	}
	profile.Provider = s.provider

	result, pending, err := s.auth.HandleOAuthCallback(r.Context(), profile, clientIP(r), r.UserAgent())
	if err != nil {
		return nil, err
	}

	principal := &Principal{Email: profile.Email, Result: result, Pending: pending}
	if result != nil {
		principal.UserID = result.User.ID
		principal.Email = result.User.Email
	}
	return principal, nil
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	raw := value[len(bearer):]
	if raw == "" {
		return "", false
	}
	return raw, true
}

// clientIP prefers the first X-Forwarded-For hop, then the remote address
// without its port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
