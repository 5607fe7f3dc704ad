package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	authcore "github.com/vivaexcel/authcore"
)

// fakeAuth scripts the Authenticator surface so the strategies can be
// exercised without a backend.
type fakeAuth struct {
	user      *authcore.User
	result    *authcore.AuthResult
	pending   *authcore.TwoFactorRequired
	identity  *authcore.Identity
	err       error
	lastEmail string
	lastIP    string
	lastRaw   string
	profile   authcore.OAuthProfile
}

func (f *fakeAuth) ValidateCredentials(_ context.Context, email, _, ip string) (*authcore.User, error) {
	f.lastEmail, f.lastIP = email, ip
	return f.user, f.err
}

func (f *fakeAuth) Login(_ context.Context, _ *authcore.User, _, _ string) (*authcore.AuthResult, *authcore.TwoFactorRequired, error) {
	return f.result, f.pending, nil
}

func (f *fakeAuth) ValidateAccessToken(_ context.Context, raw string) (*authcore.Identity, error) {
	f.lastRaw = raw
	return f.identity, f.err
}

func (f *fakeAuth) ValidateRefreshToken(_ context.Context, raw string) (*authcore.Identity, error) {
	f.lastRaw = raw
	return f.identity, f.err
}

func (f *fakeAuth) HandleOAuthCallback(_ context.Context, profile authcore.OAuthProfile, _, _ string) (*authcore.AuthResult, *authcore.TwoFactorRequired, error) {
	f.profile = profile
	return f.result, f.pending, f.err
}

func okHandler(t *testing.T, want string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, want, principal.UserID)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestBearerStrategy(t *testing.T) {
	auth := &fakeAuth{identity: &authcore.Identity{UserID: "u1", Email: "a@b.com", CorrelationID: "c1"}}
	handler := Guard(&BearerJWT{Auth: auth})(okHandler(t, "u1"))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "some-token", auth.lastRaw)
}

func TestBearerStrategyRejects(t *testing.T) {
	cases := []struct {
		name   string
		header string
		err    error
		status int
	}{
		{"no header", "", nil, http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", nil, http.StatusUnauthorized},
		{"empty token", "Bearer ", nil, http.StatusUnauthorized},
		{"invalid token", "Bearer bad", authcore.ErrTokenInvalid, http.StatusUnauthorized},
		{"backend down", "Bearer t", authcore.ErrUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &fakeAuth{err: tc.err}
			handler := Guard(&BearerJWT{Auth: auth})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestLocalStrategy(t *testing.T) {
	auth := &fakeAuth{
		user:   &authcore.User{ID: "u1", Email: "a@b.com"},
		result: &authcore.AuthResult{AccessToken: "at", User: authcore.Profile{ID: "u1"}},
	}
	strategy := &Local{Auth: auth}

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"a@b.com","password":"pw"}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	principal, err := strategy.Validate(req)
	require.NoError(t, err)
	require.Equal(t, "u1", principal.UserID)
	require.NotNil(t, principal.Result)
	require.Equal(t, "a@b.com", auth.lastEmail)
	require.Equal(t, "203.0.113.9", auth.lastIP)
}

func TestLocalStrategyBadBody(t *testing.T) {
	strategy := &Local{Auth: &fakeAuth{}}

	for _, body := range []string{"", "{", `{"email":"a@b.com"}`, `{"password":"pw"}`} {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		_, err := strategy.Validate(req)
		require.ErrorIs(t, err, authcore.ErrInvalidCredentials)
	}
}

func TestLocalStrategyPendingTwoFactor(t *testing.T) {
	auth := &fakeAuth{
		user:    &authcore.User{ID: "u1", Email: "a@b.com", TwoFactorEnabled: true},
		pending: &authcore.TwoFactorRequired{TempToken: "tmp", ExpiresIn: 300},
	}
	strategy := &Local{Auth: auth}

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"a@b.com","password":"pw"}`))
	principal, err := strategy.Validate(req)
	require.NoError(t, err)
	require.Nil(t, principal.Result)
	require.Equal(t, "tmp", principal.Pending.TempToken)
}

func TestRefreshStrategyCookieThenHeader(t *testing.T) {
	auth := &fakeAuth{identity: &authcore.Identity{UserID: "u1"}}
	strategy := &RefreshJWT{Auth: auth, CookieName: "refresh_token"}

	req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "refresh_token", Value: "from-cookie"})
	req.Header.Set("Authorization", "Bearer from-header")

	_, err := strategy.Validate(req)
	require.NoError(t, err)
	require.Equal(t, "from-cookie", auth.lastRaw)

	req = httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	_, err = strategy.Validate(req)
	require.NoError(t, err)
	require.Equal(t, "from-header", auth.lastRaw)

	req = httptest.NewRequest(http.MethodPost, "/refresh", nil)
	_, err = strategy.Validate(req)
	require.ErrorIs(t, err, authcore.ErrTokenInvalid)
}

func TestOAuthStrategySetsProvider(t *testing.T) {
	auth := &fakeAuth{result: &authcore.AuthResult{User: authcore.Profile{ID: "u1", Email: "a@b.com"}}}
	strategy := GitHubOAuth(auth, func(*http.Request) (authcore.OAuthProfile, error) {
		return authcore.OAuthProfile{ExternalID: "gh-1", Email: "a@b.com"}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/callback/github", nil)
	principal, err := strategy.Validate(req)
	require.NoError(t, err)
	require.Equal(t, "u1", principal.UserID)
	require.Equal(t, authcore.ProviderGitHub, auth.profile.Provider)
}

func TestOAuthStrategyExtractorFailure(t *testing.T) {
	strategy := GoogleOAuth(&fakeAuth{}, func(*http.Request) (authcore.OAuthProfile, error) {
		return authcore.OAuthProfile{}, errors.New("exchange failed")
	})

	req := httptest.NewRequest(http.MethodGet, "/callback/google", nil)
	_, err := strategy.Validate(req)
	require.ErrorIs(t, err, authcore.ErrInvalidCredentials)
}

func TestWriteErrorLockout(t *testing.T) {
	rec := httptest.NewRecorder()
	until := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	WriteError(rec, &authcore.LockoutError{LockedUntil: until})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Error       string `json:"error"`
		LockedUntil string `json:"locked_until"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, authcore.ErrAccountLocked.Error(), body.Error)
	require.Equal(t, "2026-08-29T12:00:00Z", body.LockedUntil)
}

func TestWriteErrorHidesReplayDetection(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, authcore.ErrReplayDetected)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, authcore.ErrTokenInvalid.Error(), body.Error)
}

func TestWriteErrorHidesBackendDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("dial tcp 10.0.0.5:6379: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.5")
}
