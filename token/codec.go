package token

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Domain selects one of the two independent signing domains. Each domain has
// its own secret, so a token minted in one domain never verifies in the other.
type Domain int

const (
	// DomainAccess signs access tokens and pending-2FA tokens.
	DomainAccess Domain = iota
	// DomainRefresh signs refresh tokens.
	DomainRefresh
)

// Type is the token type tag carried in the typ claim.
type Type string

const (
	// TypeAccess marks a bearer access token.
	TypeAccess Type = "access"
	// TypeRefresh marks a rotating refresh token.
	TypeRefresh Type = "refresh"
	// TypePending2FA marks the short-lived token issued after password
	// validation but before second-factor completion. It is scoped only to
	// the 2FA-completion flow.
	TypePending2FA Type = "pending_2fa"
)

// Config holds codec secrets and lifetimes.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	PendingTTL    time.Duration
	Issuer        string
	Leeway        time.Duration
}

// Claims is the payload carried by every token the codec signs.
type Claims struct {
	UserID        string `json:"uid"`
	Email         string `json:"eml,omitempty"`
	CorrelationID string `json:"cid,omitempty"`
	TokenType     Type   `json:"typ"`
	FamilyID      string `json:"fid,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens in both domains.
//
// Codec instances are intended to be configured during initialization and
// then treated as immutable.
type Codec struct {
	config Config
}

// NewCodec validates the configuration and returns a [Codec]. The two domain
// secrets must be present, of reasonable length, and distinct: shared
// secrets would collapse the domains into one.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, errors.New("token secrets must be >= 32 bytes")
	}
	if subtle.ConstantTimeCompare(cfg.AccessSecret, cfg.RefreshSecret) == 1 {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	return &Codec{config: cfg}, nil
}

// Sign mints a token in the given domain. Issued-at, expiry, and issuer are
// filled by the codec; the lifetime follows the claim type (access, refresh,
// or pending-2FA). Signing a type in the wrong domain is rejected.
func (c *Codec) Sign(claims Claims, domain Domain) (string, error) {
	var ttl time.Duration

	switch claims.TokenType {
	case TypeAccess:
		if domain != DomainAccess {
			return "", errors.New("access token requires access domain")
		}
		ttl = c.config.AccessTTL
	case TypePending2FA:
		if domain != DomainAccess {
			return "", errors.New("pending-2fa token requires access domain")
		}
		ttl = c.config.PendingTTL
	case TypeRefresh:
		if domain != DomainRefresh {
			return "", errors.New("refresh token requires refresh domain")
		}
		ttl = c.config.RefreshTTL
	default:
		return "", errors.New("unknown token type")
	}

	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    c.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret(domain))
}

// Verify parses and validates a token against the given domain and expected
// type tag. Returns the claims, or nil on signature mismatch, expiry, or
// domain/type-tag mismatch. Callers must treat nil as "unauthenticated".
func (c *Codec) Verify(tokenStr string, domain Domain, want Type) *Claims {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return c.secret(domain), nil
	})
	if err != nil {
		return nil
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil
	}
	if claims.TokenType != want {
		return nil
	}
	if claims.UserID == "" {
		return nil
	}

	return claims
}

// AccessTTL exposes the configured access-token lifetime so callers can
// compute remaining lifetimes for blacklisting.
func (c *Codec) AccessTTL() time.Duration {
	return c.config.AccessTTL
}

// RefreshTTL exposes the configured refresh-token lifetime.
func (c *Codec) RefreshTTL() time.Duration {
	return c.config.RefreshTTL
}

// PendingTTL exposes the configured pending-2FA token lifetime.
func (c *Codec) PendingTTL() time.Duration {
	return c.config.PendingTTL
}

func (c *Codec) secret(domain Domain) []byte {
	if domain == DomainRefresh {
		return c.config.RefreshSecret
	}
	return c.config.AccessSecret
}
