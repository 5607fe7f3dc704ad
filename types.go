package authcore

import (
	"context"
	"time"
)

// User is the account record exchanged with the [UserRepository]. The
// repository owns persistence; the Service owns every mutation that happens
// through an authentication flow (verification flag, credential hash, 2FA
// state, provider links).
type User struct {
	ID               string
	Email            string // unique, stored lowercase
	Name             string
	PasswordHash     string // empty for OAuth-only accounts
	EmailVerified    bool
	TwoFactorEnabled bool
	TwoFactorSecret  string
	Providers        map[string]string // provider -> external id
	AvatarURL        string
	Roles            []string
	CreatedAt        time.Time
}

// Profile is the user shape embedded in [AuthResult]. Credential material
// never leaves the core.
type Profile struct {
	ID               string
	Email            string
	Name             string
	EmailVerified    bool
	TwoFactorEnabled bool
	AvatarURL        string
	CreatedAt        time.Time
	Roles            []string
}

func profileOf(u *User) Profile {
	roles := make([]string, len(u.Roles))
	copy(roles, u.Roles)
	return Profile{
		ID:               u.ID,
		Email:            u.Email,
		Name:             u.Name,
		EmailVerified:    u.EmailVerified,
		TwoFactorEnabled: u.TwoFactorEnabled,
		AvatarURL:        u.AvatarURL,
		CreatedAt:        u.CreatedAt,
		Roles:            roles,
	}
}

// AuthResult is the successful outcome of register, login, refresh, and
// OAuth flows.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access-token lifetime in seconds
	TokenType    string
	User         Profile
}

// TwoFactorRequired is returned instead of an [AuthResult] when the account
// has a second factor. TempToken is accepted only by
// [Service.CompleteTwoFactorLogin].
type TwoFactorRequired struct {
	TempToken string
	ExpiresIn int64 // seconds
}

// Identity is the authenticated principal resolved from an access or
// refresh token.
type Identity struct {
	UserID        string
	Email         string
	CorrelationID string
}

// UserRepository is the integration point to the relational user store.
// Lookups return (nil, nil) when no user matches; an error means the store
// itself failed.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	FindByProviderID(ctx context.Context, provider, externalID string) (*User, error)
	Create(ctx context.Context, user *User) error
	Update(ctx context.Context, user *User) error
}

// EmailSender delivers outbound mail. Calls are fire-and-forget from the
// Service's perspective: failures are logged and never block a flow.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// OAuthProfile is the normalized profile handed over by the transport layer
// after the provider exchange. EmailVerified carries the provider's own
// verification claim.
type OAuthProfile struct {
	Provider      string // "google" or "github"
	ExternalID    string
	Email         string
	Name          string
	AvatarURL     string
	EmailVerified bool
}
