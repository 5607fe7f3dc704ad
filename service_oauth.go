package authcore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider names accepted by [Service.HandleOAuthCallback].
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// HandleOAuthCallback resolves a normalized provider profile to an account
// and logs it in. Resolution order: by provider id, then by email (linking
// the provider to the existing account), then account creation from the
// profile. GitHub emails are trusted as verified; Google emails only when
// the provider's own verified flag says so. Accounts with a second factor
// get the same pending-2FA short circuit as password login.
func (s *Service) HandleOAuthCallback(ctx context.Context, profile OAuthProfile, ip, userAgent string) (*AuthResult, *TwoFactorRequired, error) {
	if s == nil || s.users == nil {
		return nil, nil, ErrServiceNotReady
	}
	if profile.Provider != ProviderGoogle && profile.Provider != ProviderGitHub {
		return nil, nil, fmt.Errorf("unsupported oauth provider %q", profile.Provider)
	}
	if profile.ExternalID == "" || profile.Email == "" {
		return nil, nil, ErrInvalidCredentials
	}

	email := normalizeEmail(profile.Email)
	verified := profile.Provider == ProviderGitHub ||
		(profile.Provider == ProviderGoogle && profile.EmailVerified)

	user, err := s.users.FindByProviderID(ctx, profile.Provider, profile.ExternalID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if user == nil {
		user, err = s.findByEmail(ctx, email)
		if err != nil {
			return nil, nil, err
		}
		if user != nil {
			// Same email, new provider: link it to the existing account.
			if user.Providers == nil {
				user.Providers = make(map[string]string)
			}
			user.Providers[profile.Provider] = profile.ExternalID
			if verified {
				user.EmailVerified = true
			}
			if user.AvatarURL == "" {
				user.AvatarURL = profile.AvatarURL
			}
			if err := s.users.Update(ctx, user); err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
	}

	if user == nil {
		user = &User{
			ID:            uuid.NewString(),
			Email:         email,
			Name:          profile.Name,
			EmailVerified: verified,
			AvatarURL:     profile.AvatarURL,
			Providers:     map[string]string{profile.Provider: profile.ExternalID},
			Roles:         []string{"user"},
			CreatedAt:     time.Now(),
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	result, twoFactor, err := s.Login(ctx, user, ip, userAgent)
	if err != nil {
		return nil, nil, err
	}
	if result != nil {
		s.metricInc(MetricOAuthLogin)
		s.emitAudit(ctx, auditEventOAuthLogin, true, user.ID, ip, nil, map[string]string{"provider": profile.Provider})
	}

	return result, twoFactor, nil
}
