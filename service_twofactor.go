package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/vivaexcel/authcore/twofactor"
)

// SetupTwoFactor starts (or restarts) second-factor enrollment. The
// returned material includes the plaintext recovery codes; they are shown
// exactly once. Nothing is committed until [Service.VerifyTwoFactor].
func (s *Service) SetupTwoFactor(ctx context.Context, userID string) (*twofactor.Setup, error) {
	if s == nil || s.twoFactor == nil {
		return nil, ErrServiceNotReady
	}

	user, err := s.findByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.TwoFactorEnabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	setup, err := s.twoFactor.GenerateSetup(ctx, user.ID, user.Email)
	if err != nil {
		if errors.Is(err, twofactor.ErrBackendUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	s.emitAudit(ctx, auditEventTwoFactorSetup, true, user.ID, "", nil, nil)

	return setup, nil
}

// VerifyTwoFactor completes enrollment: the code proves possession of the
// pending secret, the secret moves onto the user record, and the recovery
// codes commit. A wrong code leaves the pending setup intact for retry.
func (s *Service) VerifyTwoFactor(ctx context.Context, userID, code string) error {
	if s == nil || s.twoFactor == nil {
		return ErrServiceNotReady
	}

	user, err := s.findByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.TwoFactorEnabled {
		return ErrTwoFactorAlreadyEnabled
	}

	secret, err := s.twoFactor.VerifySetup(ctx, user.ID, code)
	if err != nil {
		switch {
		case errors.Is(err, twofactor.ErrNoSetupPending):
			return ErrTwoFactorNotEnabled
		case errors.Is(err, twofactor.ErrCodeInvalid):
			return ErrInvalidCredentials
		default:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	user.TwoFactorEnabled = true
	user.TwoFactorSecret = secret
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.emitAudit(ctx, auditEventTwoFactorEnable, true, user.ID, "", nil, nil)

	return nil
}

// DisableTwoFactor turns the second factor off after re-proving the
// password. Recovery codes and any pending setup are cleared with it.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, plainPassword string) error {
	if s == nil || s.twoFactor == nil {
		return ErrServiceNotReady
	}

	user, err := s.findByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}
	if user.PasswordHash == "" || !s.hasher.Verify(user.PasswordHash, plainPassword) {
		return ErrInvalidCredentials
	}

	if err := s.twoFactor.Disable(ctx, user.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.emitAudit(ctx, auditEventTwoFactorOff, true, user.ID, "", nil, nil)

	return nil
}

// CancelTwoFactorSetup abandons a pending enrollment.
func (s *Service) CancelTwoFactorSetup(ctx context.Context, userID string) error {
	if s == nil || s.twoFactor == nil {
		return ErrServiceNotReady
	}
	if err := s.twoFactor.CancelSetup(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecoveryCodesRemaining reports how many unused recovery codes the user
// still holds.
func (s *Service) RecoveryCodesRemaining(ctx context.Context, userID string) (int, error) {
	if s == nil || s.twoFactor == nil {
		return 0, ErrServiceNotReady
	}
	count, err := s.twoFactor.RecoveryCodesRemaining(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}
