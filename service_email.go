package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/vivaexcel/authcore/refresh"
	"github.com/vivaexcel/authcore/verification"
)

// VerifyEmail redeems a verification token and marks the account verified.
// The token is single-use; a second redemption fails.
func (s *Service) VerifyEmail(ctx context.Context, verifyToken string) error {
	if s == nil || s.verifier == nil {
		return ErrServiceNotReady
	}

	payload, err := s.verifier.Redeem(ctx, verifyToken)
	if err != nil {
		if errors.Is(err, verification.ErrTokenInvalid) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	user, err := s.findByID(ctx, payload.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrTokenInvalid
	}

	if !user.EmailVerified {
		user.EmailVerified = true
		if err := s.users.Update(ctx, user); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	s.metricInc(MetricEmailVerified)
	s.emitAudit(ctx, auditEventEmailVerified, true, user.ID, "", nil, nil)

	return nil
}

// ResendVerificationEmail issues a fresh verification token, superseding
// any prior one. Already-verified accounts are a no-op.
func (s *Service) ResendVerificationEmail(ctx context.Context, email string) error {
	if s == nil || s.verifier == nil {
		return ErrServiceNotReady
	}

	user, err := s.findByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.EmailVerified {
		return nil
	}

	verifyToken, err := s.verifier.Issue(ctx, user.ID, user.Email)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.sendMail(user.Email, "Verify your email", verificationMailBody(verifyToken))

	return nil
}

// ForgotPassword issues a reset token and emails it. The response is
// identical whether or not the email exists and whether or not the issuance
// budget is exhausted: no enumeration signal leaves this method.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	if s == nil || s.reset == nil {
		return ErrServiceNotReady
	}

	email = normalizeEmail(email)

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user == nil {
		s.metricInc(MetricPasswordResetRequested)
		s.emitAudit(ctx, auditEventResetRequested, true, "", "", nil, map[string]string{"known_account": "false"})
		return nil
	}

	resetToken, err := s.reset.Issue(ctx, user.ID, user.Email)
	if err != nil {
		if errors.Is(err, verification.ErrRateLimited) {
			// Over-quota requests succeed from the caller's perspective.
			s.metricInc(MetricPasswordResetRequested)
			s.emitAudit(ctx, auditEventResetRequested, true, user.ID, "", nil, map[string]string{"rate_limited": "true"})
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.sendMail(user.Email, "Reset your password", resetMailBody(resetToken))

	s.metricInc(MetricPasswordResetRequested)
	s.emitAudit(ctx, auditEventResetRequested, true, user.ID, "", nil, nil)

	return nil
}

// ResetPassword consumes a reset token, installs the new credential, and
// forces re-authentication everywhere: every refresh-token family is
// revoked and every session invalidated.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	if s == nil || s.reset == nil {
		return ErrServiceNotReady
	}
	if newPassword == "" {
		return ErrInvalidCredentials
	}

	payload, err := s.reset.Redeem(ctx, resetToken)
	if err != nil {
		if errors.Is(err, verification.ErrTokenInvalid) {
			s.metricInc(MetricPasswordResetRejected)
			s.emitAudit(ctx, auditEventResetRejected, false, "", "", ErrTokenInvalid, nil)
			return ErrTokenInvalid
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	user, err := s.findByID(ctx, payload.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrTokenInvalid
	}

	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = digest
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := s.refreshTokens.RevokeAllForUser(ctx, user.ID, refresh.ReasonPasswordReset); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := s.sessions.InvalidateAllForUser(ctx, user.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// A fresh credential wipes the failure budget.
	if err := s.guard.Clear(ctx, user.Email); err != nil {
		log.Print("authcore: lockout counter clear failed after password reset")
	}

	s.metricInc(MetricPasswordResetCompleted)
	s.metricInc(MetricSessionInvalidated)
	s.emitAudit(ctx, auditEventResetCompleted, true, user.ID, "", nil, nil)

	return nil
}
