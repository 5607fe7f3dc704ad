package authcore

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/vivaexcel/authcore/session"
	"github.com/vivaexcel/authcore/token"
)

// ValidateCredentials is the local credential check run before Login. It
// enforces the dual lockout budgets (account email and network origin),
// verifies the password, transparently rehashes stale digests, and keeps
// the failure counters. On lockout it returns a [LockoutError]; the caller
// cannot tell which budget tripped.
func (s *Service) ValidateCredentials(ctx context.Context, email, plainPassword, ip string) (*User, error) {
	if s == nil || s.users == nil {
		return nil, ErrServiceNotReady
	}

	email = normalizeEmail(email)
	ids := lockoutIdentifiers(email, ip)

	status, err := s.guard.StatusAny(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status.IsLocked {
		s.metricInc(MetricLoginLockedOut)
		s.emitAudit(ctx, auditEventLoginLockedOut, false, "", ip, ErrAccountLocked, map[string]string{"email": email})
		return nil, &LockoutError{LockedUntil: status.LockedUntil}
	}

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	digest := s.dummyDigest
	if user != nil && user.PasswordHash != "" {
		digest = user.PasswordHash
	}

	if !s.hasher.Verify(digest, plainPassword) || user == nil || user.PasswordHash == "" {
		return nil, s.recordLoginFailure(ctx, email, ip, ids)
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		if fresh, err := s.hasher.Hash(plainPassword); err == nil {
			user.PasswordHash = fresh
			// Rehash persistence is best-effort and must not block login.
			if err := s.users.Update(ctx, user); err != nil {
				log.Print("authcore: password rehash update failed")
			}
		}
	}

	if err := s.guard.ClearAll(ctx, ids...); err != nil {
		log.Print("authcore: lockout counter clear failed after successful validation")
	}

	return user, nil
}

// recordLoginFailure charges both budgets. Recording fails closed: a
// failure that cannot be counted surfaces as [ErrUnavailable], not as a
// credential error.
func (s *Service) recordLoginFailure(ctx context.Context, email, ip string, ids []string) error {
	status, err := s.guard.RecordFailureAll(ctx, ids...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.metricInc(MetricLoginFailure)
	s.emitAudit(ctx, auditEventLoginFailure, false, "", ip, ErrInvalidCredentials, map[string]string{"email": email})

	if status.IsLocked {
		s.metricInc(MetricLoginLockedOut)
		return &LockoutError{LockedUntil: status.LockedUntil}
	}
	return ErrInvalidCredentials
}

// Login turns a validated user into tokens. Accounts with a second factor
// get a short-lived pending-2FA token instead of a real pair; everyone else
// gets an access+refresh pair and a session.
func (s *Service) Login(ctx context.Context, user *User, ip, userAgent string) (*AuthResult, *TwoFactorRequired, error) {
	if s == nil || s.codec == nil {
		return nil, nil, ErrServiceNotReady
	}
	if user == nil {
		return nil, nil, ErrInvalidCredentials
	}

	if user.TwoFactorEnabled {
		tempToken, err := s.codec.Sign(token.Claims{
			UserID:        user.ID,
			Email:         user.Email,
			CorrelationID: uuid.NewString(),
			TokenType:     token.TypePending2FA,
		}, token.DomainAccess)
		if err != nil {
			return nil, nil, err
		}

		s.metricInc(MetricTwoFactorRequired)
		s.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, ip, nil, map[string]string{"second_factor": "pending"})

		return nil, &TwoFactorRequired{
			TempToken: tempToken,
			ExpiresIn: int64(s.codec.PendingTTL().Seconds()),
		}, nil
	}

	result, err := s.issuePair(ctx, user, "", session.Origin{IP: ip, UserAgent: userAgent})
	if err != nil {
		return nil, nil, err
	}

	s.metricInc(MetricLoginSuccess)
	s.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, ip, nil, nil)

	return result, nil, nil
}

// CompleteTwoFactorLogin exchanges a pending-2FA token plus a TOTP code (or
// a recovery code) for a real token pair. A pending token is never accepted
// by access-token endpoints, and a wrong code is a plain credential failure.
func (s *Service) CompleteTwoFactorLogin(ctx context.Context, tempToken, code string, isRecoveryCode bool, ip, userAgent string) (*AuthResult, error) {
	if s == nil || s.codec == nil {
		return nil, ErrServiceNotReady
	}

	claims := s.codec.Verify(tempToken, token.DomainAccess, token.TypePending2FA)
	if claims == nil {
		s.metricInc(MetricTwoFactorFailure)
		return nil, ErrTokenInvalid
	}

	user, err := s.findByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.TwoFactorEnabled {
		return nil, ErrTokenInvalid
	}

	if isRecoveryCode {
		ok, err := s.twoFactor.VerifyRecoveryCode(ctx, user.ID, code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !ok {
			s.metricInc(MetricTwoFactorFailure)
			s.emitAudit(ctx, auditEventTwoFactorLogin, false, user.ID, ip, ErrInvalidCredentials, map[string]string{"method": "recovery"})
			return nil, ErrInvalidCredentials
		}
	} else if !s.twoFactor.VerifyCode(user.TwoFactorSecret, code) {
		s.metricInc(MetricTwoFactorFailure)
		s.emitAudit(ctx, auditEventTwoFactorLogin, false, user.ID, ip, ErrInvalidCredentials, map[string]string{"method": "totp"})
		return nil, ErrInvalidCredentials
	}

	result, err := s.issuePair(ctx, user, "", session.Origin{IP: ip, UserAgent: userAgent})
	if err != nil {
		return nil, err
	}

	s.metricInc(MetricTwoFactorSuccess)
	s.metricInc(MetricLoginSuccess)
	s.emitAudit(ctx, auditEventTwoFactorLogin, true, user.ID, ip, nil, nil)

	return result, nil
}

// LoginWithPassword is the convenience composition of ValidateCredentials
// and Login for transports that do not use the strategy layer.
func (s *Service) LoginWithPassword(ctx context.Context, email, plainPassword, ip, userAgent string) (*AuthResult, *TwoFactorRequired, error) {
	user, err := s.ValidateCredentials(ctx, email, plainPassword, ip)
	if err != nil {
		return nil, nil, err
	}
	return s.Login(ctx, user, ip, userAgent)
}
