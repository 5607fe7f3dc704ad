package authcore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vivaexcel/authcore/session"
)

// Register creates a new password account, issues the email-verification
// token, and logs the user straight in. Registration with an email that
// already exists fails with [ErrEmailTaken].
func (s *Service) Register(ctx context.Context, email, plainPassword, name, ip, userAgent string) (*AuthResult, error) {
	if s == nil || s.users == nil {
		return nil, ErrServiceNotReady
	}

	email = normalizeEmail(email)
	if email == "" || plainPassword == "" {
		return nil, ErrInvalidCredentials
	}

	existing, err := s.findByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.metricInc(MetricRegisterDuplicate)
		s.emitAudit(ctx, auditEventRegister, false, "", ip, ErrEmailTaken, map[string]string{"email": email})
		return nil, ErrEmailTaken
	}

	digest, err := s.hasher.Hash(plainPassword)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: digest,
		Roles:        []string{"user"},
		CreatedAt:    time.Now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if verifyToken, err := s.verifier.Issue(ctx, user.ID, user.Email); err == nil {
		s.sendMail(user.Email, "Verify your email", verificationMailBody(verifyToken))
	}

	result, err := s.issuePair(ctx, user, "", session.Origin{IP: ip, UserAgent: userAgent})
	if err != nil {
		return nil, err
	}

	s.metricInc(MetricRegisterSuccess)
	s.emitAudit(ctx, auditEventRegister, true, user.ID, ip, nil, nil)

	return result, nil
}

func verificationMailBody(token string) string {
	return "Use this token to verify your email address: " + token
}

func resetMailBody(token string) string {
	return "Use this token to reset your password: " + token
}
