package authcore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vivaexcel/authcore/refresh"
	"github.com/vivaexcel/authcore/token"
)

// Logout ends the current login: the access token is blacklisted for its
// remaining lifetime, the session it belongs to is invalidated, and, when
// the refresh token is supplied, its whole family is revoked.
func (s *Service) Logout(ctx context.Context, userID, accessToken, refreshToken string) error {
	if s == nil || s.codec == nil {
		return ErrServiceNotReady
	}

	if claims := s.codec.Verify(accessToken, token.DomainAccess, token.TypeAccess); claims != nil && claims.UserID == userID {
		remaining := time.Until(claims.ExpiresAt.Time)
		if err := s.sessions.BlacklistToken(ctx, accessToken, remaining); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s.invalidateSessionByCorrelation(ctx, userID, claims.CorrelationID)
	}

	if refreshToken != "" {
		if claims := s.codec.Verify(refreshToken, token.DomainRefresh, token.TypeRefresh); claims != nil && claims.UserID == userID {
			if _, err := s.refreshTokens.RevokeFamily(ctx, claims.FamilyID, refresh.ReasonLogout); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
	}

	s.metricInc(MetricLogout)
	s.emitAudit(ctx, auditEventLogout, true, userID, "", nil, nil)

	return nil
}

// LogoutAll revokes every refresh-token family and invalidates every live
// session for the user. Returns the number of sessions destroyed.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	if s == nil || s.sessions == nil {
		return 0, ErrServiceNotReady
	}

	if _, err := s.refreshTokens.RevokeAllForUser(ctx, userID, refresh.ReasonLogout); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count, err := s.sessions.InvalidateAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.metricInc(MetricLogoutAll)
	if count > 0 {
		s.metricInc(MetricSessionInvalidated)
	}
	s.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, nil)

	return count, nil
}

// invalidateSessionByCorrelation drops the session opened alongside the
// access token being logged out. Best-effort: the session also dies with
// its TTL.
func (s *Service) invalidateSessionByCorrelation(ctx context.Context, userID, correlationID string) {
	records, err := s.sessions.ListForUser(ctx, userID)
	if err != nil {
		log.Print("authcore: session lookup during logout failed")
		return
	}
	for _, record := range records {
		if record.CorrelationID == correlationID {
			if err := s.sessions.Invalidate(ctx, record.SessionID); err != nil {
				log.Print("authcore: session invalidation during logout failed")
				continue
			}
			s.metricInc(MetricSessionInvalidated)
		}
	}
}
