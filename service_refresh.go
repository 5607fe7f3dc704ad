package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/vivaexcel/authcore/password"
	"github.com/vivaexcel/authcore/refresh"
	"github.com/vivaexcel/authcore/session"
	"github.com/vivaexcel/authcore/token"
)

// Refresh rotates a refresh token: the old token is consumed and a new
// pair is issued under the same family. Any anomaly (forged, unknown,
// already-rotated, or expired token) revokes the whole family and surfaces
// as a plain authentication failure; the mass revocation is silent.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*AuthResult, error) {
	if s == nil || s.codec == nil {
		return nil, ErrServiceNotReady
	}

	claims := s.codec.Verify(refreshToken, token.DomainRefresh, token.TypeRefresh)
	if claims == nil {
		s.metricInc(MetricRefreshFailure)
		s.emitAudit(ctx, auditEventRefreshInvalid, false, "", ip, ErrTokenInvalid, nil)
		return nil, ErrTokenInvalid
	}

	_, err := s.refreshTokens.Rotate(ctx, claims.UserID, claims.FamilyID, password.HashToken(refreshToken))
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrNotFound),
			errors.Is(err, refresh.ErrReplayed),
			errors.Is(err, refresh.ErrExpired):
			// Bounds the blast radius of a stolen token: both the attacker
			// and the legitimate client must re-authenticate.
			if _, revokeErr := s.refreshTokens.RevokeFamily(ctx, claims.FamilyID, refresh.ReasonReplay); revokeErr != nil {
				log.Print("authcore: family revocation after rotation anomaly failed")
			}
			s.metricInc(MetricReplayDetected)
			s.metricInc(MetricRefreshFailure)
			s.emitAudit(ctx, auditEventReplayDetected, false, claims.UserID, ip, ErrReplayDetected, map[string]string{"family_id": claims.FamilyID})
			return nil, ErrReplayDetected
		default:
			s.metricInc(MetricRefreshFailure)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	user, err := s.findByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.metricInc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}

	result, err := s.issuePair(ctx, user, claims.FamilyID, session.Origin{IP: ip, UserAgent: userAgent})
	if err != nil {
		return nil, err
	}

	s.metricInc(MetricRefreshSuccess)
	s.emitAudit(ctx, auditEventRefreshSuccess, true, user.ID, ip, nil, nil)

	return result, nil
}
