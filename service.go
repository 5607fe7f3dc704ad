package authcore

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vivaexcel/authcore/lockout"
	"github.com/vivaexcel/authcore/password"
	"github.com/vivaexcel/authcore/refresh"
	"github.com/vivaexcel/authcore/session"
	"github.com/vivaexcel/authcore/token"
	"github.com/vivaexcel/authcore/twofactor"
	"github.com/vivaexcel/authcore/verification"
)

// Service is the authentication orchestrator. It composes the support
// components into the register/login/refresh/logout/2FA/OAuth flows and is
// the sole caller of the [UserRepository].
//
// Service instances are intended to be configured during initialization via
// [Builder] and then treated as immutable.
type Service struct {
	config        Config
	hasher        *password.Hasher
	codec         *token.Codec
	refreshTokens *refresh.Store
	sessions      *session.Store
	guard         *lockout.Guard
	twoFactor     *twofactor.Engine
	verifier      *verification.EmailVerifier
	reset         *verification.PasswordReset
	users         UserRepository
	mailer        EmailSender
	audit         *auditDispatcher
	metrics       *Metrics
	dummyDigest   string
}

// Close drains and stops the audit dispatcher.
func (s *Service) Close() {
	if s == nil {
		return
	}
	if s.audit != nil {
		s.audit.Close()
	}
}

// AuditDropped reports audit events dropped under dispatcher backpressure.
func (s *Service) AuditDropped() uint64 {
	if s == nil || s.audit == nil {
		return 0
	}
	return s.audit.Dropped()
}

// MetricsSnapshot copies the current counters.
func (s *Service) MetricsSnapshot() MetricsSnapshot {
	if s == nil || s.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return s.metrics.Snapshot()
}

func (s *Service) metricInc(id MetricID) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.Inc(id)
}

func (s *Service) emitAudit(ctx context.Context, eventType string, success bool, userID, ip string, failure error, meta map[string]string) {
	if s == nil || s.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		UserID:    userID,
		IP:        ip,
		Success:   success,
		Metadata:  meta,
	}
	if failure != nil {
		event.Error = failure.Error()
	}
	s.audit.Emit(ctx, event)
}

// ValidateAccessToken resolves a bearer access token to an [Identity]:
// signature, expiry, type tag, and the logout blacklist all checked.
func (s *Service) ValidateAccessToken(ctx context.Context, raw string) (*Identity, error) {
	if s == nil || s.codec == nil {
		return nil, ErrServiceNotReady
	}

	claims := s.codec.Verify(raw, token.DomainAccess, token.TypeAccess)
	if claims == nil {
		return nil, ErrTokenInvalid
	}

	blacklisted, err := s.sessions.IsBlacklisted(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if blacklisted {
		return nil, ErrTokenInvalid
	}

	return &Identity{
		UserID:        claims.UserID,
		Email:         claims.Email,
		CorrelationID: claims.CorrelationID,
	}, nil
}

// ValidateRefreshToken resolves a refresh token to an [Identity] without
// rotating it: signature, expiry, and a live non-revoked record required.
func (s *Service) ValidateRefreshToken(ctx context.Context, raw string) (*Identity, error) {
	if s == nil || s.codec == nil {
		return nil, ErrServiceNotReady
	}

	claims := s.codec.Verify(raw, token.DomainRefresh, token.TypeRefresh)
	if claims == nil {
		return nil, ErrTokenInvalid
	}
	if !s.refreshTokens.IsValid(ctx, password.HashToken(raw)) {
		return nil, ErrTokenInvalid
	}

	return &Identity{
		UserID:        claims.UserID,
		Email:         claims.Email,
		CorrelationID: claims.CorrelationID,
	}, nil
}

// Sessions lists the user's live sessions.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*session.Session, error) {
	records, err := s.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}

// Unlock clears the lockout state for an identifier (account email or
// lockout.IPIdentifier form). Administrative use.
func (s *Service) Unlock(ctx context.Context, identifier string) error {
	if err := s.guard.Unlock(ctx, normalizeEmailIdentifier(identifier)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// CleanupExpiredTokens sweeps refresh-token index sets, removing entries
// whose records have expired. Idempotent and safe to run concurrently;
// intended for a periodic job outside this core.
func (s *Service) CleanupExpiredTokens(ctx context.Context) (int, error) {
	removed, err := s.refreshTokens.CleanupExpired(ctx)
	if err != nil {
		return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

// issuePair mints an access+refresh pair for the user, persists the refresh
// record, and opens a session. An empty familyID starts a new token family;
// rotation passes the existing one through.
func (s *Service) issuePair(ctx context.Context, user *User, familyID string, origin session.Origin) (*AuthResult, error) {
	correlationID := uuid.NewString()
	if familyID == "" {
		familyID = uuid.NewString()
	}

	accessToken, err := s.codec.Sign(token.Claims{
		UserID:        user.ID,
		Email:         user.Email,
		CorrelationID: correlationID,
		TokenType:     token.TypeAccess,
	}, token.DomainAccess)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.codec.Sign(token.Claims{
		UserID:        user.ID,
		Email:         user.Email,
		CorrelationID: correlationID,
		TokenType:     token.TypeRefresh,
		FamilyID:      familyID,
	}, token.DomainRefresh)
	if err != nil {
		return nil, err
	}

	record := &refresh.Record{
		ID:            uuid.NewString(),
		UserID:        user.ID,
		FamilyID:      familyID,
		TokenHash:     password.HashToken(refreshToken),
		CorrelationID: correlationID,
		IP:            origin.IP,
		UserAgent:     origin.UserAgent,
		ExpiresAt:     time.Now().Add(s.codec.RefreshTTL()).Unix(),
	}
	if err := s.refreshTokens.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := s.sessions.Create(ctx, user.ID, user.Email, correlationID, origin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.metricInc(MetricSessionCreated)

	return &AuthResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
		TokenType:    "Bearer",
		User:         profileOf(user),
	}, nil
}

func (s *Service) findByEmail(ctx context.Context, email string) (*User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return user, nil
}

func (s *Service) findByID(ctx context.Context, id string) (*User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return user, nil
}

// sendMail delivers asynchronously. Delivery failures are logged by the
// caller-supplied sender or swallowed here; they never block a flow.
func (s *Service) sendMail(to, subject, body string) {
	if s.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.mailer.Send(ctx, to, subject, body); err != nil {
			log.Printf("authcore: email delivery to %q failed: %v", to, err)
		}
	}()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// normalizeEmailIdentifier lowercases plain identifiers but leaves ip:
// namespaced ones untouched.
func normalizeEmailIdentifier(identifier string) string {
	if strings.HasPrefix(identifier, "ip:") {
		return identifier
	}
	return normalizeEmail(identifier)
}

func lockoutIdentifiers(email, ip string) []string {
	ids := []string{email}
	if ip != "" {
		ids = append(ids, lockout.IPIdentifier(ip))
	}
	return ids
}
