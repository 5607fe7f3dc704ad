package authcore

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidCredentials covers wrong password, unknown email, and failed
	// second-factor codes. Callers get no hint which factor was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked indicates the lockout threshold was reached. Returned
	// wrapped in a [LockoutError] carrying the lockout end time; the error
	// never reveals whether the email or the IP budget tripped.
	ErrAccountLocked = errors.New("account locked")
	// ErrTokenInvalid covers signature failure, expiry, and type mismatch on
	// any token. The cases are deliberately indistinguishable to callers.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrReplayDetected indicates a refresh token was presented after
	// rotation or revocation. The token family has already been revoked by
	// the time this error surfaces; callers treat it as a plain 401.
	ErrReplayDetected = errors.New("token replay detected")
	// ErrEmailTaken indicates a duplicate registration email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrTwoFactorAlreadyEnabled indicates setup was requested while 2FA is
	// already committed.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrTwoFactorNotEnabled indicates a 2FA operation on a user without 2FA.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrRateLimited indicates an issuance budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUnavailable indicates a downstream dependency is unreachable.
	// Lockout recording and rotation fail closed on this error.
	ErrUnavailable = errors.New("service unavailable")
	// ErrServiceNotReady indicates the Service was not fully built.
	ErrServiceNotReady = errors.New("service not initialized")
)

// LockoutError wraps [ErrAccountLocked] with the time the lockout ends.
type LockoutError struct {
	LockedUntil time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked until %s", e.LockedUntil.Format(time.RFC3339))
}

func (e *LockoutError) Unwrap() error {
	return ErrAccountLocked
}

// HTTPStatus maps the error taxonomy onto transport status codes. Unknown
// errors map to 500; backend-unavailable errors to 503.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrReplayDetected):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTwoFactorAlreadyEnabled),
		errors.Is(err, ErrTwoFactorNotEnabled):
		return http.StatusBadRequest
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, ErrAccountLocked),
		errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
