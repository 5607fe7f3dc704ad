package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	authcore "github.com/vivaexcel/authcore"
)

type principalContextKey struct{}

// PrincipalFromContext returns the principal the guard stored for the
// request, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}

// Guard wraps a handler with a strategy. A request that fails validation is
// answered by WriteError and never reaches the handler; one that passes gets
// the principal in its context.
func Guard(strategy Strategy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strategy == nil {
				WriteError(w, authcore.ErrServiceNotReady)
				return
			}

			principal, err := strategy.Validate(r)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type errorBody struct {
	Error       string `json:"error"`
	LockedUntil string `json:"locked_until,omitempty"`
}

// WriteError renders an auth error as a JSON response using the shared
// status mapping. Internal detail never reaches the body: the client sees
// the taxonomy error text only.
func WriteError(w http.ResponseWriter, err error) {
	status := authcore.HTTPStatus(err)

	body := errorBody{Error: publicMessage(err)}
	var lockErr *authcore.LockoutError
	if errors.As(err, &lockErr) {
		body.LockedUntil = lockErr.LockedUntil.UTC().Format("2006-01-02T15:04:05Z07:00")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// publicMessage collapses wrapped causes to the taxonomy sentinel so backend
// error strings never leak.
func publicMessage(err error) string {
	// Replay detection is deliberately indistinguishable from a bad token.
	if errors.Is(err, authcore.ErrReplayDetected) {
		return authcore.ErrTokenInvalid.Error()
	}
	for _, sentinel := range []error{
		authcore.ErrInvalidCredentials,
		authcore.ErrAccountLocked,
		authcore.ErrTokenInvalid,
		authcore.ErrEmailTaken,
		authcore.ErrTwoFactorAlreadyEnabled,
		authcore.ErrTwoFactorNotEnabled,
		authcore.ErrRateLimited,
		authcore.ErrUserNotFound,
		authcore.ErrUnavailable,
		authcore.ErrServiceNotReady,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}
