package authcore

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{ErrInvalidCredentials, http.StatusUnauthorized},
		{ErrTokenInvalid, http.StatusUnauthorized},
		{ErrReplayDetected, http.StatusUnauthorized},
		{ErrTwoFactorAlreadyEnabled, http.StatusBadRequest},
		{ErrTwoFactorNotEnabled, http.StatusBadRequest},
		{ErrUserNotFound, http.StatusNotFound},
		{ErrEmailTaken, http.StatusConflict},
		{ErrAccountLocked, http.StatusTooManyRequests},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.status, HTTPStatus(tc.err))
	}

	// Wrapped sentinels map the same as bare ones.
	require.Equal(t, http.StatusServiceUnavailable,
		HTTPStatus(fmt.Errorf("%w: dial tcp refused", ErrUnavailable)))
}

func TestLockoutErrorUnwraps(t *testing.T) {
	until := time.Now().Add(15 * time.Minute)
	err := error(&LockoutError{LockedUntil: until})

	require.ErrorIs(t, err, ErrAccountLocked)
	require.Equal(t, http.StatusTooManyRequests, HTTPStatus(err))

	var lockErr *LockoutError
	require.ErrorAs(t, err, &lockErr)
	require.Equal(t, until, lockErr.LockedUntil)
}
