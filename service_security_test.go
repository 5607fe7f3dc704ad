package authcore

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestRefreshRotation(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	first := env.register(t, "a@b.com", "correct-horse")

	second, err := env.svc.Refresh(ctx, first.RefreshToken, "", "")
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	identity, err := env.svc.ValidateAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)
	require.Equal(t, first.User.ID, identity.UserID)
}

func TestRefreshReplayRevokesFamily(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	first := env.register(t, "a@b.com", "correct-horse")

	second, err := env.svc.Refresh(ctx, first.RefreshToken, "", "")
	require.NoError(t, err)

	// Replaying the rotated-out token trips detection.
	_, err = env.svc.Refresh(ctx, first.RefreshToken, "", "")
	require.ErrorIs(t, err, ErrReplayDetected)
	require.Equal(t, 401, HTTPStatus(err))

	// The current token dies with the family.
	_, err = env.svc.Refresh(ctx, second.RefreshToken, "", "")
	require.ErrorIs(t, err, ErrReplayDetected)

	snap := env.svc.MetricsSnapshot()
	require.GreaterOrEqual(t, snap.Counters[MetricReplayDetected], uint64(2))
}

func TestRefreshWithGarbageToken(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.register(t, "a@b.com", "correct-horse")

	_, err := env.svc.Refresh(ctx, "not-a-jwt", "", "")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAccessTokenRejectedAsRefresh(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	result := env.register(t, "a@b.com", "correct-horse")

	// Domain separation: an access token never rotates.
	_, err := env.svc.Refresh(ctx, result.AccessToken, "", "")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPasswordResetRevokesEverything(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	first := env.register(t, "a@b.com", "correct-horse")

	// A second device logs in.
	second, _, err := env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "198.51.100.7", "other-device")
	require.NoError(t, err)

	sessions, err := env.svc.Sessions(ctx, first.User.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	require.NoError(t, env.svc.ForgotPassword(ctx, "a@b.com"))
	resetToken := tokenFromMail(env.mailer.wait(t))

	require.NoError(t, env.svc.ResetPassword(ctx, resetToken, "new-battery-staple"))

	// Every session is gone and both refresh families are dead.
	sessions, err = env.svc.Sessions(ctx, first.User.ID)
	require.NoError(t, err)
	require.Empty(t, sessions)

	_, err = env.svc.Refresh(ctx, first.RefreshToken, "", "")
	require.Error(t, err)
	require.Equal(t, 401, HTTPStatus(err))
	_, err = env.svc.Refresh(ctx, second.RefreshToken, "", "")
	require.Error(t, err)

	// The old password is out, the new one is in.
	_, _, err = env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = env.svc.LoginWithPassword(ctx, "a@b.com", "new-battery-staple", "", "")
	require.NoError(t, err)

	// The token was consumed on redemption.
	require.ErrorIs(t, env.svc.ResetPassword(ctx, resetToken, "another-pass"), ErrTokenInvalid)
}

func TestForgotPasswordDoesNotLeakAccountExistence(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.register(t, "known@b.com", "correct-horse")

	require.NoError(t, env.svc.ForgotPassword(ctx, "known@b.com"))
	env.mailer.wait(t)

	require.NoError(t, env.svc.ForgotPassword(ctx, "unknown@b.com"))

	// Exhausting the issuance budget still reports success.
	require.NoError(t, env.svc.ForgotPassword(ctx, "known@b.com"))
	env.mailer.wait(t)
	require.NoError(t, env.svc.ForgotPassword(ctx, "known@b.com"))
	env.mailer.wait(t)
	require.NoError(t, env.svc.ForgotPassword(ctx, "known@b.com"))
	require.NoError(t, env.svc.ForgotPassword(ctx, "known@b.com"))

	// No mail went out for the unknown or over-quota requests.
	select {
	case mail := <-env.mailer.sent:
		t.Fatalf("unexpected mail to %s", mail.To)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.register(t, "a@b.com", "correct-horse")

	for i := 0; i < 4; i++ {
		_, _, err := env.svc.LoginWithPassword(ctx, "a@b.com", "wrong", "", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The fifth failure trips the lock.
	_, _, err := env.svc.LoginWithPassword(ctx, "a@b.com", "wrong", "", "")
	require.ErrorIs(t, err, ErrAccountLocked)
	var lockErr *LockoutError
	require.ErrorAs(t, err, &lockErr)
	require.WithinDuration(t, time.Now().Add(15*time.Minute), lockErr.LockedUntil, time.Minute)

	// Locked means locked, even with the right password.
	_, _, err = env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.ErrorIs(t, err, ErrAccountLocked)
	require.Equal(t, 429, HTTPStatus(err))

	require.NoError(t, env.svc.Unlock(ctx, "a@b.com"))

	_, _, err = env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.NoError(t, err)
}

func TestLockoutClearsOnSuccess(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.register(t, "a@b.com", "correct-horse")

	for i := 0; i < 3; i++ {
		_, _, err := env.svc.LoginWithPassword(ctx, "a@b.com", "wrong", "", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err := env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.NoError(t, err)

	// The budget reset: four more misses before the lock, not two.
	for i := 0; i < 4; i++ {
		_, _, err := env.svc.LoginWithPassword(ctx, "a@b.com", "wrong", "", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestUnknownEmailLoginIsInvalidCredentials(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	_, _, err := env.svc.LoginWithPassword(ctx, "nobody@b.com", "whatever", "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 401, HTTPStatus(err))
}

func TestTwoFactorEnrollmentAndLogin(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	result := env.register(t, "a@b.com", "correct-horse")
	userID := result.User.ID

	setup, err := env.svc.SetupTwoFactor(ctx, userID)
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)
	require.Len(t, setup.RecoveryCodes, 10)

	// Password still works alone until enrollment is verified.
	_, twoFactor, err := env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.NoError(t, err)
	require.Nil(t, twoFactor)

	require.ErrorIs(t, env.svc.VerifyTwoFactor(ctx, userID, "000000"), ErrInvalidCredentials)
	require.NoError(t, env.svc.VerifyTwoFactor(ctx, userID, totpCode(t, setup.Secret)))

	// From now on, password login stops at the pending step.
	auth, twoFactor, err := env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.NoError(t, err)
	require.Nil(t, auth)
	require.NotEmpty(t, twoFactor.TempToken)

	// The temp token is not an access token.
	_, err = env.svc.ValidateAccessToken(ctx, twoFactor.TempToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, err = env.svc.CompleteTwoFactorLogin(ctx, twoFactor.TempToken, "000000", false, "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	auth, err = env.svc.CompleteTwoFactorLogin(ctx, twoFactor.TempToken, totpCode(t, setup.Secret), false, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, auth.AccessToken)
}

func TestTwoFactorRecoveryCodeLogin(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	result := env.register(t, "a@b.com", "correct-horse")
	userID := result.User.ID

	setup, err := env.svc.SetupTwoFactor(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, env.svc.VerifyTwoFactor(ctx, userID, totpCode(t, setup.Secret)))

	_, twoFactor, err := env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.NoError(t, err)

	auth, err := env.svc.CompleteTwoFactorLogin(ctx, twoFactor.TempToken, setup.RecoveryCodes[0], true, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, auth.AccessToken)

	remaining, err := env.svc.RecoveryCodesRemaining(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 9, remaining)

	// Recovery codes burn on use.
	_, twoFactor, err = env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.NoError(t, err)
	_, err = env.svc.CompleteTwoFactorLogin(ctx, twoFactor.TempToken, setup.RecoveryCodes[0], true, "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDisableTwoFactor(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	result := env.register(t, "a@b.com", "correct-horse")
	userID := result.User.ID

	require.ErrorIs(t, env.svc.DisableTwoFactor(ctx, userID, "correct-horse"), ErrTwoFactorNotEnabled)

	setup, err := env.svc.SetupTwoFactor(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, env.svc.VerifyTwoFactor(ctx, userID, totpCode(t, setup.Secret)))

	require.ErrorIs(t, env.svc.DisableTwoFactor(ctx, userID, "wrong"), ErrInvalidCredentials)
	require.NoError(t, env.svc.DisableTwoFactor(ctx, userID, "correct-horse"))

	// Password alone suffices again.
	auth, twoFactor, err := env.svc.LoginWithPassword(ctx, "a@b.com", "correct-horse", "", "")
	require.NoError(t, err)
	require.Nil(t, twoFactor)
	require.NotEmpty(t, auth.AccessToken)
}

func TestOAuthCallbackFlows(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	// First callback creates the account.
	auth, twoFactor, err := env.svc.HandleOAuthCallback(ctx, OAuthProfile{
		Provider:      ProviderGoogle,
		ExternalID:    "google-123",
		Email:         "oauth@b.com",
		Name:          "OAuth User",
		EmailVerified: true,
	}, "", "")
	require.NoError(t, err)
	require.Nil(t, twoFactor)
	require.True(t, auth.User.EmailVerified)

	// Second callback resolves to the same account.
	again, _, err := env.svc.HandleOAuthCallback(ctx, OAuthProfile{
		Provider:      ProviderGoogle,
		ExternalID:    "google-123",
		Email:         "oauth@b.com",
		EmailVerified: true,
	}, "", "")
	require.NoError(t, err)
	require.Equal(t, auth.User.ID, again.User.ID)

	// A GitHub identity with the same email links to the account.
	linked, _, err := env.svc.HandleOAuthCallback(ctx, OAuthProfile{
		Provider:   ProviderGitHub,
		ExternalID: "gh-456",
		Email:      "OAuth@B.com",
	}, "", "")
	require.NoError(t, err)
	require.Equal(t, auth.User.ID, linked.User.ID)

	user, err := env.repo.FindByID(ctx, auth.User.ID)
	require.NoError(t, err)
	require.Equal(t, "google-123", user.Providers[ProviderGoogle])
	require.Equal(t, "gh-456", user.Providers[ProviderGitHub])

	_, _, err = env.svc.HandleOAuthCallback(ctx, OAuthProfile{Provider: "gitlab", ExternalID: "x", Email: "x@y.com"}, "", "")
	require.Error(t, err)
}

func TestOAuthRespectsTwoFactor(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	result := env.register(t, "a@b.com", "correct-horse")

	setup, err := env.svc.SetupTwoFactor(ctx, result.User.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.VerifyTwoFactor(ctx, result.User.ID, totpCode(t, setup.Secret)))

	auth, twoFactor, err := env.svc.HandleOAuthCallback(ctx, OAuthProfile{
		Provider:   ProviderGitHub,
		ExternalID: "gh-789",
		Email:      "a@b.com",
	}, "", "")
	require.NoError(t, err)
	require.Nil(t, auth)
	require.NotEmpty(t, twoFactor.TempToken)
}
