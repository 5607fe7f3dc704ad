package twofactor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewEngine(rdb, Config{
		Issuer:            "authcore-test",
		RecoveryCodeCount: 10,
		PendingTTL:        10 * time.Minute,
		Period:            30,
		Skew:              1,
	}), mr
}

func codeFor(t *testing.T, secret string) string {
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

func TestGenerateSetupReturnsMaterial(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.GenerateSetup(ctx, "user-1", "a@b.com")
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)
	require.Contains(t, setup.OTPAuthURL, "otpauth://totp/")
	require.Contains(t, setup.OTPAuthURL, "authcore-test")
	require.True(t, strings.HasPrefix(setup.QRCodePNG, "data:image/png;base64,"))
	require.Len(t, setup.RecoveryCodes, 10)
	for _, code := range setup.RecoveryCodes {
		require.Len(t, code, 11) // xxxxx-xxxxx
	}

	// Nothing committed yet.
	remaining, err := engine.RecoveryCodesRemaining(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestVerifySetupHappyPath(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.GenerateSetup(ctx, "user-1", "a@b.com")
	require.NoError(t, err)

	secret, err := engine.VerifySetup(ctx, "user-1", codeFor(t, setup.Secret))
	require.NoError(t, err)
	require.Equal(t, setup.Secret, secret)

	remaining, err := engine.RecoveryCodesRemaining(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 10, remaining)

	// Pending state consumed.
	_, err = engine.VerifySetup(ctx, "user-1", codeFor(t, setup.Secret))
	require.ErrorIs(t, err, ErrNoSetupPending)

	require.True(t, engine.VerifyCode(secret, codeFor(t, secret)))
	require.False(t, engine.VerifyCode(secret, "000000"))
}

func TestVerifySetupWrongCodeLeavesPendingIntact(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.GenerateSetup(ctx, "user-1", "a@b.com")
	require.NoError(t, err)

	_, err = engine.VerifySetup(ctx, "user-1", "000000")
	require.ErrorIs(t, err, ErrCodeInvalid)

	// Retry within the TTL succeeds.
	secret, err := engine.VerifySetup(ctx, "user-1", codeFor(t, setup.Secret))
	require.NoError(t, err)
	require.Equal(t, setup.Secret, secret)
}

func TestVerifySetupExpiredPending(t *testing.T) {
	engine, mr := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.GenerateSetup(ctx, "user-1", "a@b.com")
	require.NoError(t, err)

	mr.FastForward(11 * time.Minute)

	_, err = engine.VerifySetup(ctx, "user-1", codeFor(t, setup.Secret))
	require.ErrorIs(t, err, ErrNoSetupPending)
}

func TestCorruptPendingReadsAsNoSetup(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.redis.Set(ctx, engine.pendingKey("user-1"), []byte{0xFF, 0x00}, time.Minute).Err())

	_, err := engine.VerifySetup(ctx, "user-1", "123456")
	require.ErrorIs(t, err, ErrNoSetupPending)
}

func TestRecoveryCodeSingleUse(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.GenerateSetup(ctx, "user-1", "a@b.com")
	require.NoError(t, err)
	_, err = engine.VerifySetup(ctx, "user-1", codeFor(t, setup.Secret))
	require.NoError(t, err)

	code := setup.RecoveryCodes[3]

	// Accepted with sloppy formatting.
	ok, err := engine.VerifyRecoveryCode(ctx, "user-1", "  "+strings.ToUpper(code)+" ")
	require.NoError(t, err)
	require.True(t, ok)

	remaining, err := engine.RecoveryCodesRemaining(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 9, remaining)

	// Second use rejected.
	ok, err = engine.VerifyRecoveryCode(ctx, "user-1", code)
	require.NoError(t, err)
	require.False(t, ok)

	// Unknown code rejected without touching the set.
	ok, err = engine.VerifyRecoveryCode(ctx, "user-1", "zzzzz-zzzzz")
	require.NoError(t, err)
	require.False(t, ok)

	remaining, err = engine.RecoveryCodesRemaining(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 9, remaining)
}

func TestDisableClearsAllState(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.GenerateSetup(ctx, "user-1", "a@b.com")
	require.NoError(t, err)
	_, err = engine.VerifySetup(ctx, "user-1", codeFor(t, setup.Secret))
	require.NoError(t, err)

	require.NoError(t, engine.Disable(ctx, "user-1"))

	remaining, err := engine.RecoveryCodesRemaining(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, remaining)

	ok, err := engine.VerifyRecoveryCode(ctx, "user-1", setup.RecoveryCodes[0])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelSetupReturnsToNone(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	setup, err := engine.GenerateSetup(ctx, "user-1", "a@b.com")
	require.NoError(t, err)

	require.NoError(t, engine.CancelSetup(ctx, "user-1"))

	_, err = engine.VerifySetup(ctx, "user-1", codeFor(t, setup.Secret))
	require.ErrorIs(t, err, ErrNoSetupPending)
}
