package twofactor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"image/png"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/vivaexcel/authcore/password"
)

const (
	pendingKeyPrefix  = "a2p"
	recoveryKeyPrefix = "a2r"

	pendingRecordVersion1 = 1

	recoveryCodeBytes = 5 // 10 hex chars, rendered as xxxxx-xxxxx
	qrImageSize       = 256
)

var (
	// ErrNoSetupPending indicates no valid setup is in progress for the user.
	ErrNoSetupPending = errors.New("no 2fa setup in progress")
	// ErrCodeInvalid indicates the presented TOTP code did not validate.
	ErrCodeInvalid = errors.New("invalid 2fa code")
	// ErrBackendUnavailable indicates the 2FA backend is unreachable.
	ErrBackendUnavailable = errors.New("2fa backend unavailable")
)

// Config holds second-factor tuning parameters.
type Config struct {
	Issuer            string
	RecoveryCodeCount int           // default 10
	PendingTTL        time.Duration // default 10 minutes
	Period            uint          // default 30 seconds
	Skew              uint          // accepted steps either side
}

// Setup is the material returned to the user during enrollment. Recovery
// codes appear in plaintext exactly once; only their hashes are stored.
type Setup struct {
	Secret        string
	OTPAuthURL    string
	QRCodePNG     string // base64 data URI, scannable
	RecoveryCodes []string
}

// Engine drives the second-factor lifecycle against Redis.
type Engine struct {
	redis  redis.UniversalClient
	config Config
}

// NewEngine creates a second-factor [Engine].
func NewEngine(redisClient redis.UniversalClient, cfg Config) *Engine {
	if cfg.RecoveryCodeCount <= 0 {
		cfg.RecoveryCodeCount = 10
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "authcore"
	}
	return &Engine{redis: redisClient, config: cfg}
}

func (e *Engine) pendingKey(userID string) string {
	return pendingKeyPrefix + ":" + userID
}

func (e *Engine) recoveryKey(userID string) string {
	return recoveryKeyPrefix + ":" + userID
}

// GenerateSetup starts (or restarts) enrollment: a fresh secret, its
// otpauth URI rendered as a QR image, and freshly minted recovery codes.
// Only the secret and the code hashes are stored, TTL-bound; nothing touches
// the permanent record until [Engine.VerifySetup] succeeds.
func (e *Engine) GenerateSetup(ctx context.Context, userID, email string) (*Setup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.Issuer,
		AccountName: email,
		Period:      e.config.Period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	codes := make([]string, 0, e.config.RecoveryCodeCount)
	hashes := make([]string, 0, e.config.RecoveryCodeCount)
	for i := 0; i < e.config.RecoveryCodeCount; i++ {
		raw, err := password.GenerateToken(16)
		if err != nil {
			return nil, err
		}
		code := raw[:recoveryCodeBytes*2]
		display := code[:recoveryCodeBytes] + "-" + code[recoveryCodeBytes:]
		codes = append(codes, display)
		hashes = append(hashes, password.HashToken(normalizeRecoveryCode(display)))
	}

	record := &pendingSetup{Secret: key.Secret(), RecoveryHashes: hashes}
	encoded, err := encodePendingSetup(record)
	if err != nil {
		return nil, err
	}

	if err := e.redis.Set(ctx, e.pendingKey(userID), encoded, e.config.PendingTTL).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return nil, err
	}
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		return nil, err
	}

	return &Setup{
		Secret:        key.Secret(),
		OTPAuthURL:    key.URL(),
		QRCodePNG:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBuf.Bytes()),
		RecoveryCodes: codes,
	}, nil
}

// VerifySetup validates the 6-digit code against the pending secret. On
// success it commits the recovery-code hashes, clears the pending state, and
// returns the secret for the caller to persist on the user record. A wrong
// code returns [ErrCodeInvalid] and leaves the pending state untouched so
// the user may retry within the TTL.
func (e *Engine) VerifySetup(ctx context.Context, userID, code string) (string, error) {
	record, err := e.getPending(ctx, userID)
	if err != nil {
		return "", err
	}

	if !e.VerifyCode(record.Secret, code) {
		return "", ErrCodeInvalid
	}

	members := make([]interface{}, len(record.RecoveryHashes))
	for i, hash := range record.RecoveryHashes {
		members[i] = hash
	}

	_, err = e.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, e.recoveryKey(userID))
		pipe.SAdd(ctx, e.recoveryKey(userID), members...)
		pipe.Del(ctx, e.pendingKey(userID))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return record.Secret, nil
}

// VerifyCode is the stateless login-time check of a 6-digit code against a
// committed secret (30-second step, configured skew).
func (e *Engine) VerifyCode(secret, code string) bool {
	trimmed := strings.TrimSpace(code)
	ok, err := totp.ValidateCustom(trimmed, secret, time.Now(), totp.ValidateOpts{
		Period:    e.config.Period,
		Skew:      e.config.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// VerifyRecoveryCode normalizes and hashes the presented code and consumes
// it if it matches a committed hash. Consumption is a single set-removal, so
// a code accepted once can never be accepted again.
func (e *Engine) VerifyRecoveryCode(ctx context.Context, userID, code string) (bool, error) {
	hash := password.HashToken(normalizeRecoveryCode(code))

	removed, err := e.redis.SRem(ctx, e.recoveryKey(userID), hash).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return removed == 1, nil
}

// RecoveryCodesRemaining reports how many unused recovery codes the user
// still holds.
func (e *Engine) RecoveryCodesRemaining(ctx context.Context, userID string) (int, error) {
	count, err := e.redis.SCard(ctx, e.recoveryKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(count), nil
}

// CancelSetup abandons a pending enrollment without reaching ENABLED.
func (e *Engine) CancelSetup(ctx context.Context, userID string) error {
	if err := e.redis.Del(ctx, e.pendingKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Disable clears committed recovery codes and any pending setup, returning
// the user to NONE. The committed secret itself lives on the user record and
// is cleared by the caller.
func (e *Engine) Disable(ctx context.Context, userID string) error {
	if err := e.redis.Del(ctx, e.pendingKey(userID), e.recoveryKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Engine) getPending(ctx context.Context, userID string) (*pendingSetup, error) {
	data, err := e.redis.Get(ctx, e.pendingKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSetupPending
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	record, err := decodePendingSetup(data)
	if err != nil {
		// Corrupt pending state reads as no setup in progress.
		_ = e.redis.Del(ctx, e.pendingKey(userID)).Err()
		return nil, ErrNoSetupPending
	}

	return record, nil
}

func normalizeRecoveryCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(code) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

type pendingSetup struct {
	Secret         string
	RecoveryHashes []string
}

func encodePendingSetup(record *pendingSetup) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(pendingRecordVersion1)

	if len(record.Secret) > 65535 || len(record.RecoveryHashes) > 65535 {
		return nil, errors.New("pending setup record too large")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Secret))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Secret)

	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.RecoveryHashes))); err != nil {
		return nil, err
	}
	for _, hash := range record.RecoveryHashes {
		if len(hash) > 65535 {
			return nil, errors.New("recovery hash too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(hash))); err != nil {
			return nil, err
		}
		buf.WriteString(hash)
	}

	return buf.Bytes(), nil
}

func decodePendingSetup(data []byte) (*pendingSetup, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingRecordVersion1 {
		return nil, errors.New("invalid pending setup version")
	}

	var secretLen uint16
	if err := binary.Read(reader, binary.BigEndian, &secretLen); err != nil {
		return nil, err
	}
	secret := make([]byte, secretLen)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, err
	}

	var count uint16
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	record := &pendingSetup{
		Secret:         string(secret),
		RecoveryHashes: make([]string, 0, count),
	}
	for i := 0; i < int(count); i++ {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		hash := make([]byte, length)
		if _, err := io.ReadFull(reader, hash); err != nil {
			return nil, err
		}
		record.RecoveryHashes = append(record.RecoveryHashes, string(hash))
	}

	return record, nil
}
