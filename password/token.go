package password

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// GenerateToken returns byteLength random bytes from crypto/rand encoded as
// lowercase hex. Used for verification, reset, and recovery-code material
// where the token itself carries the entropy.
func GenerateToken(byteLength int) (string, error) {
	if byteLength < 16 {
		return "", errors.New("token length must be >= 16 bytes")
	}

	raw := make([]byte, byteLength)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}

	return hex.EncodeToString(raw), nil
}

// HashToken returns the sha256 digest of token as lowercase hex. This is the
// at-rest form for high-entropy tokens: sha256 is sufficient because the
// preimage is unguessable, and a fast hash keeps lookups off the argon2 path.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
