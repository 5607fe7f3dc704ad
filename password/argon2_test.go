package password

import (
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Memory:      65536,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashAndVerify(t *testing.T) {
	hasher, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher error: %v", err)
	}

	digest, err := hasher.Hash("P@ssw0rd-Ascii")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	if !strings.HasPrefix(digest, "$argon2id$v=19$m=65536,t=3,p=2$") {
		t.Fatalf("unexpected PHC prefix: %s", digest)
	}

	if !hasher.Verify(digest, "P@ssw0rd-Ascii") {
		t.Fatal("expected password verification to succeed")
	}
	if hasher.Verify(digest, "wrong-password") {
		t.Fatal("expected wrong password verification to fail")
	}
}

func TestVerifyMalformedDigestReturnsFalse(t *testing.T) {
	hasher, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher error: %v", err)
	}

	for _, digest := range []string{
		"",
		"not-a-phc-string",
		"$argon2id$v=19$m=65536,t=3,p=2$bad$digest",
		"$bcrypt$v=19$m=65536,t=3,p=2$YWJj$YWJj",
	} {
		if hasher.Verify(digest, "anything") {
			t.Fatalf("malformed digest %q verified as true", digest)
		}
	}
}

func TestNeedsRehashOnParameterDrift(t *testing.T) {
	oldHasher, err := NewHasher(Config{
		Memory:      32768,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewHasher(old) error: %v", err)
	}

	digest, err := oldHasher.Hash("test-password")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	newHasher, err := NewHasher(testConfig())
	if err != nil {
		t.Fatalf("NewHasher(new) error: %v", err)
	}

	if !newHasher.NeedsRehash(digest) {
		t.Fatal("expected digest from weaker parameters to need rehash")
	}
	if oldHasher.NeedsRehash(digest) {
		t.Fatal("expected digest at current parameters to not need rehash")
	}
	if !newHasher.NeedsRehash("garbage") {
		t.Fatal("expected malformed digest to need rehash")
	}
}

func TestGenerateTokenAndHashToken(t *testing.T) {
	token, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(token))
	}

	other, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}
	if token == other {
		t.Fatal("two generated tokens must not collide")
	}

	if _, err := GenerateToken(8); err == nil {
		t.Fatal("expected error for short token length")
	}

	h1 := HashToken(token)
	h2 := HashToken(token)
	if h1 != h2 {
		t.Fatal("HashToken must be deterministic")
	}
	if len(h1) != 64 {
		t.Fatalf("expected sha256 hex digest length 64, got %d", len(h1))
	}
	if h1 == HashToken(other) {
		t.Fatal("distinct tokens must not share a digest")
	}
}
