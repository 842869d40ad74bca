package keydir

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Verifier format: pbkdf2_sha256$<iterations>$<salt_b64>$<dk_b64>.
// The string is self-describing so iteration counts can be raised for new
// keys without invalidating stored ones.
const (
	verifierScheme = "pbkdf2_sha256"

	// DefaultIterations is the PBKDF2 work factor for newly minted keys.
	DefaultIterations = 600_000

	saltLength = 16
	keyLength  = 32
)

// HashKey derives a stored verifier for a new API key.
func HashKey(key string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(key), salt, iterations, keyLength, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s",
		verifierScheme,
		iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(dk),
	), nil
}

// VerifyKey reports whether the presented key matches the stored verifier.
// The comparison is constant-time over the derived key.
func VerifyKey(key, verifier string) (bool, error) {
	parts := strings.Split(verifier, "$")
	if len(parts) != 4 {
		return false, fmt.Errorf("malformed verifier: expected 4 fields, got %d", len(parts))
	}
	if parts[0] != verifierScheme {
		return false, fmt.Errorf("unsupported verifier scheme %q", parts[0])
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false, fmt.Errorf("malformed verifier iteration count %q", parts[1])
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("malformed verifier salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("malformed verifier hash: %w", err)
	}
	got := pbkdf2.Key([]byte(key), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
