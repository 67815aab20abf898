package digest

import (
	"crypto/hmac"
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// NameKeyEnv is the env var holding the optional naming key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	NameKeyEnv = "ANCHOR_STORE_NAME_KEY"

	// MinNameKeyBytes is the smallest accepted naming key.
	MinNameKeyBytes = 32
)

// HashSHA3Hex returns the SHA3-256 hex digest of s.
func HashSHA3Hex(s string) string {
	sum := sha3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA3Hex returns the HMAC-SHA3-256 hex digest of s using key.
func HashHMACSHA3Hex(s string, key []byte) string {
	m := hmac.New(sha3.New256, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// NameKeyFromEnv returns the configured naming key, enforcing minBytes.
func NameKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(NameKeyEnv))
	if raw == "" {
		return nil, ErrNameKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrNameKeyTooShort
	}
	return b, nil
}

// Namer derives storage names from anchor identities.
type Namer struct {
	key []byte
}

// NewNamer returns a Namer. A nil or empty key selects plain SHA3-256.
func NewNamer(key []byte) Namer {
	if len(key) == 0 {
		return Namer{}
	}
	return Namer{key: append([]byte(nil), key...)}
}

// Keyed reports whether names are HMAC-derived.
func (n Namer) Keyed() bool { return len(n.key) > 0 }

// Name returns the storage name for anchorID.
func (n Namer) Name(anchorID string) string {
	if len(n.key) == 0 {
		return HashSHA3Hex(anchorID)
	}
	return HashHMACSHA3Hex(anchorID, n.key)
}
