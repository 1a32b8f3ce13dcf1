// Package recovery generates opaque single-use tokens for password reset
// and email verification. The raw value is handed to the user exactly once;
// only its SHA-256 digest is persisted, so lookups go by hash and never by
// the raw value.
package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const rawBytes = 32

type Token struct {
	Raw       string
	Hash      string
	ExpiresAt time.Time
}

func New(ttl time.Duration) (Token, error) {
	const op = "recovery.New"

	buf := make([]byte, rawBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, fmt.Errorf("%s: %w", op, err)
	}

	raw := hex.EncodeToString(buf)

	return Token{
		Raw:       raw,
		Hash:      HashToken(raw),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// HashToken recomputes the stored digest for a raw token presented by an
// untrusted caller.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
