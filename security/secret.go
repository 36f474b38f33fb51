package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Redacted is the fixed rendering of every Secret.
const Redacted = "***"

// fingerprintLength is the number of hex characters kept from the SHA-256
// digest when fingerprinting a secret.
const fingerprintLength = 16

// Secret holds credential material (access tokens, refresh tokens, PKCE
// verifiers) in memory. Every formatting path renders it as Redacted, so a
// Secret can be passed to loggers, fmt verbs and encoders without leaking.
// Only Reveal returns the raw value.
type Secret struct {
	value string
}

// NewSecret wraps a raw value.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the raw value. Callers must not log it.
func (s Secret) Reveal() string { return s.value }

// IsZero reports whether the secret is empty.
func (s Secret) IsZero() bool { return s.value == "" }

// Len returns the length of the raw value.
func (s Secret) Len() int { return len(s.value) }

// Fingerprint returns a fixed-length hash of the value, safe for logs and
// audit records. Empty secrets fingerprint to "<empty>".
func (s Secret) Fingerprint() string {
	return hashForLogging(s.value)
}

// String implements fmt.Stringer.
func (s Secret) String() string { return Redacted }

// GoString implements fmt.GoStringer so %#v stays redacted.
func (s Secret) GoString() string { return `security.Secret("` + Redacted + `")` }

// Format implements fmt.Formatter for every verb, including %x and %q.
func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(Redacted))
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(Redacted)
}

// MarshalJSON always encodes the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Redacted + `"`), nil
}

// MarshalText always encodes the redacted form.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(Redacted), nil
}

// Fingerprint hashes an arbitrary sensitive string the same way
// Secret.Fingerprint does. Used for nonces and subject references.
func Fingerprint(sensitive string) string {
	return hashForLogging(sensitive)
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:fingerprintLength]
}
