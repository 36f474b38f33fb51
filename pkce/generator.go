package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// VerifierBytes is the entropy drawn for a PKCE verifier. 32 bytes encode to
	// 43 characters, the RFC 7636 minimum.
	VerifierBytes = 32

	// NonceBytes is the entropy drawn for a state nonce
	NonceBytes = 32
)

var (
	// ErrEntropyUnavailable is returned when the random source fails or returns
	// fewer bytes than requested. Callers must treat it as fatal for the
	// operation; there is no weaker fallback.
	ErrEntropyUnavailable = errors.New("entropy source unavailable")

	// ErrInvalidLength is returned when fewer than one byte is requested
	ErrInvalidLength = errors.New("byte length must be at least 1")
)

// Generator produces URL-safe random strings from a cryptographically strong
// source. It is safe for concurrent use if the underlying reader is.
type Generator struct {
	random io.Reader
}

// NewGenerator returns a generator reading from random, or from crypto/rand
// when random is nil.
func NewGenerator(random io.Reader) *Generator {
	if random == nil {
		random = rand.Reader
	}
	return &Generator{random: random}
}

// Reader exposes the underlying random source so other components (grant IDs,
// sealing keys) draw from the same injected entropy.
func (g *Generator) Reader() io.Reader {
	return g.random
}

// Generate returns byteLength random bytes encoded as unpadded base64url.
func (g *Generator) Generate(byteLength int) (string, error) {
	if byteLength < 1 {
		return "", ErrInvalidLength
	}
	buf := make([]byte, byteLength)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntropyUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateVerifier returns a fresh PKCE code verifier.
func (g *Generator) GenerateVerifier() (string, error) {
	return g.Generate(VerifierBytes)
}

// GenerateNonce returns a fresh state nonce.
func (g *Generator) GenerateNonce() (string, error) {
	return g.Generate(NonceBytes)
}
