package security

import (
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedValueCorrupt is returned when a sealed value fails authentication.
var ErrSealedValueCorrupt = errors.New("sealed value failed authentication")

// Sealer protects tokens held in the in-memory ledger with
// XChaCha20-Poly1305. The key is ephemeral: it is drawn from the injected
// random source when the ledger is built and never leaves the process, so a
// heap dump without the key does not expose usable tokens. A disabled Sealer
// passes values through unchanged.
type Sealer struct {
	aead    cipher.AEAD
	random  io.Reader
	enabled bool
}

// NewSealer creates an enabled sealer with a fresh key read from random.
func NewSealer(random io.Reader) (*Sealer, error) {
	if random == nil {
		return nil, fmt.Errorf("random source is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(random, key); err != nil {
		return nil, fmt.Errorf("failed to generate sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead, random: random, enabled: true}, nil
}

// NewDisabledSealer returns a pass-through sealer.
func NewDisabledSealer() *Sealer {
	return &Sealer{}
}

// IsEnabled reports whether values are actually sealed.
func (s *Sealer) IsEnabled() bool {
	return s != nil && s.enabled
}

// Seal encrypts a secret and returns it wrapped in a new Secret holding the
// base64 ciphertext ([nonce][ciphertext]).
func (s *Sealer) Seal(plain Secret) (Secret, error) {
	if !s.IsEnabled() || plain.IsZero() {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+plain.Len()+s.aead.Overhead())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return Secret{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plain.Reveal()), nil)
	return NewSecret(base64.RawStdEncoding.EncodeToString(sealed)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed Secret) (Secret, error) {
	if !s.IsEnabled() || sealed.IsZero() {
		return sealed, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(sealed.Reveal())
	if err != nil {
		return Secret{}, ErrSealedValueCorrupt
	}
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return Secret{}, ErrSealedValueCorrupt
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return Secret{}, ErrSealedValueCorrupt
	}
	return NewSecret(string(plain)), nil
}
