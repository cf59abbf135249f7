// Package seal encrypts commitment values at rest. Each auction gets its own key derived
// from a master key, and each value is bound to its participant.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of a master key in bytes.
const KeySize = 32

var (
	// ErrInvalidKey indicates a master key of the wrong size.
	ErrInvalidKey = errors.New("seal key must be 32 bytes")
	// ErrOpen indicates a sealed value could not be authenticated.
	ErrOpen = errors.New("opening sealed value")
)

// Sealed is an encrypted value. It never prints its content.
type Sealed []byte

// String implements fmt.Stringer.
func (s Sealed) String() string {
	return "<sealed>"
}

// GoString implements fmt.GoStringer.
func (s Sealed) GoString() string {
	return "<sealed>"
}

// Format implements fmt.Formatter so every verb, including %x and %+v, prints the marker.
func (s Sealed) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, "<sealed>")
}

// MarshalJSON keeps sealed bytes out of JSON output.
func (s Sealed) MarshalJSON() ([]byte, error) {
	return []byte(`"<sealed>"`), nil
}

// Sealer seals and opens commitment values.
type Sealer struct {
	master []byte
}

// New returns a Sealer using the provided master key.
func New(master []byte) (*Sealer, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Sealer{master: append([]byte(nil), master...)}, nil
}

// NewFromHex returns a Sealer from a hex-encoded master key.
func NewFromHex(key string) (*Sealer, error) {
	b, err := hex.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("decoding seal key: %w", ErrInvalidKey)
	}
	return New(b)
}

// GenerateKey returns a random master key.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, fmt.Errorf("reading random key: %s", err)
	}
	return k, nil
}

// LoadOrCreateKey reads a hex-encoded master key from path, creating one if the file does
// not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		k, err := hex.DecodeString(strings.TrimSpace(string(b)))
		if err != nil || len(k) != KeySize {
			return nil, fmt.Errorf("reading %s: %w", path, ErrInvalidKey)
		}
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading seal key: %s", err)
	}
	k, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key dir: %s", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(k)), 0600); err != nil {
		return nil, fmt.Errorf("writing seal key: %s", err)
	}
	return k, nil
}

// Seal encrypts value for participant in the given auction scope.
func (s *Sealer) Seal(scope, participant string, value []byte) (Sealed, error) {
	aead, err := s.aead(scope)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("reading nonce: %s", err)
	}
	return aead.Seal(nonce, nonce, value, []byte(participant)), nil
}

// Open decrypts a sealed value. It fails if the value was sealed for another scope or
// participant.
func (s *Sealer) Open(scope, participant string, sealed Sealed) ([]byte, error) {
	aead, err := s.aead(scope)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrOpen
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(participant))
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

func (s *Sealer) aead(scope string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, s.master, nil, []byte("sealbid/commitment/"+scope))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %s", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %s", err)
	}
	return aead, nil
}
