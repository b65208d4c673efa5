package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealingInfo = "chatguard preferences v1"

// Sealer encrypts local preference values with a key derived from the device master key.
// The preference name is bound as associated data so values cannot be swapped between keys.
type Sealer struct {
	key []byte
}

// NewSealer derives the preference sealing key from masterKey.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) < MasterKeySize {
		return nil, fmt.Errorf("invalid master key length: got %d want at least %d", len(masterKey), MasterKeySize)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(sealingInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}

	return &Sealer{key: key}, nil
}

// Seal returns nonce || ciphertext for value, bound to name.
func (s *Sealer) Seal(name string, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, value, []byte(name)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(name string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed value too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("open sealed value %q: %w", name, err)
	}

	return plaintext, nil
}
