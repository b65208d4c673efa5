package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// IVSize is the length of the random IV prefixed to every envelope.
const IVSize = aes.BlockSize

var (
	ErrKeyMissing        = errors.New("shared key missing")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrCryptoFailure     = errors.New("crypto failure")
)

// SharedKey is the symmetric AES key shared by all participants of a conversation.
type SharedKey []byte

// ParseSharedKey decodes a base64 AES key as stored in the remote config record.
func ParseSharedKey(encoded string) (SharedKey, error) {
	encoded = stripWhitespace(encoded)
	if encoded == "" {
		return nil, ErrKeyMissing
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode shared key: %w", err)
	}
	key := SharedKey(raw)
	if err := key.validate(); err != nil {
		return nil, err
	}

	return key, nil
}

// String returns the base64 encoding used for local caching.
func (k SharedKey) String() string {
	return base64.StdEncoding.EncodeToString(k)
}

// Fingerprint returns a short hex digest of the key, safe to log.
func (k SharedKey) Fingerprint() string {
	if len(k) == 0 {
		return ""
	}
	sum := sha256.Sum256(k)
	return hex.EncodeToString(sum[:8])
}

// Clone returns an independent copy, so wiping the original does not affect it.
func (k SharedKey) Clone() SharedKey {
	if k == nil {
		return nil
	}
	return append(SharedKey(nil), k...)
}

// Wipe zeroes the key material in place.
func (k SharedKey) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

func (k SharedKey) validate() error {
	switch len(k) {
	case 0:
		return ErrKeyMissing
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: invalid AES key size %d", ErrCryptoFailure, len(k))
	}
}

// Envelope is an encrypted message body: IV followed by AES-CBC ciphertext.
type Envelope struct {
	IV         []byte
	Ciphertext []byte
}

// Encode returns base64(IV || Ciphertext).
func (e Envelope) Encode() string {
	buf := make([]byte, 0, len(e.IV)+len(e.Ciphertext))
	buf = append(buf, e.IV...)
	buf = append(buf, e.Ciphertext...)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeEnvelope parses a transported envelope. Line breaks and other whitespace are ignored.
func DecodeEnvelope(encoded string) (Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(encoded))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(raw) < IVSize {
		return Envelope{}, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMalformedEnvelope, len(raw), IVSize)
	}

	env := Envelope{IV: raw[:IVSize], Ciphertext: raw[IVSize:]}
	if len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 {
		return Envelope{}, fmt.Errorf("%w: ciphertext length %d", ErrMalformedEnvelope, len(env.Ciphertext))
	}

	return env, nil
}

// Encrypt seals plaintext with AES-CBC under a fresh random IV and returns the encoded envelope.
func Encrypt(key SharedKey, plaintext string) (string, error) {
	if err := key.validate(); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: create AES cipher: %v", ErrCryptoFailure, err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("%w: generate IV: %v", ErrCryptoFailure, err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return Envelope{IV: iv, Ciphertext: ciphertext}.Encode(), nil
}

// Decrypt opens an encoded envelope. It never returns the envelope text as plaintext.
func Decrypt(key SharedKey, encoded string) (string, error) {
	if err := key.validate(); err != nil {
		return "", err
	}

	env, err := DecodeEnvelope(encoded)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: create AES cipher: %v", ErrCryptoFailure, err)
	}

	padded := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(block, env.IV).CryptBlocks(padded, env.Ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrCryptoFailure)
	}

	return string(plaintext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length %d", ErrCryptoFailure, len(data))
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("%w: invalid padding", ErrCryptoFailure)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrCryptoFailure)
		}
	}

	return data[:len(data)-n], nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}
