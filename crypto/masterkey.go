package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// MasterKeySize is the length of the per-device master key.
const MasterKeySize = 32

const masterKeyPEMType = "CHATGUARD MASTER KEY"

// EnsureMasterKey loads the device master key from disk, generating it on first run.
func EnsureMasterKey(path string) ([]byte, error) {
	key, err := LoadMasterKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := SaveMasterKey(path, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadMasterKey reads a master key PEM file.
func LoadMasterKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode master key PEM: no PEM block")
	}
	if block.Type != masterKeyPEMType {
		return nil, fmt.Errorf("decode master key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != MasterKeySize {
		return nil, fmt.Errorf("decode master key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveMasterKey writes a master key PEM file with 0600 permissions.
func SaveMasterKey(path string, key []byte) error {
	if len(key) != MasterKeySize {
		return fmt.Errorf("save master key: invalid key size %d", len(key))
	}

	data := pem.EncodeToMemory(&pem.Block{Type: masterKeyPEMType, Bytes: key})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write master key: %w", err)
	}

	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of key material.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups a fingerprint into upper-case blocks of four for display.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var groups []string
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}

	return strings.Join(groups, " ")
}
