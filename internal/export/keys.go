package export

import (
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("export: invalid key format")
	ErrUnsupportedKey   = errors.New("export: unsupported key type (expected Ed25519)")
	ErrKeyDecryption    = errors.New("export: key is encrypted (passphrase required)")
)

// LoadSigningKey reads an Ed25519 private key from file. Supports raw
// 32-byte seeds, raw 64-byte private keys, and OpenSSH format.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(keyData) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(keyData), nil
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(keyData), nil
	}
	return parseOpenSSHKey(keyData)
}

func parseOpenSSHKey(keyData []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, ErrInvalidKeyFormat
	}

	parsedKey, err := ssh.ParseRawPrivateKey(keyData)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, ErrKeyDecryption
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}

	switch key := parsedKey.(type) {
	case *ed25519.PrivateKey:
		return *key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, ErrUnsupportedKey
	}
}
