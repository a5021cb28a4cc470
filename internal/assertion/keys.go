package assertion

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IssuersDir is the directory under VAR_PATH holding trusted issuer keys.
const IssuersDir = "issuers"

// KeySet maps an issuer name to its public key.
type KeySet map[string]crypto.PublicKey

// LoadKeys reads every <issuer>.pem under varPath/issuers. A missing
// directory yields an empty set.
func LoadKeys(varPath string) (KeySet, error) {
	dir := filepath.Join(varPath, IssuersDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return KeySet{}, nil
		}
		return nil, fmt.Errorf("read issuer keys: %w", err)
	}

	keys := make(KeySet, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pem" {
			continue
		}
		issuer := strings.TrimSuffix(entry.Name(), ".pem")
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name())) //nolint:gosec // operator-controlled directory
		if err != nil {
			return nil, fmt.Errorf("read key for %s: %w", issuer, err)
		}
		key, err := ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse key for %s: %w", issuer, err)
		}
		keys[issuer] = key
	}
	return keys, nil
}

// ParsePublicKey decodes a PEM encoded RSA, ECDSA or Ed25519 public key.
func ParsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, errors.New("unsupported public key: want RSA, ECDSA or Ed25519 PEM")
	}
	return key, nil
}

// methodsFor lists the signing algorithms accepted for key.
func methodsFor(key crypto.PublicKey) []string {
	switch key.(type) {
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	default:
		return nil
	}
}
