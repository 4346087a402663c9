package transform

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/agenthands/chunknet/pkg/core"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the byte length of seal keys.
const KeySize = chacha20poly1305.KeySize

// GenerateKey draws a fresh random seal key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key for JSON transport.
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeKey parses a key from its transport form and checks its length.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key encoding: %v", core.ErrInvalidInput, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", core.ErrInvalidInput, KeySize, len(key))
	}
	return key, nil
}
