package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// TokenCrypt encrypts bank access and refresh tokens before they reach
// the users table. Ciphertext is nonce||box, base64 encoded. A nil
// TokenCrypt (no key configured) passes tokens through unchanged, which
// is acceptable only for local development.
type TokenCrypt struct {
	key [32]byte
}

// NewTokenCrypt builds a TokenCrypt from a 64-char hex key. An empty key
// returns nil.
func NewTokenCrypt(hexKey string) (*TokenCrypt, error) {
	if hexKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("token crypt key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("token crypt key must be 32 bytes, got %d", len(raw))
	}
	tc := &TokenCrypt{}
	copy(tc.key[:], raw)
	return tc, nil
}

// Encrypt seals a plaintext token.
func (tc *TokenCrypt) Encrypt(plaintext string) (string, error) {
	if tc == nil {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &tc.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed token.
func (tc *TokenCrypt) Decrypt(ciphertext string) (string, error) {
	if tc == nil {
		return ciphertext, nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode token ciphertext: %w", err)
	}
	if len(raw) < 24 {
		return "", fmt.Errorf("token ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	opened, ok := secretbox.Open(nil, raw[24:], &nonce, &tc.key)
	if !ok {
		return "", fmt.Errorf("failed to open token ciphertext")
	}
	return string(opened), nil
}
