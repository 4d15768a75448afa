// Package crypto implements the AES-256-GCM envelope used to carry a
// worker's upstream model credential inside its secret bundle.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

const (
	nonceSizeBytes = 12
	tagSizeBytes   = 16
)

// DeriveKey turns an arbitrary-length shared secret into a 32-byte AES-256
// key via SHA-512 truncation.
func DeriveKey(value string) []byte {
	digest := sha512.Sum512([]byte(value))
	return digest[:32]
}

// Encrypt seals plaintext under key and returns the unpadded base64url
// encoding of nonce || ciphertext || tag.
func Encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSizeBytes)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: %w", err)
	}
	nonce := make([]byte, nonceSizeBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := append(nonce, sealed...)
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt, verifying the GCM tag.
func Decrypt(token string, key []byte) (string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: invalid token encoding: %w", err)
	}
	if len(payload) <= nonceSizeBytes+tagSizeBytes {
		return "", fmt.Errorf("op=crypto.Decrypt: invalid token payload")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSizeBytes)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: %w", err)
	}

	nonce := payload[:nonceSizeBytes]
	sealed := payload[nonceSizeBytes:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("op=crypto.Decrypt: invalid token payload: %w", err)
	}
	return string(plaintext), nil
}
