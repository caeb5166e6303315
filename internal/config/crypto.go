package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrInvalidCiphertext is returned when the ciphertext is invalid.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// tokenCipherVersion is prepended to every ciphertext EncryptToken produces,
// so a future change to this gateway's at-rest token format (a KDF, a
// different AEAD) can be introduced without silently misdecrypting an
// accounts.yaml written by an older binary — DecryptToken rejects any
// version it doesn't recognize instead of attempting to decrypt it.
const tokenCipherVersion byte = 1

// EncryptToken encrypts a token for storage in an account's
// api_key_encrypted field, using AES-256-GCM under key (which must be
// exactly 32 bytes, as produced by GenerateKey).
func EncryptToken(plaintext, key string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	ciphertext := make([]byte, 0, len(sealed)+1)
	ciphertext = append(ciphertext, tokenCipherVersion)
	ciphertext = append(ciphertext, sealed...)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptToken decrypts a token encrypted with EncryptToken, used by
// Loader.LoadAccounts to recover an account's api_key_encrypted field at
// startup.
func DecryptToken(ciphertext, key string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(data) < 1 || data[0] != tokenCipherVersion {
		return "", fmt.Errorf("%w: unrecognized token cipher version", ErrInvalidCiphertext)
	}
	data = data[1:]

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

func newGCM(key string) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKey generates a random 32-character encryption key (24 random
// bytes, unpadded URL-safe base64), suitable for use as the gateway's
// --secret-key / WRISTCLAW_GATEWAY_SECRET_KEY: EncryptToken and DecryptToken
// use the key string's 32 bytes directly as the AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}
