// Package auth authenticates identities by key and issues short-lived
// bearer tokens kept in Redis.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxSecretSize bounds keys accepted for hashing and verification.
const MaxSecretSize = 4096

// DefaultCost is the bcrypt cost used by HashKey.
const DefaultCost = 12

var ErrSecretTooLong = fmt.Errorf("secret is too long, maximum length is %d bytes", MaxSecretSize)

// prehash maps a key of any length to 44 bytes, below bcrypt's 72-byte limit
// and free of NUL bytes.
func prehash(key string) ([]byte, error) {
	if len(key) > MaxSecretSize {
		return nil, ErrSecretTooLong
	}
	sum := sha256.Sum256([]byte(key))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out, nil
}

// HashKey returns the bcrypt hash of key at the given cost (0 means DefaultCost).
func HashKey(key string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultCost
	}
	pre, err := prehash(key)
	if err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword(pre, cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hashed), nil
}

// VerifyKey reports whether key matches hash.
func VerifyKey(key, hash string) (bool, error) {
	pre, err := prehash(key)
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), pre)
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to verify key: %w", err)
	}
	return true, nil
}

// GenerateKey returns a random 32-byte key, hex encoded.
func GenerateKey() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
