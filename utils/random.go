package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// APIKeyPrefix marks keys issued by this server
const APIKeyPrefix = "vs_"

// GenerateRandomHex returns n random bytes hex encoded
func GenerateRandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateAPIKey returns a new plaintext key: "vs_" followed by 48 hex chars
func GenerateAPIKey() (string, error) {
	secret, err := GenerateRandomHex(24)
	if err != nil {
		return "", err
	}
	return APIKeyPrefix + secret, nil
}

// HashAPIKey is the one-way hash stored in place of the key
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
