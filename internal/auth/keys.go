package auth

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLength is how many leading characters of an API key are stored
// in clear to narrow the candidate set during lookup.
const KeyPrefixLength = 8

func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// KeyPrefix returns the lookup prefix of key, or "" when key is too short.
func KeyPrefix(key string) string {
	if len(key) < KeyPrefixLength {
		return ""
	}
	return key[:KeyPrefixLength]
}

func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifyAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
