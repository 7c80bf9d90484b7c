// Package vault encrypts secrets at rest and seals payloads exchanged with
// tenants outside the normal request channel.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecrypt is returned for any ciphertext that cannot be opened. Callers
// treat it as "value unavailable".
var ErrDecrypt = errors.New("vault: unable to decrypt value")

type Vault struct {
	key []byte
}

// New derives the AES-256 key from the master secret.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault: master secret is empty")
	}
	return &Vault{key: deriveKey(masterSecret)}, nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	return encrypt(v.key, []byte(plaintext))
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	plain, err := decrypt(v.key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// encrypt returns base64(iv || AES-CBC(pkcs7(plaintext))).
func encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: read iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func decrypt(key []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrDecrypt)
	}
	if len(raw) < 2*aes.BlockSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	if len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrDecrypt)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	plain, err = unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return b[:len(b)-n], nil
}
