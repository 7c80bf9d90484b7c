package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TransitMaxAge bounds how old (or how far in the future) an envelope may be.
const TransitMaxAge = 300 * time.Second

var (
	ErrTransitSignature = errors.New("vault: transit signature mismatch")
	ErrTransitExpired   = errors.New("vault: transit envelope expired")
)

// Envelope is a payload sealed with a tenant's API key.
type Envelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type sealed struct {
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Transit seals and opens envelopes. Now is overridable in tests.
type Transit struct {
	Now func() time.Time
}

func NewTransit() *Transit {
	return &Transit{Now: time.Now}
}

func (t *Transit) Seal(apiKey string, payload any) (*Envelope, error) {
	if apiKey == "" {
		return nil, errors.New("vault: transit key is empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vault: marshal transit payload: %w", err)
	}

	ts := t.Now().Unix()
	inner, err := json.Marshal(sealed{Timestamp: ts, Data: data})
	if err != nil {
		return nil, err
	}

	key := deriveKey(apiKey)
	ciphertext, err := encrypt(key, inner)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Payload:   ciphertext,
		Signature: sign(key, ciphertext),
		Timestamp: ts,
	}, nil
}

// Open verifies env and decodes its data into out.
func (t *Transit) Open(apiKey string, env *Envelope, out any) error {
	if env == nil || env.Payload == "" || env.Signature == "" {
		return fmt.Errorf("%w: incomplete envelope", ErrDecrypt)
	}

	key := deriveKey(apiKey)
	got, err := hex.DecodeString(env.Signature)
	if err != nil || !hmac.Equal(got, mac(key, env.Payload)) {
		return ErrTransitSignature
	}

	age := t.Now().Sub(time.Unix(env.Timestamp, 0))
	if age > TransitMaxAge || age < -TransitMaxAge {
		return ErrTransitExpired
	}

	plain, err := decrypt(key, env.Payload)
	if err != nil {
		return err
	}

	var inner sealed
	if err := json.Unmarshal(plain, &inner); err != nil {
		return fmt.Errorf("%w: malformed transit payload", ErrDecrypt)
	}
	if inner.Timestamp != env.Timestamp {
		return ErrTransitSignature
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(inner.Data, out); err != nil {
		return fmt.Errorf("vault: decode transit data: %w", err)
	}
	return nil
}

func mac(key []byte, payload string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

func sign(key []byte, payload string) string {
	return hex.EncodeToString(mac(key, payload))
}
