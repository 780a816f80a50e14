package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKey = errors.New("unknown key id")

// Envelope is the stored form of a sealed credential.
type Envelope struct {
	KeyID      string `json:"kid"`
	Nonce      string `json:"n"`
	Ciphertext string `json:"ct"`
}

// Keyring seals with the current key and opens with any key it holds, so old
// rows stay readable after a rotation.
type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key %q: new cipher: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key %q: new gcm: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string { return k.currentKeyID }

func (k *Keyring) Seal(plaintext, additional []byte) (Envelope, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, additional)),
	}, nil
}

func (k *Keyring) Open(env Envelope, additional []byte) ([]byte, error) {
	aead, ok := k.aeads[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealCredential encrypts an API key for storage. The principal id is bound as
// additional data: a value copied to another user's row will not open.
func (k *Keyring) SealCredential(principalID, secret string) (string, error) {
	env, err := k.Seal([]byte(secret), []byte(principalID))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) OpenCredential(principalID, raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	pt, err := k.Open(env, []byte(principalID))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Reseal re-encrypts a stored credential under the current key.
func (k *Keyring) Reseal(principalID, raw string) (string, error) {
	plain, err := k.OpenCredential(principalID, raw)
	if err != nil {
		return "", err
	}
	return k.SealCredential(principalID, plain)
}
