// Package secretbox implements the encrypted envelope protocol between the
// controller and worker daemons. Every worker API body travels as
// {"encrypted": "<base64>"} where the payload is sealed with AES-256-GCM
// under a per-agent key derived from the shared master secret.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// Envelope is the wire form of an encrypted body.
type Envelope struct {
	Encrypted string `json:"encrypted"`
}

// Box seals and opens envelopes for a single agent.
type Box struct {
	aead cipher.AEAD
}

// New derives the per-agent key from the master secret and agent ID and
// returns a ready-to-use Box. Controller and worker call this with the
// same inputs and arrive at the same key; the master secret itself never
// crosses the wire after provisioning.
func New(masterSecret, agentID string) (*Box, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("master secret is empty")
	}
	if agentID == "" {
		return nil, fmt.Errorf("agent id is empty")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), []byte(agentID), []byte("ariana-worker-envelope"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Box{aead: gcm}, nil
}

// Seal encrypts plaintext and returns the base64 payload. The random
// nonce is prepended to the ciphertext before encoding.
func (b *Box) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes and decrypts a base64 payload produced by Seal.
func (b *Box) Open(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(sealed) < b.aead.NonceSize() {
		return nil, fmt.Errorf("payload too short")
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// SealJSON marshals v and seals it into an envelope.
func (b *Box) SealJSON(v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	encrypted, err := b.Seal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Encrypted: encrypted}, nil
}

// OpenJSON opens an envelope and unmarshals the plaintext into v.
func (b *Box) OpenJSON(env *Envelope, v any) error {
	plaintext, err := b.Open(env.Encrypted)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// GenerateMasterSecret returns a fresh random master secret for a new
// machine, base64-encoded for transport in provisioning env vars.
func GenerateMasterSecret() (string, error) {
	raw := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
