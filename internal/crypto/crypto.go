package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

const hkdfInfo = "broker service credential v1"

// Sealer encrypts vendor credentials at rest with AES-256-GCM. Each blob is
// bound to the owning service id as associated data, so a credential copied
// onto another service row fails to open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from secret. A 64-char hex string is used as the
// raw key; any other non-empty secret is stretched to 32 bytes with HKDF-SHA256.
// An empty secret returns nil, which stores credentials unencrypted.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, nil
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

func deriveKey(secret string) ([]byte, error) {
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == 32 {
		return raw, nil
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Seal encrypts credential for serviceID. Output is base64(nonce || ciphertext).
func (s *Sealer) Seal(serviceID, credential string) (string, error) {
	if s == nil {
		return credential, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(credential), []byte(serviceID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(serviceID, blob string) (string, error) {
	if s == nil {
		return blob, nil
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, []byte(serviceID))
	if err != nil {
		return "", fmt.Errorf("decrypting credential for %s: %w", serviceID, err)
	}

	return string(plaintext), nil
}
