package tokenvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const envelopeVersion = 1

var (
	// ErrCiphertextInvalid is returned when a stored ciphertext fails
	// authentication or cannot be decoded. No partial plaintext is ever
	// returned alongside it.
	ErrCiphertextInvalid = errors.New("ciphertext_invalid")

	// ErrKeyMissing is returned when the vault is constructed without key
	// material.
	ErrKeyMissing = errors.New("encryption_key_missing")
)

type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault encrypts OAuth tokens at rest with AES-256-GCM. The key is derived
// once from the configured secret; there is no rotation path.
type Vault struct {
	key []byte
}

// New derives the vault key from the configured secret.
func New(secret string) (*Vault, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrKeyMissing
	}
	sum := sha256.Sum256([]byte(secret))
	return &Vault{key: sum[:]}, nil
}

// Encrypt seals plaintext with a fresh random nonce. Two calls with the same
// plaintext produce different ciphertexts.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	out, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decrypt opens a sealed envelope. Tampered or malformed input yields
// ErrCiphertextInvalid.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	var payload envelope
	if err := json.Unmarshal([]byte(ciphertext), &payload); err != nil {
		return "", ErrCiphertextInvalid
	}
	if payload.Version != envelopeVersion {
		return "", ErrCiphertextInvalid
	}

	nonce, err := base64.RawStdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	sealed, err := base64.RawStdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", ErrCiphertextInvalid
	}

	gcm, err := v.aead()
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", ErrCiphertextInvalid
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCiphertextInvalid
	}
	return string(plain), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	if v == nil || len(v.key) == 0 {
		return nil, ErrKeyMissing
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
