// Package crypto seals auction-site session credentials at rest and
// authenticates credential pushes from the browser extension.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the OWASP-recommended minimum for HMAC-SHA256.
	DefaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	currentVersion    = 1
)

// ErrWrongSecret is returned when a sealed blob fails authentication.
var ErrWrongSecret = errors.New("crypto: decryption failed (wrong secret?)")

// envelope is the stored form of a sealed blob.
type envelope struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations,omitempty"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts small secrets with a key derived from a process secret.
// Every Seal call uses a fresh salt and nonce.
type Sealer struct {
	secret     []byte
	iterations int
}

// NewSealer returns a Sealer keyed by secret. iterations <= 0 selects
// DefaultIterations.
func NewSealer(secret string, iterations int) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("crypto: credential secret must not be empty")
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Sealer{secret: []byte(secret), iterations: iterations}, nil
}

// Seal encrypts plaintext with PBKDF2-HMAC-SHA256 key derivation and
// AES-256-GCM, returning a JSON envelope.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := s.aead(salt, s.iterations)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.Marshal(envelope{
		Version:    currentVersion,
		Iterations: s.iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	})
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed envelope: %w", err)
	}
	if env.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported version %d", env.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	iterations := env.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	gcm, err := s.aead(salt, iterations)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: bad nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongSecret
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.secret, salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
