package syncengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM.
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation.
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size.
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
)

// EncryptionConfig configures at-rest encryption of queued payloads and
// entity snapshots. Financial field values never touch disk in the clear
// when enabled.
type EncryptionConfig struct {
	// Enabled turns on encryption for persisted payloads.
	Enabled bool `yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `yaml:"-"`
	// KeyPassword is used to derive the encryption key via PBKDF2.
	KeyPassword string `yaml:"key_password,omitempty"`
	// Salt is the key derivation salt. Generated and persisted alongside
	// the store on first open if empty.
	Salt []byte `yaml:"-"`
}

// Encryptor provides encryption/decryption for persisted payload blocks.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptor creates a new encryptor from a key or password.
// Returns (nil, nil) when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	salt := cfg.Salt
	if len(salt) == 0 {
		salt = make([]byte, EncryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	} else if len(salt) != EncryptionSaltSize {
		return nil, errors.New("invalid salt size")
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the key derivation salt, persisted with the store so the
// same key can be re-derived on the next open.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt seals data with a random nonce prepended to the ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := e.gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens data produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < EncryptionNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := data[:EncryptionNonceSize]
	return e.gcm.Open(nil, nonce, data[EncryptionNonceSize:], nil)
}
