package tracehist

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the iteration count for key derivation.
	pbkdf2Iterations = 100_000
)

// EncryptionConfig configures encryption of archived history blobs.
type EncryptionConfig struct {
	// Enabled turns on encryption for archived blobs.
	Enabled bool `yaml:"enabled"`

	// Key is the raw AES-256 key (32 bytes). Never read from config files.
	Key []byte `yaml:"-"`

	// KeyPassword derives the key via PBKDF2 when Key is unset.
	KeyPassword string `yaml:"key_password"`
}

// Encryptor seals and opens archive blobs with AES-GCM. Each blob carries
// its own key-derivation salt and nonce, so one Encryptor serves many blobs.
type Encryptor struct {
	key      []byte
	password string
}

// NewEncryptor creates an encryptor from a raw key or a password. It returns
// nil when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Key) > 0 {
		if len(cfg.Key) != encryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		return &Encryptor{key: cfg.Key}, nil
	}
	if cfg.KeyPassword == "" {
		return nil, errors.New("encryption enabled but no key or password provided")
	}
	return &Encryptor{password: cfg.KeyPassword}, nil
}

func (e *Encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := e.key
	if len(key) == 0 {
		key = pbkdf2.Key([]byte(e.password), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals a blob. The output layout is salt | nonce | ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, encryptionSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, encryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, encryptionSaltSize+encryptionNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob sealed by Encrypt.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < encryptionSaltSize+encryptionNonceSize {
		return nil, errors.New("encrypted blob too short")
	}
	salt := blob[:encryptionSaltSize]
	nonce := blob[encryptionSaltSize : encryptionSaltSize+encryptionNonceSize]
	ciphertext := blob[encryptionSaltSize+encryptionNonceSize:]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt archive blob: %w", err)
	}
	return plaintext, nil
}
