package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32
)

type keyFile struct {
	Salt       []byte    `json:"salt"`
	Ciphertext []byte    `json:"ciphertext"`
	Algorithm  string    `json:"algorithm"`
	Created    time.Time `json:"created"`
}

// DeriveKey derives an encryption key from a passphrase
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdfIterations, keyLength, sha256.New)
}

// GenerateSalt generates a random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// LoadOrGenerateKeyPair reads the node key from disk, creating and persisting
// a fresh key pair on first run. The private key is stored AES-GCM encrypted
// under a pbkdf2-derived key.
func LoadOrGenerateKeyPair(path, passphrase string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair()
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		return decryptKeyFile(raw, passphrase)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := writeKeyFile(path, keyPair, passphrase); err != nil {
		return nil, err
	}
	return keyPair, nil
}

func writeKeyFile(path string, keyPair *KeyPair, passphrase string) error {
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}

	aead, err := newAEAD(DeriveKey([]byte(passphrase), salt))
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	kf := keyFile{
		Salt:       salt,
		Ciphertext: aead.Seal(nonce, nonce, keyPair.PrivateKey, nil),
		Algorithm:  keyPair.Algorithm,
		Created:    keyPair.Created,
	}

	encoded, err := json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("encoding key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

func decryptKeyFile(raw []byte, passphrase string) (*KeyPair, error) {
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("decoding key file: %w", err)
	}

	aead, err := newAEAD(DeriveKey([]byte(passphrase), kf.Salt))
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(kf.Ciphertext) < nonceSize {
		return nil, fmt.Errorf("key file ciphertext too short")
	}

	nonce := kf.Ciphertext[:nonceSize]
	privateKey, err := aead.Open(nil, nonce, kf.Ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting key file: %w", err)
	}

	if len(privateKey) != 64 {
		return nil, fmt.Errorf("unexpected private key length %d", len(privateKey))
	}

	return &KeyPair{
		PublicKey:  privateKey[32:],
		PrivateKey: privateKey,
		Algorithm:  kf.Algorithm,
		Created:    kf.Created,
	}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
