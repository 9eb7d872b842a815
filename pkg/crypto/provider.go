package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

// Provider is the opaque signing service consumed by the consensus engine.
// Implementations must never report an optimistic result: any key or input
// parse failure yields a failed verification.
type Provider interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature, publicKey []byte) bool
	Hash(data []byte) string
	PublicKey() []byte
}

// KeyPair represents a cryptographic key pair
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	Algorithm  string
	Created    time.Time
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Algorithm:  "Ed25519",
		Created:    time.Now(),
	}, nil
}

// Ed25519Provider implements Provider on Ed25519 keys
type Ed25519Provider struct {
	keyPair *KeyPair
}

// NewEd25519Provider creates a provider from an existing key pair
func NewEd25519Provider(keyPair *KeyPair) (*Ed25519Provider, error) {
	if keyPair == nil || len(keyPair.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key pair")
	}
	return &Ed25519Provider{keyPair: keyPair}, nil
}

// Sign creates a digital signature for data
func (p *Ed25519Provider) Sign(data []byte) ([]byte, error) {
	if len(p.keyPair.PrivateKey) == 0 {
		return nil, fmt.Errorf("private key not available")
	}
	return ed25519.Sign(p.keyPair.PrivateKey, data), nil
}

// Verify checks a digital signature. Malformed keys or signatures fail
// verification rather than erroring out.
func (p *Ed25519Provider) Verify(data, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// Hash creates a hex-encoded SHA-256 digest of data
func (p *Ed25519Provider) Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// PublicKey returns the provider's public key
func (p *Ed25519Provider) PublicKey() []byte {
	return p.keyPair.PublicKey
}

// ExportPublicKey exports the public key in base64 form
func (p *Ed25519Provider) ExportPublicKey() string {
	return base64.StdEncoding.EncodeToString(p.keyPair.PublicKey)
}
