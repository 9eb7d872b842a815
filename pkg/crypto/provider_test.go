package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)
	provider, err := NewEd25519Provider(keyPair)
	require.NoError(t, err)

	payload := []byte("round:1:validator-1:85.0")
	signature, err := provider.Sign(payload)
	require.NoError(t, err)

	assert.True(t, provider.Verify(payload, signature, keyPair.PublicKey))
	assert.False(t, provider.Verify([]byte("tampered"), signature, keyPair.PublicKey))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)
	provider, err := NewEd25519Provider(keyPair)
	require.NoError(t, err)

	other, err := GenerateKeyPair()
	require.NoError(t, err)

	signature, err := provider.Sign([]byte("payload"))
	require.NoError(t, err)

	assert.False(t, provider.Verify([]byte("payload"), signature, other.PublicKey))
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)
	provider, err := NewEd25519Provider(keyPair)
	require.NoError(t, err)

	signature, err := provider.Sign([]byte("payload"))
	require.NoError(t, err)

	// Short key and short signature must fail, not panic
	assert.False(t, provider.Verify([]byte("payload"), signature, []byte("short-key")))
	assert.False(t, provider.Verify([]byte("payload"), []byte("short-sig"), keyPair.PublicKey))
	assert.False(t, provider.Verify([]byte("payload"), nil, nil))
}

func TestNewProviderRejectsBadKeyPair(t *testing.T) {
	_, err := NewEd25519Provider(nil)
	assert.Error(t, err)

	_, err = NewEd25519Provider(&KeyPair{PrivateKey: []byte("too short")})
	assert.Error(t, err)
}

func TestHashDeterministic(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)
	provider, err := NewEd25519Provider(keyPair)
	require.NoError(t, err)

	first := provider.Hash([]byte("readings"))
	second := provider.Hash([]byte("readings"))

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	assert.NotEqual(t, first, provider.Hash([]byte("other")))
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	generated, err := LoadOrGenerateKeyPair(path, "passphrase")
	require.NoError(t, err)

	loaded, err := LoadOrGenerateKeyPair(path, "passphrase")
	require.NoError(t, err)

	assert.Equal(t, generated.PublicKey, loaded.PublicKey)
	assert.Equal(t, generated.PrivateKey, loaded.PrivateKey)
	assert.Equal(t, "Ed25519", loaded.Algorithm)
}

func TestKeyFileWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	_, err := LoadOrGenerateKeyPair(path, "correct")
	require.NoError(t, err)

	_, err = LoadOrGenerateKeyPair(path, "wrong")
	assert.Error(t, err)
}

func TestEmptyPathSkipsPersistence(t *testing.T) {
	first, err := LoadOrGenerateKeyPair("", "")
	require.NoError(t, err)

	second, err := LoadOrGenerateKeyPair("", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.PublicKey, second.PublicKey)
}
