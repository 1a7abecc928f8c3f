package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})
	return privateKey, publicKeyPEM
}

func TestEncryptionDecryption(t *testing.T) {
	privateKey, publicKeyPEM := testKeyPair(t)

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Simple string",
			data: []byte("This is a secret value"),
		},
		{
			name: "JSON data",
			data: []byte(`{"username":"svc","password":"secret123"}`),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Long data",
			data: make([]byte, 4096),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptWithPublicKey(publicKeyPEM, tc.data)
			require.NoError(t, err)
			assert.NotEqual(t, tc.data, encrypted)

			decrypted, err := DecryptWithPrivateKey(privateKey, encrypted)
			require.NoError(t, err)
			assert.Equal(t, tc.data, decrypted)
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	_, publicKeyPEM := testKeyPair(t)
	otherKey, _ := testKeyPair(t)

	encrypted, err := EncryptWithPublicKey(publicKeyPEM, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherKey, encrypted)
	assert.Error(t, err)
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	privateKey, publicKeyPEM := testKeyPair(t)

	encrypted, err := EncryptWithPublicKey(publicKeyPEM, []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(privateKey, encrypted[:4])
	assert.Error(t, err)
}

func TestEncryptWithInvalidPEM(t *testing.T) {
	_, err := EncryptWithPublicKey([]byte("not a pem block"), []byte("payload"))
	assert.Error(t, err)
}

func TestDeriveKeyDigest(t *testing.T) {
	salt := []byte("0123456789abcdef")

	d1 := DeriveKeyDigest([]byte("api-key-one"), salt)
	d2 := DeriveKeyDigest([]byte("api-key-one"), salt)
	assert.Equal(t, d1, d2, "same key and salt must derive the same digest")
	assert.Len(t, d1, 32)

	d3 := DeriveKeyDigest([]byte("api-key-two"), salt)
	assert.NotEqual(t, d1, d3, "different keys must derive different digests")

	d4 := DeriveKeyDigest([]byte("api-key-one"), []byte("fedcba9876543210"))
	assert.NotEqual(t, d1, d4, "different salts must derive different digests")
}
