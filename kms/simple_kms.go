// Package kms manages the key material used to protect stored secrets.
package kms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/funcbox/funcbox/cryptoutils"
)

// SimpleKMS provides a deterministic key management implementation.
// It derives the service's secrets keypair from a master key, so the same
// seed always yields the same keypair. Suitable for single-node
// deployments where the seed is provisioned out of band.
type SimpleKMS struct {
	masterKey []byte
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	k := &SimpleKMS{masterKey: make([]byte, len(masterKey))}
	copy(k.masterKey, masterKey)
	return k, nil
}

// WithSeed creates a new SimpleKMS with the provided seed.
// Useful for testing with deterministic keys.
func (k *SimpleKMS) WithSeed(seed []byte) *SimpleKMS {
	newkms := &SimpleKMS{masterKey: make([]byte, len(seed))}
	copy(newkms.masterKey, seed)
	return newkms
}

// secretsKey derives the P-256 keypair protecting stored secrets.
func (k *SimpleKMS) secretsKey() *ecdsa.PrivateKey {
	material := sha256.Sum256(append([]byte("secrets-encryption/"), k.masterKey...))

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(material[:])
	// Clamp into [1, N-1] so the scalar is always a valid private key.
	d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
	d.Add(d, big.NewInt(1))

	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv
}

// SecretsPublicKeyPEM returns the PKIX PEM encoding of the public half of
// the secrets keypair. Operator tooling encrypts secret values against this
// key before handing them to the management API or writing them to a store.
func (k *SimpleKMS) SecretsPublicKeyPEM() ([]byte, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(&k.secretsKey().PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), nil
}

// EncryptSecret encrypts a plaintext secret value for storage.
func (k *SimpleKMS) EncryptSecret(plaintext []byte) ([]byte, error) {
	pubPEM, err := k.SecretsPublicKeyPEM()
	if err != nil {
		return nil, err
	}
	return cryptoutils.EncryptWithPublicKey(pubPEM, plaintext)
}

// DecryptSecret decrypts a stored secret value. Implements
// interfaces.SecretDecryptor.
func (k *SimpleKMS) DecryptSecret(ciphertext []byte) ([]byte, error) {
	return cryptoutils.DecryptWithPrivateKey(k.secretsKey(), ciphertext)
}
