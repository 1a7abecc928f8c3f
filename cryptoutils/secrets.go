// Package cryptoutils implements the cryptographic primitives used for
// secret storage and API key digests: ECIES (ECDH + AES-GCM) for encrypting
// secret values at rest, and argon2id for hashing API keys.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// EncryptWithPublicKey encrypts data using ECIES with the given public key PEM.
// It implements Elliptic Curve Integrated Encryption Scheme with ECDH key agreement,
// SHA-256 for key derivation, and AES-GCM for authenticated encryption.
// A fresh ephemeral key is generated for each encryption operation, providing forward secrecy.
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	// Generate ephemeral key for ECIES encryption
	ephemeralKey, err := ecdsa.GenerateKey(publicKey.Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	// Derive shared secret using ECDH
	x, _ := publicKey.Curve.ScalarMult(publicKey.X, publicKey.Y, ephemeralKey.D.Bytes())
	sharedSecret := sha256.Sum256(x.Bytes())

	// Generate random IV for AES-GCM
	iv := make([]byte, 12) // 12 bytes is standard for GCM
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	aesBlock, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, iv, data, nil)

	// Encode ephemeral public key
	ephemeralPublicKeyBytes := elliptic.Marshal(ephemeralKey.Curve, ephemeralKey.X, ephemeralKey.Y)

	// Format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
	result := make([]byte, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(ciphertext))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	copy(result[2:2+len(ephemeralPublicKeyBytes)], ephemeralPublicKeyBytes)
	copy(result[2+len(ephemeralPublicKeyBytes):2+len(ephemeralPublicKeyBytes)+len(iv)], iv)
	copy(result[2+len(ephemeralPublicKeyBytes)+len(iv):], ciphertext)

	return result, nil
}

// DecryptWithPrivateKey decrypts data encrypted with EncryptWithPublicKey
// using the corresponding private key. It processes the binary format
// containing the ephemeral public key, IV, and ciphertext, then performs
// ECDH key agreement to derive the shared secret for decryption.
func DecryptWithPrivateKey(privateKey *ecdsa.PrivateKey, encryptedData []byte) ([]byte, error) {
	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	// Parse the encrypted data format
	ephemeralKeyLen := binary.BigEndian.Uint16(encryptedData[0:2])
	if len(encryptedData) < int(2+ephemeralKeyLen+12) { // 12 is GCM nonce size
		return nil, errors.New("encrypted data has invalid format")
	}

	// Extract ephemeral public key
	ephemeralKeyBytes := encryptedData[2 : 2+ephemeralKeyLen]
	x, y := elliptic.Unmarshal(privateKey.Curve, ephemeralKeyBytes)
	if x == nil {
		return nil, errors.New("failed to unmarshal ephemeral public key")
	}

	// Derive shared secret using ECDH
	xShared, _ := privateKey.Curve.ScalarMult(x, y, privateKey.D.Bytes())
	sharedSecret := sha256.Sum256(xShared.Bytes())

	// Extract IV and ciphertext
	ivStart := 2 + int(ephemeralKeyLen)
	iv := encryptedData[ivStart : ivStart+12] // 12-byte nonce for GCM
	ciphertext := encryptedData[ivStart+12:]

	aesBlock, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// ParsePublicKeyPEM parses a PKIX-encoded ECDSA public key from PEM.
func ParsePublicKeyPEM(publicKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	publicKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := publicKeyInterface.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return publicKey, nil
}

// DeriveKeyDigest computes a fixed-length argon2id digest of an API key.
// The same (key, salt) pair always produces the same digest, so stored
// digests can be compared against a candidate's digest in constant time.
//
// Parameters: time=1, memory=64MiB, threads=4, keyLen=32.
func DeriveKeyDigest(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, 32)
}
