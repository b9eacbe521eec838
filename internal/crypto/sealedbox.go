// Package crypto provides the encrypt/decrypt service the sync engine
// consumes. Direct messages use a sealed-box construction: an ephemeral
// X25519 exchange against the recipient's identity key (Ed25519 converted
// to X25519), HKDF-SHA256 key derivation, and ChaCha20-Poly1305.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protocolLabel    = "pigeon-dm-v1"
	ephemeralPKSize  = 32
	nonceSize        = 12
	keySize          = 32
	tagSize          = 16
	minCiphertextLen = ephemeralPKSize + nonceSize + tagSize
)

// CryptoError represents an encryption/decryption error.
type CryptoError struct {
	Message string
}

func (e *CryptoError) Error() string {
	return e.Message
}

// IsCryptoError reports whether err is a CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// ed25519PubToX25519 converts an Ed25519 public key to an X25519 public key.
func ed25519PubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// ed25519SeedToX25519Private converts an Ed25519 seed to an X25519 private key.
func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// deriveKey derives an encryption key using HKDF-SHA256.
func deriveKey(sharedSecret, ephemeralPK, recipientX25519PK []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPK)+len(recipientX25519PK))
	salt = append(salt, ephemeralPK...)
	salt = append(salt, recipientX25519PK...)

	hkdfReader := hkdf.New(sha256.New, sharedSecret, salt, []byte(protocolLabel))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext for a recipient identified by their base64
// Ed25519 public key. Returns the base64 wire-format ciphertext:
// ephemeral_pk[32] + nonce[12] + ciphertext[N+16].
func Seal(plaintext string, recipientPubB64 string) (string, error) {
	recipientEdPub, err := base64.StdEncoding.DecodeString(recipientPubB64)
	if err != nil {
		return "", &CryptoError{Message: fmt.Sprintf("invalid recipient public key: %v", err)}
	}
	if len(recipientEdPub) != ed25519.PublicKeySize {
		return "", &CryptoError{Message: fmt.Sprintf("invalid public key length: %d, expected %d", len(recipientEdPub), ed25519.PublicKeySize)}
	}

	recipientX25519Pub, err := ed25519PubToX25519(ed25519.PublicKey(recipientEdPub))
	if err != nil {
		return "", &CryptoError{Message: fmt.Sprintf("failed to convert recipient key: %v", err)}
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return "", err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}

	sharedSecret, err := curve25519.X25519(ephPriv[:], recipientX25519Pub)
	if err != nil {
		return "", err
	}

	key, err := deriveKey(sharedSecret, ephPub, recipientX25519Pub)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	wire := make([]byte, 0, len(ephPub)+nonceSize+len(ciphertext))
	wire = append(wire, ephPub...)
	wire = append(wire, nonce...)
	wire = append(wire, ciphertext...)

	return base64.StdEncoding.EncodeToString(wire), nil
}

// Open decrypts a sealed-box ciphertext using the recipient's Ed25519
// private key.
func Open(ciphertextB64 string, privateKey ed25519.PrivateKey) (string, error) {
	wire, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", &CryptoError{Message: fmt.Sprintf("invalid base64 ciphertext: %v", err)}
	}

	if len(wire) < minCiphertextLen {
		return "", &CryptoError{Message: fmt.Sprintf("ciphertext too short: %d bytes, minimum %d", len(wire), minCiphertextLen)}
	}

	ephPK := wire[:ephemeralPKSize]
	nonce := wire[ephemeralPKSize : ephemeralPKSize+nonceSize]
	ciphertext := wire[ephemeralPKSize+nonceSize:]

	seed := privateKey.Seed()
	ownX25519Priv := ed25519SeedToX25519Private(seed)
	ownX25519Pub, err := curve25519.X25519(ownX25519Priv, curve25519.Basepoint)
	if err != nil {
		return "", &CryptoError{Message: fmt.Sprintf("failed to derive X25519 public key: %v", err)}
	}

	sharedSecret, err := curve25519.X25519(ownX25519Priv, ephPK)
	if err != nil {
		return "", &CryptoError{Message: "decryption failed: invalid ephemeral key"}
	}

	key, err := deriveKey(sharedSecret, ephPK, ownX25519Pub)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", &CryptoError{Message: "decryption failed: wrong key or tampered ciphertext"}
	}

	return string(plaintext), nil
}
