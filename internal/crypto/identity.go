package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Cipher is the narrow encryption boundary the sync engine talks to. It
// is keyed to one local identity; Seal targets any peer key while Open
// always uses the local private key.
type Cipher interface {
	Seal(plaintext, recipientPubB64 string) (string, error)
	Open(ciphertextB64 string) (string, error)
	Sign(data []byte) string
	Identity() string // base64 public key
}

// Keyring implements Cipher over an Ed25519 private key.
type Keyring struct {
	priv ed25519.PrivateKey
	pub  string
}

// NewKeyring wraps an existing private key.
func NewKeyring(priv ed25519.PrivateKey) *Keyring {
	pub := priv.Public().(ed25519.PublicKey)
	return &Keyring{
		priv: priv,
		pub:  base64.StdEncoding.EncodeToString(pub),
	}
}

// GenerateKeyring creates a fresh identity keypair.
func GenerateKeyring() (*Keyring, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewKeyring(priv), nil
}

// ParseKeyring restores a keyring from a base64 private key.
func ParseKeyring(privB64 string) (*Keyring, error) {
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return NewKeyring(ed25519.PrivateKey(raw)), nil
}

// Export returns the base64 private key for persistence.
func (k *Keyring) Export() string {
	return base64.StdEncoding.EncodeToString(k.priv)
}

func (k *Keyring) Identity() string {
	return k.pub
}

func (k *Keyring) Seal(plaintext, recipientPubB64 string) (string, error) {
	return Seal(plaintext, recipientPubB64)
}

func (k *Keyring) Open(ciphertextB64 string) (string, error) {
	return Open(ciphertextB64, k.priv)
}

// Sign signs data with the identity key, returning a base64 signature.
func (k *Keyring) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, data))
}

// ValidatePublicKey checks that a base64 string is a well-formed Ed25519
// public key.
func ValidatePublicKey(pubB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// VerifySignature verifies a base64 signature over data against a base64
// public key.
func VerifySignature(pubB64 string, data []byte, sigB64 string) error {
	pub, err := ValidatePublicKey(pubB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// AnnouncePayload builds the canonical bytes signed in an identity
// announcement. Format: identity|timestamp.
func AnnouncePayload(identity string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%d", identity, timestamp))
}
