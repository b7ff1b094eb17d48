package snapshot

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	EnvSecretKey = "SNAPSHOT_AGE_SECRET_KEY"
	EnvPublicKey = "SNAPSHOT_AGE_PUBLIC_KEY"
)

// Signer signs and verifies manifests with an Ed25519 key derived from an
// age X25519 identity. A verify-only Signer holds just the public key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv reads the keys from SNAPSHOT_AGE_SECRET_KEY and
// SNAPSHOT_AGE_PUBLIC_KEY.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(EnvSecretKey), os.Getenv(EnvPublicKey))
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. When both are given they must belong together.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secretKey = strings.TrimSpace(secretKey)
	publicKey = strings.TrimSpace(publicKey)
	if secretKey == "" && publicKey == "" {
		return nil, errors.New("age secret key or signing public key is required")
	}

	s := &Signer{}
	if secretKey != "" {
		identity, err := age.ParseX25519Identity(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		seed, err := identitySeed(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		s.recipient = identity.Recipient().String()
	}

	if publicKey != "" {
		key, err := decodePublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		if s.publicKey != nil && !bytes.Equal(s.publicKey, key) {
			return nil, errors.New("signing public key does not match age secret key")
		}
		s.publicKey = key
	}
	return s, nil
}

// Sign returns the base64 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.privateKey) == 0 {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks signature over payload. manifestKey is the key embedded in
// the manifest; it must match the configured key.
func (s *Signer) Verify(payload []byte, signature, manifestKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if manifestKey != "" {
		key, err := decodePublicKey(manifestKey)
		if err != nil {
			return err
		}
		if !bytes.Equal(key, s.publicKey) {
			return errors.New("snapshot signed by unexpected key")
		}
	}
	if !ed25519.Verify(s.publicKey, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient of the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode signing public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// identitySeed extracts the 32 raw bytes of an AGE-SECRET-KEY-1 string.
func identitySeed(secretKey string) ([]byte, error) {
	hrp, data, err := bech32.Decode(secretKey)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
