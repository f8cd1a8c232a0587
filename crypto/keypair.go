package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKeyMaterial indicates malformed or unusable key material.
// Callers must treat it as fatal for the session it occurred in.
var ErrInvalidKeyMaterial = errors.New("invalid key material")

// KeyPair represents an X25519 key pair used for Diffie-Hellman agreement.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair. The private key is
// clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, err
	}
	clampPrivateKey(&private)

	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: private}
	copy(kp.Public[:], pub)
	return kp, nil
}

// FromSecretKey reconstructs a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrInvalidKeyMaterial
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// clampPrivateKey applies the RFC 7748 scalar clamping in place.
func clampPrivateKey(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
