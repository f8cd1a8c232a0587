package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes a shared secret between two parties using
// Elliptic Curve Diffie-Hellman (ECDH) on Curve25519.
//
// A low-order peer public key produces an all-zero shared secret; that is
// rejected here as ErrInvalidKeyMaterial rather than silently degrading
// the session's security.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	if isZeroKey(peerPublicKey) {
		return [32]byte{}, fmt.Errorf("%w: all-zero peer public key", ErrInvalidKeyMaterial)
	}

	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	if isZeroKey(result) {
		return [32]byte{}, fmt.Errorf("%w: low-order peer public key", ErrInvalidKeyMaterial)
	}

	return result, nil
}
