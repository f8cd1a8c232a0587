package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/securedm/crypto"
)

// kdfContext is the versioned context string for root-key derivation.
// Both sides must use the identical string or the session fails to agree.
const kdfContext = "securedm/v1 session"

// ErrInvalidPublicKey indicates the peer presented low-order or otherwise
// unusable public key material. The session must not be established.
var ErrInvalidPublicKey = errors.New("invalid peer public key")

// RootKeyMaterial is the output of the initial key agreement: the root key
// for the Double Ratchet plus the first chain key. The initiator seeds its
// sending chain with ChainKey; the responder seeds its receiving chain
// with the identical value.
type RootKeyMaterial struct {
	RootKey  [32]byte
	ChainKey [32]byte
}

// Wipe erases the key material.
func (rkm *RootKeyMaterial) Wipe() {
	crypto.ZeroBytes(rkm.RootKey[:])
	crypto.ZeroBytes(rkm.ChainKey[:])
}

// Initiate performs the initiator side of the key agreement. The shared
// secret is the concatenation of DH(ephemeral, remote-identity) and
// DH(local-identity, remote-identity); the ephemeral public key must
// travel inline in the first envelope so the responder can reconstruct it.
func Initiate(localIdentity *crypto.Identity, localEphemeral *crypto.KeyPair, remoteIdentityPub [32]byte) (*RootKeyMaterial, error) {
	if localEphemeral == nil {
		return nil, fmt.Errorf("%w: nil ephemeral key pair", crypto.ErrInvalidKeyMaterial)
	}

	localDH, err := localIdentity.DHKeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := crypto.DeriveSharedSecret(remoteIdentityPub, localEphemeral.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	dh2, err := crypto.DeriveSharedSecret(remoteIdentityPub, localDH.Private)
	if err != nil {
		crypto.ZeroBytes(dh1[:])
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	rkm, err := deriveRootKeyMaterial(dh1, dh2)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Initiate",
		"peer_key_prefix": fmt.Sprintf("%x", remoteIdentityPub[:8]),
	}).Debug("Session established as initiator")

	return rkm, nil
}

// Respond performs the responder side of the key agreement using the
// initiator's identity and ephemeral public keys from its first envelope.
func Respond(localIdentity *crypto.Identity, remoteIdentityPub, remoteEphemeralPub [32]byte) (*RootKeyMaterial, error) {
	localDH, err := localIdentity.DHKeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := crypto.DeriveSharedSecret(remoteEphemeralPub, localDH.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	dh2, err := crypto.DeriveSharedSecret(remoteIdentityPub, localDH.Private)
	if err != nil {
		crypto.ZeroBytes(dh1[:])
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	rkm, err := deriveRootKeyMaterial(dh1, dh2)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Respond",
		"peer_key_prefix": fmt.Sprintf("%x", remoteIdentityPub[:8]),
	}).Debug("Session established as responder")

	return rkm, nil
}

// deriveRootKeyMaterial expands the concatenated DH outputs into the root
// key and initial chain key, wiping the intermediate secret.
func deriveRootKeyMaterial(dh1, dh2 [32]byte) (*RootKeyMaterial, error) {
	secret := make([]byte, 0, 64)
	secret = append(secret, dh1[:]...)
	secret = append(secret, dh2[:]...)
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])

	r := hkdf.New(sha256.New, secret, nil, []byte(kdfContext))

	rkm := &RootKeyMaterial{}
	if _, err := io.ReadFull(r, rkm.RootKey[:]); err != nil {
		crypto.ZeroBytes(secret)
		return nil, fmt.Errorf("root key derivation failed: %w", err)
	}
	if _, err := io.ReadFull(r, rkm.ChainKey[:]); err != nil {
		crypto.ZeroBytes(secret)
		return nil, fmt.Errorf("chain key derivation failed: %w", err)
	}

	crypto.ZeroBytes(secret)
	return rkm, nil
}
