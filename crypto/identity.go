package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"sync"

	"filippo.io/edwards25519"
)

// Identity is a long-term Ed25519 signing identity. The Diffie-Hellman key
// pair used for session establishment is derived from the signing keys on
// first use and cached; the identity itself is never mutated afterwards.
type Identity struct {
	SigningPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey

	dhOnce sync.Once
	dh     *KeyPair
	dhErr  error
}

// GenerateIdentity creates a fresh Ed25519 signing identity.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	return &Identity{SigningPublic: pub, signingPrivate: priv}, nil
}

// IdentityFromSeed reconstructs an identity from a stored 32-byte seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKeyMaterial, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		SigningPublic:  priv.Public().(ed25519.PublicKey),
		signingPrivate: priv,
	}, nil
}

// Seed returns the 32-byte seed of the signing private key.
func (id *Identity) Seed() []byte {
	return id.signingPrivate.Seed()
}

// Sign signs a message with the identity's Ed25519 private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.signingPrivate, message)
}

// Verify checks an Ed25519 signature against an identity public key.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// DHKeyPair derives the X25519 key pair for this identity. The conversion
// is deterministic, computed once, and cached for the lifetime of the
// identity.
func (id *Identity) DHKeyPair() (*KeyPair, error) {
	id.dhOnce.Do(func() {
		id.dh, id.dhErr = convertSigningKeys(id.signingPrivate, id.SigningPublic)
	})
	return id.dh, id.dhErr
}

// DHPublicKey returns only the X25519 public key for this identity.
func (id *Identity) DHPublicKey() ([32]byte, error) {
	kp, err := id.DHKeyPair()
	if err != nil {
		return [32]byte{}, err
	}
	return kp.Public, nil
}

// ConvertSigningPublicKey converts a peer's Ed25519 public key into its
// X25519 form for Diffie-Hellman use. Fails on points that are not valid
// curve elements.
func ConvertSigningPublicKey(publicKey ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(publicKey) != ed25519.PublicKeySize {
		return out, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKeyMaterial, ed25519.PublicKeySize)
	}

	point, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return out, fmt.Errorf("%w: not a valid edwards25519 point", ErrInvalidKeyMaterial)
	}

	copy(out[:], point.BytesMontgomery())
	if isZeroKey(out) {
		return out, fmt.Errorf("%w: public key maps to the identity element", ErrInvalidKeyMaterial)
	}
	return out, nil
}

// convertSigningKeys derives the full X25519 key pair from Ed25519 keys.
// The private scalar is the clamped SHA-512 prefix of the seed, matching
// the scalar Ed25519 itself signs with.
func convertSigningKeys(private ed25519.PrivateKey, public ed25519.PublicKey) (*KeyPair, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKeyMaterial, ed25519.PrivateKeySize)
	}

	digest := sha512.Sum512(private.Seed())
	var dhPrivate [32]byte
	copy(dhPrivate[:], digest[:32])
	clampPrivateKey(&dhPrivate)
	ZeroBytes(digest[:])

	dhPublic, err := ConvertSigningPublicKey(public)
	if err != nil {
		ZeroBytes(dhPrivate[:])
		return nil, err
	}

	return &KeyPair{Public: dhPublic, Private: dhPrivate}, nil
}

// Fingerprint returns the hex SHA-256 digest of an identity public key,
// suitable for out-of-band comparison.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}
