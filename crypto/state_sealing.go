package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// storageKeyContext is the versioned KDF context for the at-rest storage
// key. Changing it invalidates all persisted state, so it is bumped only
// with the storage format version.
const storageKeyContext = "securedm/v1 storage"

// DeriveStorageKey derives the symmetric key used to seal persisted
// ratchet state from the local identity seed. The identity secret itself
// never touches disk.
func DeriveStorageKey(identitySeed []byte) ([32]byte, error) {
	var key [32]byte
	if len(identitySeed) == 0 {
		return key, fmt.Errorf("%w: empty identity seed", ErrInvalidKeyMaterial)
	}

	r := hkdf.New(sha256.New, identitySeed, nil, []byte(storageKeyContext))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("failed to derive storage key: %w", err)
	}
	return key, nil
}

// SealState encrypts a serialized state blob for at-rest storage. The
// nonce is prepended to the returned ciphertext.
func SealState(plaintext []byte, key [32]byte) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := Encrypt(plaintext, nonce, key, nil)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, NonceSize+len(ciphertext))
	sealed = append(sealed, nonce[:]...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// OpenState decrypts a blob produced by SealState.
func OpenState(sealed []byte, key [32]byte) ([]byte, error) {
	if len(sealed) <= NonceSize {
		return nil, fmt.Errorf("sealed state too short: %d bytes", len(sealed))
	}

	var nonce Nonce
	copy(nonce[:], sealed[:NonceSize])
	return Decrypt(sealed[NonceSize:], nonce, key, nil)
}
