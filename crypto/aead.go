package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the size of a ChaCha20-Poly1305 nonce in bytes.
const NonceSize = chacha20poly1305.NonceSize

// KeySize is the size of a symmetric encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

// MaxMessageSize bounds plaintext size to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// ErrDecryptionFailed indicates an AEAD authentication failure. The
// ciphertext was tampered with or encrypted under a different key.
var ErrDecryptionFailed = errors.New("decryption failed: message authentication failed")

// Nonce is a ChaCha20-Poly1305 nonce.
type Nonce [NonceSize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt encrypts a message with ChaCha20-Poly1305 under a symmetric key,
// binding the additional data into the authentication tag.
func Encrypt(plaintext []byte, nonce Nonce, key [32]byte, additionalData []byte) ([]byte, error) {
	if len(plaintext) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", len(plaintext), MaxMessageSize)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, additionalData), nil
}

// Decrypt authenticates and decrypts a ChaCha20-Poly1305 ciphertext.
func Decrypt(ciphertext []byte, nonce Nonce, key [32]byte, additionalData []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
