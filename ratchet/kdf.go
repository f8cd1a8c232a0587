package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/securedm/crypto"
)

// rootKDFContext is the versioned label for folding a DH output into the
// root key.
const rootKDFContext = "securedm/v1 ratchet"

// chain advancement labels; the chain key moves forward with one MAC while
// the message key branches off with the other, so message keys never
// reveal future chain state.
var (
	labelChain = []byte("chain")
	labelMsg   = []byte("msg")
)

// kdfRootStep folds a fresh DH output into the root key, producing the new
// root key and the first key of a new chain.
func kdfRootStep(rootKey [32]byte, dhOutput [32]byte) (newRoot, chainKey [32]byte, err error) {
	r := hkdf.New(sha256.New, dhOutput[:], rootKey[:], []byte(rootKDFContext))
	if _, err = io.ReadFull(r, newRoot[:]); err != nil {
		return
	}
	if _, err = io.ReadFull(r, chainKey[:]); err != nil {
		return
	}
	crypto.ZeroBytes(dhOutput[:])
	return
}

// kdfChainStep advances a symmetric chain by one message, returning the
// next chain key and the message key for the current position.
func kdfChainStep(chainKey [32]byte) (nextChain, messageKey [32]byte) {
	mac := hmac.New(sha256.New, chainKey[:])
	mac.Write(labelChain)
	copy(nextChain[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, chainKey[:])
	mac.Write(labelMsg)
	copy(messageKey[:], mac.Sum(nil))
	return
}
