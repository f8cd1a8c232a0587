package ratchet

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/envelope"
)

var (
	// ErrAuthenticationFailed indicates an AEAD tag mismatch. The message
	// is rejected and the conversation state is left unmodified.
	ErrAuthenticationFailed = errors.New("message authentication failed")

	// ErrDesync indicates a counter overflow or a skipped-key gap beyond
	// the bound. The conversation is undecryptable and requires explicit
	// recovery; the error is deterministic, never silent data loss.
	ErrDesync = errors.New("ratchet desynchronized")

	// ErrDuplicateMessage indicates an envelope whose message key was
	// already consumed. Redelivery is an idempotent no-op for the caller.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrNotInitialized indicates use of a state with no usable chain.
	ErrNotInitialized = errors.New("ratchet state not initialized")
)

// Encrypt advances the sending chain by one message and seals plaintext
// into an envelope. If this is the first outgoing message since a
// receive-side ratchet (or the responder's first send ever), a
// Diffie-Hellman ratchet step runs first: a fresh ratchet key pair is
// generated and a new root and sending chain are derived.
//
// Encrypt mutates st. Cryptographic work here is an atomic unit: it never
// blocks and must not be interleaved with other access to st.
func Encrypt(st *State, senderPK [32]byte, plaintext []byte) (*envelope.Envelope, error) {
	if st.SendChainKey == nil {
		if err := sendRatchetStep(st); err != nil {
			return nil, err
		}
	}

	if st.SendCount == math.MaxUint32 {
		return nil, fmt.Errorf("%w: sending counter overflow", ErrDesync)
	}

	nextChain, messageKey := kdfChainStep(*st.SendChainKey)
	*st.SendChainKey = nextChain

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := &envelope.Envelope{
		SenderPK:      senderPK,
		MessageNumber: st.SendCount,
		PrevChainLen:  st.PrevChainLen,
		Nonce:         nonce,
	}
	// The ratchet public key travels only on the first message of a fresh
	// chain; later messages of the chain are implied by it.
	if st.SendCount == 0 {
		pub := st.DHPub
		env.RatchetPub = &pub
	}

	ciphertext, err := crypto.Encrypt(plaintext, nonce, messageKey, env.AssociatedData(st.DHPub))
	crypto.ZeroBytes(messageKey[:])
	if err != nil {
		return nil, err
	}
	env.Ciphertext = ciphertext

	st.SendCount++
	return env, nil
}

// Decrypt opens an envelope against st and returns the plaintext together
// with the successor state. st itself is never modified: all ratchet
// mutation happens on a deep copy that is returned only when the AEAD tag
// verified. Callers persist the successor state before acting on the
// plaintext.
func Decrypt(st *State, env *envelope.Envelope) ([]byte, *State, error) {
	next := st.Clone()

	// A cached key wins over everything else: it covers out-of-order
	// arrivals and redelivered chain openers without touching the chains.
	// Envelopes past the first of a chain carry no ratchet key, so a
	// straggler from a superseded chain is matched by counter across all
	// cached chains; the AEAD tag arbitrates collisions.
	for _, cand := range next.skippedCandidates(env.RatchetPub, env.MessageNumber) {
		plaintext, err := crypto.Decrypt(env.Ciphertext, env.Nonce, cand.MessageKey, env.AssociatedData(cand.RatchetPub))
		if err != nil {
			continue
		}
		next.takeSkipped(cand.RatchetPub, cand.Counter)
		return plaintext, next, nil
	}

	// A new remote ratchet key closes out the current receiving chain and
	// steps the DH ratchet.
	if env.RatchetPub != nil && *env.RatchetPub != next.RemoteDHPub {
		if err := skipReceivingChain(next, env.PrevChainLen); err != nil {
			return nil, nil, err
		}
		if err := recvRatchetStep(next, *env.RatchetPub); err != nil {
			return nil, nil, err
		}
	}

	if next.RecvChainKey == nil {
		return nil, nil, fmt.Errorf("%w: no receiving chain", ErrNotInitialized)
	}

	if env.MessageNumber < next.RecvCount {
		// Already consumed and no cached key survived.
		return nil, nil, fmt.Errorf("%w: message %d already processed", ErrDuplicateMessage, env.MessageNumber)
	}

	// Walk the receiving chain forward to the target counter, caching
	// every derived-but-unused key along the way.
	if err := skipReceivingChain(next, env.MessageNumber); err != nil {
		return nil, nil, err
	}

	if next.RecvCount == math.MaxUint32 {
		return nil, nil, fmt.Errorf("%w: receiving counter overflow", ErrDesync)
	}

	nextChain, messageKey := kdfChainStep(*next.RecvChainKey)
	*next.RecvChainKey = nextChain
	next.RecvCount++

	return openWithKey(next, env, messageKey, next.RemoteDHPub)
}

// openWithKey performs the AEAD open and finalizes the successor state.
func openWithKey(next *State, env *envelope.Envelope, key [32]byte, chainPub [32]byte) ([]byte, *State, error) {
	plaintext, err := crypto.Decrypt(env.Ciphertext, env.Nonce, key, env.AssociatedData(chainPub))
	crypto.ZeroBytes(key[:])
	if err != nil {
		return nil, nil, ErrAuthenticationFailed
	}
	return plaintext, next, nil
}

// sendRatchetStep generates a fresh ratchet key pair and derives a new
// root key and sending chain from it.
func sendRatchetStep(st *State) error {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate ratchet key: %w", err)
	}

	dh, err := crypto.DeriveSharedSecret(st.RemoteDHPub, pair.Private)
	if err != nil {
		return err
	}

	newRoot, sendCK, err := kdfRootStep(st.RootKey, dh)
	if err != nil {
		return fmt.Errorf("root key derivation failed: %w", err)
	}

	st.PrevChainLen = st.SendCount
	st.SendCount = 0
	st.RootKey = newRoot
	st.DHPriv = pair.Private
	st.DHPub = pair.Public
	st.SendChainKey = &sendCK

	logrus.WithFields(logrus.Fields{
		"function":        "sendRatchetStep",
		"prev_chain_len":  st.PrevChainLen,
		"ratchet_key_pfx": fmt.Sprintf("%x", pair.Public[:8]),
	}).Debug("Performed sending DH ratchet step")

	return nil
}

// recvRatchetStep folds the peer's new ratchet public key into the root
// key and starts a fresh receiving chain. The sending chain is dropped so
// our next send ratchets too.
func recvRatchetStep(st *State, remotePub [32]byte) error {
	dh, err := crypto.DeriveSharedSecret(remotePub, st.DHPriv)
	if err != nil {
		return err
	}

	newRoot, recvCK, err := kdfRootStep(st.RootKey, dh)
	if err != nil {
		return fmt.Errorf("root key derivation failed: %w", err)
	}

	st.RootKey = newRoot
	st.RemoteDHPub = remotePub
	st.RecvChainKey = &recvCK
	st.RecvCount = 0
	if st.SendChainKey != nil {
		crypto.ZeroBytes(st.SendChainKey[:])
		st.SendChainKey = nil
	}

	logrus.WithFields(logrus.Fields{
		"function":       "recvRatchetStep",
		"remote_key_pfx": fmt.Sprintf("%x", remotePub[:8]),
	}).Debug("Performed receiving DH ratchet step")

	return nil
}

// skipReceivingChain derives and caches message keys for every position of
// the current receiving chain below until. A single gap wider than
// MaxSkippedKeys is a desynchronization error rather than silent loss.
func skipReceivingChain(st *State, until uint32) error {
	if st.RecvCount >= until {
		return nil
	}
	if st.RecvChainKey == nil {
		return nil
	}
	if until-st.RecvCount > MaxSkippedKeys {
		return fmt.Errorf("%w: gap of %d exceeds skipped-key bound %d",
			ErrDesync, until-st.RecvCount, MaxSkippedKeys)
	}

	for st.RecvCount < until {
		nextChain, messageKey := kdfChainStep(*st.RecvChainKey)
		*st.RecvChainKey = nextChain
		st.cacheSkipped(st.RemoteDHPub, st.RecvCount, messageKey)
		st.RecvCount++
	}
	return nil
}
