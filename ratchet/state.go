package ratchet

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/session"
)

// MaxSkippedKeys bounds the skipped-message-key cache. A single gap wider
// than this is a deterministic desynchronization error; across gaps the
// cache evicts oldest-first.
const MaxSkippedKeys = 1000

// SkippedKey is a derived-but-unconsumed message key, retained so a
// delayed or redelivered envelope can still be opened.
type SkippedKey struct {
	RatchetPub [32]byte `json:"ratchet_pub"`
	Counter    uint32   `json:"counter"`
	MessageKey [32]byte `json:"message_key"`
}

// State is the full Double Ratchet state for one conversation. It is
// exclusively owned by one logical actor per peer and mutated only by
// this package.
type State struct {
	RootKey [32]byte `json:"root_key"`

	// SendChainKey is nil when the next send must first perform a DH
	// ratchet step (responder before its first reply, or any sender after
	// a receive-side ratchet).
	SendChainKey *[32]byte `json:"send_chain_key,omitempty"`
	SendCount    uint32    `json:"send_count"`

	RecvChainKey *[32]byte `json:"recv_chain_key,omitempty"`
	RecvCount    uint32    `json:"recv_count"`

	// DHPriv/DHPub is our current ratchet key pair; RemoteDHPub is the
	// peer's last seen ratchet public key.
	DHPriv      [32]byte `json:"dh_priv"`
	DHPub       [32]byte `json:"dh_pub"`
	RemoteDHPub [32]byte `json:"remote_dh_pub"`

	// PrevChainLen is the length of our previous sending chain, carried
	// on outgoing envelopes so the peer can close out its receiving chain.
	PrevChainLen uint32 `json:"prev_chain_len"`

	// Skipped holds cached message keys in derivation order (oldest
	// first), so eviction under the global bound drops the oldest entry.
	Skipped []SkippedKey `json:"skipped,omitempty"`
}

// NewInitiatorState builds the state of the side that initiated the key
// agreement. The ephemeral used during establishment doubles as the first
// ratchet key pair, and the remote identity DH key stands in as the peer's
// ratchet key until its first reply.
func NewInitiatorState(rkm *session.RootKeyMaterial, ephemeral *crypto.KeyPair, remoteIdentityDH [32]byte) *State {
	sendCK := rkm.ChainKey
	return &State{
		RootKey:      rkm.RootKey,
		SendChainKey: &sendCK,
		DHPriv:       ephemeral.Private,
		DHPub:        ephemeral.Public,
		RemoteDHPub:  remoteIdentityDH,
	}
}

// NewResponderState builds the state of the side that received the first
// envelope. Its sending chain stays empty so the first reply performs a
// DH ratchet step against the initiator's ephemeral.
func NewResponderState(rkm *session.RootKeyMaterial, remoteEphemeralPub [32]byte) *State {
	recvCK := rkm.ChainKey
	return &State{
		RootKey:      rkm.RootKey,
		RecvChainKey: &recvCK,
		RemoteDHPub:  remoteEphemeralPub,
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	if s.SendChainKey != nil {
		ck := *s.SendChainKey
		c.SendChainKey = &ck
	}
	if s.RecvChainKey != nil {
		ck := *s.RecvChainKey
		c.RecvChainKey = &ck
	}
	c.Skipped = make([]SkippedKey, len(s.Skipped))
	copy(c.Skipped, s.Skipped)
	return &c
}

// Wipe erases the key material held by the state.
func (s *State) Wipe() {
	crypto.ZeroBytes(s.RootKey[:])
	crypto.ZeroBytes(s.DHPriv[:])
	if s.SendChainKey != nil {
		crypto.ZeroBytes(s.SendChainKey[:])
	}
	if s.RecvChainKey != nil {
		crypto.ZeroBytes(s.RecvChainKey[:])
	}
	for i := range s.Skipped {
		crypto.ZeroBytes(s.Skipped[i].MessageKey[:])
	}
}

// Serialize encodes the state for persistence. The caller is responsible
// for sealing the result before it touches disk.
func (s *State) Serialize() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ratchet state: %w", err)
	}
	return data, nil
}

// Deserialize decodes a state produced by Serialize.
func Deserialize(data []byte) (*State, error) {
	s := &State{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to deserialize ratchet state: %w", err)
	}
	return s, nil
}

// takeSkipped finds a cached key for (pub, counter) and removes it.
// The boolean reports whether a key was found.
func (s *State) takeSkipped(pub [32]byte, counter uint32) ([32]byte, bool) {
	for i := range s.Skipped {
		if s.Skipped[i].Counter == counter && s.Skipped[i].RatchetPub == pub {
			key := s.Skipped[i].MessageKey
			s.Skipped = append(s.Skipped[:i], s.Skipped[i+1:]...)
			return key, true
		}
	}
	return [32]byte{}, false
}

// skippedCandidates returns the cached entries that could open a message
// with the given counter. When the envelope carried a ratchet public key
// the match is exact; otherwise every cached chain is a candidate.
func (s *State) skippedCandidates(pub *[32]byte, counter uint32) []SkippedKey {
	var out []SkippedKey
	for i := range s.Skipped {
		if s.Skipped[i].Counter != counter {
			continue
		}
		if pub != nil && s.Skipped[i].RatchetPub != *pub {
			continue
		}
		out = append(out, s.Skipped[i])
	}
	return out
}

// cacheSkipped appends a derived-but-unused key, evicting the oldest entry
// when the global bound is reached.
func (s *State) cacheSkipped(pub [32]byte, counter uint32, key [32]byte) {
	if len(s.Skipped) >= MaxSkippedKeys {
		crypto.ZeroBytes(s.Skipped[0].MessageKey[:])
		s.Skipped = s.Skipped[1:]
	}
	s.Skipped = append(s.Skipped, SkippedKey{RatchetPub: pub, Counter: counter, MessageKey: key})
}
