package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// ConversationID identifies the conversation between two peers. Both
// participants compute the identical id regardless of who initiated.
type ConversationID [32]byte

// NewConversationID derives the conversation id from the two participants'
// DH identity public keys. The keys are sorted into canonical order before
// hashing so the result is commutative.
func NewConversationID(a, b [32]byte) ConversationID {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}

	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])

	var id ConversationID
	copy(id[:], h.Sum(nil))
	return id
}

// String returns the hexadecimal representation of the conversation id.
func (id ConversationID) String() string {
	return hex.EncodeToString(id[:])
}
