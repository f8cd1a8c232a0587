package envelope

import (
	"crypto/sha256"
	"fmt"
)

// AckSize is the size of a serialized acknowledgment frame.
const AckSize = 2 + sha256.Size

// Ack acknowledges delivery of one envelope, identified by the SHA-256
// digest of its serialized frame. The digest lets the sender match the
// acknowledgment without the receiver needing to decrypt first, and the
// transport stream's own encryption keeps the acknowledgment confidential.
type Ack struct {
	Digest [sha256.Size]byte
}

// AckFor computes the acknowledgment for a serialized envelope frame.
func AckFor(frame []byte) *Ack {
	return &Ack{Digest: sha256.Sum256(frame)}
}

// Marshal serializes the acknowledgment frame.
func (a *Ack) Marshal() []byte {
	buf := make([]byte, 0, AckSize)
	buf = append(buf, byte(FrameAck), Version)
	buf = append(buf, a.Digest[:]...)
	return buf
}

// UnmarshalAck parses an acknowledgment frame.
func UnmarshalAck(data []byte) (*Ack, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if FrameType(data[0]) != FrameAck {
		return nil, fmt.Errorf("%w: unexpected frame type 0x%02x", ErrMalformed, data[0])
	}
	if data[1] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, data[1])
	}
	if len(data) != AckSize {
		return nil, fmt.Errorf("%w: acknowledgment must be %d bytes", ErrMalformed, AckSize)
	}

	a := &Ack{}
	copy(a.Digest[:], data[2:])
	return a, nil
}
