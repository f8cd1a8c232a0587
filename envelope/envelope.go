package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/securedm/crypto"
)

// FrameType identifies the kind of a securedm frame. The values are a
// dedicated protocol identifier so envelope traffic is distinguishable
// from anything else multiplexed on the same transport.
type FrameType byte

const (
	// FrameEnvelope carries an encrypted message envelope.
	FrameEnvelope FrameType = 0xD1
	// FrameAck acknowledges a received envelope by digest.
	FrameAck FrameType = 0xD2
)

// Version is the current wire format version.
const Version byte = 1

var (
	// ErrTruncated indicates the input ended before the declared content.
	ErrTruncated = errors.New("envelope truncated")
	// ErrMalformed indicates structurally invalid wire data.
	ErrMalformed = errors.New("envelope malformed")
)

// flag bits in the envelope header
const flagRatchetPub byte = 0x01

// MaxCiphertextSize bounds the ciphertext length accepted by the decoder.
const MaxCiphertextSize = crypto.MaxMessageSize + 1024

// Envelope is the wire entity for one encrypted message. It is immutable
// once produced and safe to retransmit verbatim.
type Envelope struct {
	// SenderPK is the sender's DH identity public key.
	SenderPK [32]byte
	// RatchetPub is the sender's current ratchet public key. Present only
	// on the first message of a fresh sending chain; on the
	// session-opening message it is the key-agreement ephemeral.
	RatchetPub *[32]byte
	// MessageNumber is the position in the current sending chain.
	MessageNumber uint32
	// PrevChainLen is the length of the sender's previous sending chain.
	PrevChainLen uint32
	// Nonce is the AEAD nonce for Ciphertext.
	Nonce crypto.Nonce
	// Ciphertext is the AEAD-sealed control-message payload.
	Ciphertext []byte
}

// Marshal serializes the envelope into a frame.
//
// Layout: [frame type (1)][version (1)][sender (32)][flags (1)]
// [ratchet pub (32, if flagged)][message number (4)][prev chain len (4)]
// [nonce (12)][ciphertext len (4)][ciphertext].
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformed)
	}
	if len(e.Ciphertext) > MaxCiphertextSize {
		return nil, fmt.Errorf("%w: ciphertext too large (%d bytes)", ErrMalformed, len(e.Ciphertext))
	}

	size := 1 + 1 + 32 + 1 + 4 + 4 + crypto.NonceSize + 4 + len(e.Ciphertext)
	if e.RatchetPub != nil {
		size += 32
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(FrameEnvelope), Version)
	buf = append(buf, e.SenderPK[:]...)

	var flags byte
	if e.RatchetPub != nil {
		flags |= flagRatchetPub
	}
	buf = append(buf, flags)
	if e.RatchetPub != nil {
		buf = append(buf, e.RatchetPub[:]...)
	}

	buf = binary.BigEndian.AppendUint32(buf, e.MessageNumber)
	buf = binary.BigEndian.AppendUint32(buf, e.PrevChainLen)
	buf = append(buf, e.Nonce[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Ciphertext)))
	buf = append(buf, e.Ciphertext...)

	return buf, nil
}

// Unmarshal parses an envelope frame. It rejects malformed or truncated
// input with a typed error and never panics.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if FrameType(data[0]) != FrameEnvelope {
		return nil, fmt.Errorf("%w: unexpected frame type 0x%02x", ErrMalformed, data[0])
	}
	if data[1] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, data[1])
	}

	e := &Envelope{}
	off := 2

	if len(data) < off+32+1 {
		return nil, ErrTruncated
	}
	copy(e.SenderPK[:], data[off:off+32])
	off += 32

	flags := data[off]
	off++
	if flags&^flagRatchetPub != 0 {
		return nil, fmt.Errorf("%w: unknown flag bits 0x%02x", ErrMalformed, flags)
	}

	if flags&flagRatchetPub != 0 {
		if len(data) < off+32 {
			return nil, ErrTruncated
		}
		var pub [32]byte
		copy(pub[:], data[off:off+32])
		e.RatchetPub = &pub
		off += 32
	}

	if len(data) < off+4+4+crypto.NonceSize+4 {
		return nil, ErrTruncated
	}
	e.MessageNumber = binary.BigEndian.Uint32(data[off:])
	off += 4
	e.PrevChainLen = binary.BigEndian.Uint32(data[off:])
	off += 4
	copy(e.Nonce[:], data[off:off+crypto.NonceSize])
	off += crypto.NonceSize

	ctLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if ctLen == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrMalformed)
	}
	if ctLen > MaxCiphertextSize {
		return nil, fmt.Errorf("%w: declared ciphertext length %d exceeds limit", ErrMalformed, ctLen)
	}
	if len(data) != off+int(ctLen) {
		if len(data) < off+int(ctLen) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-off-int(ctLen))
	}

	e.Ciphertext = make([]byte, ctLen)
	copy(e.Ciphertext, data[off:])

	return e, nil
}

// AssociatedData builds the AEAD associated data binding the envelope
// header to its ciphertext. chainPub is the ratchet public key of the
// chain the message key belongs to, which is not always carried on the
// wire.
func (e *Envelope) AssociatedData(chainPub [32]byte) []byte {
	ad := make([]byte, 0, 32+32+8)
	ad = append(ad, e.SenderPK[:]...)
	ad = append(ad, chainPub[:]...)
	ad = binary.BigEndian.AppendUint32(ad, e.MessageNumber)
	ad = binary.BigEndian.AppendUint32(ad, e.PrevChainLen)
	return ad
}
