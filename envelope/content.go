package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContentKind tags the decrypted control-message union.
type ContentKind byte

const (
	// KindMessage is a chat message.
	KindMessage ContentKind = 0x01
	// KindTyping is a typing notification. It carries no payload.
	KindTyping ContentKind = 0x02
	// KindRead is a read receipt for a message id.
	KindRead ContentKind = 0x03
	// KindDelete requests deletion of a message id.
	KindDelete ContentKind = 0x04

	// KindUnknown marks a content kind this version does not understand.
	// Unknown kinds are a forward-compatible no-op, never an error.
	KindUnknown ContentKind = 0xFF
)

// PlaintextMessage is one chat message. Immutable after creation.
type PlaintextMessage struct {
	// ID is globally unique per author.
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	MediaRefs []string  `json:"media_refs,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
}

// Content is the decoded control-message union. Exactly one payload field
// is meaningful, selected by Kind.
type Content struct {
	Kind ContentKind
	// Message is set for KindMessage.
	Message *PlaintextMessage
	// MessageID is set for KindRead and KindDelete.
	MessageID string
}

// EncodeContent serializes a control message for encryption.
// Layout: [kind (1)][payload].
func EncodeContent(c *Content) ([]byte, error) {
	switch c.Kind {
	case KindMessage:
		if c.Message == nil {
			return nil, fmt.Errorf("%w: message content without message", ErrMalformed)
		}
		payload, err := json.Marshal(c.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}
		return append([]byte{byte(KindMessage)}, payload...), nil
	case KindTyping:
		return []byte{byte(KindTyping)}, nil
	case KindRead, KindDelete:
		if c.MessageID == "" {
			return nil, fmt.Errorf("%w: receipt without message id", ErrMalformed)
		}
		return append([]byte{byte(c.Kind)}, []byte(c.MessageID)...), nil
	default:
		return nil, fmt.Errorf("%w: cannot encode content kind 0x%02x", ErrMalformed, byte(c.Kind))
	}
}

// DecodeContent parses a decrypted control message. Kinds this version
// does not understand yield Content{Kind: KindUnknown} so newer peers can
// introduce message types without breaking older ones.
func DecodeContent(data []byte) (*Content, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrTruncated)
	}

	kind := ContentKind(data[0])
	payload := data[1:]

	switch kind {
	case KindMessage:
		msg := &PlaintextMessage{}
		if err := json.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("%w: bad message payload: %v", ErrMalformed, err)
		}
		if msg.ID == "" {
			return nil, fmt.Errorf("%w: message without id", ErrMalformed)
		}
		return &Content{Kind: KindMessage, Message: msg}, nil
	case KindTyping:
		return &Content{Kind: KindTyping}, nil
	case KindRead, KindDelete:
		if len(payload) == 0 {
			return nil, fmt.Errorf("%w: receipt without message id", ErrMalformed)
		}
		return &Content{Kind: kind, MessageID: string(payload)}, nil
	default:
		return &Content{Kind: KindUnknown}, nil
	}
}
