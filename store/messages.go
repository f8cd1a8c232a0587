package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opd-ai/securedm/crypto"
)

// MessageRecord is one persisted chat message.
type MessageRecord struct {
	ConversationID crypto.ConversationID
	MessageID      string
	SenderPK       [32]byte
	Content        string
	ReplyTo        string
	MediaRefs      []string
	Timestamp      time.Time
	Outgoing       bool
	Read           bool
}

// ConversationMeta summarizes one conversation for the presentation layer.
type ConversationMeta struct {
	PeerPK        [32]byte
	LastMessageAt time.Time
	UnreadCount   int
}

// AppendMessage persists a message to the conversation history. The body
// is sealed at rest. Appending an id that already exists is a no-op so
// redelivered envelopes stay idempotent.
func (s *Store) AppendMessage(ctx context.Context, rec *MessageRecord) error {
	sealedContent, err := crypto.SealState([]byte(rec.Content), s.stateKey)
	if err != nil {
		return fmt.Errorf("failed to seal message content: %w", err)
	}

	query := `
		INSERT INTO messages (
			conversation_id, message_id, sender_pk, content,
			reply_to, media_refs, created_at, outgoing, is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO NOTHING
	`
	return s.execContext(ctx, "append message", query,
		rec.ConversationID.String(),
		rec.MessageID,
		hex.EncodeToString(rec.SenderPK[:]),
		sealedContent,
		rec.ReplyTo,
		strings.Join(rec.MediaRefs, "\n"),
		rec.Timestamp.UTC(),
		rec.Outgoing,
		rec.Read,
	)
}

// HasMessage reports whether a message id already exists in the
// conversation history.
func (s *Store) HasMessage(ctx context.Context, conv crypto.ConversationID, messageID string) (bool, error) {
	var one int
	query := `SELECT 1 FROM messages WHERE conversation_id = ? AND message_id = ?`
	err := s.db.QueryRowContext(ctx, query, conv.String(), messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: has message: %w", err)
	}
	return true, nil
}

// ListMessages returns up to limit messages of a conversation strictly
// older than before, newest first. A zero before means "from the end".
func (s *Store) ListMessages(ctx context.Context, conv crypto.ConversationID, before time.Time, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}

	query := `
		SELECT message_id, sender_pk, content, reply_to, media_refs,
		       created_at, outgoing, is_read
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conv.String(), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		rec := &MessageRecord{ConversationID: conv}
		var senderHex, mediaRefs string
		var sealedContent []byte
		if err := rows.Scan(&rec.MessageID, &senderHex, &sealedContent, &rec.ReplyTo,
			&mediaRefs, &rec.Timestamp, &rec.Outgoing, &rec.Read); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}

		sender, err := hex.DecodeString(senderHex)
		if err != nil || len(sender) != 32 {
			return nil, fmt.Errorf("storage: corrupt sender key for message %s", rec.MessageID)
		}
		copy(rec.SenderPK[:], sender)

		content, err := crypto.OpenState(sealedContent, s.stateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal message %s: %w", rec.MessageID, err)
		}
		rec.Content = string(content)

		if mediaRefs != "" {
			rec.MediaRefs = strings.Split(mediaRefs, "\n")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	return out, nil
}

// MessageByID fetches a single message, or (nil, nil) when absent.
func (s *Store) MessageByID(ctx context.Context, conv crypto.ConversationID, messageID string) (*MessageRecord, error) {
	query := `
		SELECT sender_pk, content, reply_to, media_refs, created_at, outgoing, is_read
		FROM messages
		WHERE conversation_id = ? AND message_id = ?
	`
	rec := &MessageRecord{ConversationID: conv, MessageID: messageID}
	var senderHex, mediaRefs string
	var sealedContent []byte
	err := s.db.QueryRowContext(ctx, query, conv.String(), messageID).Scan(
		&senderHex, &sealedContent, &rec.ReplyTo, &mediaRefs,
		&rec.Timestamp, &rec.Outgoing, &rec.Read)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: message by id: %w", err)
	}

	sender, err := hex.DecodeString(senderHex)
	if err != nil || len(sender) != 32 {
		return nil, fmt.Errorf("storage: corrupt sender key for message %s", messageID)
	}
	copy(rec.SenderPK[:], sender)

	content, err := crypto.OpenState(sealedContent, s.stateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal message %s: %w", messageID, err)
	}
	rec.Content = string(content)

	if mediaRefs != "" {
		rec.MediaRefs = strings.Split(mediaRefs, "\n")
	}
	return rec, nil
}

// MarkRead flags a message as read.
func (s *Store) MarkRead(ctx context.Context, conv crypto.ConversationID, messageID string) error {
	return s.execContext(ctx, "mark read",
		`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND message_id = ?`,
		conv.String(), messageID)
}

// DeleteMessage removes a message from the history.
func (s *Store) DeleteMessage(ctx context.Context, conv crypto.ConversationID, messageID string) error {
	return s.execContext(ctx, "delete message",
		`DELETE FROM messages WHERE conversation_id = ? AND message_id = ?`,
		conv.String(), messageID)
}

// Meta derives the conversation summary for a peer from the history.
func (s *Store) Meta(ctx context.Context, peerPK [32]byte, conv crypto.ConversationID) (*ConversationMeta, error) {
	meta := &ConversationMeta{PeerPK: peerPK}

	var last sql.NullTime
	query := `
		SELECT MAX(created_at),
		       COALESCE(SUM(CASE WHEN is_read = 0 AND outgoing = 0 THEN 1 ELSE 0 END), 0)
		FROM messages WHERE conversation_id = ?
	`
	if err := s.db.QueryRowContext(ctx, query, conv.String()).Scan(&last, &meta.UnreadCount); err != nil {
		return nil, fmt.Errorf("storage: conversation meta: %w", err)
	}
	if last.Valid {
		meta.LastMessageAt = last.Time
	}
	return meta, nil
}
