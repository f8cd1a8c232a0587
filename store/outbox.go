package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// OutboxEntry is one unacknowledged outgoing envelope. It is created
// before any network attempt and removed only on confirmed delivery.
type OutboxEntry struct {
	MessageID     string
	PeerPK        [32]byte
	EnvelopeBytes []byte
	CreatedAt     time.Time
	AttemptCount  int
	NextRetryAt   time.Time
}

// EnqueueOutbox persists an outgoing envelope. Until this returns nil the
// message must not be considered sent.
func (s *Store) EnqueueOutbox(ctx context.Context, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (message_id, peer_pk, envelope, created_at, attempt_count, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	return s.execContext(ctx, "enqueue outbox", query,
		entry.MessageID,
		hex.EncodeToString(entry.PeerPK[:]),
		entry.EnvelopeBytes,
		entry.CreatedAt.UTC(),
		entry.AttemptCount,
		entry.NextRetryAt.UTC(),
	)
}

// PendingOutbox returns every pending entry for a peer in original
// enqueue order. Ordering rides on the insertion sequence, not the
// creation timestamp, so entries enqueued within the same clock tick
// still flush in order.
func (s *Store) PendingOutbox(ctx context.Context, peerPK [32]byte) ([]*OutboxEntry, error) {
	query := `
		SELECT message_id, envelope, created_at, attempt_count, next_retry_at
		FROM outbox
		WHERE peer_pk = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, hex.EncodeToString(peerPK[:]))
	if err != nil {
		return nil, fmt.Errorf("storage: pending outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{PeerPK: peerPK}
		if err := rows.Scan(&entry.MessageID, &entry.EnvelopeBytes,
			&entry.CreatedAt, &entry.AttemptCount, &entry.NextRetryAt); err != nil {
			return nil, fmt.Errorf("storage: scan outbox entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: pending outbox: %w", err)
	}
	return out, nil
}

// PendingPeers lists the peers that have pending outbox work, with the
// earliest retry time due among their entries.
func (s *Store) PendingPeers(ctx context.Context) (map[[32]byte]time.Time, error) {
	query := `SELECT peer_pk, MIN(next_retry_at) FROM outbox GROUP BY peer_pk`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: pending peers: %w", err)
	}
	defer rows.Close()

	out := make(map[[32]byte]time.Time)
	for rows.Next() {
		var peerHex string
		var due time.Time
		if err := rows.Scan(&peerHex, &due); err != nil {
			return nil, fmt.Errorf("storage: scan pending peer: %w", err)
		}
		decoded, err := hex.DecodeString(peerHex)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("storage: corrupt peer key %q in outbox", peerHex)
		}
		var pk [32]byte
		copy(pk[:], decoded)
		out[pk] = due
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: pending peers: %w", err)
	}
	return out, nil
}

// DeleteOutbox removes an entry after its delivery was acknowledged (or
// on explicit user deletion).
func (s *Store) DeleteOutbox(ctx context.Context, messageID string) error {
	return s.execContext(ctx, "delete outbox entry",
		`DELETE FROM outbox WHERE message_id = ?`, messageID)
}

// BumpOutboxAttempt records a failed delivery attempt and schedules the
// next retry.
func (s *Store) BumpOutboxAttempt(ctx context.Context, messageID string, nextRetryAt time.Time) error {
	return s.execContext(ctx, "bump outbox attempt",
		`UPDATE outbox SET attempt_count = attempt_count + 1, next_retry_at = ? WHERE message_id = ?`,
		nextRetryAt.UTC(), messageID)
}

// OutboxEntryByID fetches a single outbox entry.
func (s *Store) OutboxEntryByID(ctx context.Context, messageID string) (*OutboxEntry, error) {
	query := `
		SELECT message_id, peer_pk, envelope, created_at, attempt_count, next_retry_at
		FROM outbox WHERE message_id = ?
	`
	entry := &OutboxEntry{}
	var peerHex string
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(&entry.MessageID, &peerHex,
		&entry.EnvelopeBytes, &entry.CreatedAt, &entry.AttemptCount, &entry.NextRetryAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: outbox entry: %w", err)
	}

	decoded, err := hex.DecodeString(peerHex)
	if err != nil || len(decoded) != 32 {
		return nil, fmt.Errorf("storage: corrupt peer key %q in outbox", peerHex)
	}
	copy(entry.PeerPK[:], decoded)
	return entry, nil
}
