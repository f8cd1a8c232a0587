package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/ratchet"
)

// SaveRatchetState seals and upserts the ratchet state for a peer. The
// write is a single statement, so a crash can only leave the previous
// complete state or the new complete state, never a mix.
func (s *Store) SaveRatchetState(ctx context.Context, peerPK [32]byte, st *ratchet.State) error {
	plaintext, err := st.Serialize()
	if err != nil {
		return err
	}

	sealed, err := crypto.SealState(plaintext, s.stateKey)
	crypto.ZeroBytes(plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal ratchet state: %w", err)
	}

	query := `
		INSERT INTO ratchet_states (peer_pk, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_pk) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	return s.execContext(ctx, "save ratchet state", query,
		hex.EncodeToString(peerPK[:]), sealed, time.Now().UTC())
}

// LoadRatchetState returns the ratchet state for a peer, or (nil, nil)
// when no session exists yet.
func (s *Store) LoadRatchetState(ctx context.Context, peerPK [32]byte) (*ratchet.State, error) {
	var sealed []byte
	query := `SELECT state FROM ratchet_states WHERE peer_pk = ?`
	err := s.db.QueryRowContext(ctx, query, hex.EncodeToString(peerPK[:])).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load ratchet state: %w", err)
	}

	plaintext, err := crypto.OpenState(sealed, s.stateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal ratchet state: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	return ratchet.Deserialize(plaintext)
}

// DeleteRatchetState removes the session state for a peer, resetting the
// conversation.
func (s *Store) DeleteRatchetState(ctx context.Context, peerPK [32]byte) error {
	return s.execContext(ctx, "delete ratchet state",
		`DELETE FROM ratchet_states WHERE peer_pk = ?`, hex.EncodeToString(peerPK[:]))
}

// MarkDesynced flags a conversation as undecryptable. It stays flagged
// until the session is explicitly reset.
func (s *Store) MarkDesynced(ctx context.Context, peerPK [32]byte) error {
	return s.execContext(ctx, "mark desynced",
		`UPDATE ratchet_states SET desynced = 1 WHERE peer_pk = ?`, hex.EncodeToString(peerPK[:]))
}

// IsDesynced reports whether a conversation has been marked
// undecryptable.
func (s *Store) IsDesynced(ctx context.Context, peerPK [32]byte) (bool, error) {
	var desynced bool
	query := `SELECT desynced FROM ratchet_states WHERE peer_pk = ?`
	err := s.db.QueryRowContext(ctx, query, hex.EncodeToString(peerPK[:])).Scan(&desynced)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: is desynced: %w", err)
	}
	return desynced, nil
}

// Peers lists every peer with an established session.
func (s *Store) Peers(ctx context.Context) ([][32]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_pk FROM ratchet_states ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list peers: %w", err)
	}
	defer rows.Close()

	var out [][32]byte
	for rows.Next() {
		var peerHex string
		if err := rows.Scan(&peerHex); err != nil {
			return nil, fmt.Errorf("storage: scan peer: %w", err)
		}
		decoded, err := hex.DecodeString(peerHex)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("storage: corrupt peer key %q", peerHex)
		}
		var pk [32]byte
		copy(pk[:], decoded)
		out = append(out, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list peers: %w", err)
	}
	return out, nil
}
