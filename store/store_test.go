package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/ratchet"
)

func newTestStore(t *testing.T) (*Store, [32]byte) {
	t.Helper()

	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	key, err := crypto.DeriveStorageKey(id.Seed())
	if err != nil {
		t.Fatalf("DeriveStorageKey() error: %v", err)
	}

	s, err := New(filepath.Join(t.TempDir(), "test.db"), key)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, key
}

func testPeer(b byte) [32]byte {
	var pk [32]byte
	pk[0] = b
	return pk
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New("", [32]byte{}); err == nil {
		t.Error("New() accepted an empty path")
	}
}

func TestRatchetStateRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	peer := testPeer(1)

	loaded, err := s.LoadRatchetState(ctx, peer)
	if err != nil {
		t.Fatalf("LoadRatchetState() error: %v", err)
	}
	if loaded != nil {
		t.Fatal("LoadRatchetState() returned a state for an unknown peer")
	}

	ck := [32]byte{9}
	st := &ratchet.State{
		RootKey:      [32]byte{1, 2, 3},
		SendChainKey: &ck,
		SendCount:    4,
		RemoteDHPub:  [32]byte{5},
	}
	if err := s.SaveRatchetState(ctx, peer, st); err != nil {
		t.Fatalf("SaveRatchetState() error: %v", err)
	}

	loaded, err = s.LoadRatchetState(ctx, peer)
	if err != nil {
		t.Fatalf("LoadRatchetState() error: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadRatchetState() returned nil after save")
	}
	if loaded.RootKey != st.RootKey || loaded.SendCount != st.SendCount {
		t.Error("Loaded state differs from saved state")
	}
	if loaded.SendChainKey == nil || *loaded.SendChainKey != ck {
		t.Error("Loaded state lost the sending chain key")
	}

	// Saving again overwrites.
	st.SendCount = 5
	if err := s.SaveRatchetState(ctx, peer, st); err != nil {
		t.Fatalf("SaveRatchetState() error: %v", err)
	}
	loaded, _ = s.LoadRatchetState(ctx, peer)
	if loaded.SendCount != 5 {
		t.Errorf("SendCount = %d, want 5 after overwrite", loaded.SendCount)
	}

	if err := s.DeleteRatchetState(ctx, peer); err != nil {
		t.Fatalf("DeleteRatchetState() error: %v", err)
	}
	loaded, _ = s.LoadRatchetState(ctx, peer)
	if loaded != nil {
		t.Error("State survived deletion")
	}
}

func TestRatchetStateSealedAtRest(t *testing.T) {
	id, _ := crypto.GenerateIdentity()
	key, _ := crypto.DeriveStorageKey(id.Seed())
	path := filepath.Join(t.TempDir(), "sealed.db")

	s, err := New(path, key)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx := context.Background()
	if err := s.SaveRatchetState(ctx, testPeer(1), &ratchet.State{RootKey: [32]byte{1}}); err != nil {
		t.Fatalf("SaveRatchetState() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Reopening with the wrong key must fail to read the state.
	other, _ := crypto.GenerateIdentity()
	wrongKey, _ := crypto.DeriveStorageKey(other.Seed())
	s2, err := New(path, wrongKey)
	if err != nil {
		t.Fatalf("New() reopen error: %v", err)
	}
	defer s2.Close()

	if _, err := s2.LoadRatchetState(ctx, testPeer(1)); err == nil {
		t.Error("LoadRatchetState() opened a state sealed under a different key")
	}
}

func TestDesyncFlag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	peer := testPeer(2)

	if err := s.SaveRatchetState(ctx, peer, &ratchet.State{}); err != nil {
		t.Fatalf("SaveRatchetState() error: %v", err)
	}

	desynced, err := s.IsDesynced(ctx, peer)
	if err != nil {
		t.Fatalf("IsDesynced() error: %v", err)
	}
	if desynced {
		t.Fatal("Fresh state reported as desynced")
	}

	if err := s.MarkDesynced(ctx, peer); err != nil {
		t.Fatalf("MarkDesynced() error: %v", err)
	}
	desynced, _ = s.IsDesynced(ctx, peer)
	if !desynced {
		t.Error("MarkDesynced() did not stick")
	}

	// Deleting the state clears the flag.
	if err := s.DeleteRatchetState(ctx, peer); err != nil {
		t.Fatalf("DeleteRatchetState() error: %v", err)
	}
	desynced, _ = s.IsDesynced(ctx, peer)
	if desynced {
		t.Error("Desync flag survived a conversation reset")
	}
}

func TestAppendMessageIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv := crypto.NewConversationID(testPeer(1), testPeer(2))

	rec := &MessageRecord{
		ConversationID: conv,
		MessageID:      "msg-1",
		SenderPK:       testPeer(1),
		Content:        "original",
		Timestamp:      time.Now().UTC(),
	}
	if err := s.AppendMessage(ctx, rec); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	// Redelivery must not duplicate or overwrite.
	rec2 := *rec
	rec2.Content = "tampered redelivery"
	if err := s.AppendMessage(ctx, &rec2); err != nil {
		t.Fatalf("AppendMessage() redelivery error: %v", err)
	}

	msgs, err := s.ListMessages(ctx, conv, time.Time{}, 10)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Message count = %d, want 1", len(msgs))
	}
	if msgs[0].Content != "original" {
		t.Errorf("Content = %q, want %q", msgs[0].Content, "original")
	}
}

func TestListMessagesPagination(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv := crypto.NewConversationID(testPeer(1), testPeer(2))

	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &MessageRecord{
			ConversationID: conv,
			MessageID:      string(rune('a' + i)),
			SenderPK:       testPeer(1),
			Content:        "m",
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendMessage(ctx, rec); err != nil {
			t.Fatalf("AppendMessage() error: %v", err)
		}
	}

	page1, err := s.ListMessages(ctx, conv, time.Time{}, 2)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("Page size = %d, want 2", len(page1))
	}
	if !page1[0].Timestamp.After(page1[1].Timestamp) {
		t.Error("Messages not ordered newest first")
	}

	page2, err := s.ListMessages(ctx, conv, page1[len(page1)-1].Timestamp, 10)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(page2) != 3 {
		t.Fatalf("Second page size = %d, want 3", len(page2))
	}
	for _, m := range page2 {
		if !m.Timestamp.Before(page1[1].Timestamp) {
			t.Error("Second page overlaps the first")
		}
	}
}

func TestMessageByID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv := crypto.NewConversationID(testPeer(1), testPeer(2))

	got, err := s.MessageByID(ctx, conv, "nope")
	if err != nil {
		t.Fatalf("MessageByID() error: %v", err)
	}
	if got != nil {
		t.Fatal("MessageByID() found a nonexistent message")
	}

	rec := &MessageRecord{
		ConversationID: conv,
		MessageID:      "msg-7",
		SenderPK:       testPeer(2),
		Content:        "lookup me",
		MediaRefs:      []string{"blob://x"},
		Timestamp:      time.Now().UTC(),
	}
	if err := s.AppendMessage(ctx, rec); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	got, err = s.MessageByID(ctx, conv, "msg-7")
	if err != nil {
		t.Fatalf("MessageByID() error: %v", err)
	}
	if got == nil || got.Content != "lookup me" || got.SenderPK != testPeer(2) {
		t.Error("MessageByID() returned wrong record")
	}
	if len(got.MediaRefs) != 1 || got.MediaRefs[0] != "blob://x" {
		t.Error("MessageByID() lost media refs")
	}
}

func TestMarkReadAndMeta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	peer := testPeer(3)
	conv := crypto.NewConversationID(testPeer(1), peer)

	for i, id := range []string{"in-1", "in-2"} {
		rec := &MessageRecord{
			ConversationID: conv,
			MessageID:      id,
			SenderPK:       peer,
			Content:        "incoming",
			Timestamp:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, rec); err != nil {
			t.Fatalf("AppendMessage() error: %v", err)
		}
	}

	meta, err := s.Meta(ctx, peer, conv)
	if err != nil {
		t.Fatalf("Meta() error: %v", err)
	}
	if meta.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2", meta.UnreadCount)
	}

	if err := s.MarkRead(ctx, conv, "in-1"); err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	meta, _ = s.Meta(ctx, peer, conv)
	if meta.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1 after MarkRead", meta.UnreadCount)
	}
}

func TestOutboxOrderingAndRetry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	peer := testPeer(4)

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := &OutboxEntry{
			MessageID:     string(rune('A' + i)),
			PeerPK:        peer,
			EnvelopeBytes: []byte{byte(i)},
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
			NextRetryAt:   base,
		}
		if err := s.EnqueueOutbox(ctx, entry); err != nil {
			t.Fatalf("EnqueueOutbox() error: %v", err)
		}
	}

	pending, err := s.PendingOutbox(ctx, peer)
	if err != nil {
		t.Fatalf("PendingOutbox() error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Pending count = %d, want 3", len(pending))
	}
	for i, entry := range pending {
		if entry.MessageID != string(rune('A'+i)) {
			t.Fatalf("Pending[%d] = %s, order broken", i, entry.MessageID)
		}
	}

	peers, err := s.PendingPeers(ctx)
	if err != nil {
		t.Fatalf("PendingPeers() error: %v", err)
	}
	if _, ok := peers[peer]; !ok {
		t.Error("PendingPeers() missing the queued peer")
	}

	retryAt := base.Add(time.Hour)
	if err := s.BumpOutboxAttempt(ctx, "A", retryAt); err != nil {
		t.Fatalf("BumpOutboxAttempt() error: %v", err)
	}
	entry, err := s.OutboxEntryByID(ctx, "A")
	if err != nil {
		t.Fatalf("OutboxEntryByID() error: %v", err)
	}
	if entry.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", entry.AttemptCount)
	}
	if !entry.NextRetryAt.Equal(retryAt) {
		t.Errorf("NextRetryAt = %v, want %v", entry.NextRetryAt, retryAt)
	}

	if err := s.DeleteOutbox(ctx, "B"); err != nil {
		t.Fatalf("DeleteOutbox() error: %v", err)
	}
	pending, _ = s.PendingOutbox(ctx, peer)
	if len(pending) != 2 {
		t.Errorf("Pending count = %d, want 2 after delete", len(pending))
	}
}

func TestOutboxSameTimestampKeepsEnqueueOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	peer := testPeer(5)

	// Identical timestamps and ids that sort against insertion order:
	// only the insertion sequence can keep these straight.
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	ids := []string{"z-first", "m-second", "a-third"}
	for _, id := range ids {
		entry := &OutboxEntry{
			MessageID:     id,
			PeerPK:        peer,
			EnvelopeBytes: []byte(id),
			CreatedAt:     created,
			NextRetryAt:   created,
		}
		if err := s.EnqueueOutbox(ctx, entry); err != nil {
			t.Fatalf("EnqueueOutbox(%s) error: %v", id, err)
		}
	}

	pending, err := s.PendingOutbox(ctx, peer)
	if err != nil {
		t.Fatalf("PendingOutbox() error: %v", err)
	}
	if len(pending) != len(ids) {
		t.Fatalf("Pending count = %d, want %d", len(pending), len(ids))
	}
	for i, entry := range pending {
		if entry.MessageID != ids[i] {
			t.Fatalf("Pending[%d] = %s, want %s", i, entry.MessageID, ids[i])
		}
	}
}

func TestAppendMessageEmptyContent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	conv := crypto.NewConversationID(testPeer(1), testPeer(2))

	rec := &MessageRecord{
		ConversationID: conv,
		MessageID:      "empty-1",
		SenderPK:       testPeer(1),
		Content:        "",
		Timestamp:      time.Now().UTC(),
	}
	if err := s.AppendMessage(ctx, rec); err != nil {
		t.Fatalf("AppendMessage() of empty content error: %v", err)
	}

	got, err := s.MessageByID(ctx, conv, "empty-1")
	if err != nil {
		t.Fatalf("MessageByID() error: %v", err)
	}
	if got == nil {
		t.Fatal("MessageByID() returned nil for a stored message")
	}
	if got.Content != "" {
		t.Errorf("Content = %q, want empty", got.Content)
	}
}

func TestPeersListsSavedStates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for b := byte(1); b <= 3; b++ {
		if err := s.SaveRatchetState(ctx, testPeer(b), &ratchet.State{}); err != nil {
			t.Fatalf("SaveRatchetState() error: %v", err)
		}
	}

	peers, err := s.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers() error: %v", err)
	}
	if len(peers) != 3 {
		t.Errorf("Peer count = %d, want 3", len(peers))
	}
}
