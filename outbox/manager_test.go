package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/envelope"
	"github.com/opd-ai/securedm/store"
	"github.com/opd-ai/securedm/transport"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	key, err := crypto.DeriveStorageKey(id.Seed())
	if err != nil {
		t.Fatalf("DeriveStorageKey() error: %v", err)
	}
	s, err := store.New(filepath.Join(t.TempDir(), "outbox.db"), key)
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ackingReceiver records every frame it reads and acknowledges each one.
type ackingReceiver struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *ackingReceiver) handle(peerPK [32]byte, stream transport.Stream) {
	defer stream.Close()
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.frames = append(r.frames, frame)
		r.mu.Unlock()
		if err := stream.WriteFrame(envelope.AckFor(frame).Marshal()); err != nil {
			return
		}
	}
}

func (r *ackingReceiver) received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

func testKeys() ([32]byte, [32]byte) {
	var sender, receiver [32]byte
	sender[0] = 1
	receiver[0] = 2
	return sender, receiver
}

func TestFlushDeliversInOrder(t *testing.T) {
	st := newTestStore(t)
	network := transport.NewMemoryNetwork()
	senderPK, receiverPK := testKeys()

	receiver := &ackingReceiver{}
	network.Node(receiverPK).SetStreamHandler(receiver.handle)

	m := NewManager(st, network.Node(senderPK), Config{AckTimeout: 2 * time.Second})

	var delivered []string
	var deliveredMu sync.Mutex
	m.OnDelivered(func(peerPK [32]byte, messageID string) {
		deliveredMu.Lock()
		delivered = append(delivered, messageID)
		deliveredMu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("msg-%d", i)
		if err := m.Enqueue(ctx, receiverPK, id, []byte(id)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	if err := m.AttemptFlush(ctx, receiverPK); err != nil {
		t.Fatalf("AttemptFlush() error: %v", err)
	}

	frames := receiver.received()
	if len(frames) != 3 {
		t.Fatalf("Received %d frames, want 3", len(frames))
	}
	for i, frame := range frames {
		if string(frame) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("Frame %d = %q, delivery order broken", i, frame)
		}
	}

	deliveredMu.Lock()
	defer deliveredMu.Unlock()
	if len(delivered) != 3 {
		t.Fatalf("Delivered callbacks = %d, want 3", len(delivered))
	}

	pending, err := st.PendingOutbox(ctx, receiverPK)
	if err != nil {
		t.Fatalf("PendingOutbox() error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending count = %d, want 0 after full flush", len(pending))
	}
}

func TestFlushAgainstOfflinePeer(t *testing.T) {
	st := newTestStore(t)
	network := transport.NewMemoryNetwork()
	senderPK, receiverPK := testKeys()

	receiver := &ackingReceiver{}
	node := network.Node(receiverPK)
	node.SetStreamHandler(receiver.handle)
	node.SetOnline(false)

	m := NewManager(st, network.Node(senderPK), Config{AckTimeout: 2 * time.Second})

	ctx := context.Background()
	if err := m.Enqueue(ctx, receiverPK, "queued", []byte("queued")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if err := m.AttemptFlush(ctx, receiverPK); !errors.Is(err, transport.ErrPeerUnreachable) {
		t.Fatalf("AttemptFlush() error = %v, want ErrPeerUnreachable", err)
	}

	// The entry must survive the failed attempt.
	pending, err := st.PendingOutbox(ctx, receiverPK)
	if err != nil {
		t.Fatalf("PendingOutbox() error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending count = %d, want 1", len(pending))
	}
	if pending[0].AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", pending[0].AttemptCount)
	}

	// Once the peer comes back the same entry flushes.
	node.SetOnline(true)
	if err := m.AttemptFlush(ctx, receiverPK); err != nil {
		t.Fatalf("AttemptFlush() after reconnect error: %v", err)
	}
	if frames := receiver.received(); len(frames) != 1 || string(frames[0]) != "queued" {
		t.Errorf("Received frames = %v, want the queued envelope", frames)
	}
}

func TestFlushStopsAtFirstUnacked(t *testing.T) {
	st := newTestStore(t)
	network := transport.NewMemoryNetwork()
	senderPK, receiverPK := testKeys()

	// A receiver that reads but never acknowledges.
	network.Node(receiverPK).SetStreamHandler(func(peerPK [32]byte, stream transport.Stream) {
		defer stream.Close()
		for {
			if _, err := stream.ReadFrame(); err != nil {
				return
			}
		}
	})

	m := NewManager(st, network.Node(senderPK), Config{AckTimeout: 100 * time.Millisecond})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Enqueue(ctx, receiverPK, fmt.Sprintf("m-%d", i), []byte("e")); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	if err := m.AttemptFlush(ctx, receiverPK); err == nil {
		t.Fatal("AttemptFlush() succeeded against a mute receiver")
	}

	// Nothing may be dropped and order must be preserved for the retry.
	pending, err := st.PendingOutbox(ctx, receiverPK)
	if err != nil {
		t.Fatalf("PendingOutbox() error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending count = %d, want 2", len(pending))
	}
	if pending[0].MessageID != "m-0" {
		t.Errorf("Head of queue = %s, want m-0", pending[0].MessageID)
	}
}

func TestFailedCallbackAfterTimeout(t *testing.T) {
	st := newTestStore(t)
	network := transport.NewMemoryNetwork()
	senderPK, receiverPK := testKeys()

	node := network.Node(receiverPK)
	node.SetOnline(false)

	m := NewManager(st, network.Node(senderPK), Config{
		AckTimeout:     time.Second,
		FailureTimeout: time.Nanosecond,
	})

	var failedID string
	var failedAttempts int
	var failedMu sync.Mutex
	m.OnFailed(func(peerPK [32]byte, messageID string, attempts int) {
		failedMu.Lock()
		failedID = messageID
		failedAttempts = attempts
		failedMu.Unlock()
	})

	ctx := context.Background()
	if err := m.Enqueue(ctx, receiverPK, "stuck", []byte("stuck")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	time.Sleep(time.Millisecond)
	if err := m.AttemptFlush(ctx, receiverPK); err == nil {
		t.Fatal("AttemptFlush() succeeded against an offline peer")
	}

	failedMu.Lock()
	defer failedMu.Unlock()
	if failedID != "stuck" {
		t.Errorf("Failed callback id = %q, want %q", failedID, "stuck")
	}
	if failedAttempts < 1 {
		t.Errorf("Failed callback attempts = %d, want >= 1", failedAttempts)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	st := newTestStore(t)
	network := transport.NewMemoryNetwork()
	senderPK, _ := testKeys()

	m := NewManager(st, network.Node(senderPK), Config{SweepInterval: 10 * time.Millisecond})

	m.Start()
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop()
}
