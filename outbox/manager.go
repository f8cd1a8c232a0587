package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/envelope"
	"github.com/opd-ai/securedm/store"
	"github.com/opd-ai/securedm/transport"
)

const (
	// DefaultSweepInterval is how often the background sweep retries
	// peers with pending work.
	DefaultSweepInterval = 60 * time.Second
	// DefaultAckTimeout bounds the wait for one per-message
	// acknowledgment before the flush gives up on the connection.
	DefaultAckTimeout = 15 * time.Second
	// DefaultFailureTimeout is how long an entry may stay pending before
	// it is surfaced to the caller as failed-and-retryable.
	DefaultFailureTimeout = 10 * time.Minute

	// maxRetryBackoff caps the per-entry retry delay.
	maxRetryBackoff = 30 * time.Minute
)

// DeliveredFunc is called when a peer acknowledges a message.
type DeliveredFunc func(peerPK [32]byte, messageID string)

// FailedFunc is called when an entry has been pending longer than the
// failure timeout. The entry is NOT dropped; it keeps retrying until
// delivered or explicitly deleted.
type FailedFunc func(peerPK [32]byte, messageID string, attempts int)

// Config tunes the delivery manager. Zero values select the defaults.
type Config struct {
	SweepInterval  time.Duration
	AckTimeout     time.Duration
	FailureTimeout time.Duration
}

// Manager drives the write-ahead outbox. It owns no ratchet state; it
// only moves already-encrypted envelope bytes.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	dialer transport.Dialer
	cfg    Config

	peerLocks map[[32]byte]*sync.Mutex

	onDelivered DeliveredFunc
	onFailed    FailedFunc

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a delivery manager over a store and dialer.
func NewManager(st *store.Store, dialer transport.Dialer, cfg Config) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.FailureTimeout <= 0 {
		cfg.FailureTimeout = DefaultFailureTimeout
	}

	return &Manager{
		store:     st,
		dialer:    dialer,
		cfg:       cfg,
		peerLocks: make(map[[32]byte]*sync.Mutex),
		stopChan:  make(chan struct{}),
	}
}

// OnDelivered sets the delivery acknowledgment callback.
func (m *Manager) OnDelivered(fn DeliveredFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelivered = fn
}

// OnFailed sets the failed-and-retryable callback.
func (m *Manager) OnFailed(fn FailedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = fn
}

// Start begins the background sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop shuts down the background sweep. In-flight flushes finish their
// current message; unacknowledged entries stay queued.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

// Enqueue persists an envelope for delivery. The write is the point of no
// return: once it succeeds the message survives crashes and cancellation
// until the peer acknowledges it.
func (m *Manager) Enqueue(ctx context.Context, peerPK [32]byte, messageID string, envelopeBytes []byte) error {
	if messageID == "" {
		messageID = uuid.New().String()
	}

	entry := &store.OutboxEntry{
		MessageID:     messageID,
		PeerPK:        peerPK,
		EnvelopeBytes: envelopeBytes,
		CreatedAt:     time.Now().UTC(),
		NextRetryAt:   time.Now().UTC(),
	}
	if err := m.store.EnqueueOutbox(ctx, entry); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Enqueue",
		"message_id": messageID,
		"peer_pfx":   fmt.Sprintf("%x", peerPK[:8]),
	}).Debug("Envelope queued for delivery")

	return nil
}

// AttemptFlush connects to a peer and sends every pending entry in
// original enqueue order, awaiting the per-message acknowledgment before
// sending the next. On any failure the remaining entries stay pending for
// the background sweep.
func (m *Manager) AttemptFlush(ctx context.Context, peerPK [32]byte) error {
	lock := m.peerLock(peerPK)
	lock.Lock()
	defer lock.Unlock()

	pending, err := m.store.PendingOutbox(ctx, peerPK)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	stream, err := m.dialer.Dial(ctx, peerPK)
	if err != nil {
		m.recordFailure(ctx, peerPK, pending)
		return err
	}
	defer stream.Close()

	for _, entry := range pending {
		if err := m.deliverEntry(ctx, stream, entry); err != nil {
			m.recordFailure(ctx, peerPK, pending)
			return err
		}

		if err := m.store.DeleteOutbox(ctx, entry.MessageID); err != nil {
			return err
		}

		m.mu.Lock()
		delivered := m.onDelivered
		m.mu.Unlock()
		if delivered != nil {
			delivered(peerPK, entry.MessageID)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "AttemptFlush",
		"peer_pfx": fmt.Sprintf("%x", peerPK[:8]),
		"count":    len(pending),
	}).Debug("Outbox flushed")

	return nil
}

// deliverEntry sends one envelope and waits for its acknowledgment.
func (m *Manager) deliverEntry(ctx context.Context, stream transport.Stream, entry *store.OutboxEntry) error {
	if err := stream.WriteFrame(entry.EnvelopeBytes); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, err)
	}

	want := envelope.AckFor(entry.EnvelopeBytes)

	type readResult struct {
		frame []byte
		err   error
	}
	resultChan := make(chan readResult, 1)
	go func() {
		frame, err := stream.ReadFrame()
		resultChan <- readResult{frame, err}
	}()

	select {
	case <-ctx.Done():
		stream.Close()
		return ctx.Err()
	case <-time.After(m.cfg.AckTimeout):
		stream.Close()
		return fmt.Errorf("%w: acknowledgment timeout for %s", transport.ErrPeerUnreachable, entry.MessageID)
	case res := <-resultChan:
		if res.err != nil {
			return fmt.Errorf("%w: %v", transport.ErrPeerUnreachable, res.err)
		}
		ack, err := envelope.UnmarshalAck(res.frame)
		if err != nil {
			return fmt.Errorf("bad acknowledgment for %s: %w", entry.MessageID, err)
		}
		if ack.Digest != want.Digest {
			return fmt.Errorf("acknowledgment digest mismatch for %s", entry.MessageID)
		}
		return nil
	}
}

// recordFailure bumps the retry schedule for every still-pending entry and
// surfaces entries older than the failure timeout.
func (m *Manager) recordFailure(ctx context.Context, peerPK [32]byte, entries []*store.OutboxEntry) {
	now := time.Now().UTC()

	m.mu.Lock()
	failed := m.onFailed
	m.mu.Unlock()

	for _, entry := range entries {
		still, err := m.store.OutboxEntryByID(ctx, entry.MessageID)
		if err != nil {
			continue // already delivered or deleted
		}

		backoff := m.cfg.SweepInterval << uint(min(still.AttemptCount, 5))
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
		if err := m.store.BumpOutboxAttempt(ctx, entry.MessageID, now.Add(backoff)); err != nil {
			logrus.WithError(err).WithField("message_id", entry.MessageID).
				Error("Failed to record outbox attempt")
			continue
		}

		if failed != nil && now.Sub(still.CreatedAt) > m.cfg.FailureTimeout {
			failed(peerPK, entry.MessageID, still.AttemptCount+1)
		}
	}
}

// sweepLoop periodically retries every peer with due pending work.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce flushes all peers whose earliest retry time has come due.
// Peers flush concurrently; per-peer ordering is preserved by the
// per-peer lock inside AttemptFlush.
func (m *Manager) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
	defer cancel()

	peers, err := m.store.PendingPeers(ctx)
	if err != nil {
		logrus.WithError(err).Error("Outbox sweep failed to list pending peers")
		return
	}

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for peerPK, due := range peers {
		if due.After(now) {
			continue
		}
		wg.Add(1)
		go func(pk [32]byte) {
			defer wg.Done()
			if err := m.AttemptFlush(ctx, pk); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "sweepOnce",
					"peer_pfx": fmt.Sprintf("%x", pk[:8]),
					"error":    err.Error(),
				}).Debug("Outbox retry failed; entries remain pending")
			}
		}(peerPK)
	}
	wg.Wait()
}

// peerLock returns the flush lock for a peer, creating it on first use.
func (m *Manager) peerLock(peerPK [32]byte) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.peerLocks[peerPK]
	if !ok {
		lock = &sync.Mutex{}
		m.peerLocks[peerPK] = lock
	}
	return lock
}
