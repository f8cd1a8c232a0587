// Package securedm implements the end-to-end encrypted direct-messaging
// core: per-conversation key agreement, Double Ratchet message
// encryption, durable write-ahead queuing, and guaranteed eventual
// delivery to intermittently-reachable peers.
//
// Example:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	router, err := securedm.New(securedm.Options{
//	    Identity:  id,
//	    StorePath: "messages.db",
//	    Dialer:    dialer,
//	    Listener:  listener,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer router.Close()
//
//	router.OnMessageReceived(func(peerPK [32]byte, msg *envelope.PlaintextMessage) {
//	    fmt.Printf("Message from %x: %s\n", peerPK[:8], msg.Content)
//	})
//
//	router.Start()
//	if _, err := router.Send(ctx, peerPK, "hello"); err != nil {
//	    log.Fatal(err)
//	}
package securedm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/envelope"
	"github.com/opd-ai/securedm/outbox"
	"github.com/opd-ai/securedm/store"
	"github.com/opd-ai/securedm/transport"
)

// ErrConversationDesynced indicates the ratchet state for a peer is
// permanently out of step. The conversation must be explicitly reset
// before any further traffic.
var ErrConversationDesynced = errors.New("conversation desynchronized; reset required")

// Options configures a Router.
type Options struct {
	// Identity is the local long-term signing identity. It is loaded once
	// and shared read-only across all conversations.
	Identity *crypto.Identity

	// StorePath is the SQLite database path for ratchet state, history,
	// and the outbox.
	StorePath string

	// Dialer establishes outbound streams to peers.
	Dialer transport.Dialer

	// Listener accepts inbound streams. Optional for send-only use.
	Listener transport.Listener

	// SweepInterval is the outbox retry interval (default 60s).
	SweepInterval time.Duration
	// AckTimeout bounds the wait for one delivery acknowledgment.
	AckTimeout time.Duration
	// FailureTimeout is the age after which pending entries surface as
	// failed-and-retryable.
	FailureTimeout time.Duration
}

// Router is the public facade of the messaging core. All access to one
// conversation's ratchet state funnels through a single per-conversation
// lock, so there is exactly one logical owner per peer.
type Router struct {
	identity   *crypto.Identity
	identityDH *crypto.KeyPair
	store      *store.Store
	outbox     *outbox.Manager
	dialer     transport.Dialer
	listener   transport.Listener

	convMu    sync.Mutex
	convLocks map[[32]byte]*sync.Mutex

	callbackMu         sync.RWMutex
	onMessageReceived  func(peerPK [32]byte, msg *envelope.PlaintextMessage)
	onMessageDelivered func(peerPK [32]byte, messageID string)
	onMessageRead      func(peerPK [32]byte, messageID string)
	onMessageDeleted   func(peerPK [32]byte, messageID string)
	onTyping           func(peerPK [32]byte)
	onDeliveryFailed   func(peerPK [32]byte, messageID string, attempts int)
}

// New creates a Router from options. The identity's DH key pair and the
// at-rest storage key are derived once here.
func New(opts Options) (*Router, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("%w: options require an identity", crypto.ErrInvalidKeyMaterial)
	}
	if opts.Dialer == nil {
		return nil, errors.New("options require a dialer")
	}

	identityDH, err := opts.Identity.DHKeyPair()
	if err != nil {
		return nil, err
	}

	stateKey, err := crypto.DeriveStorageKey(opts.Identity.Seed())
	if err != nil {
		return nil, err
	}

	st, err := store.New(opts.StorePath, stateKey)
	if err != nil {
		return nil, err
	}

	r := &Router{
		identity:   opts.Identity,
		identityDH: identityDH,
		store:      st,
		dialer:     opts.Dialer,
		listener:   opts.Listener,
		convLocks:  make(map[[32]byte]*sync.Mutex),
	}

	r.outbox = outbox.NewManager(st, opts.Dialer, outbox.Config{
		SweepInterval:  opts.SweepInterval,
		AckTimeout:     opts.AckTimeout,
		FailureTimeout: opts.FailureTimeout,
	})
	r.outbox.OnDelivered(func(peerPK [32]byte, messageID string) {
		r.callbackMu.RLock()
		cb := r.onMessageDelivered
		r.callbackMu.RUnlock()
		if cb != nil {
			cb(peerPK, messageID)
		}
	})
	r.outbox.OnFailed(func(peerPK [32]byte, messageID string, attempts int) {
		r.callbackMu.RLock()
		cb := r.onDeliveryFailed
		r.callbackMu.RUnlock()
		if cb != nil {
			cb(peerPK, messageID, attempts)
		}
	})

	if opts.Listener != nil {
		opts.Listener.SetStreamHandler(r.handleStream)
	}

	return r, nil
}

// Start begins background delivery of queued messages.
func (r *Router) Start() {
	r.outbox.Start()
}

// Close stops background work and closes the store.
func (r *Router) Close() error {
	r.outbox.Stop()
	if r.listener != nil {
		if err := r.listener.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close listener")
		}
	}
	return r.store.Close()
}

// IdentityPublicKey returns the local DH identity public key, the name by
// which peers address this endpoint.
func (r *Router) IdentityPublicKey() [32]byte {
	return r.identityDH.Public
}

// ConversationID returns the shared conversation id with a peer. Both
// sides compute the identical value.
func (r *Router) ConversationID(peerPK [32]byte) crypto.ConversationID {
	return crypto.NewConversationID(r.identityDH.Public, peerPK)
}

// OnMessageReceived registers the chat-message event callback.
func (r *Router) OnMessageReceived(fn func(peerPK [32]byte, msg *envelope.PlaintextMessage)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onMessageReceived = fn
}

// OnMessageDelivered registers the delivery acknowledgment callback.
func (r *Router) OnMessageDelivered(fn func(peerPK [32]byte, messageID string)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onMessageDelivered = fn
}

// OnMessageRead registers the read-receipt callback.
func (r *Router) OnMessageRead(fn func(peerPK [32]byte, messageID string)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onMessageRead = fn
}

// OnMessageDeleted registers the remote-deletion callback.
func (r *Router) OnMessageDeleted(fn func(peerPK [32]byte, messageID string)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onMessageDeleted = fn
}

// OnTyping registers the typing notification callback.
func (r *Router) OnTyping(fn func(peerPK [32]byte)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onTyping = fn
}

// OnDeliveryFailed registers the failed-and-retryable callback. Entries
// surfaced here are still retried until delivered or deleted.
func (r *Router) OnDeliveryFailed(fn func(peerPK [32]byte, messageID string, attempts int)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onDeliveryFailed = fn
}

// Messages returns a page of conversation history with a peer, newest
// first.
func (r *Router) Messages(ctx context.Context, peerPK [32]byte, before time.Time, limit int) ([]*store.MessageRecord, error) {
	return r.store.ListMessages(ctx, r.ConversationID(peerPK), before, limit)
}

// Conversations summarizes every established conversation.
func (r *Router) Conversations(ctx context.Context) ([]*store.ConversationMeta, error) {
	peers, err := r.store.Peers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*store.ConversationMeta, 0, len(peers))
	for _, peerPK := range peers {
		meta, err := r.store.Meta(ctx, peerPK, r.ConversationID(peerPK))
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// ResetConversation discards the session with a peer. The next message in
// either direction establishes a fresh one. Message history is retained.
func (r *Router) ResetConversation(ctx context.Context, peerPK [32]byte) error {
	lock := r.convLock(peerPK)
	lock.Lock()
	defer lock.Unlock()
	return r.store.DeleteRatchetState(ctx, peerPK)
}

// AttemptFlush synchronously retries delivery for one peer.
func (r *Router) AttemptFlush(ctx context.Context, peerPK [32]byte) error {
	return r.outbox.AttemptFlush(ctx, peerPK)
}

// convLock returns the lock owning a conversation's ratchet state.
func (r *Router) convLock(peerPK [32]byte) *sync.Mutex {
	r.convMu.Lock()
	defer r.convMu.Unlock()

	lock, ok := r.convLocks[peerPK]
	if !ok {
		lock = &sync.Mutex{}
		r.convLocks[peerPK] = lock
	}
	return lock
}
