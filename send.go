package securedm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/crypto"
	"github.com/opd-ai/securedm/envelope"
	"github.com/opd-ai/securedm/ratchet"
	"github.com/opd-ai/securedm/session"
	"github.com/opd-ai/securedm/store"
)

// Send encrypts a chat message for a peer and queues it for delivery. The
// message id is returned immediately. The message is durably queued before
// any network attempt, so Send returning nil guarantees eventual delivery
// once the peer is reachable, in the order messages were sent.
func (r *Router) Send(ctx context.Context, peerPK [32]byte, content string) (string, error) {
	msg := &envelope.PlaintextMessage{
		ID:        uuid.New().String(),
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := r.sendMessage(ctx, peerPK, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendReply is Send with a reference to an earlier message in the
// conversation.
func (r *Router) SendReply(ctx context.Context, peerPK [32]byte, content, replyTo string) (string, error) {
	msg := &envelope.PlaintextMessage{
		ID:        uuid.New().String(),
		Content:   content,
		Timestamp: time.Now().UTC(),
		ReplyTo:   replyTo,
	}
	if err := r.sendMessage(ctx, peerPK, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// sendMessage holds the conversation lock from encryption through enqueue,
// so the outbox order of queued envelopes always matches their ratchet
// counter order.
func (r *Router) sendMessage(ctx context.Context, peerPK [32]byte, msg *envelope.PlaintextMessage) error {
	plaintext, err := envelope.EncodeContent(&envelope.Content{
		Kind:    envelope.KindMessage,
		Message: msg,
	})
	if err != nil {
		return err
	}

	lock := r.convLock(peerPK)
	lock.Lock()
	defer lock.Unlock()

	frame, err := r.encryptStep(ctx, peerPK, plaintext)
	if err != nil {
		return err
	}

	rec := &store.MessageRecord{
		ConversationID: r.ConversationID(peerPK),
		MessageID:      msg.ID,
		SenderPK:       r.identityDH.Public,
		Content:        msg.Content,
		ReplyTo:        msg.ReplyTo,
		MediaRefs:      msg.MediaRefs,
		Timestamp:      msg.Timestamp,
		Outgoing:       true,
		Read:           true,
	}
	if err := r.store.AppendMessage(ctx, rec); err != nil {
		return err
	}

	if err := r.outbox.Enqueue(ctx, peerPK, msg.ID, frame); err != nil {
		return err
	}

	r.flushAsync(peerPK)
	return nil
}

// SendTyping sends a best-effort typing notification. It is delivered only
// if the peer is reachable right now and nothing else is queued ahead of
// it; otherwise it is silently dropped so a stale notification can never
// arrive after the message it announced.
func (r *Router) SendTyping(ctx context.Context, peerPK [32]byte) error {
	pending, err := r.store.PendingOutbox(ctx, peerPK)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}

	plaintext, err := envelope.EncodeContent(&envelope.Content{Kind: envelope.KindTyping})
	if err != nil {
		return err
	}

	frame, err := r.encryptTransient(ctx, peerPK, plaintext)
	if err != nil || frame == nil {
		return err
	}

	stream, err := r.dialer.Dial(ctx, peerPK)
	if err != nil {
		return nil
	}
	defer stream.Close()

	if err := stream.WriteFrame(frame); err != nil {
		return nil
	}
	// Wait for the ack so the stream is not torn down mid-frame.
	_, _ = stream.ReadFrame()
	return nil
}

// SendRead sends a durable read receipt for a received message and marks
// it read locally.
func (r *Router) SendRead(ctx context.Context, peerPK [32]byte, messageID string) error {
	if err := r.store.MarkRead(ctx, r.ConversationID(peerPK), messageID); err != nil {
		return err
	}
	return r.sendControl(ctx, peerPK, envelope.KindRead, messageID)
}

// SendDelete requests remote deletion of a previously sent message and
// removes it from local history. The peer honors the request only for
// messages this endpoint authored.
func (r *Router) SendDelete(ctx context.Context, peerPK [32]byte, messageID string) error {
	if err := r.store.DeleteMessage(ctx, r.ConversationID(peerPK), messageID); err != nil {
		return err
	}
	return r.sendControl(ctx, peerPK, envelope.KindDelete, messageID)
}

// sendControl queues a read or delete control message through the outbox
// so it survives restarts like a chat message does.
func (r *Router) sendControl(ctx context.Context, peerPK [32]byte, kind envelope.ContentKind, messageID string) error {
	plaintext, err := envelope.EncodeContent(&envelope.Content{
		Kind:      kind,
		MessageID: messageID,
	})
	if err != nil {
		return err
	}

	lock := r.convLock(peerPK)
	lock.Lock()
	defer lock.Unlock()

	frame, err := r.encryptStep(ctx, peerPK, plaintext)
	if err != nil {
		return err
	}

	if err := r.outbox.Enqueue(ctx, peerPK, uuid.New().String(), frame); err != nil {
		return err
	}

	r.flushAsync(peerPK)
	return nil
}

func (r *Router) flushAsync(peerPK [32]byte) {
	go func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.outbox.AttemptFlush(flushCtx, peerPK); err != nil {
			logrus.WithFields(logrus.Fields{
				"peer_key_prefix": fmt.Sprintf("%x", peerPK[:8]),
				"error":           err,
			}).Debug("Immediate delivery failed, message queued for retry")
		}
	}()
}

// encryptStep loads or establishes the session with a peer, encrypts one
// plaintext, and persists the advanced ratchet state before returning the
// marshaled envelope frame. The caller must hold the conversation lock.
func (r *Router) encryptStep(ctx context.Context, peerPK [32]byte, plaintext []byte) ([]byte, error) {
	desynced, err := r.store.IsDesynced(ctx, peerPK)
	if err != nil {
		return nil, err
	}
	if desynced {
		return nil, ErrConversationDesynced
	}

	st, err := r.store.LoadRatchetState(ctx, peerPK)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st, err = r.establishInitiator(peerPK)
		if err != nil {
			return nil, err
		}
	}

	env, err := ratchet.Encrypt(st, r.identityDH.Public, plaintext)
	if err != nil {
		return nil, err
	}

	// The advanced state must be durable before the envelope can leave
	// this process; reusing a message key after a crash would be worse
	// than losing the message.
	if err := r.store.SaveRatchetState(ctx, peerPK, st); err != nil {
		return nil, err
	}

	return env.Marshal()
}

// encryptTransient encrypts a frame that will not be queued for redelivery.
// It refuses to open a sending chain: the chain's ratchet key travels only
// on the first envelope of that chain, and losing an unqueued opener would
// strand every later message in it. Returns a nil frame when the next
// envelope would be an opener or the conversation is desynced.
func (r *Router) encryptTransient(ctx context.Context, peerPK [32]byte, plaintext []byte) ([]byte, error) {
	lock := r.convLock(peerPK)
	lock.Lock()
	defer lock.Unlock()

	desynced, err := r.store.IsDesynced(ctx, peerPK)
	if err != nil {
		return nil, err
	}
	if desynced {
		return nil, nil
	}

	st, err := r.store.LoadRatchetState(ctx, peerPK)
	if err != nil {
		return nil, err
	}
	if st == nil || st.SendChainKey == nil || st.SendCount == 0 {
		return nil, nil
	}

	env, err := ratchet.Encrypt(st, r.identityDH.Public, plaintext)
	if err != nil {
		return nil, err
	}

	if err := r.store.SaveRatchetState(ctx, peerPK, st); err != nil {
		return nil, err
	}

	return env.Marshal()
}

// establishInitiator creates a fresh outbound session. The ephemeral key
// doubles as the first sending ratchet key, so it travels in the first
// envelope and the responder can derive the same chain.
func (r *Router) establishInitiator(peerPK [32]byte) (*ratchet.State, error) {
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	rkm, err := session.Initiate(r.identity, ephemeral, peerPK)
	if err != nil {
		return nil, err
	}
	defer rkm.Wipe()

	logrus.WithFields(logrus.Fields{
		"peer_key_prefix": fmt.Sprintf("%x", peerPK[:8]),
	}).Info("Established new conversation as initiator")

	return ratchet.NewInitiatorState(rkm, ephemeral, peerPK), nil
}
