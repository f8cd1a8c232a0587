package securedm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securedm/envelope"
	"github.com/opd-ai/securedm/ratchet"
	"github.com/opd-ai/securedm/session"
	"github.com/opd-ai/securedm/store"
	"github.com/opd-ai/securedm/transport"
)

// handleStream services one inbound transport stream, reading envelope
// frames and writing a digest acknowledgment for each frame that was
// durably processed. Duplicates are acked too, so a sender never retries a
// frame this endpoint has already recorded. Frames that fail authentication
// are never acked: an ack deletes the sender's outbox entry, and that must
// only happen for frames whose content this endpoint accepted.
func (r *Router) handleStream(peerPK [32]byte, stream transport.Stream) {
	defer stream.Close()

	log := logrus.WithFields(logrus.Fields{
		"peer_key_prefix": fmt.Sprintf("%x", peerPK[:8]),
	})

	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		acked := r.handleFrame(ctx, peerPK, frame)
		cancel()

		if !acked {
			// Persistence or authentication failed; drop the stream so
			// the sender retries.
			log.Warn("Failed to process inbound frame, closing stream")
			return
		}

		if err := stream.WriteFrame(envelope.AckFor(frame).Marshal()); err != nil {
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether it may be
// acknowledged.
func (r *Router) handleFrame(ctx context.Context, peerPK [32]byte, frame []byte) bool {
	log := logrus.WithFields(logrus.Fields{
		"peer_key_prefix": fmt.Sprintf("%x", peerPK[:8]),
	})

	env, err := envelope.Unmarshal(frame)
	if err != nil {
		// Malformed frames can never become valid on retry.
		log.WithError(err).Warn("Discarding malformed envelope")
		return true
	}

	// The transport authenticated peerPK; an envelope claiming another
	// sender over this stream is an impersonation attempt.
	if env.SenderPK != peerPK {
		log.WithFields(logrus.Fields{
			"claimed_prefix": fmt.Sprintf("%x", env.SenderPK[:8]),
		}).Warn("Discarding envelope with mismatched sender key")
		return true
	}

	content, err := r.decryptEnvelope(ctx, peerPK, env)
	if err != nil {
		switch {
		case errors.Is(err, ratchet.ErrDuplicateMessage):
			// Redelivery after a lost ack. Already processed.
			return true
		case errors.Is(err, ratchet.ErrAuthenticationFailed):
			// Acking would delete the sender's outbox entry for a frame
			// that was never accepted. Drop the stream instead; the
			// sender retries with backoff and eventually surfaces the
			// failure.
			log.Warn("Envelope failed authentication, closing stream")
			return false
		case errors.Is(err, ratchet.ErrDesync):
			log.Error("Conversation desynchronized, marking for reset")
			if mErr := r.store.MarkDesynced(ctx, peerPK); mErr != nil {
				log.WithError(mErr).Error("Failed to mark conversation desynced")
				return false
			}
			return true
		case errors.Is(err, session.ErrInvalidPublicKey):
			log.WithError(err).Warn("Discarding envelope with invalid key material")
			return true
		default:
			log.WithError(err).Error("Failed to process envelope")
			return false
		}
	}

	if content == nil {
		// Forward-compatible unknown kind.
		return true
	}

	r.dispatchContent(peerPK, content)
	return true
}

// decryptEnvelope runs the full receive pipeline for one envelope under
// the conversation lock: establish the session if this is a first contact,
// decrypt, persist whatever the content requires, and commit the advanced
// ratchet state. The message row is written before the state so a crash
// between the two redelivers into the duplicate path rather than losing
// the plaintext forever.
func (r *Router) decryptEnvelope(ctx context.Context, peerPK [32]byte, env *envelope.Envelope) (*envelope.Content, error) {
	lock := r.convLock(peerPK)
	lock.Lock()
	defer lock.Unlock()

	desynced, err := r.store.IsDesynced(ctx, peerPK)
	if err != nil {
		return nil, err
	}
	if desynced {
		return nil, ratchet.ErrDesync
	}

	st, err := r.store.LoadRatchetState(ctx, peerPK)
	if err != nil {
		return nil, err
	}
	if st == nil {
		if env.RatchetPub == nil {
			return nil, fmt.Errorf("%w: no session and envelope carries no ratchet key", ratchet.ErrNotInitialized)
		}
		st, err = r.establishResponder(peerPK, *env.RatchetPub)
		if err != nil {
			return nil, err
		}
	}

	plaintext, next, err := ratchet.Decrypt(st, env)
	if err != nil {
		return nil, err
	}

	content, err := envelope.DecodeContent(plaintext)
	if err != nil {
		// Authenticated but unintelligible. Commit the state so the
		// message key is consumed, then drop the payload.
		if sErr := r.store.SaveRatchetState(ctx, peerPK, next); sErr != nil {
			return nil, sErr
		}
		logrus.WithError(err).Warn("Discarding undecodable message content")
		return nil, nil
	}

	if content != nil && content.Kind == envelope.KindMessage {
		rec := &store.MessageRecord{
			ConversationID: r.ConversationID(peerPK),
			MessageID:      content.Message.ID,
			SenderPK:       peerPK,
			Content:        content.Message.Content,
			ReplyTo:        content.Message.ReplyTo,
			MediaRefs:      content.Message.MediaRefs,
			Timestamp:      content.Message.Timestamp,
			Outgoing:       false,
		}
		if err := r.store.AppendMessage(ctx, rec); err != nil {
			return nil, err
		}
	}

	if err := r.store.SaveRatchetState(ctx, peerPK, next); err != nil {
		return nil, err
	}

	return content, nil
}

// establishResponder creates the inbound half of a fresh session from the
// initiator's first envelope. The state is persisted before first use so a
// crash mid-decrypt does not strand the initiator with a session this side
// never recorded.
func (r *Router) establishResponder(peerPK, remoteEphemeralPub [32]byte) (*ratchet.State, error) {
	rkm, err := session.Respond(r.identity, peerPK, remoteEphemeralPub)
	if err != nil {
		return nil, err
	}
	defer rkm.Wipe()

	logrus.WithFields(logrus.Fields{
		"peer_key_prefix": fmt.Sprintf("%x", peerPK[:8]),
	}).Info("Established new conversation as responder")

	return ratchet.NewResponderState(rkm, remoteEphemeralPub), nil
}

// dispatchContent fans a decoded control message out to the registered
// callback. Callbacks run on the stream goroutine and must not block.
func (r *Router) dispatchContent(peerPK [32]byte, content *envelope.Content) {
	r.callbackMu.RLock()
	onMessage := r.onMessageReceived
	onTyping := r.onTyping
	onRead := r.onMessageRead
	onDeleted := r.onMessageDeleted
	r.callbackMu.RUnlock()

	switch content.Kind {
	case envelope.KindMessage:
		if onMessage != nil {
			onMessage(peerPK, content.Message)
		}
	case envelope.KindTyping:
		if onTyping != nil {
			onTyping(peerPK)
		}
	case envelope.KindRead:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.store.MarkRead(ctx, r.ConversationID(peerPK), content.MessageID)
		cancel()
		if err != nil {
			logrus.WithError(err).Warn("Failed to record read receipt")
		}
		if onRead != nil {
			onRead(peerPK, content.MessageID)
		}
	case envelope.KindDelete:
		r.applyRemoteDelete(peerPK, content.MessageID, onDeleted)
	}
}

// applyRemoteDelete honors a peer's deletion request, but only for
// messages the peer itself authored.
func (r *Router) applyRemoteDelete(peerPK [32]byte, messageID string, onDeleted func([32]byte, string)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv := r.ConversationID(peerPK)
	rec, err := r.store.MessageByID(ctx, conv, messageID)
	if err != nil {
		logrus.WithError(err).Warn("Failed to look up message for remote delete")
		return
	}
	if rec == nil {
		return
	}
	if rec.SenderPK != peerPK {
		logrus.WithFields(logrus.Fields{
			"peer_key_prefix": fmt.Sprintf("%x", peerPK[:8]),
			"message_id":      messageID,
		}).Warn("Ignoring delete request for message the peer did not author")
		return
	}
	if err := r.store.DeleteMessage(ctx, conv, messageID); err != nil {
		logrus.WithError(err).Warn("Failed to apply remote delete")
		return
	}
	if onDeleted != nil {
		onDeleted(peerPK, messageID)
	}
}
