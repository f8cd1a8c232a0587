package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// handshakeTimeout bounds the Noise handshake on a fresh connection.
const handshakeTimeout = 30 * time.Second

// NoiseTCP is a TCP transport wrapped in the Noise IK pattern. The local
// X25519 identity key is the static key, so every stream is mutually
// authenticated: the dialer proves its identity in the first message and
// verifies the responder's static key it already knows.
type NoiseTCP struct {
	staticKey noise.DHKey
	listener  net.Listener

	mu       sync.RWMutex
	peers    map[[32]byte]string // peer public key -> dial address
	handler  StreamHandler
	closed   bool
	stopChan chan struct{}
}

// NewNoiseTCP creates a transport listening on listenAddr (empty for
// dial-only use). staticPriv is the local DH identity private key.
func NewNoiseTCP(staticPriv, staticPub [32]byte, listenAddr string) (*NoiseTCP, error) {
	t := &NoiseTCP{
		staticKey: noise.DHKey{
			Private: append([]byte(nil), staticPriv[:]...),
			Public:  append([]byte(nil), staticPub[:]...),
		},
		peers:    make(map[[32]byte]string),
		stopChan: make(chan struct{}),
	}

	if listenAddr != "" {
		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
		}
		t.listener = listener
		go t.acceptLoop()

		logrus.WithFields(logrus.Fields{
			"function": "NewNoiseTCP",
			"addr":     listener.Addr().String(),
		}).Info("Noise TCP transport listening")
	}

	return t, nil
}

// AddPeer registers the dial address for a peer's identity key.
func (t *NoiseTCP) AddPeer(peerPK [32]byte, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerPK] = addr
}

// SetStreamHandler registers the inbound stream handler.
func (t *NoiseTCP) SetStreamHandler(handler StreamHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// LocalAddr returns the listening address, or nil in dial-only mode.
func (t *NoiseTCP) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close shuts the transport down.
func (t *NoiseTCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopChan)
	t.mu.Unlock()

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Dial connects to a registered peer and completes the IK handshake as
// initiator.
func (t *NoiseTCP) Dial(ctx context.Context, peerPK [32]byte) (Stream, error) {
	t.mu.RLock()
	addr, ok := t.peers[peerPK]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: no address for %x", ErrPeerUnreachable, peerPK[:8])
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	stream, err := t.handshake(conn, peerPK[:], true)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake with %x failed: %v", ErrPeerUnreachable, peerPK[:8], err)
	}
	return stream, nil
}

// acceptLoop accepts inbound connections and hands completed streams to
// the registered handler.
func (t *NoiseTCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}
			logrus.WithError(err).Warn("Accept failed")
			continue
		}
		go t.handleInbound(conn)
	}
}

func (t *NoiseTCP) handleInbound(conn net.Conn) {
	stream, err := t.handshake(conn, nil, false)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleInbound",
			"remote_addr": conn.RemoteAddr().String(),
			"error":       err.Error(),
		}).Warn("Inbound handshake failed")
		conn.Close()
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		conn.Close()
		return
	}

	handler(stream.(*noiseStream).peerPK, stream)
}

// handshake runs the two-message IK exchange and returns the encrypted
// stream. peerStatic is required for the initiator and ignored for the
// responder, which learns the peer key from the first message.
func (t *NoiseTCP) handshake(conn net.Conn, peerStatic []byte, initiator bool) (Stream, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}

	config := noise.Config{
		CipherSuite: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: t.staticKey.Private,
			Public:  t.staticKey.Public,
		},
		PeerStatic: peerStatic,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	var sendCipher, recvCipher *noise.CipherState
	if initiator {
		msg1, _, _, err := state.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("handshake message 1: %w", err)
		}
		if err := writeRawFrame(conn, msg1); err != nil {
			return nil, err
		}

		msg2, err := readRawFrame(conn)
		if err != nil {
			return nil, err
		}
		// Message 2 completes IK. The initiator receives with the first
		// cipher state and sends with the second.
		_, cs0, cs1, err := state.ReadMessage(nil, msg2)
		if err != nil {
			return nil, fmt.Errorf("handshake message 2: %w", err)
		}
		recvCipher, sendCipher = cs0, cs1
	} else {
		msg1, err := readRawFrame(conn)
		if err != nil {
			return nil, err
		}
		if _, _, _, err := state.ReadMessage(nil, msg1); err != nil {
			return nil, fmt.Errorf("handshake message 1: %w", err)
		}

		// The responder sends with the first cipher state and receives
		// with the second.
		msg2, cs0, cs1, err := state.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("handshake message 2: %w", err)
		}
		if err := writeRawFrame(conn, msg2); err != nil {
			return nil, err
		}
		sendCipher, recvCipher = cs0, cs1
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	var peerPK [32]byte
	copy(peerPK[:], state.PeerStatic())

	return &noiseStream{
		conn:       conn,
		peerPK:     peerPK,
		sendCipher: sendCipher,
		recvCipher: recvCipher,
	}, nil
}

// noiseStream is a TCP connection with per-frame Noise transport
// encryption.
type noiseStream struct {
	conn       net.Conn
	peerPK     [32]byte
	sendMu     sync.Mutex
	recvMu     sync.Mutex
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
}

func (s *noiseStream) WriteFrame(data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ciphertext, err := s.sendCipher.Encrypt(nil, nil, data)
	if err != nil {
		return fmt.Errorf("frame encryption failed: %w", err)
	}
	return writeRawFrame(s.conn, ciphertext)
}

func (s *noiseStream) ReadFrame() ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	ciphertext, err := readRawFrame(s.conn)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("frame decryption failed: %w", err)
	}
	return plaintext, nil
}

func (s *noiseStream) Close() error {
	return s.conn.Close()
}

// writeRawFrame writes a 4-byte big-endian length prefix followed by data.
func writeRawFrame(w io.Writer, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readRawFrame reads one length-prefixed frame, rejecting oversized
// declarations before allocating.
func readRawFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameSize+64 {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
