package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork is an in-process transport for tests and simulations.
// Nodes register by public key and can be toggled offline to exercise the
// outbox retry paths without real sockets.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[[32]byte]*MemoryNode
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[[32]byte]*MemoryNode)}
}

// Node registers (or returns) the node for a public key. New nodes start
// online.
func (n *MemoryNetwork) Node(publicKey [32]byte) *MemoryNode {
	n.mu.Lock()
	defer n.mu.Unlock()

	if node, ok := n.nodes[publicKey]; ok {
		return node
	}
	node := &MemoryNode{network: n, publicKey: publicKey, online: true}
	n.nodes[publicKey] = node
	return node
}

func (n *MemoryNetwork) lookup(publicKey [32]byte) *MemoryNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[publicKey]
}

// MemoryNode is one endpoint on a MemoryNetwork. It implements both
// Dialer and Listener.
type MemoryNode struct {
	network   *MemoryNetwork
	publicKey [32]byte

	mu      sync.Mutex
	online  bool
	handler StreamHandler
}

// SetOnline flips the node's reachability. Offline nodes refuse dials.
func (m *MemoryNode) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// SetStreamHandler registers the inbound stream handler.
func (m *MemoryNode) SetStreamHandler(handler StreamHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Close takes the node offline.
func (m *MemoryNode) Close() error {
	m.SetOnline(false)
	return nil
}

// Dial connects to a peer on the same network.
func (m *MemoryNode) Dial(ctx context.Context, peerPK [32]byte) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peer := m.network.lookup(peerPK)
	if peer == nil {
		return nil, fmt.Errorf("%w: %x not registered", ErrPeerUnreachable, peerPK[:8])
	}

	peer.mu.Lock()
	online, handler := peer.online, peer.handler
	peer.mu.Unlock()
	if !online || handler == nil {
		return nil, fmt.Errorf("%w: %x offline", ErrPeerUnreachable, peerPK[:8])
	}

	local, remote := newMemoryStreamPair()
	go handler(m.publicKey, remote)
	return local, nil
}

// memoryStream is one end of an in-process stream pair.
type memoryStream struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

// newMemoryStreamPair builds two connected stream ends sharing a shutdown
// signal, mirroring a full-duplex socket.
func newMemoryStreamPair() (Stream, Stream) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &memoryStream{in: bToA, out: aToB, done: done, once: once}
	b := &memoryStream{in: aToB, out: bToA, done: done, once: once}
	return a, b
}

func (s *memoryStream) WriteFrame(data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case <-s.done:
		return ErrClosed
	case s.out <- frame:
		return nil
	}
}

func (s *memoryStream) ReadFrame() ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	case frame := <-s.in:
		return frame, nil
	}
}

func (s *memoryStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
