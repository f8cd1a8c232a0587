package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/securedm/crypto"
)

func newNoisePair(t *testing.T) (*NoiseTCP, *NoiseTCP, [32]byte, [32]byte) {
	t.Helper()

	aliceKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}
	bobKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	bob, err := NewNoiseTCP(bobKeys.Private, bobKeys.Public, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewNoiseTCP() listener error: %v", err)
	}
	t.Cleanup(func() { bob.Close() })

	alice, err := NewNoiseTCP(aliceKeys.Private, aliceKeys.Public, "")
	if err != nil {
		t.Fatalf("NewNoiseTCP() dialer error: %v", err)
	}
	t.Cleanup(func() { alice.Close() })

	alice.AddPeer(bobKeys.Public, bob.LocalAddr().String())
	return alice, bob, aliceKeys.Public, bobKeys.Public
}

func TestNoiseTCPHandshakeAndExchange(t *testing.T) {
	alice, bob, alicePK, bobPK := newNoisePair(t)

	gotPeer := make(chan [32]byte, 1)
	bob.SetStreamHandler(func(peerPK [32]byte, stream Stream) {
		defer stream.Close()
		gotPeer <- peerPK

		frame, err := stream.ReadFrame()
		if err != nil {
			t.Errorf("ReadFrame() error: %v", err)
			return
		}
		if err := stream.WriteFrame(append([]byte("echo:"), frame...)); err != nil {
			t.Errorf("WriteFrame() error: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := alice.Dial(ctx, bobPK)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer stream.Close()

	select {
	case peer := <-gotPeer:
		// The responder learns the initiator's static key from the
		// handshake, not from configuration.
		if peer != alicePK {
			t.Errorf("Handler saw peer %x, want %x", peer[:8], alicePK[:8])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the inbound stream")
	}

	if err := stream.WriteFrame([]byte("over tcp")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	reply, err := stream.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if !bytes.Equal(reply, []byte("echo:over tcp")) {
		t.Errorf("Reply = %q, want %q", reply, "echo:over tcp")
	}
}

func TestNoiseTCPDialUnknownPeer(t *testing.T) {
	alice, _, _, _ := newNoisePair(t)

	var unknown [32]byte
	unknown[0] = 0xEE
	if _, err := alice.Dial(context.Background(), unknown); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("Dial() error = %v, want ErrPeerUnreachable", err)
	}
}

func TestNoiseTCPDialWrongStaticKey(t *testing.T) {
	alice, bob, _, _ := newNoisePair(t)

	bob.SetStreamHandler(func([32]byte, Stream) {})

	// Register bob's address under a key he does not hold. The IK
	// handshake must fail rather than talk to an impostor.
	imposter, _ := crypto.GenerateKeyPair()
	alice.AddPeer(imposter.Public, bob.LocalAddr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := alice.Dial(ctx, imposter.Public); err == nil {
		t.Error("Dial() completed a handshake against the wrong static key")
	}
}

func TestNoiseTCPDialAfterClose(t *testing.T) {
	alice, bob, _, bobPK := newNoisePair(t)
	bob.SetStreamHandler(func([32]byte, Stream) {})

	if err := alice.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := alice.Dial(context.Background(), bobPK); err == nil {
		t.Error("Dial() succeeded on a closed transport")
	}
}
