package session

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opd-ai/securedm/crypto"
)

func TestInitiateRespondAgree(t *testing.T) {
	alice, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}
	bob, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	aliceDH, err := alice.DHPublicKey()
	if err != nil {
		t.Fatalf("DHPublicKey() error: %v", err)
	}
	bobDH, err := bob.DHPublicKey()
	if err != nil {
		t.Fatalf("DHPublicKey() error: %v", err)
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	initiator, err := Initiate(alice, ephemeral, bobDH)
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	responder, err := Respond(bob, aliceDH, ephemeral.Public)
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}

	if !bytes.Equal(initiator.RootKey[:], responder.RootKey[:]) {
		t.Error("Root keys disagree between initiator and responder")
	}
	if !bytes.Equal(initiator.ChainKey[:], responder.ChainKey[:]) {
		t.Error("Chain keys disagree between initiator and responder")
	}
	if bytes.Equal(initiator.RootKey[:], initiator.ChainKey[:]) {
		t.Error("Root key and chain key are identical")
	}
}

func TestInitiateProducesDistinctSessions(t *testing.T) {
	alice, _ := crypto.GenerateIdentity()
	bob, _ := crypto.GenerateIdentity()
	bobDH, _ := bob.DHPublicKey()

	eph1, _ := crypto.GenerateKeyPair()
	eph2, _ := crypto.GenerateKeyPair()

	s1, err := Initiate(alice, eph1, bobDH)
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	s2, err := Initiate(alice, eph2, bobDH)
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}

	if bytes.Equal(s1.RootKey[:], s2.RootKey[:]) {
		t.Error("Distinct ephemerals produced the same root key")
	}
}

func TestInitiateRejectsBadKeys(t *testing.T) {
	alice, _ := crypto.GenerateIdentity()
	ephemeral, _ := crypto.GenerateKeyPair()
	var zero [32]byte

	if _, err := Initiate(alice, ephemeral, zero); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("Initiate() with zero key error = %v, want ErrInvalidPublicKey", err)
	}
	if _, err := Initiate(alice, nil, zero); err == nil {
		t.Error("Initiate() accepted a nil ephemeral key pair")
	}
}

func TestRespondRejectsBadKeys(t *testing.T) {
	bob, _ := crypto.GenerateIdentity()
	alice, _ := crypto.GenerateIdentity()
	aliceDH, _ := alice.DHPublicKey()
	var zero [32]byte

	if _, err := Respond(bob, aliceDH, zero); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("Respond() with zero ephemeral error = %v, want ErrInvalidPublicKey", err)
	}
	if _, err := Respond(bob, zero, aliceDH); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("Respond() with zero identity error = %v, want ErrInvalidPublicKey", err)
	}
}

func TestRootKeyMaterialWipe(t *testing.T) {
	rkm := &RootKeyMaterial{}
	rkm.RootKey[0] = 0xAA
	rkm.ChainKey[0] = 0xBB

	rkm.Wipe()

	if rkm.RootKey[0] != 0 || rkm.ChainKey[0] != 0 {
		t.Error("Wipe() left key material behind")
	}
}
