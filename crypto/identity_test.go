package crypto

import (
	"bytes"
	"testing"
)

func TestIdentityFromSeedDeterministic(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	restored, err := IdentityFromSeed(id.Seed())
	if err != nil {
		t.Fatalf("IdentityFromSeed() error: %v", err)
	}

	if !bytes.Equal(id.SigningPublic, restored.SigningPublic) {
		t.Error("Restored identity has a different signing public key")
	}

	dh1, err := id.DHPublicKey()
	if err != nil {
		t.Fatalf("DHPublicKey() error: %v", err)
	}
	dh2, err := restored.DHPublicKey()
	if err != nil {
		t.Fatalf("DHPublicKey() error: %v", err)
	}
	if dh1 != dh2 {
		t.Error("Restored identity derives a different DH public key")
	}
}

func TestIdentityFromSeedRejectsBadLength(t *testing.T) {
	if _, err := IdentityFromSeed(make([]byte, 16)); err == nil {
		t.Error("IdentityFromSeed() accepted a short seed")
	}
}

// The converted DH keys must agree with the public-key-only conversion a
// peer performs, and produce working shared secrets against a normal
// X25519 key pair.
func TestIdentityDHConversionInterops(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error: %v", err)
	}

	fromPair, err := id.DHKeyPair()
	if err != nil {
		t.Fatalf("DHKeyPair() error: %v", err)
	}
	fromPublic, err := ConvertSigningPublicKey(id.SigningPublic)
	if err != nil {
		t.Fatalf("ConvertSigningPublicKey() error: %v", err)
	}
	if fromPair.Public != fromPublic {
		t.Fatal("Public-only conversion disagrees with key pair conversion")
	}

	peer, _ := GenerateKeyPair()
	s1, err := DeriveSharedSecret(peer.Public, fromPair.Private)
	if err != nil {
		t.Fatalf("DeriveSharedSecret() error: %v", err)
	}
	s2, err := DeriveSharedSecret(fromPublic, peer.Private)
	if err != nil {
		t.Fatalf("DeriveSharedSecret() error: %v", err)
	}
	if !bytes.Equal(s1[:], s2[:]) {
		t.Error("Converted identity key does not interoperate for DH")
	}
}

func TestSignVerify(t *testing.T) {
	id, _ := GenerateIdentity()
	message := []byte("attest this")

	sig := id.Sign(message)
	if !Verify(id.SigningPublic, message, sig) {
		t.Error("Verify() rejected a valid signature")
	}
	if Verify(id.SigningPublic, []byte("attest that"), sig) {
		t.Error("Verify() accepted a signature over different data")
	}
}

func TestFingerprintStable(t *testing.T) {
	id, _ := GenerateIdentity()
	if Fingerprint(id.SigningPublic) != Fingerprint(id.SigningPublic) {
		t.Error("Fingerprint() is not deterministic")
	}

	other, _ := GenerateIdentity()
	if Fingerprint(id.SigningPublic) == Fingerprint(other.SigningPublic) {
		t.Error("Fingerprint() collided for distinct identities")
	}
}

func TestNewConversationIDCommutative(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()

	if NewConversationID(a.Public, b.Public) != NewConversationID(b.Public, a.Public) {
		t.Error("Conversation id depends on argument order")
	}

	c, _ := GenerateKeyPair()
	if NewConversationID(a.Public, b.Public) == NewConversationID(a.Public, c.Public) {
		t.Error("Conversation id collided for distinct peer sets")
	}
}
