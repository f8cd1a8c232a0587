// Package crypto implements the cryptographic primitives for the securedm
// protocol.
//
// This package handles identity key management, conversion of Ed25519
// signing identities into X25519 Diffie-Hellman key pairs, shared-secret
// derivation, authenticated encryption, and the encrypted-at-rest sealing
// of ratchet state.
//
// Example:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	dh, err := id.DHKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("DH public key:", hex.EncodeToString(dh.Public[:]))
package crypto
