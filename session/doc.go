// Package session implements the initial key agreement for securedm
// conversations.
//
// The initiator combines two Diffie-Hellman computations — one with a
// fresh ephemeral key, one with its long-term identity key — into a single
// shared secret, then derives the root key and the initial chain key for
// the Double Ratchet. The responder reconstructs the identical secret from
// its own private keys plus the initiator's public material carried inline
// in the first envelope, so no separate handshake round trip is required.
package session
