// Package ratchet implements the Double Ratchet state machine that
// protects securedm conversations.
//
// Each message is encrypted under a key derived from a per-direction
// symmetric chain; receiving a new ratchet public key from the peer folds
// a fresh Diffie-Hellman agreement into the root key, providing forward
// secrecy and recovery after key compromise. The ratchet steps only on
// receipt of a new public key, never proactively.
//
// A State must have exactly one logical owner; callers serialize all
// access per conversation. Decrypt never mutates the caller's state: it
// returns a successor state that the caller installs only after the
// plaintext (and the state) have been persisted.
package ratchet
