// Package envelope implements the securedm wire format.
//
// Two frame kinds travel over a peer stream: encrypted message envelopes
// and delivery acknowledgments. The decrypted payload of an envelope is a
// tagged control-message union (chat message, typing notification, read
// receipt, deletion). Unknown control kinds decode as a forward-compatible
// no-op rather than an error.
package envelope
