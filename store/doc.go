// Package store implements durable, encrypted-at-rest persistence for
// securedm: ratchet state, message history, and the delivery outbox.
//
// Storage is a single SQLite database. Ratchet state and message bodies
// are sealed with a key derived from the local identity secret before they
// touch disk; a state save is a single upsert, so a torn write can never
// mix stale and new root-key material.
package store
