// Package transport defines the point-to-point stream abstraction securedm
// delivers envelopes over, and ships two implementations: an in-memory
// network for tests and a Noise-IK-over-TCP transport for real peers.
//
// The messaging core only assumes what the interfaces promise: an
// authenticated, ordered, bidirectional frame stream between two named
// peers. Anything providing that can replace the bundled implementations.
package transport
