// Package outbox implements guaranteed eventual delivery of encrypted
// envelopes to intermittently-reachable peers.
//
// Every envelope is persisted to the store's write-ahead outbox before any
// network attempt, and removed only when the peer acknowledges it. A
// background sweep retries peers with pending work at a fixed interval;
// entries for one peer always flush in original enqueue order, one
// acknowledged message at a time, while distinct peers flush in parallel.
package outbox
