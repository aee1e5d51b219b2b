// Package session owns the agent<->relay session wire helpers.
//
// Ownership boundary:
// - hello / hello.ack control frames that bind a socket to one session id
// - update event envelopes and their "t" discriminator
// - outbound message frames and the localId outbox
// - transport config, TLS validation, retry backoff
//
// The package has no socket of its own; the channel package drives it.
package session
