// Package agent is the runtime of a launched agent process.
//
// It reads the tag injected by the spawn coordinator, resolves the session
// for that tag, connects a channel scoped to it, reports session-started to
// the daemon and hands each user message to a Handler. After a lost
// connection it resolves again before reconnecting, so the socket is always
// bound to the session the tag names.
package agent
