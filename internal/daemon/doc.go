// Package daemon is the HTTP control surface of the spawn coordinator:
// launch, list, stop, and the session-started callback agents post to.
package daemon
