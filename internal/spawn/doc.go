// Package spawn launches agent processes for remote callers.
//
// A launch computes the tag the agent resolves its session under (explicit
// tag, else the caller's hint, else a fresh id), starts the agent with that
// tag in its environment and waits for the agent's session-started report.
// An agent that dies or stays silent yields *LaunchFailedError, which says
// whether a session had already been registered under the tag.
package spawn
