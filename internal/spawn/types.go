package spawn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Environment handed to a launched agent. The agent reads these before its
// first session resolution.
const (
	EnvSessionTag  = "EDGESESSION_SESSION_TAG"
	EnvSessionHint = "EDGESESSION_SESSION_HINT"
	EnvDaemonURL   = "EDGESESSION_DAEMON_URL"
)

// State is the coordinator's view of one launched process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateFailed   State = "failed"
)

func (s State) Terminal() bool {
	return s == StateExited || s == StateFailed
}

var (
	ErrInvalidConfig    = errors.New("spawn: invalid config")
	ErrTagActive        = errors.New("spawn: a launch for this tag is still active")
	ErrUnknownLaunch    = errors.New("spawn: no launch for tag")
	ErrLaunchNotActive  = errors.New("spawn: launch is no longer active")
	ErrUnknownPID       = errors.New("spawn: no launch with pid")
	ErrLaunchTimeout    = errors.New("spawn: agent did not report before launch timeout")
	ErrExitedEarly      = errors.New("spawn: agent exited before reporting")
	ErrInvalidStarted   = errors.New("spawn: invalid session-started report")
	ErrCoordinatorClose = errors.New("spawn: coordinator closed")
)

// LaunchRequest asks for one agent process. Tag wins over Hint; with neither
// a fresh tag is generated.
type LaunchRequest struct {
	Hint      string   `json:"hint,omitempty"`
	Tag       string   `json:"tag,omitempty"`
	Directory string   `json:"directory,omitempty"`
	Args      []string `json:"args,omitempty"`
}

// TagFor computes the tag the launched agent resolves its session under.
func TagFor(req LaunchRequest) string {
	if tag := strings.TrimSpace(req.Tag); tag != "" {
		return tag
	}
	if hint := strings.TrimSpace(req.Hint); hint != "" {
		return hint
	}
	return uuid.NewString()
}

// Launch is a snapshot of one launched process.
type Launch struct {
	Tag       string    `json:"tag"`
	Hint      string    `json:"hint,omitempty"`
	PID       int       `json:"pid"`
	SessionID string    `json:"sessionId,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	ExitCode  int32     `json:"exitCode,omitempty"`
	ExitErr   string    `json:"exitErr,omitempty"`
}

// SessionStarted is what a launched agent posts back once it has resolved
// its session.
type SessionStarted struct {
	Tag       string `json:"tag"`
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

func (s SessionStarted) Validate() error {
	if strings.TrimSpace(s.Tag) == "" {
		return fmt.Errorf("%w: missing tag", ErrInvalidStarted)
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidStarted)
	}
	return nil
}

// Report is the upstream notification emitted after launch and on terminal
// state changes.
type Report struct {
	Tag       string `json:"tag"`
	SessionID string `json:"sessionId,omitempty"`
	PID       int    `json:"pid"`
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`
}

func reportFor(l Launch) Report {
	return Report{Tag: l.Tag, SessionID: l.SessionID, PID: l.PID, State: l.State, Error: l.ExitErr}
}

// LaunchFailedError is returned when a launched agent died or never
// reported. SessionRegistered tells whether the tag already had a registry
// entry, which would otherwise be left without a live channel.
type LaunchFailedError struct {
	Tag               string
	PID               int
	ExitCode          int32
	SessionRegistered bool
	SessionID         string
	Err               error
}

func (e *LaunchFailedError) Error() string {
	return fmt.Sprintf("spawn: launch failed tag=%s pid=%d session_registered=%t: %v",
		e.Tag, e.PID, e.SessionRegistered, e.Err)
}

func (e *LaunchFailedError) Unwrap() error { return e.Err }
