package channel

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrHelloRejected    = errors.New("channel: relay rejected hello")
	ErrSessionMismatch  = errors.New("channel: relay bound socket to a different session")
	ErrChannelClosed    = errors.New("channel: closed")
	ErrAlreadyConnected = errors.New("channel: already connected")
	ErrNotConnected     = errors.New("channel: not connected")
	ErrMisrouted        = errors.New("channel: event addressed to another session")
	ErrDuplicate        = errors.New("channel: duplicate message id")
)

// ConnectionError is a transport or auth failure. Callers retry with backoff
// after re-resolving the session.
type ConnectionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel: %s session=%s: %v", e.Op, e.SessionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AckTimeoutError reports a sent message the relay never acknowledged.
type AckTimeoutError struct {
	SessionID string
	LocalID   string
	Deadline  time.Time
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("channel: no ack for local_id=%s session=%s by %s",
		e.LocalID, e.SessionID, e.Deadline.Format(time.RFC3339))
}

// Stages at which an inbound event can be rejected.
const (
	StageDecode   = "decode"
	StageRoute    = "route"
	StageDecrypt  = "decrypt"
	StageSchema   = "schema"
	StageEnqueue  = "enqueue"
	StageMetadata = "metadata"
)

// MalformedMessageError reports an inbound event that was not enqueued. The
// read loop keeps going after one.
type MalformedMessageError struct {
	SessionID string
	EventID   string
	MessageID string
	Seq       int64
	Stage     string
	Err       error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("channel: malformed message session=%s event=%s message=%s stage=%s: %v",
		e.SessionID, e.EventID, e.MessageID, e.Stage, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }
