package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgesession/internal/cipher"
)

// State is the local lifecycle of a session's channel.
type State string

const (
	StateCreated    State = "created"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
)

var (
	ErrEmptyTag          = errors.New("registry: empty tag")
	ErrNotFound          = errors.New("registry: session not found")
	ErrInvalidTransition = errors.New("registry: invalid state transition")
	ErrInvalidSession    = errors.New("registry: invalid session")
	ErrIDMismatch        = errors.New("registry: stored session id differs")
)

// Session is one logical conversation: relay-assigned id, discovery tag and
// the cipher material bound to it at creation.
type Session struct {
	ID        string          `json:"id" cbor:"1,keyasint"`
	Tag       string          `json:"tag" cbor:"2,keyasint"`
	Material  cipher.Material `json:"material" cbor:"3,keyasint"`
	State     State           `json:"state" cbor:"4,keyasint"`
	CreatedAt time.Time       `json:"createdAt" cbor:"5,keyasint"`
	UpdatedAt time.Time       `json:"updatedAt" cbor:"6,keyasint"`
	// LastSeq is the highest relay message seq a consumer has handled.
	LastSeq int64 `json:"lastSeq,omitempty" cbor:"7,keyasint,omitempty"`
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSession)
	}
	if strings.TrimSpace(s.Tag) == "" {
		return fmt.Errorf("%w: %w", ErrInvalidSession, ErrEmptyTag)
	}
	if err := s.Material.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	switch s.State {
	case StateCreated, StateConnecting, StateConnected, StateClosed:
	default:
		return fmt.Errorf("%w: state %q", ErrInvalidSession, s.State)
	}
	return nil
}

// SameIdentity reports whether two sessions have the same id and material.
func (s Session) SameIdentity(other Session) bool {
	return s.ID == other.ID && s.Material.Equal(other.Material)
}

// CanTransition reports whether from -> to is a legal lifecycle step. Closed
// only leaves through re-resolution, which resets to created.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch to {
	case StateClosed:
		return true
	case StateConnecting:
		return from == StateCreated || from == StateConnected
	case StateConnected:
		return from == StateConnecting
	default:
		return false
	}
}
