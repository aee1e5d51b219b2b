package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	FrameTypeHello    = "hello"
	FrameTypeHelloAck = "hello.ack"
	FrameTypeMessage  = "message"
	FrameTypeUpdate   = "update"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	ClientKindSession = "session-scoped"
	ClientKindUser    = "user-scoped"

	// MaxControlBytes bounds a single websocket frame in either direction.
	MaxControlBytes = 1 << 20
)

var (
	ErrInvalidHello    = errors.New("session: invalid hello")
	ErrInvalidHelloAck = errors.New("session: invalid hello ack")
	ErrInvalidOutbound = errors.New("session: invalid outbound message")
	ErrUnexpectedFrame = errors.New("session: unexpected frame type")
)

// Hello is the first client frame on a relay socket. It re-asserts which
// session the socket belongs to; the relay never infers it.
type Hello struct {
	SessionID  string `json:"sessionId"`
	Token      string `json:"token"`
	ClientKind string `json:"clientKind"`
	MachineID  string `json:"machineId,omitempty"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidHello)
	}
	if strings.TrimSpace(h.Token) == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidHello)
	}
	switch h.ClientKind {
	case ClientKindSession, ClientKindUser:
	default:
		return fmt.Errorf("%w: invalid clientKind %q", ErrInvalidHello, h.ClientKind)
	}
	return nil
}

// HelloAck is the relay's answer to Hello.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	SessionID   string `json:"sessionId"`
	TimestampMS uint64 `json:"timestampMs"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestampMs", ErrInvalidHelloAck)
	}
	return nil
}

// OutboundMessage is a client->relay encrypted message.
type OutboundMessage struct {
	SessionID string            `json:"sid"`
	LocalID   string            `json:"localId"`
	Content   EncryptedEnvelope `json:"content"`
}

func (m OutboundMessage) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("%w: missing sid", ErrInvalidOutbound)
	}
	if strings.TrimSpace(m.LocalID) == "" {
		return fmt.Errorf("%w: missing localId", ErrInvalidOutbound)
	}
	return m.Content.Validate()
}

// ClientFrame is every frame a client writes to the relay socket.
type ClientFrame struct {
	Type    string           `json:"type"`
	Hello   *Hello           `json:"hello,omitempty"`
	Message *OutboundMessage `json:"message,omitempty"`
}

// ServerFrame is every frame the relay writes to a client socket.
type ServerFrame struct {
	Type   string       `json:"type"`
	Ack    *HelloAck    `json:"ack,omitempty"`
	Update *UpdateEvent `json:"update,omitempty"`
}

func EncodeHello(h Hello) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ClientFrame{Type: FrameTypeHello, Hello: &h})
}

func EncodeOutbound(m OutboundMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ClientFrame{Type: FrameTypeMessage, Message: &m})
}

func EncodeHelloAck(a HelloAck) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ServerFrame{Type: FrameTypeHelloAck, Ack: &a})
}

func EncodeUpdate(u UpdateEvent) ([]byte, error) {
	return json.Marshal(ServerFrame{Type: FrameTypeUpdate, Update: &u})
}

// DecodeClientFrame parses and validates one client frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	if len(data) > MaxControlBytes {
		return ClientFrame{}, ErrControlMessageTooLarge
	}
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, err
	}
	switch f.Type {
	case FrameTypeHello:
		if f.Hello == nil {
			return ClientFrame{}, fmt.Errorf("%w: empty hello", ErrInvalidHello)
		}
		return f, f.Hello.Validate()
	case FrameTypeMessage:
		if f.Message == nil {
			return ClientFrame{}, fmt.Errorf("%w: empty message", ErrInvalidOutbound)
		}
		return f, f.Message.Validate()
	default:
		return ClientFrame{}, fmt.Errorf("%w: %q", ErrUnexpectedFrame, f.Type)
	}
}

// DecodeHelloAck parses the first server frame on a socket.
func DecodeHelloAck(data []byte) (HelloAck, error) {
	if len(data) > MaxControlBytes {
		return HelloAck{}, ErrControlMessageTooLarge
	}
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return HelloAck{}, err
	}
	if f.Type != FrameTypeHelloAck || f.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: %q", ErrUnexpectedFrame, f.Type)
	}
	if err := f.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *f.Ack, nil
}

var ErrControlMessageTooLarge = errors.New("session: control message too large")
