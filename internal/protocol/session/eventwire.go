package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the discriminator carried in an update body's "t" field.
type Kind string

const (
	KindSessionMetadata Kind = "update-session"
	KindNewMessage      Kind = "new-message"
	KindMessageAck      Kind = "message-ack"
	KindUnknown         Kind = ""

	EnvelopeEncrypted = "encrypted"
)

var ErrInvalidUpdate = errors.New("session: invalid update body")

// UpdateEvent is the relay "update" envelope. Body is a discriminated JSON
// object with a "t" field.
type UpdateEvent struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"createdAt"`
}

// EncryptedEnvelope wraps base64 ciphertext.
type EncryptedEnvelope struct {
	T string `json:"t"`
	C string `json:"c"`
}

func (e EncryptedEnvelope) Validate() error {
	if e.T != EnvelopeEncrypted {
		return fmt.Errorf("%w: content type %q", ErrInvalidUpdate, e.T)
	}
	if strings.TrimSpace(e.C) == "" {
		return fmt.Errorf("%w: empty ciphertext", ErrInvalidUpdate)
	}
	return nil
}

// VersionedString is a value with a monotonic version used by metadata updates.
type VersionedString struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// UpdateSessionBody is the body for t == "update-session".
type UpdateSessionBody struct {
	T          string           `json:"t"`
	ID         string           `json:"id"`
	Metadata   *VersionedString `json:"metadata,omitempty"`
	AgentState *VersionedString `json:"agentState,omitempty"`
}

// NewMessageBody is the body for t == "new-message".
type NewMessageBody struct {
	T       string           `json:"t"`
	SID     string           `json:"sid"`
	Message UpdateNewMessage `json:"message"`
}

// UpdateNewMessage is the message payload inside a new-message update.
type UpdateNewMessage struct {
	ID        string            `json:"id"`
	Seq       int64             `json:"seq"`
	LocalID   *string           `json:"localId"`
	Content   EncryptedEnvelope `json:"content"`
	CreatedAt int64             `json:"createdAt"`
}

// MessageAckBody is the body for t == "message-ack", sent to the writer of an
// outbound message once the relay has stored it.
type MessageAckBody struct {
	T         string `json:"t"`
	SID       string `json:"sid"`
	LocalID   string `json:"localId"`
	MessageID string `json:"messageId"`
	Seq       int64  `json:"seq"`
}

// Classify reads only the discriminator. Bodies that are not JSON objects or
// carry an unknown "t" classify as KindUnknown and are never an error.
func Classify(body json.RawMessage) Kind {
	var probe struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return KindUnknown
	}
	switch Kind(probe.T) {
	case KindSessionMetadata, KindNewMessage, KindMessageAck:
		return Kind(probe.T)
	default:
		return KindUnknown
	}
}

func DecodeNewMessage(body json.RawMessage) (NewMessageBody, error) {
	var out NewMessageBody
	if err := json.Unmarshal(body, &out); err != nil {
		return NewMessageBody{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if Kind(out.T) != KindNewMessage {
		return NewMessageBody{}, fmt.Errorf("%w: t=%q", ErrInvalidUpdate, out.T)
	}
	if strings.TrimSpace(out.SID) == "" {
		return NewMessageBody{}, fmt.Errorf("%w: missing sid", ErrInvalidUpdate)
	}
	if err := out.Message.Content.Validate(); err != nil {
		return NewMessageBody{}, err
	}
	return out, nil
}

func DecodeUpdateSession(body json.RawMessage) (UpdateSessionBody, error) {
	var out UpdateSessionBody
	if err := json.Unmarshal(body, &out); err != nil {
		return UpdateSessionBody{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if Kind(out.T) != KindSessionMetadata {
		return UpdateSessionBody{}, fmt.Errorf("%w: t=%q", ErrInvalidUpdate, out.T)
	}
	if strings.TrimSpace(out.ID) == "" {
		return UpdateSessionBody{}, fmt.Errorf("%w: missing id", ErrInvalidUpdate)
	}
	return out, nil
}

func DecodeMessageAck(body json.RawMessage) (MessageAckBody, error) {
	var out MessageAckBody
	if err := json.Unmarshal(body, &out); err != nil {
		return MessageAckBody{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if Kind(out.T) != KindMessageAck || strings.TrimSpace(out.LocalID) == "" {
		return MessageAckBody{}, fmt.Errorf("%w: bad message-ack", ErrInvalidUpdate)
	}
	return out, nil
}

// MarshalBody renders a typed body into an UpdateEvent body.
func MarshalBody(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
