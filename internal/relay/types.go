package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/protocol/session"
)

var (
	ErrSessionNotFound = errors.New("relay: session not found")
	ErrUnauthorized    = errors.New("relay: unauthorized")
	ErrBadRequest      = errors.New("relay: bad request")
	ErrRelayStatus     = errors.New("relay: unexpected status")
)

// SessionRecord is the relay's view of a session: id, tag and key material.
type SessionRecord struct {
	ID       string
	Tag      string
	Material cipher.Material
}

// sessionDTO is the JSON shape of a session on the relay HTTP API.
type sessionDTO struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	Key     string `json:"key"`
	Variant string `json:"variant"`
}

func toDTO(rec SessionRecord) sessionDTO {
	return sessionDTO{
		ID:      rec.ID,
		Tag:     rec.Tag,
		Key:     cipher.EncodeKey(rec.Material.Key),
		Variant: string(rec.Material.Variant),
	}
}

func (d sessionDTO) record() (SessionRecord, error) {
	key, err := cipher.DecodeKey(d.Key)
	if err != nil {
		return SessionRecord{}, err
	}
	variant, err := cipher.ParseVariant(d.Variant)
	if err != nil {
		return SessionRecord{}, err
	}
	m := cipher.Material{Key: key, Variant: variant}
	if err := m.Validate(); err != nil {
		return SessionRecord{}, err
	}
	if strings.TrimSpace(d.ID) == "" {
		return SessionRecord{}, fmt.Errorf("%w: missing id", ErrBadRequest)
	}
	return SessionRecord{ID: d.ID, Tag: strings.TrimSpace(d.Tag), Material: m}, nil
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Tag     string `json:"tag"`
	Key     string `json:"key"`
	Variant string `json:"variant"`
}

// PostMessageRequest is the body of POST /v1/sessions/:id/messages.
type PostMessageRequest struct {
	LocalID string                    `json:"localId,omitempty"`
	Content session.EncryptedEnvelope `json:"content"`
}

// PostMessageResponse reports where the relay stored a message.
type PostMessageResponse struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

// MessagesResponse is the body of GET /v1/sessions/:id/messages.
type MessagesResponse struct {
	Messages []session.UpdateNewMessage `json:"messages"`
}

// PostMetadataRequest is the body of POST /v1/sessions/:id/metadata. Metadata
// is the sealed, base64 metadata document.
type PostMetadataRequest struct {
	Metadata string `json:"metadata"`
}

// PostMetadataResponse carries the new metadata version.
type PostMetadataResponse struct {
	Version int64 `json:"version"`
}

type errorBody struct {
	Error string `json:"error"`
}
