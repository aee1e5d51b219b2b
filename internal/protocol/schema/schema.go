package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Body kinds with a registered JSON schema.
const (
	KindUserMessage    = "user-message"
	KindSessionMetaDoc = "session-metadata"
)

// userMessageSchema accepts a user turn: role "user", text content, optional
// localKey and free-form meta. Unknown top-level fields are ignored.
const userMessageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["role", "content"],
  "properties": {
    "role": {"const": "user"},
    "content": {
      "type": "object",
      "required": ["type", "text"],
      "properties": {
        "type": {"const": "text"},
        "text": {"type": "string"}
      }
    },
    "localKey": {"type": "string"},
    "meta": {"type": "object"}
  }
}`

// sessionMetadataSchema covers the decrypted metadata document attached to
// update-session events.
const sessionMetadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "host": {"type": "string"},
    "tag": {"type": "string"},
    "lifecycleState": {"type": "string"}
  }
}`

// ValidationError reports why a decrypted body was rejected.
type ValidationError struct {
	Kind    string
	Field   string
	Reason  string
	Details []string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s field=%s: %s", e.Kind, e.Field, e.Reason)
}

var compiled = map[string]*gojsonschema.Schema{
	KindUserMessage:    mustCompile(userMessageSchema),
	KindSessionMetaDoc: mustCompile(sessionMetadataSchema),
}

func mustCompile(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("schema: compile failed: " + err.Error())
	}
	return s
}

// Validate checks raw JSON against the schema registered for kind.
func Validate(kind string, raw []byte) error {
	log.Debug().Msgf("schema.Validate kind=%s bytes=%d", kind, len(raw))
	s, ok := compiled[kind]
	if !ok {
		log.Error().Msgf("schema.Validate unknown kind=%s", kind)
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	if !json.Valid(raw) {
		return ValidationError{Kind: kind, Reason: "invalid json"}
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return ValidationError{Kind: kind, Reason: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	errs := result.Errors()
	details := make([]string, 0, len(errs))
	for _, desc := range errs {
		details = append(details, desc.String())
	}
	first := errs[0]
	log.Warn().Msgf("schema.Validate rejected kind=%s field=%s reason=%q", kind, first.Field(), first.Description())
	return ValidationError{
		Kind:    kind,
		Field:   first.Field(),
		Reason:  first.Description(),
		Details: details,
	}
}

// UserMessage is the decrypted body of a new-message event.
type UserMessage struct {
	Role     string         `json:"role"`
	Content  TextContent    `json:"content"`
	LocalKey string         `json:"localKey,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// TextContent is the only content shape a user turn carries.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewUserText builds a schema-valid user message.
func NewUserText(text string) UserMessage {
	return UserMessage{Role: "user", Content: TextContent{Type: "text", Text: text}}
}

// DecodeUserMessage validates raw against the user message schema and decodes it.
func DecodeUserMessage(raw []byte) (UserMessage, error) {
	if err := Validate(KindUserMessage, raw); err != nil {
		return UserMessage{}, err
	}
	var msg UserMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return UserMessage{}, ValidationError{Kind: KindUserMessage, Reason: err.Error()}
	}
	return msg, nil
}

// SessionMetadata is the decrypted document carried by update-session events.
type SessionMetadata struct {
	Path           string `json:"path,omitempty"`
	Host           string `json:"host,omitempty"`
	Tag            string `json:"tag,omitempty"`
	LifecycleState string `json:"lifecycleState,omitempty"`
}

// DecodeSessionMetadata validates and decodes a metadata document.
func DecodeSessionMetadata(raw []byte) (SessionMetadata, error) {
	if err := Validate(KindSessionMetaDoc, raw); err != nil {
		return SessionMetadata{}, err
	}
	var md SessionMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return SessionMetadata{}, ValidationError{Kind: KindSessionMetaDoc, Reason: err.Error()}
	}
	md.Tag = strings.TrimSpace(md.Tag)
	return md, nil
}
