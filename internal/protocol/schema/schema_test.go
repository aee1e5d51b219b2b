package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/edgesession/internal/testutil/testlog"
)

func TestDecodeUserMessageAccepted(t *testing.T) {
	testlog.Start(t)
	msg, err := DecodeUserMessage([]byte(`{"role":"user","content":{"type":"text","text":"hi"},"localKey":"k1","extra":true}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Content.Text != "hi" || msg.LocalKey != "k1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecodeUserMessageRejectsWrongRole(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeUserMessage([]byte(`{"role":"agent","content":{"type":"text","text":"hi"}}`))
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T %v", err, err)
	}
	if ve.Kind != KindUserMessage || len(ve.Details) == 0 {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestDecodeUserMessageRejectsMissingContent(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeUserMessage([]byte(`{"role":"user"}`)); err == nil {
		t.Fatalf("expected error for missing content")
	}
	if _, err := DecodeUserMessage([]byte(`{"role":"user","content":{"type":"text"}}`)); err == nil {
		t.Fatalf("expected error for missing text")
	}
	if _, err := DecodeUserMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestValidateUnknownKind(t *testing.T) {
	testlog.Start(t)
	err := Validate("no-such-kind", []byte(`{}`))
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown kind" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeSessionMetadata(t *testing.T) {
	testlog.Start(t)
	md, err := DecodeSessionMetadata([]byte(`{"path":"/work","tag":" conv-42 "}`))
	if err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md.Tag != "conv-42" || md.Path != "/work" {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if _, err := DecodeSessionMetadata([]byte(`{"path":7}`)); err == nil {
		t.Fatalf("expected type error")
	}
}
