package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgesession/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			log.Debug().Msgf("auth/static-token: stored=%q input=%q err=%v", tc.stored, tc.input, err)
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	if tok, ok := BearerToken("Bearer abc.def"); !ok || tok != "abc.def" {
		t.Fatalf("got tok=%q ok=%v", tok, ok)
	}
	if _, ok := BearerToken("Basic xyz"); ok {
		t.Fatalf("basic auth should not parse as bearer")
	}
	if _, ok := BearerToken("Bearer   "); ok {
		t.Fatalf("empty bearer should not parse")
	}
}

func TestTokensIssueAndAuthorize(t *testing.T) {
	testlog.Start(t)
	tokens, err := NewTokens(TokenConfig{Secret: []byte("0123456789abcdef0123"), Issuer: "edgesession", TTL: time.Hour})
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}

	scoped, err := tokens.Issue("machine-1", "sess-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := tokens.Authorize(scoped, "sess-1")
	if err != nil {
		t.Fatalf("authorize scoped: %v", err)
	}
	if claims.MachineID != "machine-1" {
		t.Fatalf("unexpected machine id: %q", claims.MachineID)
	}
	if _, err := tokens.Authorize(scoped, "sess-2"); !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("expected ErrScopeMismatch, got %v", err)
	}

	user, err := tokens.Issue("machine-1", "")
	if err != nil {
		t.Fatalf("issue user token: %v", err)
	}
	if _, err := tokens.Authorize(user, "any-session"); err != nil {
		t.Fatalf("user token should authorize any session: %v", err)
	}
	if err := tokens.Validate(user + "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("tampered token should be unauthorized, got %v", err)
	}
}

func TestTokensRejectExpiredAndForeignSecret(t *testing.T) {
	testlog.Start(t)
	secret := []byte("0123456789abcdef0123")
	tokens, err := NewTokens(TokenConfig{Secret: secret, TTL: time.Minute})
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	tokens.now = func() time.Time { return past }
	old, err := tokens.Issue("m", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tokens.now = time.Now
	if err := tokens.Validate(old); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired token should be unauthorized, got %v", err)
	}

	other, _ := NewTokens(TokenConfig{Secret: []byte("ffffffffffffffffffff"), TTL: time.Minute})
	foreign, _ := other.Issue("m", "")
	if err := tokens.Validate(foreign); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign token should be unauthorized, got %v", err)
	}

	if _, err := NewTokens(TokenConfig{Secret: []byte("short")}); !errors.Is(err, ErrInvalidTokenConfig) {
		t.Fatalf("expected ErrInvalidTokenConfig, got %v", err)
	}
}
