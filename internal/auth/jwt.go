package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidTokenConfig = errors.New("auth: invalid token config")
	ErrScopeMismatch      = errors.New("auth: token scope mismatch")
)

// TokenConfig configures HS256 relay tokens.
type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// Claims binds a token to a machine and, optionally, a single session.
// An empty SessionID is a user-scoped token valid for any session.
type Claims struct {
	MachineID string `json:"mid,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies relay bearer tokens.
type Tokens struct {
	cfg TokenConfig
	now func() time.Time
}

var _ Validator = (*Tokens)(nil)

func NewTokens(cfg TokenConfig) (*Tokens, error) {
	if len(cfg.Secret) < 16 {
		return nil, fmt.Errorf("%w: secret must be at least 16 bytes", ErrInvalidTokenConfig)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, fmt.Errorf("%w: leeway out of range", ErrInvalidTokenConfig)
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	return &Tokens{cfg: cfg, now: time.Now}, nil
}

// Issue signs a token for machineID. sessionID may be empty.
func (t *Tokens) Issue(machineID, sessionID string) (string, error) {
	now := t.now()
	claims := Claims{
		MachineID: strings.TrimSpace(machineID),
		SessionID: strings.TrimSpace(sessionID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(machineID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.TTL)),
			Issuer:    t.cfg.Issuer,
		},
	}
	if t.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{t.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.cfg.Secret)
}

// Parse verifies signature, expiry, issuer and audience.
func (t *Tokens) Parse(token string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(t.cfg.Leeway))
	}
	if t.cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(t.cfg.Issuer))
	}
	if t.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(t.cfg.Audience))
	}
	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return t.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (t *Tokens) Validate(token string) error {
	_, err := t.Parse(token)
	return err
}

// Authorize parses token and checks it may act on sessionID.
func (t *Tokens) Authorize(token, sessionID string) (*Claims, error) {
	claims, err := t.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID != "" && claims.SessionID != sessionID {
		return nil, fmt.Errorf("%w: token sid=%s", ErrScopeMismatch, claims.SessionID)
	}
	return claims, nil
}
