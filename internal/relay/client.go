package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgesession/internal/cipher"
	"github.com/danmuck/edgesession/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 1 << 20

// Client talks to the relay HTTP API. The relay is the remote authority for
// session ids; the client never invents one.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("relay: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay: base url scheme %q must be http or https", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: u, token: strings.TrimSpace(token), http: httpClient}, nil
}

func (c *Client) Token() string {
	return c.token
}

// UpdatesURL is the websocket endpoint for session update streams.
func (c *Client) UpdatesURL() string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/updates"
	return u.String()
}

// CreateSession registers a new session under tag with locally minted material.
func (c *Client) CreateSession(ctx context.Context, tag string, m cipher.Material) (SessionRecord, error) {
	if err := m.Validate(); err != nil {
		return SessionRecord{}, err
	}
	req := CreateSessionRequest{Tag: tag, Key: cipher.EncodeKey(m.Key), Variant: string(m.Variant)}
	var out sessionDTO
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return SessionRecord{}, err
	}
	rec, err := out.record()
	if err != nil {
		return SessionRecord{}, fmt.Errorf("relay: create session response: %w", err)
	}
	log.Debug().Msgf("relay.CreateSession tag=%s id=%s", tag, rec.ID)
	return rec, nil
}

// FetchSession loads an existing session. Unknown ids return ErrSessionNotFound.
func (c *Client) FetchSession(ctx context.Context, id string) (SessionRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SessionRecord{}, fmt.Errorf("%w: empty id", ErrSessionNotFound)
	}
	var out sessionDTO
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return SessionRecord{}, err
	}
	return out.record()
}

// PostMessage stores an encrypted message in a session as a remote user would.
func (c *Client) PostMessage(ctx context.Context, sessionID string, content session.EncryptedEnvelope, localID string) (PostMessageResponse, error) {
	if err := content.Validate(); err != nil {
		return PostMessageResponse{}, err
	}
	var out PostMessageResponse
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	err := c.do(ctx, http.MethodPost, path, PostMessageRequest{LocalID: localID, Content: content}, &out)
	return out, err
}

// MessagesAfter lists stored messages with Seq > after, oldest first.
// Messages written by clients of kind exclude are left out; an empty exclude
// returns everything.
func (c *Client) MessagesAfter(ctx context.Context, sessionID string, after int64, exclude string) ([]session.UpdateNewMessage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if exclude != "" {
		q.Set("exclude", exclude)
	}
	var out MessagesResponse
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PostMetadata replaces the session's sealed metadata document.
func (c *Client) PostMetadata(ctx context.Context, sessionID, sealed string) (PostMetadataResponse, error) {
	var out PostMetadataResponse
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/metadata"
	err := c.do(ctx, http.MethodPost, path, PostMetadataRequest{Metadata: sealed}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	u := *c.baseURL
	p, query, _ := strings.Cut(path, "?")
	u.Path = strings.TrimRight(u.Path, "/") + p
	u.RawQuery = query
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("relay: read %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, errorMessage(payload))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s %s -> %d %s", ErrRelayStatus, method, path, resp.StatusCode, errorMessage(payload))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("relay: decode %s %s: %w", method, path, err)
	}
	return nil
}

func errorMessage(payload []byte) string {
	var e errorBody
	if err := json.Unmarshal(payload, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(payload))
}
