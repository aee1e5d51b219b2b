package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/danmuck/edgesession/internal/spawn"
)

var (
	ErrNotFound     = errors.New("daemon: not found")
	ErrConflict     = errors.New("daemon: conflict")
	ErrUnauthorized = errors.New("daemon: unauthorized")
	ErrStatus       = errors.New("daemon: unexpected status")
)

// Client calls the daemon control surface. Agents use it to report
// session-started; the CLI uses the rest.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("daemon: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("daemon: base url scheme %q must be http or https", u.Scheme)
	}
	if httpClient == nil {
		// Launch blocks until the agent reports, so no client-wide timeout;
		// callers bound it with ctx.
		httpClient = &http.Client{}
	}
	return &Client{baseURL: u, token: strings.TrimSpace(token), http: httpClient}, nil
}

// Launch asks the daemon to spawn an agent. A failed launch comes back as
// *spawn.LaunchFailedError.
func (c *Client) Launch(ctx context.Context, req spawn.LaunchRequest) (spawn.Launch, error) {
	var out spawn.Launch
	err := c.do(ctx, http.MethodPost, "/v1/launches", req, &out)
	return out, err
}

func (c *Client) List(ctx context.Context) ([]spawn.Launch, error) {
	var out struct {
		Launches []spawn.Launch `json:"launches"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/launches", nil, &out)
	return out.Launches, err
}

func (c *Client) Get(ctx context.Context, tag string) (spawn.Launch, error) {
	var out spawn.Launch
	err := c.do(ctx, http.MethodGet, "/v1/launches/"+url.PathEscape(tag), nil, &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, pid int) error {
	return c.do(ctx, http.MethodPost, "/v1/processes/"+strconv.Itoa(pid)+"/stop", nil, nil)
}

func (c *Client) SessionStarted(ctx context.Context, s spawn.SessionStarted) error {
	return c.do(ctx, http.MethodPost, "/v1/session-started", s, nil)
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
	u.Path = strings.TrimRight(u.Path, "/") + path
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
		return fmt.Errorf("daemon: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("daemon: read %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway:
		var failed launchFailedBody
		if err := json.Unmarshal(payload, &failed); err == nil && failed.Tag != "" {
			return &spawn.LaunchFailedError{
				Tag:               failed.Tag,
				PID:               failed.PID,
				ExitCode:          failed.ExitCode,
				SessionRegistered: failed.SessionRegistered,
				SessionID:         failed.SessionID,
				Err:               errors.New(failed.Error),
			}
		}
		return fmt.Errorf("%w: %s %s -> %d", ErrStatus, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, errorMessage(payload))
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, errorMessage(payload))
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s %s -> %d %s", ErrStatus, method, path, resp.StatusCode, errorMessage(payload))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("daemon: decode %s %s: %w", method, path, err)
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
