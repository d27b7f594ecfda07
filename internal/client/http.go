package client

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
	"time"
)

// ErrUnknownSession is matched by errors.Is when the server rejected a
// command because the session id is not registered.
var ErrUnknownSession = errors.New("unknown session")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnknownSession &&
		e.Code == http.StatusBadRequest &&
		strings.HasPrefix(e.Body, "Session id ")
}

// HTTPClient makes protocol and API calls to a dev server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8000").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func commandPath(sessionID, command string) string {
	return "/wtr/" + url.PathEscape(sessionID) + "/" + command
}

// Config fetches the session's configuration, as a browser does on load.
func (c *HTTPClient) Config(ctx context.Context, sessionID string) (*SessionConfig, error) {
	var cfg SessionConfig
	if err := c.do(ctx, http.MethodGet, commandPath(sessionID, "config"), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SessionStarted reports that the browser began executing the session.
func (c *HTTPClient) SessionStarted(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, commandPath(sessionID, "session-started"), nil, nil)
}

// SessionFinished reports the session's result. result is encoded as JSON;
// a nil result posts an empty body.
func (c *HTTPClient) SessionFinished(ctx context.Context, sessionID string, result any) error {
	return c.do(ctx, http.MethodPost, commandPath(sessionID, "session-finished"), result, nil)
}

// Sessions fetches /api/sessions.
func (c *HTTPClient) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches /api/status.
func (c *HTTPClient) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// History fetches /api/history. A limit of zero lists every recorded run.
func (c *HTTPClient) History(ctx context.Context, sessionID string, limit int) ([]HistoryEntry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	var out []HistoryEntry
	if err := c.do(ctx, http.MethodGet, "/api/history?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
