// Package api is the client for the chat server's REST command surface:
// contact and group listings, paginated conversation fetches, message
// sends, read marks, presence updates, and token refresh. Calls fail fast
// within the configured timeout and are never retried here; retry policy
// belongs to the caller.
package api

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
	"sync"
	"time"

	"github.com/cereals/chat-client/internal/model"
)

// DefaultTimeout is the per-request network budget.
const DefaultTimeout = 10 * time.Second

// ErrAuthExpired is returned when the server answers with a 401-equivalent
// response. The caller is expected to refresh the token once and retry.
var ErrAuthExpired = errors.New("api: auth expired")

// Error is a non-401 failure response from the server.
type Error struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api: server returned %d", e.Status)
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client talks to the REST command surface.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or replaces the bearer token used for every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// doRequest performs one request and returns the response body. 401
// responses map to ErrAuthExpired; other non-2xx responses map to *Error.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("api: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return nil, &Error{Status: resp.StatusCode, Message: e.Error}
	}
	return data, nil
}

// targetPath builds the /conversations path segment for a target.
func targetPath(t model.Target) string {
	return "/conversations/" + t.Kind.String() + "/" + strconv.FormatInt(t.ID, 10)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// FetchContacts lists the signed-in user's contacts.
func (c *Client) FetchContacts(ctx context.Context) ([]model.Contact, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/contacts", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Contacts []model.Contact `json:"contacts"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("api: failed to decode contacts: %w", err)
	}
	return resp.Contacts, nil
}

// FetchGroups lists the signed-in user's groups.
func (c *Client) FetchGroups(ctx context.Context) ([]model.Group, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Groups []model.Group `json:"groups"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("api: failed to decode groups: %w", err)
	}
	return resp.Groups, nil
}

// FetchConversationPage reads one page of a conversation's messages,
// newest first.
func (c *Client) FetchConversationPage(ctx context.Context, target model.Target, page, limit int) ([]model.Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api"+targetPath(target)+"/messages", nil, map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []model.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("api: failed to decode messages: %w", err)
	}
	return resp.Messages, nil
}

// SendMessage submits a message. The localID travels with the request so
// the server can echo it back for reconciliation; the response carries the
// server-assigned identifier.
func (c *Client) SendMessage(ctx context.Context, target model.Target, body string, kind model.ContentKind, localID string) (model.Message, error) {
	payload := struct {
		Target  model.Target      `json:"target"`
		Body    string            `json:"body"`
		Kind    model.ContentKind `json:"content_kind"`
		LocalID string            `json:"local_id"`
	}{target, body, kind, localID}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", payload, nil)
	if err != nil {
		return model.Message{}, err
	}
	var resp struct {
		Message model.Message `json:"message"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return model.Message{}, fmt.Errorf("api: failed to decode send response: %w", err)
	}
	return resp.Message, nil
}

// MarkRead reports one message as read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	payload := struct {
		MessageID int64 `json:"message_id"`
	}{messageID}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/messages/read", payload, nil)
	return err
}

// MarkAllRead reports a whole conversation as read.
func (c *Client) MarkAllRead(ctx context.Context, target model.Target) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api"+targetPath(target)+"/read", nil, nil)
	return err
}

// UpdatePresence publishes the local user's presence state.
func (c *Client) UpdatePresence(ctx context.Context, status model.Presence) error {
	payload := struct {
		Status model.Presence `json:"status"`
	}{status}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/presence", payload, nil)
	return err
}

// Refresh exchanges a refresh token for a new auth session. The bearer
// token is not required; an expired one is fine.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.AuthSession, error) {
	payload := struct {
		RefreshToken string `json:"refresh_token"`
	}{refreshToken}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/auth/refresh", payload, nil)
	if err != nil {
		return model.AuthSession{}, err
	}
	var s model.AuthSession
	if err := json.Unmarshal(data, &s); err != nil {
		return model.AuthSession{}, fmt.Errorf("api: failed to decode refresh response: %w", err)
	}
	return s, nil
}
