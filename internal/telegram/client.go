// Package telegram is a small Bot API client: long-poll listener, message
// sender and the chat lookups the ledger needs (display names, member counts).
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.telegram.org"

// Client calls the Bot API with one token.
type Client struct {
	token      string
	baseURL    string
	http       *http.Client
	log        *zap.Logger
	pollSec    int
	retryDelay time.Duration
	allowed    map[int64]bool
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API host, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(l *zap.Logger) Option      { return func(c *Client) { c.log = l } }

// WithPollTimeout sets the getUpdates long-poll timeout.
func WithPollTimeout(sec int) Option { return func(c *Client) { c.pollSec = sec } }

// WithRetryDelay sets the pause after a failed poll.
func WithRetryDelay(d time.Duration) Option { return func(c *Client) { c.retryDelay = d } }

// WithAllowedChats restricts the listener to these chat ids. Updates from
// other chats are logged and ignored without a reply.
func WithAllowedChats(ids ...int64) Option {
	return func(c *Client) {
		if len(ids) == 0 {
			return
		}
		c.allowed = make(map[int64]bool, len(ids))
		for _, id := range ids {
			c.allowed[id] = true
		}
	}
}

func New(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		http:       &http.Client{Timeout: 75 * time.Second},
		log:        zap.NewNop(),
		pollSec:    50,
		retryDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: %s (code %d)", e.Method, e.Description, e.Code)
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call POSTs payload as JSON to method and decodes result into out (if non-nil).
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// the URL carries the token; keep it out of logs
		return fmt.Errorf("telegram %s request failed: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	var r apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !r.Ok {
		return &APIError{Method: method, Code: r.ErrorCode, Description: r.Description}
	}
	if out != nil {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "***"), cause: err}
}
