// Package processor is an HTTP client for the card processor's payment intent
// API: login, intent creation and confirmation.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/checkout-gateway/internal/resilience"
)

// Auth modes.
const (
	AuthLogin  = "login"
	AuthAPIKey = "api_key"
)

// ErrAuth is returned when the processor rejects the configured credentials
// or the login response carries no token.
var ErrAuth = errors.New("processor: authentication failed")

// Error is a non-2xx processor response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("processor: %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("processor: %d: %s", e.StatusCode, msg)
}

// Config describes how to reach and authenticate with the processor.
type Config struct {
	BaseURL  string
	APIKey   string
	ClientID string
	AuthMode string
	// TokenTTL bounds the cache lifetime of tokens that carry no exp claim.
	TokenTTL time.Duration
}

// Client talks to the processor. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http resilience.HTTPClient
	now  func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// New builds a Client. Outbound calls go through hc.
func New(cfg Config, hc resilience.HTTPClient) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthLogin
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 25 * time.Minute
	}
	return &Client{cfg: cfg, http: hc, now: time.Now}
}

// do sends a JSON request and decodes a 2xx response into out. Non-2xx
// responses become *Error.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) *Error {
	e := &Error{StatusCode: status, Body: raw}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		e.Code = payload.Code
		e.Message = payload.Message
		if e.Message == "" {
			e.Message = payload.Error
		}
	}
	return e
}

// authorized runs call with credentials attached. In login mode a 401 drops
// the cached token and the call is retried once with a fresh one.
func (c *Client) authorized(ctx context.Context, call func(http.Header) error) error {
	if c.cfg.AuthMode == AuthAPIKey {
		h := http.Header{}
		h.Set("x-api-key", c.cfg.APIKey)
		if c.cfg.ClientID != "" {
			h.Set("x-client-id", c.cfg.ClientID)
		}
		err := call(h)
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return err
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		err = call(h)
		var pe *Error
		if errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized {
			c.invalidate(token)
			if attempt == 0 {
				continue
			}
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return err
	}
	return ErrAuth
}
