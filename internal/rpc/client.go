package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client calls canister methods through an HTTP gateway.
// Queries are read-only and retried on 429; update calls are never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
	token      string
}

// Options tunes retry, throttling and identity of a Client.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	// RateLimit is the maximum number of requests per second; zero disables throttling.
	RateLimit float64
	// Token is attached as a bearer credential to update calls.
	Token   string
	Timeout time.Duration
}

// NewClient creates a new gateway client.
func NewClient(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		limiter:    limiter,
		token:      opts.Token,
	}
}

// RejectError is returned when a canister method replies with its error variant.
// Message is the canister's error text, verbatim when it is a string.
type RejectError struct {
	Canister string
	Method   string
	Message  string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s.%s rejected: %s", e.Canister, e.Method, e.Message)
}

// AsReject unwraps a RejectError from err.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

type envelope struct {
	Ok  json.RawMessage `json:"ok"`
	Err json.RawMessage `json:"err"`
}

// Query performs a read-only canister call and decodes the ok value into dest.
func (c *Client) Query(ctx context.Context, canister, method string, arg, dest any) error {
	return c.invoke(ctx, "query", canister, method, arg, dest, c.maxRetries)
}

// Call performs a state-changing canister call and decodes the ok value into dest.
// dest may be nil for methods returning unit.
func (c *Client) Call(ctx context.Context, canister, method string, arg, dest any) error {
	return c.invoke(ctx, "call", canister, method, arg, dest, 0)
}

func (c *Client) invoke(ctx context.Context, kind, canister, method string, arg, dest any, maxRetries int) error {
	url := fmt.Sprintf("%s/api/v2/canister/%s/%s/%s", c.baseURL, canister, kind, method)

	if arg == nil {
		arg = struct{}{}
	}
	payload, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("encoding %s argument: %w", method, err)
	}

	body, err := c.post(ctx, url, payload, kind == "call", maxRetries)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", canister, method, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("parsing reply of %s.%s: %w", canister, method, err)
	}
	if len(env.Err) > 0 && string(env.Err) != "null" {
		return &RejectError{Canister: canister, Method: method, Message: rejectMessage(env.Err)}
	}
	if dest == nil || len(env.Ok) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Ok, dest); err != nil {
		return fmt.Errorf("decoding result of %s.%s: %w", canister, method, err)
	}
	return nil
}

// rejectMessage renders a string error as-is and any structured error variant as compact JSON.
func rejectMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// post performs a POST request with retry on 429.
func (c *Client) post(ctx context.Context, url string, payload []byte, authenticated bool, maxRetries int) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries + 1 {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if authenticated && c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("HTTP 429 at %s (attempt %d/%d)", url, attempt+1, maxRetries+1)
			if attempt < maxRetries {
				delay := c.baseDelay * time.Duration(1<<uint(attempt))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
				continue
			}
			return nil, lastErr
		}

		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(body))
	}

	return nil, lastErr
}
