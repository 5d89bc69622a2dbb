// Package apiclient is the retrying JSON-over-HTTP client shared by the
// LLM and memory integrations.
//
// Every call is made at most MaxAttempts times. A 2xx response returns
// immediately. 429, 5xx, network failures, and per-attempt timeouts are
// retried after sleeping Backoff^n seconds (1s, 2s with the defaults);
// there is no sleep after the final attempt. Any other status fails at
// once. Failures surface as *Error, which carries a class and status
// code but never the upstream response body.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/magdala/internal/httpkit"
	"github.com/nugget/magdala/internal/metrics"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoff        = 2.0
	DefaultAttemptTimeout = 30 * time.Second
)

const maxResponseBytes = 8 << 20

// Config describes one remote service.
type Config struct {
	// Name labels logs and metrics ("llm", "memory").
	Name    string
	BaseURL string
	APIKey  string

	MaxAttempts    int
	Backoff        float64
	AttemptTimeout time.Duration

	// Headers are added to every request.
	Headers map[string]string
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleeper. Tests use it to record
// delays without waiting.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithHTTPClient supplies the underlying HTTP client instead of
// creating one lazily.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// Request is a single logical call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is marshalled as JSON when non-nil.
	Body any
}

// Response is a successful (2xx) reply.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client issues requests against one base URL with the retry policy.
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	sleep  SleepFunc

	mu sync.Mutex
	hc *http.Client
}

// New creates a Client. Zero policy fields take the package defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		logger: logger.With("service", cfg.Name),
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the service label.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Close releases pooled connections. A later call to Do opens a new
// session.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hc != nil {
		c.hc.CloseIdleConnections()
		c.hc = nil
	}
}

func (c *Client) httpClient() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hc == nil {
		// Deadlines come from the per-attempt context.
		c.hc = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(c.logger))
	}
	return c.hc
}

// Backoff returns the delay slept after the given zero-based failed attempt.
func (c *Client) Backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(c.cfg.Backoff, float64(attempt)) * float64(time.Second))
}

// Do performs req under the retry policy.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.Name, err)
		}
	}

	op := req.Method + " " + req.Path
	var last *Error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.Backoff(attempt - 1)
			c.logger.Debug("retrying request",
				"op", op,
				"attempt", attempt+1,
				"delay", delay,
				"class", last.Class,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, &Error{Service: c.cfg.Name, Op: op, Class: ClassCanceled, Attempts: attempt, err: err}
			}
		}

		resp, aerr := c.attempt(ctx, req, payload)
		if aerr == nil {
			metrics.APIRequests.WithLabelValues(c.cfg.Name, "ok").Inc()
			return resp, nil
		}
		aerr.Service = c.cfg.Name
		aerr.Op = op
		aerr.Attempts = attempt + 1
		metrics.APIRequests.WithLabelValues(c.cfg.Name, string(aerr.Class)).Inc()

		if !aerr.Retryable() {
			c.logger.Debug("request failed", "op", op, "class", aerr.Class, "status", aerr.Status)
			return nil, aerr
		}
		last = aerr
	}

	c.logger.Warn("request failed after retries",
		"op", op,
		"attempts", last.Attempts,
		"class", last.Class,
		"status", last.Status,
	)
	return nil, last
}

// attempt makes one HTTP round trip under the per-attempt deadline.
func (c *Client) attempt(ctx context.Context, req Request, payload []byte) (*Response, *Error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	target := c.cfg.BaseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, target, body)
	if err != nil {
		return nil, &Error{Class: ClassClient, err: fmt.Errorf("build request: %w", err)}
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, &Error{Class: classifyTransport(ctx, err), err: stripURL(err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil, &Error{Class: classifyStatus(resp.StatusCode), Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		return nil, &Error{Class: classifyTransport(ctx, err), err: err}
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}

func classifyStatus(status int) Class {
	if status == http.StatusTooManyRequests || status >= 500 {
		return ClassServer
	}
	return ClassClient
}

func classifyTransport(parent context.Context, err error) Class {
	if parent.Err() != nil {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	return ClassNetwork
}

// stripURL drops the request URL from transport errors; query strings
// may carry identifiers that do not belong in logs.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
