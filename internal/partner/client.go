// Package partner is the HTTP transport shared by the grid operator and
// consent broker clients: auth header, per-attempt timeout, status
// classification and retries.
package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/retry"
	"go.uber.org/zap"
)

const maxBodyBytes = 10 << 20

// TokenSource supplies the credential sent with every request
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for fixed API keys
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// Options configures a Client
type Options struct {
	Name       string
	BaseURL    string
	HTTPClient *http.Client
	Auth       TokenSource
	// AuthScheme prefixes the token in the Authorization header; empty sends the raw token
	AuthScheme string
	Timeout    time.Duration
	Retry      retry.Policy
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Client talks to one partner API
type Client struct {
	name       string
	baseURL    string
	http       *http.Client
	auth       TokenSource
	authScheme string
	timeout    time.Duration
	policy     retry.Policy
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// Request is one partner call
type Request struct {
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      interface{}
	// Form is sent url-encoded instead of Body when set
	Form url.Values
}

// Response is a raw partner answer
type Response struct {
	StatusCode int
	Body       []byte
}

// New creates a partner client
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := opts.Retry
	if policy.Logger == nil {
		policy.Logger = logger
	}
	if policy.OnRetry == nil && opts.Metrics != nil {
		m := opts.Metrics
		policy.OnRetry = func(operation string, attempt int, delay time.Duration, err error) {
			m.Retry(operation)
		}
	}

	return &Client{
		name:       opts.Name,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       httpClient,
		auth:       opts.Auth,
		authScheme: opts.AuthScheme,
		timeout:    opts.Timeout,
		policy:     policy,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// Send performs a single attempt. Only transport failures are returned as
// errors; any HTTP status comes back in the Response.
func (c *Client) Send(ctx context.Context, r Request) (*Response, error) {
	endpoint := c.baseURL + r.Path
	if len(r.Query) > 0 {
		endpoint += "?" + r.Query.Encode()
	}

	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	contentType := ""
	switch {
	case r.Form != nil:
		reqBody = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.Body != nil:
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
		contentType = "application/json"
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.auth != nil {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return nil, err
		}
		if c.authScheme != "" {
			token = c.authScheme + " " + token
		}
		req.Header.Set("Authorization", token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = c.transportError(ctx, r.Path, err)
		c.metrics.ObserveUpstream(c.name, r.Operation, time.Since(start).Seconds(), err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		err = c.transportError(ctx, r.Path, err)
		c.metrics.ObserveUpstream(c.name, r.Operation, time.Since(start).Seconds(), err)
		return nil, err
	}

	c.logger.Debug("partner request completed",
		zap.String("partner", c.name),
		zap.String("operation", r.Operation),
		zap.String("method", method),
		zap.String("path", r.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	var statusErr error
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr = apperr.FromStatus(resp.StatusCode, r.Path, body)
	}
	c.metrics.ObserveUpstream(c.name, r.Operation, time.Since(start).Seconds(), statusErr)

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Do sends r with retries and classifies non-2xx answers through apperr.
// A 404 surfaces as apperr.ErrNotFoundAsEmpty.
func (c *Client) Do(ctx context.Context, r Request) ([]byte, error) {
	var body []byte
	err := c.policy.Do(ctx, c.name+"."+r.Operation, func(ctx context.Context, attempt int) error {
		resp, err := c.Send(ctx, r)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return apperr.FromStatus(resp.StatusCode, r.Path, resp.Body)
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// GetJSON fetches path and decodes the JSON answer into out
func (c *Client) GetJSON(ctx context.Context, operation, path string, query url.Values, out interface{}) error {
	body, err := c.Do(ctx, Request{Operation: operation, Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", operation, err)
	}
	return nil
}

// transportError classifies a failure that produced no response. Caller
// cancellation is returned as-is so it is never retried.
func (c *Client) transportError(ctx context.Context, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("request to %s aborted: %w", path, ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out: %w", err)
	}
	return &apperr.TransientFetchError{Endpoint: path, Err: err}
}
