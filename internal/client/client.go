// Package client is the compute-side HTTP client for the crucible server.
//
// Every call is retried with capped exponential backoff on transient
// failures (network errors, timeouts, 5xx, 429). Client errors (4xx) are
// returned immediately, except a single 401 which triggers one token refresh.
// A corrupt object is deterministic and never retried.
// Server error codes are mapped back onto the taskgraph and objectstore
// sentinel errors so callers can use taskgraph.IsConflict and friends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/dyluth/crucible/pkg/wire"
)

// maxResponseSize bounds response bodies read into memory.
const maxResponseSize = 256 << 20

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    wire.ErrorCode
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Unwrap maps the error code onto the matching sentinel.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case wire.CodeConflict:
		return taskgraph.ErrConflict
	case wire.CodeBlocked:
		return taskgraph.ErrBlocked
	case wire.CodeStructural:
		return taskgraph.ErrStructural
	case wire.CodeInvalid:
		return taskgraph.ErrInvalidSpec
	case wire.CodeNotFound:
		return ErrNotFound
	case wire.CodeCorrupt:
		return objectstore.ErrCorrupt
	}
	return nil
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	if e.Code == wire.CodeCorrupt {
		return false
	}
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

var (
	// ErrNotFound is returned for unknown tasks, services and objects.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when credentials are rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client talks to a crucible server on behalf of one identity.
type Client struct {
	cfg   Config
	http  *http.Client
	cache *diskCache

	tokenMu sync.Mutex
	token   string
}

// New creates a client. Config defaults are applied.
func New(cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if strings.HasPrefix(cfg.BaseURL, "https://") {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             cfg.TLS.CAFile,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}

	if *cfg.UseCache {
		cache, err := openDiskCache(cfg.CacheDir, cfg.CacheSize)
		if err != nil {
			log.Printf("[Client] [WARN] Cache disabled: %v", err)
		} else {
			c.cache = cache
		}
	}
	return c, nil
}

// Identity returns the identity this client authenticates as.
func (c *Client) Identity() string {
	return c.cfg.Identity
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = c.cfg.RetryMax
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if *c.cfg.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(*c.cfg.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// request describes one API call.
type request struct {
	method string
	path   string
	body   interface{} // JSON encoded when non-nil
	out    interface{} // JSON decoded when non-nil
	raw    *[]byte     // Receives the raw body instead of out
	noAuth bool
}

// do runs req with retries and token handling.
func (c *Client) do(ctx context.Context, req request) error {
	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.once(ctx, req, payload)
		if isStatus(err, http.StatusUnauthorized) && !req.noAuth {
			// Token expired or revoked: refresh once and retry immediately.
			c.clearToken()
			err = c.once(ctx, req, payload)
		}
		return classify(ctx, err)
	}

	notify := func(err error, wait time.Duration) {
		log.Printf("[Client] [WARN] %s %s failed (attempt %d), retrying in %v: %v",
			req.method, req.path, attempt, wait, err)
	}

	return backoff.RetryNotify(op, c.newBackOff(ctx), notify)
}

// classify marks errors that must not be retried as permanent.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	if errors.Is(err, ErrUnauthorized) {
		return backoff.Permanent(err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnauthorized, err))
		}
		if !apiErr.Transient() {
			return backoff.Permanent(err)
		}
		return err
	}
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	return err
}

func isStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// once performs a single HTTP exchange.
func (c *Client) once(ctx context.Context, req request, payload []byte) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.cfg.BaseURL+req.path, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if !req.noAuth {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er wire.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Message != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Message
		}
		return apiErr
	}

	if req.raw != nil {
		*req.raw = data
		return nil
	}
	if req.out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, req.out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	payload, err := json.Marshal(wire.TokenRequest{Identity: c.cfg.Identity, Key: c.cfg.Key})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}
	var resp wire.TokenResponse
	err = c.once(ctx, request{method: http.MethodPost, path: "/token", out: &resp, noAuth: true}, payload)
	if isStatus(err, http.StatusUnauthorized) {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}
	c.token = resp.Token
	return c.token, nil
}

func (c *Client) clearToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = ""
}
