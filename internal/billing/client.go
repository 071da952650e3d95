package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/billabex/netsuite-connector/internal/models"
	"github.com/billabex/netsuite-connector/pkg/infra"
	"github.com/billabex/netsuite-connector/pkg/metrics"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const maxErrorBodyBytes = 1 << 20

// ConnectionStore is where the client re-reads credentials from.
type ConnectionStore interface {
	GetOrCreateConnection(ctx context.Context, name string) (models.Connection, error)
}

type Options struct {
	BaseURL              string
	ConnectionName       string
	TokenExpiryMargin    time.Duration
	RateLimitMaxAttempts int
	RateLimitDefaultWait time.Duration
	RequestsPerSecond    float64
	HTTPClient           *http.Client
}

// Client talks to the billing platform. It owns token validation, 401 recovery
// and 429 back-off so callers only ever see typed failures.
type Client struct {
	baseURL     string
	name        string
	http        *http.Client
	store       ConnectionStore
	margin      time.Duration
	maxAttempts int
	defaultWait time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	conn   models.Connection
	loaded bool
}

func NewClient(store ConnectionStore, opts Options, logger *slog.Logger) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.RateLimitMaxAttempts < 1 {
		opts.RateLimitMaxAttempts = 5
	}
	if opts.RateLimitDefaultWait <= 0 {
		opts.RateLimitDefaultWait = 60 * time.Second
	}
	if opts.ConnectionName == "" {
		opts.ConnectionName = "default"
	}

	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		name:        opts.ConnectionName,
		http:        opts.HTTPClient,
		store:       store,
		margin:      opts.TokenExpiryMargin,
		maxAttempts: opts.RateLimitMaxAttempts,
		defaultWait: opts.RateLimitDefaultWait,
		logger:      logger.With("component", "billing_client"),
		now:         time.Now,
		sleep:       infra.Sleep,
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

type RequestOptions struct {
	Body      any
	Query     url.Values
	Multipart *Multipart
}

// RateLimitInfo mirrors the X-RateLimit-* headers of the last response.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     string
}

type Response struct {
	Status    int
	Data      json.RawMessage
	RateLimit RateLimitInfo
}

func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("billing api: empty response body")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("billing api: decode response: %w", err)
	}
	return nil
}

// Connection returns the snapshot the client currently works with.
func (c *Client) Connection() models.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// source builds the creation-time back-reference to the ERP record.
func (c *Client) source(ctx context.Context, localID string) (*SourceRef, error) {
	conn, err := c.usableConnection(ctx)
	if err != nil {
		return nil, err
	}
	connID := conn.Name
	if conn.ID != 0 {
		connID = strconv.FormatInt(conn.ID, 10)
	}
	return &SourceRef{ConnectionID: connID, SourceID: localID}, nil
}

// Call performs one logical API request.
func (c *Client) Call(ctx context.Context, method, path string, opts RequestOptions) (*Response, error) {
	conn, err := c.usableConnection(ctx)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(opts)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	l := c.logger.With("method", method, "path", path, "request_id", requestID)

	reloadedOn401 := false
	rateLimited := 0

	for {
		resp, err := c.do(ctx, conn, method, path, opts.Query, body, contentType, requestID)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			rateLimited++
			wait := retryAfter(resp.Header, c.defaultWait, c.now())

			if rateLimited >= c.maxAttempts {
				l.Warn("Rate limit attempts exhausted", "attempts", rateLimited, "retry_after", wait)
				return nil, &RateLimitedError{RetryAfter: wait, Attempts: rateLimited}
			}
			if deadline, ok := ctx.Deadline(); ok && c.now().Add(wait).After(deadline) {
				l.Warn("Rate limit wait exceeds remaining budget", "retry_after", wait)
				return nil, &RateLimitedError{RetryAfter: wait, Attempts: rateLimited}
			}

			metrics.RateLimitWaits.Inc()
			l.Warn("⏳ Rate limited by billing platform, waiting", "retry_after", wait, "attempt", rateLimited)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			if reloadedOn401 {
				return nil, &TokenExpiredError{ServerRejected: true}
			}
			reloadedOn401 = true

			l.Info("Access token rejected, reloading connection")
			conn, err = c.reload(ctx, "unauthorized")
			if err != nil {
				return nil, err
			}
			if !conn.AccessTokenValid(c.now(), c.margin) {
				return nil, &TokenExpiredError{}
			}

		case resp.StatusCode >= 400:
			return nil, readAPIError(resp)

		default:
			return readSuccess(resp)
		}
	}
}

func (c *Client) usableConnection(ctx context.Context) (models.Connection, error) {
	c.mu.Lock()
	conn, loaded := c.conn, c.loaded
	c.mu.Unlock()

	if loaded && conn.AccessTokenValid(c.now(), c.margin) {
		return conn, nil
	}

	reason := "expired"
	if !loaded {
		reason = "initial"
	}
	conn, err := c.reload(ctx, reason)
	if err != nil {
		return models.Connection{}, err
	}
	if !conn.AccessTokenValid(c.now(), c.margin) {
		return models.Connection{}, &TokenExpiredError{}
	}
	return conn, nil
}

func (c *Client) reload(ctx context.Context, reason string) (models.Connection, error) {
	metrics.TokenReloads.WithLabelValues(reason).Inc()

	conn, err := c.store.GetOrCreateConnection(ctx, c.name)
	if err != nil {
		return models.Connection{}, fmt.Errorf("reload connection %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.loaded = true
	c.mu.Unlock()

	return conn, nil
}

func (c *Client) do(ctx context.Context, conn models.Connection, method, path string, query url.Values, body []byte, contentType, requestID string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APIRequests.WithLabelValues(method, "error").Inc()
		return nil, fmt.Errorf("billing api %s %s: %w", method, path, err)
	}
	metrics.APIRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	return resp, nil
}

func encodeBody(opts RequestOptions) ([]byte, string, error) {
	if opts.Multipart != nil {
		return opts.Multipart.encode()
	}
	if opts.Body == nil {
		return nil, "", nil
	}
	b, err := json.Marshal(opts.Body)
	if err != nil {
		return nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return b, "application/json", nil
}

// retryAfter reads Retry-After as delta-seconds or an HTTP date.
func retryAfter(h http.Header, fallback time.Duration, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return fallback
}

func readSuccess(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	out := &Response{Status: resp.StatusCode, RateLimit: parseRateLimit(resp.Header)}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && json.Valid(trimmed) {
		out.Data = json.RawMessage(trimmed)
	}
	return out, nil
}

func readAPIError(resp *http.Response) error {
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}
	apiErr.Body = body

	if m, ok := body.(map[string]any); ok {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := m[key].(string); ok && s != "" {
				apiErr.Message = s
				break
			}
		}
	}
	return apiErr
}

func parseRateLimit(h http.Header) RateLimitInfo {
	info := RateLimitInfo{Reset: h.Get("X-RateLimit-Reset")}
	info.Limit, _ = strconv.Atoi(h.Get("X-RateLimit-Limit"))
	info.Remaining, _ = strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	return info
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
}
