// Package retryhttp wraps calls to rate-limited upstream HTTP services with
// exponential backoff on 429 responses and transport failures.
package retryhttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/txpipe/service/metrics"
	"github.com/brojonat/txpipe/service/txerr"
	"golang.org/x/time/rate"
)

const (
	maxBodyBytes  = 10 << 20
	maxRetryAfter = time.Minute
)

// Policy governs retries. MaxAttempts counts every attempt including the
// first, so the default policy waits 1s then 2s before giving up.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy returns 3 attempts, 1s base delay, multiplier 2.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

// Delay is the wait after the given zero-based failed attempt:
// BaseDelay * Multiplier^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Request is a replayable HTTP request. Body is resent on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client executes Requests under a Policy.
type Client struct {
	http     Doer
	upstream string
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying transport. Defaults to a 30s-timeout http.Client.
func WithHTTPClient(d Doer) Option { return func(c *Client) { c.http = d } }

// WithLimiter paces attempts client-side before they reach the upstream.
func WithLimiter(l *rate.Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithMetrics records rate-limit hits, retries and call durations.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithLogger sets the logger. Defaults to a discard handler.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a Client. upstream names the service in logs and metrics.
func New(upstream string, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		upstream: upstream,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return c
}

// Do sends req until it gets a response or error that txerr does not
// classify as retryable, or the policy is exhausted. A 2xx response is returned as is. Any other
// status fails immediately with txerr.ErrUpstream. Exhausting the policy on
// 429 yields txerr.ErrRateLimitExceeded, and on transport errors
// txerr.ErrNetwork.
func (c *Client) Do(ctx context.Context, req Request, p Policy) (*Response, error) {
	start := time.Now()
	maxAttempts := p.attempts()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, c.finish(start, "canceled", fmt.Errorf("rate limiter wait: %w", err))
			}
		}

		resp, err := c.once(ctx, req)

		var retryAfter time.Duration
		var reason string
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, c.finish(start, "canceled", ctx.Err())
			}
			lastErr = txerr.ErrNetwork.With(c.upstream, err)
			reason = "network"
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.finish(start, "success", nil)
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.upstream)
			}
			e := txerr.ErrRateLimitExceeded.Withf(c.upstream, "%s", truncate(resp.Body))
			e.Status = resp.StatusCode
			lastErr = e
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			reason = "rate_limit"
		default:
			e := txerr.ErrUpstream.Withf(c.upstream, "%s", truncate(resp.Body))
			e.Status = resp.StatusCode
			lastErr = e
		}

		if !txerr.Retryable(txerr.Classify(lastErr)) {
			return nil, c.finish(start, "error", lastErr)
		}
		if attempt+1 >= maxAttempts {
			break
		}

		wait := p.Delay(attempt)
		if retryAfter > wait {
			wait = retryAfter
		}
		c.logger.WarnContext(ctx, "upstream call failed, retrying",
			"upstream", c.upstream,
			"url", req.URL,
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"reason", reason,
			"backoff_seconds", wait.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordUpstreamRetry(c.upstream, reason)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return nil, c.finish(start, "canceled", err)
		}
	}

	c.logger.ErrorContext(ctx, "upstream call exhausted retries",
		"upstream", c.upstream,
		"url", req.URL,
		"attempts", maxAttempts,
		"error", lastErr,
	)
	return nil, c.finish(start, "exhausted", lastErr)
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (c *Client) finish(start time.Time, status string, err error) error {
	if c.metrics != nil {
		c.metrics.RecordUpstreamCall(c.upstream, status, time.Since(start).Seconds())
	}
	return err
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or
// excessive values are ignored.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	}
	if d <= 0 || d > maxRetryAfter {
		return 0
	}
	return d
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
