// Package upstream is the shared HTTP plumbing for provider adapters. Every
// outbound call goes through Client, which adds a circuit breaker, bounded
// retries on 429/5xx and maps failures onto the domain error taxonomy.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 8 << 20

// RetryPolicy configures retries. Fetches run inside a short budget, so the
// defaults are deliberately small.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy allows one retry within a few hundred milliseconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 1,
		MinWait:    200 * time.Millisecond,
		MaxWait:    time.Second,
	}
}

// StatusError is a non-retryable HTTP status from the provider.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// ErrCircuitOpen means the breaker is rejecting calls to a failing provider.
var ErrCircuitOpen = errors.New("circuit open")

// Client wraps an *http.Client with a circuit breaker and retry policy.
type Client struct {
	provider  string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	retry     RetryPolicy
	userAgent string
	headers   map[string]string
	logger    *slog.Logger
	sleepFn   func(context.Context, time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithSleepFunc overrides the wait between retries. Tests use it to avoid
// real delays.
func WithSleepFunc(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleepFn = fn }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithBreakerSettings replaces the default breaker trip settings.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Client) {
		st.Name = c.provider
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](st)
	}
}

// NewClient creates a Client for one provider. timeout bounds each attempt.
func NewClient(provider string, timeout time.Duration, userAgent string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		provider:  provider,
		http:      &http.Client{Timeout: timeout},
		retry:     DefaultRetryPolicy(),
		userAgent: userAgent,
		headers:   make(map[string]string),
		logger:    logger,
		sleepFn:   sleepWithContext,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider name used in errors and logs.
func (c *Client) Provider() string { return c.provider }

// GetJSON issues a GET and decodes a 2xx JSON body into out.
//
// Errors: 429 after retries -> domain.ErrRateLimited; timeouts ->
// domain.ErrProviderTimeout; undecodable bodies -> *domain.ParseError;
// other statuses -> *StatusError.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewParseError(c.provider, "decode response", err)
	}
	return nil
}

// Get issues a GET and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	var lastResp *http.Response
	var lastErr error

	attempts := 1 + c.retry.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: create request: %w", c.provider, err)
		}
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.http.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return c.readOK(resp)
		}

		lastErr = err
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			if err := c.sleepFn(ctx, c.backoff(attempt, resp)); err != nil {
				lastErr = err
				break
			}
		}
	}
	if lastResp != nil {
		lastResp.Body.Close()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, domain.ClassifyFetchError(fmt.Errorf("%s: %w", c.provider, ctxErr))
	}
	return nil, c.mapError(lastResp, lastErr)
}

func (c *Client) readOK(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.ClassifyFetchError(fmt.Errorf("%s: read body: %w", c.provider, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Provider: c.provider, Status: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// backoff honours Retry-After in seconds, otherwise exponential with jitter
// clamped to [MinWait, MaxWait].
func (c *Client) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			return min(time.Duration(s)*time.Second, c.retry.MaxWait)
		}
	}
	base := float64(c.retry.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(c.retry.MaxWait))
	minWait := float64(c.retry.MinWait)
	if base <= minWait {
		return c.retry.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func (c *Client) mapError(resp *http.Response, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", c.provider, ErrCircuitOpen, err)
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w: upstream 429", c.provider, domain.ErrRateLimited)
	}
	if resp != nil && resp.StatusCode >= 500 {
		return &StatusError{Provider: c.provider, Status: resp.StatusCode, Body: "after retries"}
	}
	return domain.ClassifyFetchError(fmt.Errorf("%s: request: %w", c.provider, err))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
