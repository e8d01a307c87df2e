package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testClient(opts ...Option) *Client {
	opts = append([]Option{WithSleepFunc(noSleep)}, opts...)
	return NewClient("test", 2*time.Second, "nowcast-test", slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestGetJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "nowcast-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	var out struct {
		Value int `json:"value"`
	}
	err := testClient(WithHeader("X-Api-Key", "secret")).GetJSON(context.Background(), srv.URL, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
}

func TestGetJSON_MalformedBodyIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"value":`))
	}))
	defer srv.Close()

	var out map[string]any
	err := testClient().GetJSON(context.Background(), srv.URL, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrParse)
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	body, err := testClient().Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_TooManyRequestsIsRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient().Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such point", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient().Get(context.Background(), srv.URL)
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_TimeoutIsProviderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := testClient().Get(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderTimeout)
}

func TestGet_CircuitOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(
		WithRetryPolicy(RetryPolicy{}),
		WithBreakerSettings(gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
		}),
	)

	for range 2 {
		_, err := c.Get(context.Background(), srv.URL)
		require.Error(t, err)
	}
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBackoff(t *testing.T) {
	c := testClient()

	t.Run("retry after header capped", func(t *testing.T) {
		resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
		assert.Equal(t, c.retry.MaxWait, c.backoff(0, resp))
	})

	t.Run("exponential within bounds", func(t *testing.T) {
		for attempt := range 4 {
			d := c.backoff(attempt, nil)
			assert.GreaterOrEqual(t, d, c.retry.MinWait)
			assert.LessOrEqual(t, d, c.retry.MaxWait)
		}
	})
}
