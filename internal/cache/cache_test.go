package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

var testStart = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// countingProvider counts fetches and delegates to fn when set.
type countingProvider struct {
	name  string
	rpm   int
	cost  int
	calls atomic.Int32
	fn    func(ctx context.Context, loc domain.Location) (domain.ObservationField, error)
	clock clockwork.Clock
}

func (p *countingProvider) Name() string                    { return p.name }
func (p *countingProvider) Profile() domain.ProviderProfile { return domain.ProfileAggregator }
func (p *countingProvider) Limits() domain.ProviderLimits {
	return domain.ProviderLimits{RequestsPerMinute: p.rpm, RequestsPerFetch: p.cost}
}

func (p *countingProvider) FetchCurrent(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	p.calls.Add(1)
	if p.fn != nil {
		return p.fn(ctx, loc)
	}
	return testField(loc, p.clock.Now(), 2.0, p.name), nil
}

func (p *countingProvider) FetchForecast(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	return p.FetchCurrent(ctx, loc)
}

func newProvider(name string, clock clockwork.Clock) *countingProvider {
	return &countingProvider{name: name, rpm: 600, cost: 1, clock: clock}
}

func testField(loc domain.Location, ts time.Time, v float64, provider string) domain.ObservationField {
	return domain.ObservationField{
		Timestamp:  ts,
		Location:   loc,
		Kind:       domain.KindCurrent,
		Window:     domain.WindowAround(loc, 3, 3, 0.02),
		Grid:       domain.FilledGrid(3, 3, v),
		Provenance: domain.Provenance{Provider: provider, FetchedAt: ts},
		Quality:    domain.QualityHigh,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testLoc = domain.Location{Lat: 40.0, Lon: -105.0}

func newTestCache(t *testing.T, cfg Config, clock clockwork.Clock, providers ...domain.Provider) *Cache {
	t.Helper()
	c, err := New(cfg, providers, clock, testLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)
	return c
}

func TestGet_MissThenHit(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	c := newTestCache(t, DefaultConfig(), clock, p)

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, "a", res.Field.Provenance.Provider)
	assert.Equal(t, testStart.Add(5*time.Minute), res.ExpiresAt)

	clock.Advance(30 * time.Second)
	_, err = c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())

	clock.Advance(time.Minute)
	_, err = c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestGet_MaxAgeZeroAlwaysFetches(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	c := newTestCache(t, DefaultConfig(), clock, p)

	for range 3 {
		_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestGet_MaxAgeForeverNeverRefetches(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	cfg := DefaultConfig()
	cfg.StaleRetention = 1000 * time.Hour
	c := newTestCache(t, cfg, clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, MaxAgeForever)
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, MaxAgeForever)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.True(t, res.Stale, "entry past its TTL is flagged even when accepted")
}

func TestGet_SingleFetchInFlight(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	release := make(chan struct{})
	var current, peak atomic.Int32

	p := newProvider("a", clock)
	p.fn = func(_ context.Context, loc domain.Location) (domain.ObservationField, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return testField(loc, testStart, 1, "a"), nil
	}
	cfg := DefaultConfig()
	cfg.FetchTimeout = 5 * time.Second
	c := newTestCache(t, cfg, clock, p)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return c.InFlight(testLoc, domain.KindCurrent) == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), peak.Load())
	assert.LessOrEqual(t, p.calls.Load(), int32(callers))
	assert.Zero(t, c.InFlight(testLoc, domain.KindCurrent))
}

func TestGet_StaleFallbackOnFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	c := newTestCache(t, DefaultConfig(), clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)

	p.fn = func(context.Context, domain.Location) (domain.ObservationField, error) {
		return domain.ObservationField{}, domain.NewParseError("a", "broken payload", nil)
	}
	clock.Advance(10 * time.Minute)

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, testStart, res.FetchedAt, "stale value is never relabelled as fresh")
	assert.Equal(t, domain.QualityLow, res.Field.Quality)
	assert.ErrorIs(t, res.FetchErr, domain.ErrParse)
	assert.ErrorIs(t, res.Warning(), domain.ErrStaleDataServed)
}

func TestGet_HitPastTTLLowersQuality(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	c := newTestCache(t, DefaultConfig(), clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load(), "served from cache")
	assert.True(t, res.Stale)
	assert.Equal(t, domain.QualityLow, res.Field.Quality)
	require.NotEmpty(t, res.History)
	assert.Equal(t, domain.QualityLow, res.History[len(res.History)-1].Quality)

	stored := c.entries[KeyFor(testLoc, domain.KindCurrent)].latest()
	assert.Equal(t, domain.QualityHigh, stored.Quality, "the stored value is untouched")
}

func TestGet_FailureWithoutFallbackPolicy(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	cfg := DefaultConfig()
	cfg.StaleFallback = false
	c := newTestCache(t, cfg, clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)

	p.fn = func(context.Context, domain.Location) (domain.ObservationField, error) {
		return domain.ObservationField{}, errors.New("boom")
	}
	_, err = c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestGet_TimeoutWithoutEntryIsUnavailable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	p.fn = func(ctx context.Context, _ domain.Location) (domain.ObservationField, error) {
		<-ctx.Done()
		return domain.ObservationField{}, ctx.Err()
	}
	cfg := DefaultConfig()
	cfg.FetchTimeout = 20 * time.Millisecond
	c := newTestCache(t, cfg, clock, p)

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.ErrorIs(t, err, domain.ErrProviderTimeout)
	assert.Empty(t, res.Field.Grid.Cells, "no fabricated field")
}

func TestGet_TimeoutServesStale(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	cfg := DefaultConfig()
	cfg.FetchTimeout = 20 * time.Millisecond
	c := newTestCache(t, cfg, clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)

	p.fn = func(ctx context.Context, _ domain.Location) (domain.ObservationField, error) {
		<-ctx.Done()
		return domain.ObservationField{}, ctx.Err()
	}
	clock.Advance(2 * time.Minute)

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.ErrorIs(t, res.FetchErr, domain.ErrProviderTimeout)
}

func TestGet_CallerCancelAbandonsWait(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	release := make(chan struct{})
	defer close(release)

	p := newProvider("a", clock)
	p.fn = func(context.Context, domain.Location) (domain.ObservationField, error) {
		<-release
		return testField(testLoc, testStart, 1, "a"), nil
	}
	cfg := DefaultConfig()
	cfg.FetchTimeout = 5 * time.Second
	c := newTestCache(t, cfg, clock, p)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, testLoc, domain.KindCurrent, 0)
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.ErrorIs(t, err, domain.ErrProviderTimeout)
}

func TestGet_RateLimitedFallsThroughChain(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	primary := newProvider("primary", clock)
	primary.rpm = 1
	secondary := newProvider("secondary", clock)
	c := newTestCache(t, DefaultConfig(), clock, primary, secondary)

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Field.Provenance.Provider)

	res, err = c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Field.Provenance.Provider)
	assert.Equal(t, int32(1), primary.calls.Load())

	clock.Advance(time.Minute)
	res, err = c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Field.Provenance.Provider, "bucket refills on the injected clock")
}

func TestGet_RateLimitedServesStale(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	p.rpm = 1
	c := newTestCache(t, DefaultConfig(), clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.NoError(t, err)

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.ErrorIs(t, res.FetchErr, domain.ErrRateLimited)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestGet_FetchCostChargesBucket(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	p.rpm = 30
	p.cost = 25
	c := newTestCache(t, DefaultConfig(), clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), domain.Location{Lat: 41, Lon: -105}, domain.KindCurrent, 0)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestGet_InvalidFieldIsParseError(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	p.fn = func(_ context.Context, loc domain.Location) (domain.ObservationField, error) {
		f := testField(loc, testStart, 1, "a")
		f.Grid.Cells = f.Grid.Cells[:2]
		return f, nil
	}
	c := newTestCache(t, DefaultConfig(), clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
	require.ErrorIs(t, err, domain.ErrParse)
}

func TestInvalidate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	c := newTestCache(t, DefaultConfig(), clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	c.Invalidate(testLoc, domain.KindCurrent)
	_, err = c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())

	_, err = c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load(), "refetch clears the invalidation")
}

func TestInvalidate_KeepsFallback(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	c := newTestCache(t, DefaultConfig(), clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	c.Invalidate(testLoc, domain.KindCurrent)
	p.fn = func(context.Context, domain.Location) (domain.ObservationField, error) {
		return domain.ObservationField{}, errors.New("down")
	}

	res, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Stale)
}

func TestEviction_LRU(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	cfg := DefaultConfig()
	cfg.Capacity = 2
	c := newTestCache(t, cfg, clock, p)

	locs := []domain.Location{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}, {Lat: 3, Lon: 3}}
	for _, loc := range locs[:2] {
		_, err := c.Get(context.Background(), loc, domain.KindCurrent, time.Hour)
		require.NoError(t, err)
	}
	// Touch the first so the second becomes least recently used.
	_, err := c.Get(context.Background(), locs[0], domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), locs[2], domain.KindCurrent, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek(locs[1], domain.KindCurrent)
	assert.False(t, ok)
	_, ok = c.Peek(locs[0], domain.KindCurrent)
	assert.True(t, ok)
}

func TestEviction_PrefersExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	cfg := DefaultConfig()
	cfg.Capacity = 2
	c := newTestCache(t, cfg, clock, p)

	expiring := domain.Location{Lat: 1, Lon: 1}
	fresh := domain.Location{Lat: 2, Lon: 2}
	_, err := c.Get(context.Background(), expiring, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = c.Get(context.Background(), fresh, domain.KindCurrent, time.Hour)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	// A hit makes expiring the most recently used; fresh is the LRU tail.
	_, err = c.Get(context.Background(), expiring, domain.KindCurrent, time.Hour)
	require.NoError(t, err)

	clock.Advance(3*time.Minute + 30*time.Second)
	_, err = c.Get(context.Background(), domain.Location{Lat: 3, Lon: 3}, domain.KindCurrent, time.Hour)
	require.NoError(t, err)

	_, ok := c.Peek(expiring, domain.KindCurrent)
	assert.False(t, ok, "expired entry goes before the LRU tail")
	_, ok = c.Peek(fresh, domain.KindCurrent)
	assert.True(t, ok)
}

func TestEviction_TTL(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	cfg := DefaultConfig()
	cfg.StaleRetention = 10 * time.Minute
	c := newTestCache(t, cfg, clock, p)

	_, err := c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	res, ok := c.Peek(testLoc, domain.KindCurrent)
	require.True(t, ok)
	assert.True(t, res.Stale)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Zero(t, c.Len())

	p.fn = func(context.Context, domain.Location) (domain.ObservationField, error) {
		return domain.ObservationField{}, errors.New("down")
	}
	_, err = c.Get(context.Background(), testLoc, domain.KindCurrent, time.Hour)
	require.ErrorIs(t, err, domain.ErrUnavailable, "evicted values are not served as stale")
}

func TestHistory(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	p := newProvider("a", clock)
	cfg := DefaultConfig()
	cfg.HistoryDepth = 2
	c := newTestCache(t, cfg, clock, p)

	var res Result
	var err error
	for range 3 {
		res, err = c.Get(context.Background(), testLoc, domain.KindCurrent, 0)
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
	}
	require.Len(t, res.History, 2)
	assert.Equal(t, testStart.Add(10*time.Minute), res.History[0].Timestamp)
	assert.Equal(t, testStart.Add(20*time.Minute), res.History[1].Timestamp)
}

func TestAppendHistory(t *testing.T) {
	a := testField(testLoc, testStart, 1, "a")
	b := testField(testLoc, testStart.Add(10*time.Minute), 2, "a")
	sameTime := testField(testLoc, b.Timestamp, 3, "a")
	shifted := testField(domain.Location{Lat: 10, Lon: 10}, testStart.Add(20*time.Minute), 4, "a")

	h := appendHistory(nil, a, 3)
	h = appendHistory(h, b, 3)
	require.Len(t, h, 2)

	h = appendHistory(h, sameTime, 3)
	require.Len(t, h, 2)
	assert.Equal(t, 3.0, h[1].Grid.Cells[0], "same timestamp replaces")

	h = appendHistory(h, shifted, 3)
	require.Len(t, h, 1, "misaligned window restarts history")
}

func TestNew_Validation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, err := New(DefaultConfig(), nil, clock, testLogger(), observability.NewMetricsForTesting())
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.TTL = 0
	_, err = New(cfg, []domain.Provider{newProvider("a", clock)}, clock, testLogger(), observability.NewMetricsForTesting())
	require.Error(t, err)
}

func TestResult_Warning(t *testing.T) {
	assert.NoError(t, Result{}.Warning())
	assert.ErrorIs(t, Result{Stale: true}.Warning(), domain.ErrStaleDataServed)
	w := Result{Stale: true, FetchErr: domain.ErrRateLimited}.Warning()
	assert.ErrorIs(t, w, domain.ErrStaleDataServed)
	assert.ErrorIs(t, w, domain.ErrRateLimited)
}
