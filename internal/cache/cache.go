// Package cache fronts the provider adapters with a staleness-aware cache.
//
// Entries are keyed by (location, data kind). A Get older than the caller's
// maxAge triggers exactly one fetch per key no matter how many callers are
// waiting; the fetch walks the configured provider chain, charging each
// provider's token bucket before calling it. When every provider fails, is
// out of budget, or the fetch outlives its timeout, the last good value is
// served with Stale set instead of an error.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

// MaxAgeForever accepts any cached entry regardless of age.
const MaxAgeForever = time.Duration(math.MaxInt64)

// Config bounds the cache.
type Config struct {
	// Capacity is the soft LRU bound.
	Capacity int
	// TTL is the freshness window: expiresAt = fetchedAt + TTL.
	TTL time.Duration
	// StaleRetention is how long past expiresAt a value stays available as a
	// stale fallback before TTL eviction removes it.
	StaleRetention time.Duration
	// FetchTimeout bounds one fetch across the whole provider chain.
	FetchTimeout time.Duration
	// StaleFallback serves the last good value when a fetch fails.
	StaleFallback bool
	// HistoryDepth is how many fields per key are kept for motion estimation.
	HistoryDepth int
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:       256,
		TTL:            5 * time.Minute,
		StaleRetention: time.Hour,
		FetchTimeout:   3 * time.Second,
		StaleFallback:  true,
		HistoryDepth:   3,
	}
}

// Key identifies a cache entry.
type Key struct {
	Location string
	Kind     domain.DataKind
}

// KeyFor builds the key for loc and kind.
func KeyFor(loc domain.Location, kind domain.DataKind) Key {
	return Key{Location: loc.Key(), Kind: kind}
}

func (k Key) String() string { return k.Location + "|" + string(k.Kind) }

// Result is what Get returns. Field is never a fabricated value: it is
// either freshly fetched or the last good value with Stale set.
type Result struct {
	Field domain.ObservationField
	// History holds the retained fields oldest first; the last is Field.
	History   []domain.ObservationField
	FetchedAt time.Time
	ExpiresAt time.Time
	Stale     bool
	// FetchErr is the failure that caused a stale value to be served.
	FetchErr error
}

// Warning returns domain.ErrStaleDataServed, wrapping FetchErr when present,
// for stale results and nil otherwise.
func (r Result) Warning() error {
	if !r.Stale {
		return nil
	}
	if r.FetchErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrStaleDataServed, r.FetchErr)
	}
	return domain.ErrStaleDataServed
}

type entry struct {
	key         Key
	loc         domain.Location
	history     []domain.ObservationField
	fetchedAt   time.Time
	expiresAt   time.Time
	invalidated bool
	prev, next  *entry
}

func (e *entry) latest() domain.ObservationField { return e.history[len(e.history)-1] }

// Cache is the Cache & Rate Limiter component.
type Cache struct {
	cfg       Config
	providers []*providerSlot
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics

	group singleflight.Group

	mu       sync.Mutex
	entries  map[Key]*entry
	lru      lruList
	inflight map[Key]int
}

// New builds a cache over providers, tried in the given order.
func New(cfg Config, providers []domain.Provider, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) (*Cache, error) {
	if len(providers) == 0 {
		return nil, errors.New("cache: at least one provider is required")
	}
	if cfg.Capacity <= 0 || cfg.TTL <= 0 || cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("cache: capacity, ttl and fetch timeout must be positive")
	}
	if cfg.HistoryDepth < 1 {
		cfg.HistoryDepth = 1
	}
	slots := make([]*providerSlot, 0, len(providers))
	for _, p := range providers {
		slots = append(slots, newProviderSlot(p, clock))
	}
	return &Cache{
		cfg:       cfg,
		providers: slots,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		entries:   make(map[Key]*entry),
		inflight:  make(map[Key]int),
	}, nil
}

// Get returns the entry for (loc, kind) if it is no older than maxAge,
// otherwise fetches it. maxAge <= 0 always attempts a fetch; MaxAgeForever
// never fetches once an entry exists.
//
// The returned error is non-nil only when no value exists at all; it then
// wraps domain.ErrUnavailable together with the fetch failure.
func (c *Cache) Get(ctx context.Context, loc domain.Location, kind domain.DataKind, maxAge time.Duration) (Result, error) {
	key := KeyFor(loc, kind)
	now := c.clock.Now()

	c.mu.Lock()
	e := c.lookupLocked(key, now)
	if e != nil && !e.invalidated && maxAge > 0 && now.Sub(e.fetchedAt) <= maxAge {
		c.lru.moveToFront(e)
		res := c.resultLocked(e, now, nil)
		c.mu.Unlock()
		c.metrics.CacheLookups.WithLabelValues(string(kind), "hit").Inc()
		return res, nil
	}
	c.mu.Unlock()
	c.metrics.CacheLookups.WithLabelValues(string(kind), "miss").Inc()

	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.fetch(ctx, key, loc)
	})

	var fetchErr error
	select {
	case r := <-ch:
		if r.Err == nil {
			return r.Val.(Result), nil
		}
		fetchErr = r.Err
	case <-ctx.Done():
		fetchErr = domain.ClassifyFetchError(fmt.Errorf("waiting for %s: %w", key, ctx.Err()))
		c.logger.Warn("abandoned fetch wait", "location", key.Location, "kind", kind, "error", ctx.Err())
	}
	return c.fallback(key, fetchErr)
}

// fallback serves the last good value for key after a failed fetch.
func (c *Cache) fallback(key Key, fetchErr error) (Result, error) {
	now := c.clock.Now()
	c.mu.Lock()
	e := c.lookupLocked(key, now)
	if e != nil && c.cfg.StaleFallback {
		res := c.resultLocked(e, now, fetchErr)
		res.markStale()
		c.mu.Unlock()
		c.metrics.CacheLookups.WithLabelValues(string(key.Kind), "stale").Inc()
		c.logger.Warn("serving stale data",
			"location", key.Location, "kind", key.Kind,
			"age", now.Sub(res.FetchedAt).String(), "error", fetchErr)
		return res, nil
	}
	c.mu.Unlock()
	c.metrics.CacheLookups.WithLabelValues(string(key.Kind), "unavailable").Inc()
	return Result{}, fmt.Errorf("%s: %w: %w", key, domain.ErrUnavailable, fetchErr)
}

// fetch runs once per key at a time. It is detached from the first caller's
// cancellation so an abandoned wait does not waste the request for others.
func (c *Cache) fetch(parent context.Context, key Key, loc domain.Location) (Result, error) {
	c.mu.Lock()
	c.inflight[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight[key]--
		if c.inflight[key] == 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.FetchTimeout)
	defer cancel()

	field, err := c.fetchChain(ctx, loc, key.Kind)
	if err != nil {
		return Result{}, err
	}
	return c.store(key, loc, field), nil
}

// fetchChain tries each provider in order, skipping those whose bucket is
// empty. The joined error lets callers match any sentinel in the chain.
func (c *Cache) fetchChain(ctx context.Context, loc domain.Location, kind domain.DataKind) (domain.ObservationField, error) {
	var errs []error
	for _, slot := range c.providers {
		name := slot.provider.Name()
		if !slot.allow() {
			c.metrics.RateLimited.WithLabelValues(name).Inc()
			c.logger.Info("provider rate limited", "provider", name, "location", loc.Key(), "kind", kind)
			errs = append(errs, fmt.Errorf("%s: %w", name, domain.ErrRateLimited))
			continue
		}

		start := time.Now()
		field, err := slot.fetch(ctx, loc, kind)
		c.metrics.ProviderFetchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err == nil {
			c.metrics.ProviderFetches.WithLabelValues(name, "success").Inc()
			return field, nil
		}

		err = domain.ClassifyFetchError(err)
		c.metrics.ProviderFetches.WithLabelValues(name, outcome(err)).Inc()
		c.logger.Warn("provider fetch failed", "provider", name, "location", loc.Key(), "kind", kind, "error", err)
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return domain.ObservationField{}, errors.Join(errs...)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrParse):
		return "parse_error"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

// store records a fetched field and returns the fresh result.
func (c *Cache) store(key Key, loc domain.Location, field domain.ObservationField) Result {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, loc: loc}
		c.entries[key] = e
		c.lru.addToFront(e)
	} else {
		c.lru.moveToFront(e)
	}
	e.history = appendHistory(e.history, field, c.cfg.HistoryDepth)
	e.fetchedAt = now
	e.expiresAt = now.Add(c.cfg.TTL)
	e.invalidated = false

	c.evictLocked(now)
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
	return c.resultLocked(e, now, nil)
}

// appendHistory keeps fields ordered by timestamp and aligned to one window.
// A field with the same timestamp as the newest replaces it; a field on a
// different window restarts the history.
func appendHistory(h []domain.ObservationField, f domain.ObservationField, depth int) []domain.ObservationField {
	if n := len(h); n > 0 {
		last := h[n-1]
		switch {
		case !last.Window.Aligned(f.Window):
			h = nil
		case !f.Timestamp.After(last.Timestamp):
			h = append(h[:0:0], h[:n-1]...)
		}
	}
	h = append(h, f)
	if len(h) > depth {
		h = append(h[:0:0], h[len(h)-depth:]...)
	}
	return h
}

// lookupLocked returns the entry for key, removing it first if it is past
// its stale retention.
func (c *Cache) lookupLocked(key Key, now time.Time) *entry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if now.After(e.expiresAt.Add(c.cfg.StaleRetention)) {
		c.removeLocked(e, "ttl")
		return nil
	}
	return e
}

func (c *Cache) evictLocked(now time.Time) {
	for len(c.entries) > c.cfg.Capacity {
		v := c.lru.victim(func(e *entry) bool { return now.After(e.expiresAt) })
		if v == nil {
			return
		}
		c.removeLocked(v, "lru")
	}
}

func (c *Cache) removeLocked(e *entry, reason string) {
	c.lru.remove(e)
	delete(c.entries, e.key)
	c.metrics.CacheEvictions.WithLabelValues(reason).Inc()
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
}

func (c *Cache) resultLocked(e *entry, now time.Time, fetchErr error) Result {
	history := make([]domain.ObservationField, len(e.history))
	copy(history, e.history)
	res := Result{
		Field:     e.latest(),
		History:   history,
		FetchedAt: e.fetchedAt,
		ExpiresAt: e.expiresAt,
		FetchErr:  fetchErr,
	}
	if now.After(e.expiresAt) {
		res.markStale()
	}
	return res
}

// markStale flags res as stale and caps the quality of its newest field,
// both the returned one and the copy at the end of History.
func (r *Result) markStale() {
	r.Stale = true
	r.Field.Quality = r.Field.Quality.Worse(domain.QualityLow)
	if n := len(r.History); n > 0 {
		r.History[n-1].Quality = r.History[n-1].Quality.Worse(domain.QualityLow)
	}
}

// Invalidate forces the next Get for (loc, kind) to fetch. The value is kept
// as a stale fallback in case that fetch fails.
func (c *Cache) Invalidate(loc domain.Location, kind domain.DataKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[KeyFor(loc, kind)]; ok {
		e.invalidated = true
	}
}

// Peek returns the cached value without fetching or touching recency.
func (c *Cache) Peek(loc domain.Location, kind domain.DataKind) (Result, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lookupLocked(KeyFor(loc, kind), now)
	if e == nil {
		return Result{}, false
	}
	return c.resultLocked(e, now, nil), true
}

// Sweep applies TTL eviction to every entry past its stale retention.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if now.After(e.expiresAt.Add(c.cfg.StaleRetention)) {
			c.removeLocked(e, "ttl")
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// InFlight returns how many fetches are running for (loc, kind).
func (c *Cache) InFlight(loc domain.Location, kind domain.DataKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[KeyFor(loc, kind)]
}
