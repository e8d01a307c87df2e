package cache

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// providerSlot pairs a provider with its token bucket. The bucket refills at
// RequestsPerMinute and is charged RequestsPerFetch tokens per fetch, so a
// provider that fans out one request per cell drains accordingly.
type providerSlot struct {
	provider domain.Provider
	limiter  *rate.Limiter
	cost     int
	timeout  time.Duration
	clock    clockwork.Clock
}

func newProviderSlot(p domain.Provider, clock clockwork.Clock) *providerSlot {
	limits := p.Limits()
	rpm := limits.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	cost := limits.RequestsPerFetch
	if cost <= 0 {
		cost = 1
	}
	burst := max(rpm, cost)
	return &providerSlot{
		provider: p,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst),
		cost:     cost,
		timeout:  limits.Timeout,
		clock:    clock,
	}
}

// allow takes cost tokens if available. The limiter is driven by the
// injected clock so tests can refill it deterministically.
func (s *providerSlot) allow() bool {
	return s.limiter.AllowN(s.clock.Now(), s.cost)
}

func (s *providerSlot) fetch(ctx context.Context, loc domain.Location, kind domain.DataKind) (domain.ObservationField, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	field, err := domain.Fetch(ctx, s.provider, loc, kind)
	if err != nil {
		return domain.ObservationField{}, err
	}
	if err := field.Validate(); err != nil {
		return domain.ObservationField{}, domain.NewParseError(s.provider.Name(), "invalid field", err)
	}
	return field, nil
}
