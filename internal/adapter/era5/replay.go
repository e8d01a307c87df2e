package era5

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// Replay serves an archive as a provider: "now" on the injected clock selects
// the archive step. Pair it with a fake clock to replay a storm through the
// live pipeline.
type Replay struct {
	archive *Archive
	clock   clockwork.Clock
	rows    int
	cols    int
}

// NewReplay wraps an opened archive.
func NewReplay(a *Archive, clock clockwork.Clock, rows, cols int) *Replay {
	return &Replay{archive: a, clock: clock, rows: rows, cols: cols}
}

func (r *Replay) Name() string                    { return Name }
func (r *Replay) Profile() domain.ProviderProfile { return domain.ProfileGovernment }

func (r *Replay) Limits() domain.ProviderLimits {
	return domain.ProviderLimits{RequestsPerMinute: 6000, Timeout: time.Second, RequestsPerFetch: 1}
}

func (r *Replay) FetchCurrent(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	return r.at(ctx, loc, r.clock.Now())
}

// FetchForecast returns the archive step one hour ahead; reanalysis is
// hindsight, so this is a perfect forecast.
func (r *Replay) FetchForecast(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	f, err := r.at(ctx, loc, r.clock.Now().Add(time.Hour))
	f.Kind = domain.KindForecast
	return f, err
}

func (r *Replay) at(ctx context.Context, loc domain.Location, t time.Time) (domain.ObservationField, error) {
	if err := ctx.Err(); err != nil {
		return domain.ObservationField{}, domain.ClassifyFetchError(err)
	}
	idx, ok := r.archive.IndexAt(t)
	if !ok {
		return domain.ObservationField{}, fmt.Errorf("era5: no archive step at or before %s: %w", t.Format(time.RFC3339), domain.ErrUnavailable)
	}
	return r.archive.Field(idx, loc, r.rows, r.cols)
}
