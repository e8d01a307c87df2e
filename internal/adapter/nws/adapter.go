// Package nws is the government-profile provider adapter over the National
// Weather Service API (api.weather.gov).
//
// A location is resolved once through /points to its forecast office grid.
// A field is then assembled from a rows x cols block of /gridpoints around
// that grid cell, reading quantitativePrecipitation and converting the
// per-period accumulation into mm/h. NWS grid spacing is about 2.5 km, so
// one gridpoint is mapped to one window cell.
package nws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/nowcast-service/internal/adapter/upstream"
	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// Name is the provider name used in PROVIDER_ORDER and provenance.
const Name = "nws"

const fetchConcurrency = 4

// Config configures the adapter.
type Config struct {
	domain.ProviderConfig
	Rows    int
	Cols    int
	CellDeg float64
}

type gridPoint struct {
	Office string
	X, Y   int
}

// Adapter implements domain.Provider and domain.AlertFeed.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *upstream.Client
	clock   clockwork.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	points map[string]gridPoint
}

// New validates cfg and builds an adapter.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger, opts ...upstream.Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("nws: %w", err)
	}
	if cfg.Rows <= 0 || cfg.Cols <= 0 || cfg.CellDeg <= 0 {
		return nil, fmt.Errorf("nws: invalid window %dx%d @ %v", cfg.Rows, cfg.Cols, cfg.CellDeg)
	}
	return &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  upstream.NewClient(Name, cfg.Timeout(), userAgent(cfg.APIKey), logger, opts...),
		clock:   clock,
		logger:  logger,
		points:  make(map[string]gridPoint),
	}, nil
}

// userAgent follows the NWS request to identify the application and a
// contact; the configured API key is used as the contact.
func userAgent(contact string) string {
	if contact == "" {
		return "(nowcast-service)"
	}
	return "(nowcast-service, " + contact + ")"
}

func (a *Adapter) Name() string                    { return Name }
func (a *Adapter) Profile() domain.ProviderProfile { return domain.ProfileGovernment }

// Limits reports one request per gridpoint in the window.
func (a *Adapter) Limits() domain.ProviderLimits {
	return domain.ProviderLimits{
		RequestsPerMinute: a.cfg.RequestsPerMinute,
		Timeout:           a.cfg.Timeout(),
		RequestsPerFetch:  a.cfg.Rows * a.cfg.Cols,
	}
}

// FetchCurrent returns the field for the forecast period covering now,
// stamped with the period start so refetches within one period are the same
// observation.
func (a *Adapter) FetchCurrent(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	now := a.clock.Now().UTC()
	field, period, err := a.fetch(ctx, loc, domain.KindCurrent, now, now.Truncate(time.Minute))
	if err != nil {
		return domain.ObservationField{}, err
	}
	if !period.IsZero() {
		field.Timestamp = period
	}
	return field, nil
}

// FetchForecast returns the field for the period one hour ahead.
func (a *Adapter) FetchForecast(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	target := a.clock.Now().UTC().Add(time.Hour)
	field, _, err := a.fetch(ctx, loc, domain.KindForecast, target, target.Truncate(time.Hour))
	return field, err
}

// fetch assembles the window for target. It also returns the latest start of
// the QPF periods that covered target, or the zero time when none did.
func (a *Adapter) fetch(ctx context.Context, loc domain.Location, kind domain.DataKind, target, stamp time.Time) (domain.ObservationField, time.Time, error) {
	gp, err := a.lookupPoint(ctx, loc)
	if err != nil {
		return domain.ObservationField{}, time.Time{}, err
	}

	rows, cols := a.cfg.Rows, a.cfg.Cols
	grid := domain.FilledGrid(rows, cols, domain.NoData)
	cr, cc := rows/2, cols/2

	var (
		periodMu sync.Mutex
		period   time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			// NWS gridY grows northward; window rows grow southward.
			x, y := gp.X+(c-cc), gp.Y+(cr-r)
			if x < 0 || y < 0 {
				continue
			}
			g.Go(func() error {
				v, start, err := a.gridValue(gctx, gp.Office, x, y, target)
				if err != nil {
					return err
				}
				grid.Set(r, c, v)
				periodMu.Lock()
				if start.After(period) {
					period = start
				}
				periodMu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return domain.ObservationField{}, time.Time{}, domain.ClassifyFetchError(fmt.Errorf("nws: gridpoints %s: %w", gp.Office, err))
	}

	field := domain.ObservationField{
		Timestamp: stamp,
		Location:  loc,
		Kind:      kind,
		Window:    domain.WindowAround(loc, rows, cols, a.cfg.CellDeg),
		Grid:      grid,
		Provenance: domain.Provenance{
			Provider:  Name,
			Profile:   domain.ProfileGovernment,
			FetchedAt: a.clock.Now().UTC(),
		},
		Quality: domain.QualityHigh,
	}
	if err := field.Validate(); err != nil {
		return domain.ObservationField{}, time.Time{}, domain.NewParseError(Name, "assembled field", err)
	}
	return field, period, nil
}

func (a *Adapter) lookupPoint(ctx context.Context, loc domain.Location) (gridPoint, error) {
	key := loc.Key()
	a.mu.Lock()
	gp, ok := a.points[key]
	a.mu.Unlock()
	if ok {
		return gp, nil
	}

	var resp pointsResponse
	u := fmt.Sprintf("%s/points/%.4f,%.4f", a.baseURL, loc.Lat, loc.Lon)
	if err := a.client.GetJSON(ctx, u, &resp); err != nil {
		return gridPoint{}, fmt.Errorf("nws: points %s: %w", key, err)
	}
	p := resp.Properties
	if p.GridID == "" || p.GridX == nil || p.GridY == nil {
		return gridPoint{}, domain.NewParseError(Name, "points response missing grid", nil)
	}
	gp = gridPoint{Office: p.GridID, X: *p.GridX, Y: *p.GridY}

	a.mu.Lock()
	a.points[key] = gp
	a.mu.Unlock()
	a.logger.Debug("resolved nws gridpoint", "location", key, "office", gp.Office, "x", gp.X, "y", gp.Y)
	return gp, nil
}

// gridValue returns the intensity in mm/h and the start of the period
// covering target. Gridpoints outside NWS coverage answer 404 and become
// NoData with no period.
func (a *Adapter) gridValue(ctx context.Context, office string, x, y int, target time.Time) (float64, time.Time, error) {
	var resp gridpointResponse
	u := fmt.Sprintf("%s/gridpoints/%s/%d,%d", a.baseURL, url.PathEscape(office), x, y)
	err := a.client.GetJSON(ctx, u, &resp)
	var se *upstream.StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return domain.NoData, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}

	qp := resp.Properties.QuantitativePrecipitation
	if qp == nil {
		return 0, time.Time{}, domain.NewParseError(Name, fmt.Sprintf("gridpoint %d,%d missing quantitativePrecipitation", x, y), nil)
	}
	if qp.UOM != "" && qp.UOM != "wmoUnit:mm" {
		return 0, time.Time{}, domain.NewParseError(Name, "unexpected unit "+qp.UOM, nil)
	}
	for _, v := range qp.Values {
		start, dur, err := parseValidTime(v.ValidTime)
		if err != nil {
			return 0, time.Time{}, domain.NewParseError(Name, "validTime", err)
		}
		if target.Before(start) || !target.Before(start.Add(dur)) {
			continue
		}
		if v.Value == nil {
			return domain.NoData, start.UTC(), nil
		}
		if *v.Value < 0 {
			return 0, time.Time{}, domain.NewParseError(Name, fmt.Sprintf("negative accumulation %v", *v.Value), nil)
		}
		return *v.Value / dur.Hours(), start.UTC(), nil
	}
	return domain.NoData, time.Time{}, nil
}
