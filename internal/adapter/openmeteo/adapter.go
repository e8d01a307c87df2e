// Package openmeteo is the aggregator-profile provider adapter over the
// Open-Meteo forecast API. One request covers the whole window: the cell
// centres are sent as comma-separated coordinate lists.
package openmeteo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nowcast-service/internal/adapter/upstream"
	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// Name is the provider name used in PROVIDER_ORDER and provenance.
const Name = "openmeteo"

// timeLayout is Open-Meteo's default iso8601 format in GMT.
const timeLayout = "2006-01-02T15:04"

const slot = 15 * time.Minute

// Config configures the adapter.
type Config struct {
	domain.ProviderConfig
	Rows    int
	Cols    int
	CellDeg float64
}

// Adapter implements domain.Provider.
type Adapter struct {
	cfg      Config
	endpoint string
	client   *upstream.Client
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New validates cfg and builds an adapter.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger, opts ...upstream.Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("openmeteo: %w", err)
	}
	if cfg.Rows <= 0 || cfg.Cols <= 0 || cfg.CellDeg <= 0 {
		return nil, fmt.Errorf("openmeteo: invalid window %dx%d @ %v", cfg.Rows, cfg.Cols, cfg.CellDeg)
	}
	return &Adapter{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/v1/forecast",
		client:   upstream.NewClient(Name, cfg.Timeout(), "nowcast-service", logger, opts...),
		clock:    clock,
		logger:   logger,
	}, nil
}

func (a *Adapter) Name() string                    { return Name }
func (a *Adapter) Profile() domain.ProviderProfile { return domain.ProfileAggregator }

// Limits reports a single request per fetch regardless of window size.
func (a *Adapter) Limits() domain.ProviderLimits {
	return domain.ProviderLimits{
		RequestsPerMinute: a.cfg.RequestsPerMinute,
		Timeout:           a.cfg.Timeout(),
		RequestsPerFetch:  1,
	}
}

// FetchCurrent reads the "current" block: precipitation accumulated over the
// preceding interval, scaled to mm/h.
func (a *Adapter) FetchCurrent(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	window := domain.WindowAround(loc, a.cfg.Rows, a.cfg.Cols, a.cfg.CellDeg)
	points, err := a.query(ctx, window, url.Values{"current": {"precipitation"}})
	if err != nil {
		return domain.ObservationField{}, err
	}

	grid := domain.NewGrid(window.Rows, window.Cols)
	var stamp time.Time
	for i, p := range points {
		if p.Current == nil {
			return domain.ObservationField{}, domain.NewParseError(Name, fmt.Sprintf("point %d missing current block", i), nil)
		}
		ts, err := time.Parse(timeLayout, p.Current.Time)
		if err != nil {
			return domain.ObservationField{}, domain.NewParseError(Name, "current time", err)
		}
		if i == 0 {
			stamp = ts
		}
		if p.Current.Interval <= 0 {
			return domain.ObservationField{}, domain.NewParseError(Name, "current interval is not positive", nil)
		}
		grid.Cells[i] = perHour(p.Current.Precipitation, time.Duration(p.Current.Interval)*time.Second)
	}
	return a.field(loc, domain.KindCurrent, window, grid, stamp)
}

// FetchForecast reads the minutely_15 series and returns the 15-minute slot
// covering one hour ahead.
func (a *Adapter) FetchForecast(ctx context.Context, loc domain.Location) (domain.ObservationField, error) {
	window := domain.WindowAround(loc, a.cfg.Rows, a.cfg.Cols, a.cfg.CellDeg)
	points, err := a.query(ctx, window, url.Values{
		"minutely_15":          {"precipitation"},
		"forecast_minutely_15": {"8"},
	})
	if err != nil {
		return domain.ObservationField{}, err
	}

	target := a.clock.Now().UTC().Add(time.Hour)
	grid := domain.NewGrid(window.Rows, window.Cols)
	var stamp time.Time
	for i, p := range points {
		m := p.Minutely15
		if m == nil || len(m.Time) != len(m.Precipitation) {
			return domain.ObservationField{}, domain.NewParseError(Name, fmt.Sprintf("point %d has malformed minutely_15", i), nil)
		}
		idx := -1
		for j, s := range m.Time {
			ts, err := time.Parse(timeLayout, s)
			if err != nil {
				return domain.ObservationField{}, domain.NewParseError(Name, "minutely_15 time", err)
			}
			if !target.Before(ts) && target.Before(ts.Add(slot)) {
				idx = j
				stamp = ts
				break
			}
		}
		if idx < 0 {
			return domain.ObservationField{}, domain.NewParseError(Name, "minutely_15 does not cover "+target.Format(timeLayout), nil)
		}
		grid.Cells[i] = perHour(m.Precipitation[idx], slot)
	}
	return a.field(loc, domain.KindForecast, window, grid, stamp)
}

func (a *Adapter) field(loc domain.Location, kind domain.DataKind, w domain.Window, g domain.Grid, stamp time.Time) (domain.ObservationField, error) {
	f := domain.ObservationField{
		Timestamp: stamp,
		Location:  loc,
		Kind:      kind,
		Window:    w,
		Grid:      g,
		Provenance: domain.Provenance{
			Provider:  Name,
			Profile:   domain.ProfileAggregator,
			FetchedAt: a.clock.Now().UTC(),
		},
		Quality: domain.QualityDerived,
	}
	if err := f.Validate(); err != nil {
		return domain.ObservationField{}, domain.NewParseError(Name, "assembled field", err)
	}
	return f, nil
}

// query requests every cell centre of w in row-major order.
func (a *Adapter) query(ctx context.Context, w domain.Window, params url.Values) ([]Point, error) {
	lats := make([]string, 0, w.Rows*w.Cols)
	lons := make([]string, 0, w.Rows*w.Cols)
	for r := 0; r < w.Rows; r++ {
		for c := 0; c < w.Cols; c++ {
			lat, lon := w.CellCenter(r, c)
			lats = append(lats, strconv.FormatFloat(lat, 'f', 4, 64))
			lons = append(lons, strconv.FormatFloat(lon, 'f', 4, 64))
		}
	}
	params.Set("latitude", strings.Join(lats, ","))
	params.Set("longitude", strings.Join(lons, ","))
	params.Set("timezone", "GMT")
	if a.cfg.APIKey != "" {
		params.Set("apikey", a.cfg.APIKey)
	}

	body, err := a.client.Get(ctx, a.endpoint+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("openmeteo: forecast: %w", err)
	}
	points, err := decodePoints(body)
	if err != nil {
		return nil, domain.NewParseError(Name, "decode response", err)
	}
	if len(points) != w.Rows*w.Cols {
		return nil, domain.NewParseError(Name, fmt.Sprintf("got %d points, want %d", len(points), w.Rows*w.Cols), nil)
	}
	return points, nil
}

// decodePoints accepts the array returned for several coordinates and the
// bare object returned for one.
func decodePoints(body []byte) ([]Point, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var points []Point
		if err := json.Unmarshal(trimmed, &points); err != nil {
			return nil, err
		}
		return points, nil
	}
	var p Point
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, err
	}
	return []Point{p}, nil
}

func perHour(v *float64, over time.Duration) float64 {
	if v == nil {
		return domain.NoData
	}
	return *v * float64(time.Hour) / float64(over)
}

// Open-Meteo response types, exported for the mock provider.

type Point struct {
	Latitude   float64       `json:"latitude"`
	Longitude  float64       `json:"longitude"`
	Current    *CurrentBlock `json:"current"`
	Minutely15 *SeriesBlock  `json:"minutely_15"`
}

type CurrentBlock struct {
	Time          string   `json:"time"`
	Interval      int      `json:"interval"`
	Precipitation *float64 `json:"precipitation"`
}

type SeriesBlock struct {
	Time          []string   `json:"time"`
	Precipitation []*float64 `json:"precipitation"`
}
