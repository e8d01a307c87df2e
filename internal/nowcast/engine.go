// Package nowcast extrapolates recent precipitation fields into a short
// horizon forecast by advection along an estimated motion vector, scaled by
// the short-term intensity trend.
package nowcast

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

// Config tunes the engine.
type Config struct {
	HorizonMinutes int
	StepMinutes    int
	// SearchRadius bounds the motion search window in cells.
	SearchRadius int
	// MinCorrelation is the Pearson coefficient below which motion
	// estimation is considered failed.
	MinCorrelation float64
	// MaxGrowth caps the trend factor.
	MaxGrowth float64
	// DecayMinutes is the e-folding time of confidence with lead.
	DecayMinutes float64
	// MotionFailedPenalty and NoHistoryPenalty scale confidence when the
	// engine falls back to decay-only or persistence projection.
	MotionFailedPenalty float64
	NoHistoryPenalty    float64
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		HorizonMinutes:      90,
		StepMinutes:         10,
		SearchRadius:        4,
		MinCorrelation:      0.5,
		MaxGrowth:           3,
		DecayMinutes:        60,
		MotionFailedPenalty: 0.6,
		NoHistoryPenalty:    0.5,
	}
}

func (c Config) validate() error {
	if c.StepMinutes <= 0 || c.HorizonMinutes < c.StepMinutes {
		return fmt.Errorf("nowcast: step %d and horizon %d minutes are inconsistent", c.StepMinutes, c.HorizonMinutes)
	}
	if c.SearchRadius < 0 || c.DecayMinutes <= 0 || c.MaxGrowth <= 0 {
		return errors.New("nowcast: search radius, decay and growth must be positive")
	}
	return nil
}

// Engine computes NowcastGrids. It is stateless apart from the version
// counter and safe for concurrent use.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	version atomic.Uint64
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, logger: logger, metrics: metrics}, nil
}

// Compute projects history (oldest first) up to horizonMinutes ahead; a
// non-positive horizon uses the configured one. Only the last two fields are
// used. It fails only when history is empty; a single field, a misaligned
// predecessor or a failed motion estimate degrade the result instead.
func (e *Engine) Compute(history []domain.ObservationField, horizonMinutes int) (domain.NowcastGrid, error) {
	start := time.Now()
	defer func() { e.metrics.NowcastDuration.Observe(time.Since(start).Seconds()) }()

	if len(history) == 0 {
		return domain.NowcastGrid{}, domain.ErrNoCurrentField
	}
	if horizonMinutes <= 0 || horizonMinutes > e.cfg.HorizonMinutes {
		horizonMinutes = e.cfg.HorizonMinutes
	}

	latest := history[len(history)-1]
	interval := time.Duration(e.cfg.StepMinutes) * time.Minute
	var degraded []string

	var prev *domain.ObservationField
	if len(history) >= 2 {
		p := history[len(history)-2]
		switch {
		case !p.Window.Aligned(latest.Window):
			degraded = append(degraded, domain.DegradedWindowMismatch)
		case !p.Timestamp.Before(latest.Timestamp):
			// Out of order or duplicate; treat as no history.
		default:
			prev = &p
			interval = latest.Timestamp.Sub(p.Timestamp)
		}
	}

	ceiling := latest.Quality.ConfidenceCeiling()
	if latest.Quality == domain.QualityLow {
		degraded = append(degraded, domain.DegradedLowQuality)
	}

	var motion domain.MotionVector
	penalty := 1.0
	prevTotal := latest.Grid.Total()
	if prev == nil {
		degraded = append(degraded, domain.DegradedInsufficientHistory)
		penalty = e.cfg.NoHistoryPenalty
	} else {
		prevTotal = prev.Grid.Total()
		motion = estimateMotion(prev.Grid, latest.Grid, e.cfg.SearchRadius, e.cfg.MinCorrelation)
		if motion.Estimated {
			penalty = 0.5 + 0.5*motion.Correlation
		} else {
			degraded = append(degraded, domain.DegradedMotionFailed)
			penalty = e.cfg.MotionFailedPenalty
			e.metrics.NowcastMotionFailures.Inc()
			e.logger.Debug("motion estimation failed, projecting decay only",
				"location", latest.Location.Key(), "correlation", motion.Correlation)
		}
	}

	latestTotal := latest.Grid.Total()
	steps := make([]domain.NowcastStep, 0, horizonMinutes/e.cfg.StepMinutes+1)
	running := math.Inf(1)
	for lead := 0; lead <= horizonMinutes; lead += e.cfg.StepMinutes {
		k := float64(lead) * float64(time.Minute) / float64(interval)
		grid := latest.Grid.Clone()
		if lead > 0 {
			factor := 1.0
			if prev != nil {
				factor = trendFactor(prevTotal, latestTotal, k, e.cfg.MaxGrowth)
			}
			grid = advect(latest.Grid, motion.DX*k, motion.DY*k, factor)
		}

		conf := ceiling * penalty * math.Exp(-float64(lead)/e.cfg.DecayMinutes)
		// Keep confidence non-increasing even under floating point noise.
		running = math.Min(running, conf)
		steps = append(steps, domain.NowcastStep{
			LeadMinutes: lead,
			ValidAt:     latest.Timestamp.Add(time.Duration(lead) * time.Minute),
			Grid:        grid,
			Confidence:  clamp01(running),
		})
	}

	out := domain.NowcastGrid{
		Version:  e.version.Add(1),
		Location: latest.Location,
		BaseTime: latest.Timestamp,
		Interval: interval,
		Window:   latest.Window,
		Motion:   motion,
		Steps:    steps,
		Degraded: degraded,
		Provider: latest.Provenance.Provider,
	}
	out.PrecipStartMinutes, out.PrecipEndMinutes = precipWindow(latest, steps)
	return out, nil
}

// precipWindow scans the centre cell for the first wet lead and the first
// dry lead after it.
func precipWindow(f domain.ObservationField, steps []domain.NowcastStep) (start, end *int) {
	r, c, ok := f.Window.CellOf(f.Location.Lat, f.Location.Lon)
	if !ok {
		return nil, nil
	}
	for _, s := range steps {
		wet := s.Grid.At(r, c) >= domain.WetThresholdMMH
		switch {
		case wet && start == nil:
			lead := s.LeadMinutes
			start = &lead
		case !wet && start != nil && s.Grid.Valid(r, c):
			lead := s.LeadMinutes
			return start, &lead
		}
	}
	return start, nil
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
