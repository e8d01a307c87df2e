// Command verify replays an ERA5 precipitation archive through the cache and
// nowcast engine and scores the nowcasts against the archive's later steps.
//
// Usage:
//
//	go run ./cmd/verify \
//	  -archive data/era5_tp_2024-04-26.nc \
//	  -lat 41.25 -lon -95.93 \
//	  -step 60 -horizon 180
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nowcast-service/internal/adapter/era5"
	"github.com/couchcryptid/nowcast-service/internal/cache"
	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/nowcast"
	"github.com/couchcryptid/nowcast-service/internal/observability"
	"github.com/couchcryptid/nowcast-service/internal/verify"
)

type options struct {
	archive   string
	lat, lon  float64
	rows      int
	cols      int
	step      int
	horizon   int
	threshold float64
	strict    bool
	logLevel  string
}

func main() {
	var o options
	flag.StringVar(&o.archive, "archive", "", "path to an ERA5 total precipitation NetCDF file")
	flag.Float64Var(&o.lat, "lat", 0, "latitude of the verification point")
	flag.Float64Var(&o.lon, "lon", 0, "longitude of the verification point")
	flag.IntVar(&o.rows, "rows", 9, "window rows")
	flag.IntVar(&o.cols, "cols", 9, "window columns")
	flag.IntVar(&o.step, "step", 60, "nowcast step in minutes; match the archive cadence")
	flag.IntVar(&o.horizon, "horizon", 180, "nowcast horizon in minutes")
	flag.Float64Var(&o.threshold, "threshold", domain.WetThresholdMMH, "event threshold in mm/h")
	flag.BoolVar(&o.strict, "strict", false, "exit non-zero when targets are not met")
	flag.StringVar(&o.logLevel, "log-level", "warn", "log level")
	flag.Parse()

	if o.archive == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := observability.NewLogger(o.logLevel, "text")
	report, err := run(context.Background(), o, logger)
	if err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Error("encode report", "error", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "hit rate %.2f (target > %.2f), median lead %.0f min (target > %.0f)\n",
		report.HitRate, verify.TargetHitRate, report.MedianLeadMinutes, verify.TargetMedianLeadMinutes)
	if o.strict && !report.MeetsTargets() {
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *slog.Logger) (verify.Report, error) {
	loc, err := domain.NewLocation(o.lat, o.lon, "verify")
	if err != nil {
		return verify.Report{}, err
	}
	archive, err := era5.Open(o.archive)
	if err != nil {
		return verify.Report{}, err
	}
	defer archive.Close()

	times := archive.Times()
	if len(times) < 2 {
		return verify.Report{}, fmt.Errorf("archive has %d time steps, need at least 2", len(times))
	}

	clock := clockwork.NewFakeClockAt(times[0])
	metrics := observability.NewMetrics()
	cfg := cache.DefaultConfig()
	cfg.StaleFallback = false
	c, err := cache.New(cfg, []domain.Provider{era5.NewReplay(archive, clock, o.rows, o.cols)}, clock, logger, metrics)
	if err != nil {
		return verify.Report{}, err
	}

	engineCfg := nowcast.DefaultConfig()
	engineCfg.StepMinutes = o.step
	engineCfg.HorizonMinutes = o.horizon
	engine, err := nowcast.NewEngine(engineCfg, logger, metrics)
	if err != nil {
		return verify.Report{}, err
	}

	var (
		nowcasts []domain.NowcastGrid
		observed []verify.Observation
	)
	for _, t := range times {
		clock.Advance(t.Sub(clock.Now()))
		res, err := c.Get(ctx, loc, domain.KindCurrent, 0)
		if err != nil {
			logger.Warn("archive step skipped", "time", t, "error", err)
			continue
		}
		observed = append(observed, verify.Observation{Time: res.Field.Timestamp, Grid: res.Field.Grid})

		grid, err := engine.Compute(res.History, o.horizon)
		if err != nil {
			logger.Warn("nowcast failed", "time", t, "error", err)
			continue
		}
		nowcasts = append(nowcasts, grid)
		logger.Debug("nowcast computed", "time", t, "version", grid.Version, "motion", grid.Motion, "degraded", grid.Degraded)
	}

	start := time.Now()
	report := verify.Score(nowcasts, observed, o.threshold)
	logger.Info("scored", "nowcasts", len(nowcasts), "observations", len(observed), "elapsed", time.Since(start))
	return report, nil
}
