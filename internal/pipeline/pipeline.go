// Package pipeline is the orchestrator: it schedules refresh cycles that pull
// observations through the cache, compute nowcasts and evaluate alerts, and
// it answers on-demand queries from the HTTP boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/nowcast-service/internal/cache"
	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

// ObservationSource is the cache as seen by the orchestrator.
type ObservationSource interface {
	Get(ctx context.Context, loc domain.Location, kind domain.DataKind, maxAge time.Duration) (cache.Result, error)
	Sweep() int
}

// NowcastComputer turns observation history into a NowcastGrid.
type NowcastComputer interface {
	Compute(history []domain.ObservationField, horizonMinutes int) (domain.NowcastGrid, error)
}

// AlertEvaluator advances alert state for a geofence.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, g domain.Geofence, grid domain.NowcastGrid) ([]domain.AlertEvent, error)
	AnyArmed() bool
	Snapshot() []domain.AlertState
}

// EventDispatcher delivers events into the notification boundary.
type EventDispatcher interface {
	Dispatch(ctx context.Context, events []domain.AlertEvent) int
}

// GeofenceSource lists the geofences to evaluate.
type GeofenceSource interface {
	ListGeofences(ctx context.Context) ([]domain.Geofence, error)
}

// Config tunes scheduling.
type Config struct {
	Interval       time.Duration
	ArmedInterval  time.Duration
	LatencyBudget  time.Duration
	Workers        int
	HorizonMinutes int
	// MaxAge is the freshness accepted from the cache during a cycle.
	MaxAge time.Duration
	// Locations are tracked even when no geofence covers them.
	Locations []domain.Location
}

// CycleReport summarises one refresh cycle for subscribers.
type CycleReport struct {
	ID        string              `json:"id"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration"`
	Locations int                 `json:"locations"`
	Failures  int                 `json:"failures"`
	Stale     int                 `json:"stale"`
	Events    []domain.AlertEvent `json:"events,omitempty"`
	Delivered int                 `json:"delivered"`
}

// Orchestrator wires cache, engine and evaluator into periodic cycles.
type Orchestrator struct {
	cfg        Config
	source     ObservationSource
	engine     NowcastComputer
	evaluator  AlertEvaluator
	dispatcher EventDispatcher
	geofences  GeofenceSource
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	ready      atomic.Bool

	// cycleMu serialises cycles so the evaluator has a single writer.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	latest      map[string]recorded
	lastFences  []domain.Geofence
	subscribers map[string]chan CycleReport
}

// New creates an Orchestrator.
func New(cfg Config, source ObservationSource, engine NowcastComputer, evaluator AlertEvaluator,
	dispatcher EventDispatcher, geofences GeofenceSource, clock clockwork.Clock,
	logger *slog.Logger, metrics *observability.Metrics,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ArmedInterval <= 0 || cfg.ArmedInterval > cfg.Interval {
		cfg.ArmedInterval = cfg.Interval
	}
	return &Orchestrator{
		cfg:         cfg,
		source:      source,
		engine:      engine,
		evaluator:   evaluator,
		dispatcher:  dispatcher,
		geofences:   geofences,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		latest:      make(map[string]recorded),
		subscribers: make(map[string]chan CycleReport),
	}
}

// CheckReadiness returns nil once a cycle has completed.
func (o *Orchestrator) CheckReadiness(_ context.Context) error {
	if !o.ready.Load() {
		return errors.New("no refresh cycle has completed yet")
	}
	return nil
}

// Run executes refresh cycles until the context is cancelled. The wait
// between cycles shortens to ArmedInterval while any alert is armed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started",
		"interval", o.cfg.Interval.String(), "armed_interval", o.cfg.ArmedInterval.String(), "workers", o.cfg.Workers)
	o.metrics.OrchestratorRunning.Set(1)
	defer o.metrics.OrchestratorRunning.Set(0)

	for {
		if ctx.Err() != nil {
			o.logger.Info("orchestrator stopping", "reason", ctx.Err())
			return nil
		}
		o.RunCycle(ctx)

		wait := o.cfg.Interval
		if o.evaluator.AnyArmed() {
			wait = o.cfg.ArmedInterval
		}
		if !sleepWithClock(ctx, o.clock, wait) {
			o.logger.Info("orchestrator stopping", "reason", ctx.Err())
			return nil
		}
	}
}

type target struct {
	loc       domain.Location
	geofences []domain.Geofence
}

type outcome struct {
	target target
	grid   domain.NowcastGrid
	err    error
}

// RunCycle refreshes every tracked location concurrently, each under its own
// latency budget, then evaluates alerts once all inputs are resolved.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleReport {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := o.clock.Now()
	wallStart := time.Now()
	report := CycleReport{ID: uuid.NewString(), StartedAt: start}
	logger := o.logger.With("cycle_id", report.ID)

	targets := o.targets(ctx, logger)
	report.Locations = len(targets)
	outcomes := make([]outcome, len(targets))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, t := range targets {
		g.Go(func() error {
			grid, err := o.refresh(ctx, t.loc)
			outcomes[i] = outcome{target: t, grid: grid, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.err != nil {
			report.Failures++
			o.metrics.CycleLocationFailures.Inc()
			logger.Error("location unavailable", "location", out.target.loc.Key(), "error", out.err)
			continue
		}
		if out.grid.Stale {
			report.Stale++
		}
		for _, gf := range out.target.geofences {
			events, err := o.evaluator.Evaluate(ctx, gf, out.grid)
			if err != nil {
				logger.Warn("alert evaluation incomplete", "geofence_id", gf.ID, "error", err)
			}
			report.Events = append(report.Events, events...)
		}
	}

	report.Delivered = o.dispatcher.Dispatch(ctx, report.Events)
	if n := o.source.Sweep(); n > 0 {
		logger.Debug("evicted expired cache entries", "count", n)
	}
	if n := o.pruneLatest(); n > 0 {
		logger.Debug("dropped expired nowcasts", "count", n)
	}

	report.Duration = time.Since(wallStart)
	o.metrics.CycleDuration.Observe(report.Duration.Seconds())
	o.ready.Store(true)
	logger.Info("cycle complete",
		"locations", report.Locations, "failures", report.Failures, "stale", report.Stale,
		"events", len(report.Events), "duration", report.Duration.String())
	o.publish(report)
	return report
}

// refresh fetches, computes and records the nowcast for loc under the
// per-location latency budget.
func (o *Orchestrator) refresh(ctx context.Context, loc domain.Location) (domain.NowcastGrid, error) {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.LatencyBudget)
	defer cancel()

	res, err := o.source.Get(lctx, loc, domain.KindCurrent, o.cfg.MaxAge)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			o.forget(loc)
		}
		return domain.NowcastGrid{}, err
	}
	if w := res.Warning(); w != nil {
		o.logger.Warn("nowcast from stale data", "location", loc.Key(), "error", w)
	}

	grid, err := o.engine.Compute(res.History, o.cfg.HorizonMinutes)
	if err != nil {
		return domain.NowcastGrid{}, fmt.Errorf("compute nowcast %s: %w", loc.Key(), err)
	}
	grid.Stale = res.Stale
	o.store(loc, grid)
	return grid, nil
}

// recorded is a computed grid and the time it was stored.
type recorded struct {
	grid domain.NowcastGrid
	at   time.Time
}

// store keeps grid unless a newer version is already recorded.
func (o *Orchestrator) store(loc domain.Location, grid domain.NowcastGrid) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.latest[loc.Key()]; ok && cur.grid.Version >= grid.Version {
		return
	}
	o.latest[loc.Key()] = recorded{grid: grid, at: o.clock.Now()}
}

// forget drops the grid for loc once its observations are gone.
func (o *Orchestrator) forget(loc domain.Location) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.latest, loc.Key())
}

// fresh reports whether r may still be served without recomputing. A grid
// lives no longer than the cache freshness it was computed under.
func (o *Orchestrator) fresh(r recorded, now time.Time) bool {
	return o.cfg.MaxAge > 0 && now.Sub(r.at) <= o.cfg.MaxAge
}

// pruneLatest drops grids past their freshness, such as on-demand locations
// no cycle refreshes.
func (o *Orchestrator) pruneLatest() int {
	now := o.clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for k, r := range o.latest {
		if !o.fresh(r, now) {
			delete(o.latest, k)
			n++
		}
	}
	return n
}

// targets merges configured locations with geofence anchors. A failed
// geofence listing reuses the previous list.
func (o *Orchestrator) targets(ctx context.Context, logger *slog.Logger) []target {
	fences, err := o.geofences.ListGeofences(ctx)
	o.mu.Lock()
	if err != nil {
		logger.Warn("list geofences failed, using previous set", "error", err)
		fences = o.lastFences
	} else {
		o.lastFences = fences
	}
	o.mu.Unlock()

	byKey := make(map[string]*target)
	var order []string
	add := func(loc domain.Location) *target {
		k := loc.Key()
		t, ok := byKey[k]
		if !ok {
			t = &target{loc: loc}
			byKey[k] = t
			order = append(order, k)
		}
		return t
	}
	for _, loc := range o.cfg.Locations {
		add(loc)
	}
	for _, g := range fences {
		t := add(Anchor(g))
		t.geofences = append(t.geofences, g)
	}

	sort.Strings(order)
	out := make([]target, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// Anchor is the location a geofence is evaluated around: its centre, or the
// vertex mean of its polygon when no centre is set.
func Anchor(g domain.Geofence) domain.Location {
	if (g.Center.Lat != 0 || g.Center.Lon != 0) || len(g.Polygon) == 0 {
		return g.Center
	}
	var lat, lon float64
	for _, p := range g.Polygon {
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(g.Polygon))
	return domain.Location{Lat: lat / n, Lon: lon / n, Label: g.ID}
}

// Nowcast returns the latest grid for loc, refreshing on demand when none is
// recorded or the recorded one is older than MaxAge. With no data at all the
// error wraps domain.ErrUnavailable.
func (o *Orchestrator) Nowcast(ctx context.Context, loc domain.Location) (domain.NowcastGrid, error) {
	o.mu.RLock()
	r, ok := o.latest[loc.Key()]
	o.mu.RUnlock()
	if ok && o.fresh(r, o.clock.Now()) {
		return r.grid, nil
	}
	return o.refresh(ctx, loc)
}

// Observation reads a field through the cache under the latency budget.
func (o *Orchestrator) Observation(ctx context.Context, loc domain.Location, kind domain.DataKind, maxAge time.Duration) (cache.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LatencyBudget)
	defer cancel()
	return o.source.Get(ctx, loc, kind, maxAge)
}

// AlertStates returns the evaluator's current states.
func (o *Orchestrator) AlertStates() []domain.AlertState {
	return o.evaluator.Snapshot()
}

// Subscribe registers for cycle reports. Reports are dropped for a
// subscriber whose buffer is full. The returned func unsubscribes.
func (o *Orchestrator) Subscribe(buffer int) (<-chan CycleReport, func()) {
	id := uuid.NewString()
	ch := make(chan CycleReport, max(buffer, 1))
	o.mu.Lock()
	o.subscribers[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish(r CycleReport) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for id, ch := range o.subscribers {
		select {
		case ch <- r:
		default:
			o.logger.Warn("subscriber lagging, dropping cycle report", "subscriber", id, "cycle_id", r.ID)
		}
	}
}

func sleepWithClock(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
