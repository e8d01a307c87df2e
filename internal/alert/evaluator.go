// Package alert turns nowcast grids into geofenced notifications.
//
// Each (geofence, hazard) pair runs a small state machine:
//
//	quiet -> armed -> firing -> cooldown -> quiet
//
// A breach beyond the geofence's minimum lead arms the alert. A breach at or
// inside the minimum lead fires it, emitting exactly one AlertEvent. Firing is
// followed by cooldown, during which repeat breaches are suppressed.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

// Breach describes the earliest step of a grid that satisfies a threshold.
type Breach struct {
	LeadMinutes   int
	Confidence    float64
	Probability   float64
	PeakIntensity float64
}

// Evaluator owns every AlertState. Evaluate is called from one goroutine per
// cycle; the mutex only guards against concurrent Snapshot readers.
type Evaluator struct {
	cooldown time.Duration
	store    StateStore
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	states map[domain.AlertKey]*domain.AlertState
}

// NewEvaluator returns an Evaluator with no state. Call Restore to load
// persisted states.
func NewEvaluator(cooldown time.Duration, store StateStore, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Evaluator {
	return &Evaluator{
		cooldown: cooldown,
		store:    store,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		states:   make(map[domain.AlertKey]*domain.AlertState),
	}
}

// Restore loads persisted states. Grid versions are process-local, so the
// restored LastVersion is reset; status and cooldown timing carry over.
func (e *Evaluator) Restore(ctx context.Context) (int, error) {
	states, err := e.store.LoadStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("load alert states: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range states {
		s.LastVersion = 0
		e.states[s.Key()] = &s
	}
	e.updateArmedGauge()
	return len(states), nil
}

// Evaluate runs every threshold of g against grid and returns the events
// emitted, at most one per hazard. Persistence failures are joined into the
// error; events are returned regardless.
func (e *Evaluator) Evaluate(ctx context.Context, g domain.Geofence, grid domain.NowcastGrid) ([]domain.AlertEvent, error) {
	var (
		events []domain.AlertEvent
		errs   []error
	)
	for _, t := range g.Thresholds {
		ev, err := e.EvaluateHazard(ctx, g, t.Hazard, grid)
		if ev != nil {
			events = append(events, *ev)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return events, errors.Join(errs...)
}

// EvaluateHazard advances the state machine for (g, hazard). A grid whose
// version is not newer than the last one evaluated is discarded, which makes
// re-evaluation idempotent. The returned error is a persistence failure; the
// in-memory transition has already happened.
func (e *Evaluator) EvaluateHazard(ctx context.Context, g domain.Geofence, hazard domain.HazardKind, grid domain.NowcastGrid) (*domain.AlertEvent, error) {
	threshold, ok := g.Threshold(hazard)
	if !ok {
		return nil, fmt.Errorf("geofence %q has no %s threshold", g.ID, hazard)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := domain.AlertKey{GeofenceID: g.ID, Hazard: hazard}
	st, ok := e.states[key]
	if !ok {
		st = &domain.AlertState{GeofenceID: g.ID, Hazard: hazard, Status: domain.StatusQuiet}
		e.states[key] = st
	}
	if grid.Version <= st.LastVersion {
		e.logger.Debug("discarding stale grid",
			"geofence_id", g.ID, "hazard", hazard, "version", grid.Version, "last_version", st.LastVersion)
		return nil, nil
	}
	st.LastVersion = grid.Version

	now := e.clock.Now()
	breach, breached := FindBreach(g, threshold, grid)
	from := st.Status
	var event *domain.AlertEvent

	if st.Status == domain.StatusFiring {
		e.transition(st, domain.StatusCooldown)
	}
	if st.Status == domain.StatusCooldown {
		if now.Sub(st.LastFiredAt) < e.cooldown {
			return nil, e.persist(ctx, st, from, now)
		}
		if !breached {
			e.transition(st, domain.StatusQuiet)
		}
	}

	switch {
	case !breached:
		if st.Status != domain.StatusQuiet {
			e.transition(st, domain.StatusQuiet)
		}
		st.ArmedLeadMinutes = 0
	case breach.LeadMinutes <= g.MinLeadMinutes:
		e.transition(st, domain.StatusFiring)
		st.LastFiredAt = now
		st.ArmedLeadMinutes = 0
		event = newEvent(g, hazard, grid, breach, now)
		e.metrics.AlertsFired.WithLabelValues(string(hazard)).Inc()
		e.logger.Info("alert firing",
			"geofence_id", g.ID, "hazard", hazard, "lead_minutes", breach.LeadMinutes,
			"confidence", breach.Confidence, "version", grid.Version)
	default:
		if st.Status != domain.StatusArmed {
			e.transition(st, domain.StatusArmed)
		}
		st.ArmedLeadMinutes = breach.LeadMinutes
	}

	return event, e.persist(ctx, st, from, now)
}

// FindBreach returns the earliest step within g's horizon whose cells inside
// g breach t. Probability is the step confidence times the fraction of the
// geofence's cells at or above the threshold intensity.
func FindBreach(g domain.Geofence, t domain.Threshold, grid domain.NowcastGrid) (Breach, bool) {
	cells := g.CellsIn(grid.Window)
	if len(cells) == 0 {
		return Breach{}, false
	}
	limit := t.IntensityOrWet()
	for _, s := range grid.Steps {
		if g.HorizonMinutes > 0 && s.LeadMinutes > g.HorizonMinutes {
			break
		}
		var peak float64
		var valid, over int
		for _, i := range cells {
			if i >= len(s.Grid.Cells) {
				continue
			}
			v := s.Grid.Cells[i]
			if v < 0 {
				continue
			}
			valid++
			if v > peak {
				peak = v
			}
			if v >= limit {
				over++
			}
		}
		if valid == 0 {
			continue
		}
		prob := s.Confidence * float64(over) / float64(valid)
		if t.Breached(peak, prob) {
			return Breach{
				LeadMinutes:   s.LeadMinutes,
				Confidence:    s.Confidence,
				Probability:   prob,
				PeakIntensity: peak,
			}, true
		}
	}
	return Breach{}, false
}

func newEvent(g domain.Geofence, hazard domain.HazardKind, grid domain.NowcastGrid, b Breach, now time.Time) *domain.AlertEvent {
	name := g.Name
	if name == "" {
		name = g.ID
	}
	return &domain.AlertEvent{
		ID:            domain.EventID(g.ID, hazard, grid.Version),
		GeofenceID:    g.ID,
		Hazard:        hazard,
		LeadMinutes:   b.LeadMinutes,
		Confidence:    b.Confidence,
		Probability:   b.Probability,
		PeakIntensity: b.PeakIntensity,
		Severity:      domain.SeverityFor(b.PeakIntensity),
		Message:       domain.AlertMessage(name, hazard, b.LeadMinutes, b.PeakIntensity),
		Timestamp:     now,
		GridVersion:   grid.Version,
		Location:      grid.Location,
	}
}

func (e *Evaluator) transition(st *domain.AlertState, to domain.AlertStatus) {
	e.metrics.AlertTransitions.WithLabelValues(string(st.Status), string(to)).Inc()
	e.logger.Debug("alert transition",
		"geofence_id", st.GeofenceID, "hazard", st.Hazard, "from", st.Status, "to", to)
	st.Status = to
}

// persist saves st when its status changed during this evaluation.
func (e *Evaluator) persist(ctx context.Context, st *domain.AlertState, from domain.AlertStatus, now time.Time) error {
	if st.Status == from {
		return nil
	}
	st.UpdatedAt = now
	e.updateArmedGauge()
	if err := e.store.SaveState(ctx, *st); err != nil {
		e.logger.Warn("persist alert state failed", "geofence_id", st.GeofenceID, "hazard", st.Hazard, "error", err)
		return fmt.Errorf("save alert state %s: %w", st.Key(), err)
	}
	return nil
}

func (e *Evaluator) updateArmedGauge() {
	n := 0
	for _, s := range e.states {
		if s.Status == domain.StatusArmed {
			n++
		}
	}
	e.metrics.OrchestratorArmedCount.Set(float64(n))
}

// AnyArmed reports whether any alert is armed.
func (e *Evaluator) AnyArmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		if s.Status == domain.StatusArmed {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of every state ordered by key.
func (e *Evaluator) Snapshot() []domain.AlertState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.AlertState, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// State returns the state for key.
func (e *Evaluator) State(key domain.AlertKey) (domain.AlertState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[key]
	if !ok {
		return domain.AlertState{}, false
	}
	return *s, true
}
