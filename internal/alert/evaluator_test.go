package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

var (
	start  = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	centre = domain.Location{Lat: 40, Lon: -105}
	window = domain.WindowAround(centre, 5, 5, 0.02)
)

func ptr(v float64) *float64 { return &v }

func testGeofence() domain.Geofence {
	return domain.Geofence{
		ID:             "home",
		Name:           "Home",
		Center:         centre,
		RadiusKm:       0.5,
		Thresholds:     []domain.Threshold{{Hazard: domain.HazardPrecipitation, IntensityMMH: ptr(5)}},
		MinLeadMinutes: 10,
	}
}

// gridWithBreach returns a nowcast whose centre cell holds intensity at the
// given leads and is dry elsewhere.
func gridWithBreach(version uint64, intensity float64, leads ...int) domain.NowcastGrid {
	wet := make(map[int]bool, len(leads))
	for _, l := range leads {
		wet[l] = true
	}
	var steps []domain.NowcastStep
	for lead := 0; lead <= 90; lead += 10 {
		g := domain.NewGrid(5, 5)
		if wet[lead] {
			g.Set(2, 2, intensity)
		}
		steps = append(steps, domain.NowcastStep{LeadMinutes: lead, Grid: g, Confidence: 0.9 - float64(lead)/200})
	}
	return domain.NowcastGrid{Version: version, Location: centre, Window: window, Steps: steps}
}

type testEnv struct {
	clock *clockwork.FakeClock
	store *MemoryStore
	eval  *Evaluator
}

func newEnv(cooldown time.Duration) testEnv {
	clock := clockwork.NewFakeClockAt(start)
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{
		clock: clock,
		store: store,
		eval:  NewEvaluator(cooldown, store, clock, logger, observability.NewMetricsForTesting()),
	}
}

func (env testEnv) status(t *testing.T) domain.AlertStatus {
	t.Helper()
	st, ok := env.eval.State(domain.AlertKey{GeofenceID: "home", Hazard: domain.HazardPrecipitation})
	require.True(t, ok)
	return st.Status
}

func TestEvaluate_ArmedThenFiresOnce(t *testing.T) {
	env := newEnv(30 * time.Minute)
	g := testGeofence()
	ctx := context.Background()

	// Cycle N: 8 mm/h only at lead 20, outside the 10-minute window.
	ev, err := env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(1, 8, 20))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, domain.StatusArmed, env.status(t))
	assert.True(t, env.eval.AnyArmed())

	// Cycle N+1: the breach has moved to lead 10.
	env.clock.Advance(10 * time.Minute)
	ev, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(2, 8, 10))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 10, ev.LeadMinutes)
	assert.InDelta(t, 0.85, ev.Confidence, 1e-9)
	assert.Equal(t, domain.SeverityHigh, ev.Severity)
	assert.Equal(t, domain.EventID("home", domain.HazardPrecipitation, 2), ev.ID)
	assert.Equal(t, start.Add(10*time.Minute), ev.Timestamp)
	assert.Contains(t, ev.Message, "Home")
	assert.Equal(t, domain.StatusFiring, env.status(t))
	assert.False(t, env.eval.AnyArmed())

	// Later cycles inside the cooldown keep breaching but never re-fire.
	for i := range 2 {
		env.clock.Advance(10 * time.Minute)
		ev, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(uint64(3+i), 8, 0, 10))
		require.NoError(t, err)
		assert.Nil(t, ev)
		assert.Equal(t, domain.StatusCooldown, env.status(t))
	}
}

func TestEvaluate_CooldownElapsedAllowsRefire(t *testing.T) {
	env := newEnv(30 * time.Minute)
	g := testGeofence()
	ctx := context.Background()

	ev, err := env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(1, 8, 0))
	require.NoError(t, err)
	require.NotNil(t, ev, "quiet -> firing on the current field")
	assert.Equal(t, 0, ev.LeadMinutes)

	env.clock.Advance(29 * time.Minute)
	ev, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(2, 8, 0))
	require.NoError(t, err)
	assert.Nil(t, ev)

	env.clock.Advance(time.Minute)
	ev, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(3, 8, 0))
	require.NoError(t, err)
	require.NotNil(t, ev)
}

func TestEvaluate_CooldownReturnsToQuiet(t *testing.T) {
	env := newEnv(30 * time.Minute)
	g := testGeofence()
	ctx := context.Background()

	_, err := env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(1, 8, 0))
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)
	_, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(2, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCooldown, env.status(t), "dry grid does not end cooldown early")

	env.clock.Advance(30 * time.Minute)
	_, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(3, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuiet, env.status(t))
}

func TestEvaluate_CooldownProperty(t *testing.T) {
	const cooldown = 25 * time.Minute
	env := newEnv(cooldown)
	g := testGeofence()
	ctx := context.Background()

	var fired []time.Time
	for v := uint64(1); v <= 40; v++ {
		leads := []int{0}
		if v%7 == 0 {
			leads = nil
		}
		ev, err := env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(v, 8, leads...))
		require.NoError(t, err)
		if ev != nil {
			fired = append(fired, ev.Timestamp)
		}
		env.clock.Advance(5 * time.Minute)
	}
	require.Greater(t, len(fired), 1)
	for i := 1; i < len(fired); i++ {
		assert.GreaterOrEqual(t, fired[i].Sub(fired[i-1]), cooldown)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	env := newEnv(0)
	g := testGeofence()
	ctx := context.Background()
	grid := gridWithBreach(5, 8, 0)

	ev, err := env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, grid)
	require.NoError(t, err)
	require.NotNil(t, ev)

	for range 3 {
		ev, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, grid)
		require.NoError(t, err)
		assert.Nil(t, ev, "same version never emits twice")
	}

	ev, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(4, 8, 0))
	require.NoError(t, err)
	assert.Nil(t, ev, "older versions are discarded")
}

func TestEvaluate_QuietWhenNoBreach(t *testing.T) {
	env := newEnv(time.Minute)
	g := testGeofence()

	ev, err := env.eval.EvaluateHazard(context.Background(), g, domain.HazardPrecipitation, gridWithBreach(1, 3, 0, 10))
	require.NoError(t, err)
	assert.Nil(t, ev, "3 mm/h is under the 5 mm/h threshold")
	assert.Equal(t, domain.StatusQuiet, env.status(t))
	assert.Zero(t, env.store.Saves(), "no transition, nothing persisted")
}

func TestEvaluate_ArmedDisarms(t *testing.T) {
	env := newEnv(time.Minute)
	g := testGeofence()
	ctx := context.Background()

	_, err := env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(1, 8, 40))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArmed, env.status(t))

	_, err = env.eval.EvaluateHazard(ctx, g, domain.HazardPrecipitation, gridWithBreach(2, 8))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuiet, env.status(t))
	assert.Equal(t, 2, env.store.Saves())
}

func TestEvaluate_HorizonBoundsArming(t *testing.T) {
	env := newEnv(time.Minute)
	g := testGeofence()
	g.HorizonMinutes = 30

	_, err := env.eval.EvaluateHazard(context.Background(), g, domain.HazardPrecipitation, gridWithBreach(1, 8, 60))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuiet, env.status(t))
}

func TestEvaluate_EarliestLeadWins(t *testing.T) {
	env := newEnv(time.Minute)
	g := testGeofence()
	g.MinLeadMinutes = 30

	ev, err := env.eval.EvaluateHazard(context.Background(), g, domain.HazardPrecipitation, gridWithBreach(1, 4.5, 0))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = env.eval.EvaluateHazard(context.Background(), g, domain.HazardPrecipitation, gridWithBreach(2, 6, 20, 30))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 20, ev.LeadMinutes)
	assert.InDelta(t, 0.8, ev.Confidence, 1e-9)
}

func TestEvaluate_MultipleHazards(t *testing.T) {
	env := newEnv(time.Hour)
	g := testGeofence()
	g.Thresholds = append(g.Thresholds, domain.Threshold{Hazard: domain.HazardHeavyPrecipitation, IntensityMMH: ptr(10)})

	events, err := env.eval.Evaluate(context.Background(), g, gridWithBreach(1, 12, 0))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	assert.Len(t, env.eval.Snapshot(), 2)
}

func TestEvaluate_UnknownHazard(t *testing.T) {
	env := newEnv(time.Minute)
	_, err := env.eval.EvaluateHazard(context.Background(), testGeofence(), domain.HazardHeavyPrecipitation, gridWithBreach(1, 8, 0))
	require.Error(t, err)
}

type failingStore struct{ *MemoryStore }

func (failingStore) SaveState(context.Context, domain.AlertState) error { return errors.New("down") }

func TestEvaluate_PersistFailureStillEmits(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	eval := NewEvaluator(time.Hour, failingStore{NewMemoryStore()}, clock, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	ev, err := eval.EvaluateHazard(context.Background(), testGeofence(), domain.HazardPrecipitation, gridWithBreach(1, 8, 0))
	require.Error(t, err)
	assert.NotNil(t, ev)
}

func TestEvaluate_PersistFailureKeepsEveryHazardEvent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	eval := NewEvaluator(time.Hour, failingStore{NewMemoryStore()}, clock, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())
	g := testGeofence()
	g.Thresholds = append(g.Thresholds, domain.Threshold{Hazard: domain.HazardHeavyPrecipitation, IntensityMMH: ptr(10)})

	events, err := eval.Evaluate(context.Background(), g, gridWithBreach(1, 12, 0))
	require.Error(t, err)
	assert.ErrorContains(t, err, "down")
	require.Len(t, events, 2, "a failed save must not drop the firing event")
	assert.Equal(t, domain.HazardPrecipitation, events[0].Hazard)
	assert.Equal(t, domain.HazardHeavyPrecipitation, events[1].Hazard)

	clock.Advance(10 * time.Minute)
	events, err = eval.Evaluate(context.Background(), g, gridWithBreach(2, 12, 0))
	require.Error(t, err)
	assert.Empty(t, events, "cooldown suppresses the repeat")
}

func TestRestore(t *testing.T) {
	env := newEnv(time.Hour)
	require.NoError(t, env.store.SaveState(context.Background(), domain.AlertState{
		GeofenceID:  "home",
		Hazard:      domain.HazardPrecipitation,
		Status:      domain.StatusCooldown,
		LastFiredAt: start.Add(-10 * time.Minute),
		LastVersion: 900,
	}))

	n, err := env.eval.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Versions restart with the process; the restored cooldown still holds.
	ev, err := env.eval.EvaluateHazard(context.Background(), testGeofence(), domain.HazardPrecipitation, gridWithBreach(1, 8, 0))
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, domain.StatusCooldown, env.status(t))
}

func TestFindBreach_Probability(t *testing.T) {
	g := testGeofence()
	g.RadiusKm = 2.5 // covers the centre cell and its four neighbours
	g.Thresholds = []domain.Threshold{{Hazard: domain.HazardPrecipitation, Probability: ptr(0.5)}}

	grid := gridWithBreach(1, 1, 0)
	b, ok := FindBreach(g, g.Thresholds[0], grid)
	assert.False(t, ok, "one wet cell of five is not likely enough: %+v", b)

	for _, rc := range [][2]int{{1, 2}, {2, 1}, {2, 3}} {
		grid.Steps[0].Grid.Set(rc[0], rc[1], 1)
	}
	b, ok = FindBreach(g, g.Thresholds[0], grid)
	require.True(t, ok)
	assert.InDelta(t, 0.9*4/5, b.Probability, 1e-9)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geofences.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"b","center":{"lat":40,"lon":-105},"radius_km":2,"thresholds":[{"hazard":"precipitation","intensity_mmh":5}],"min_lead_minutes":10},
		{"id":"a","polygon":[{"lat":0,"lon":0},{"lat":0,"lon":1},{"lat":1,"lon":1}],"thresholds":[{"hazard":"heavy_precipitation","probability":0.7}]}
	]`), 0o600))

	src, err := LoadFile(path)
	require.NoError(t, err)
	list, err := src.ListGeofences(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, 10, list[1].MinLeadMinutes)
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "geofences.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"x","radius_km":1,"thresholds":[]}]`), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestNewStaticSource_DuplicateID(t *testing.T) {
	_, err := NewStaticSource([]domain.Geofence{testGeofence(), testGeofence()})
	require.Error(t, err)
}
