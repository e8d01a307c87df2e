package alert

import (
	"context"
	"log/slog"
	"sync"

	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

// Sink is the notification boundary.
type Sink interface {
	Publish(ctx context.Context, event domain.AlertEvent) error
}

// LogSink writes events to the logger. It is the sink when no broker is
// configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, ev domain.AlertEvent) error {
	s.logger.Info("alert event",
		"event_id", ev.ID, "geofence_id", ev.GeofenceID, "hazard", ev.Hazard,
		"lead_minutes", ev.LeadMinutes, "confidence", ev.Confidence,
		"severity", ev.Severity, "message", ev.Message)
	return nil
}

// Dispatcher hands events to a Sink with at-least-once semantics: events the
// sink rejects stay pending and are retried, oldest first, on the next
// Dispatch. Pending events beyond maxPending are dropped oldest first.
type Dispatcher struct {
	sink       Sink
	maxPending int
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu      sync.Mutex
	pending []domain.AlertEvent
}

// NewDispatcher returns a Dispatcher over sink.
func NewDispatcher(sink Sink, maxPending int, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if maxPending <= 0 {
		maxPending = 1024
	}
	return &Dispatcher{sink: sink, maxPending: maxPending, logger: logger, metrics: metrics}
}

// Dispatch publishes pending events followed by events. It returns how many
// were delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, events []domain.AlertEvent) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := append(d.pending, events...)
	d.pending = nil
	delivered := 0
	for i, ev := range queue {
		if ctx.Err() != nil {
			d.keep(queue[i:])
			break
		}
		if err := d.sink.Publish(ctx, ev); err != nil {
			d.metrics.SinkFailures.Inc()
			d.logger.Warn("publish alert event failed, will retry",
				"event_id", ev.ID, "geofence_id", ev.GeofenceID, "error", err)
			d.keep([]domain.AlertEvent{ev})
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Dispatcher) keep(events []domain.AlertEvent) {
	d.pending = append(d.pending, events...)
	if over := len(d.pending) - d.maxPending; over > 0 {
		d.logger.Error("dropping undelivered alert events", "count", over)
		d.pending = append([]domain.AlertEvent(nil), d.pending[over:]...)
	}
}

// Pending returns the number of undelivered events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
