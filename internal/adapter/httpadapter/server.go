// Package httpadapter serves health, readiness, metrics and the query API.
package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/nowcast-service/internal/cache"
	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/pipeline"
)

// QueryService is what the API reads from.
type QueryService interface {
	Nowcast(ctx context.Context, loc domain.Location) (domain.NowcastGrid, error)
	Observation(ctx context.Context, loc domain.Location, kind domain.DataKind, maxAge time.Duration) (cache.Result, error)
	AlertStates() []domain.AlertState
	Subscribe(buffer int) (<-chan pipeline.CycleReport, func())
}

// Server exposes health, readiness, metrics and query endpoints.
type Server struct {
	httpServer *http.Server
	query      QueryService
	alerts     domain.AlertFeed
	logger     *slog.Logger
}

// NewServer creates an HTTP server. alerts may be nil when no configured
// provider publishes official alerts.
func NewServer(addr string, ready sharedobs.ReadinessChecker, query QueryService, alerts domain.AlertFeed, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		query:  query,
		alerts: alerts,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/nowcast", s.handleNowcast)
	mux.HandleFunc("GET /api/v1/observation", s.handleObservation)
	mux.HandleFunc("GET /api/v1/alerts/state", s.handleAlertStates)
	mux.HandleFunc("GET /api/v1/official-alerts", s.handleOfficialAlerts)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type readinessGroup []sharedobs.ReadinessChecker

// AllReady combines checkers; the first failure is reported.
func AllReady(checkers ...sharedobs.ReadinessChecker) sharedobs.ReadinessChecker {
	return readinessGroup(checkers)
}

func (g readinessGroup) CheckReadiness(ctx context.Context) error {
	for _, c := range g {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

type nowcastResponse struct {
	domain.NowcastGrid
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleNowcast(w http.ResponseWriter, r *http.Request) {
	loc, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	grid, err := s.query.Nowcast(r.Context(), loc)
	if err != nil {
		s.writeFetchError(w, loc, err)
		return
	}
	resp := nowcastResponse{NowcastGrid: grid}
	if grid.Stale {
		resp.Warning = domain.ErrStaleDataServed.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type observationResponse struct {
	Field     domain.ObservationField `json:"field"`
	FetchedAt time.Time               `json:"fetched_at"`
	ExpiresAt time.Time               `json:"expires_at"`
	Stale     bool                    `json:"stale"`
	Warning   string                  `json:"warning,omitempty"`
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	loc, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	q := r.URL.Query()
	kind := domain.KindCurrent
	if v := q.Get("kind"); v != "" {
		if kind, err = domain.ParseDataKind(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid query", err)
			return
		}
	}
	maxAge := 5 * time.Minute
	if v := q.Get("max_age"); v != "" {
		if maxAge, err = time.ParseDuration(v); err != nil || maxAge < 0 {
			writeError(w, http.StatusBadRequest, "invalid query", fmt.Errorf("max_age %q is not a non-negative duration", v))
			return
		}
	}

	res, err := s.query.Observation(r.Context(), loc, kind, maxAge)
	if err != nil {
		s.writeFetchError(w, loc, err)
		return
	}
	resp := observationResponse{
		Field:     res.Field,
		FetchedAt: res.FetchedAt,
		ExpiresAt: res.ExpiresAt,
		Stale:     res.Stale,
	}
	if warn := res.Warning(); warn != nil {
		resp.Warning = warn.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlertStates(w http.ResponseWriter, r *http.Request) {
	states := s.query.AlertStates()
	id := r.URL.Query().Get("geofence_id")
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"states": states})
		return
	}
	var matched []domain.AlertState
	for _, st := range states {
		if st.GeofenceID == id {
			matched = append(matched, st)
		}
	}
	if len(matched) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not found", "error": fmt.Sprintf("no alert state for geofence %q", id)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": matched})
}

func (s *Server) handleOfficialAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"status": "no alert feed configured"})
		return
	}
	loc, err := parseLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err)
		return
	}
	alerts, err := s.alerts.ActiveAlerts(r.Context(), loc)
	if err != nil {
		s.writeFetchError(w, loc, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// handleEvents streams cycle reports as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline failed", "error", err)
	}

	reports, unsubscribe := s.query.Subscribe(8)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case report, ok := <-reports:
			if !ok {
				return
			}
			data, err := json.Marshal(report)
			if err != nil {
				s.logger.Error("encode cycle report", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: cycle\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFetchError(w http.ResponseWriter, loc domain.Location, err error) {
	switch {
	case errors.Is(err, domain.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	case errors.Is(err, domain.ErrProviderTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", err)
	case errors.Is(err, domain.ErrCapabilityUnsupported):
		writeError(w, http.StatusNotImplemented, "unsupported", err)
	default:
		s.logger.Error("query failed", "location", loc.Key(), "error", err)
		writeError(w, http.StatusBadGateway, "upstream error", err)
	}
}

func parseLocation(r *http.Request) (domain.Location, error) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return domain.Location{}, fmt.Errorf("lat: %w", err)
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		return domain.Location{}, fmt.Errorf("lon: %w", err)
	}
	return domain.NewLocation(lat, lon, q.Get("label"))
}

func writeError(w http.ResponseWriter, status int, label string, err error) {
	writeJSON(w, status, map[string]string{"status": label, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
