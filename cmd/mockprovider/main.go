// Command mockprovider serves an Open-Meteo compatible /v1/forecast endpoint
// with a single synthetic storm cell moving at a constant velocity, for local
// end-to-end runs of the service without upstream quotas.
//
// Usage:
//
//	go run ./cmd/mockprovider -addr :8090 -lat 40.7 -lon -74.3 -east-kmh 30
//
// then point the service at it with OPENMETEO_BASE_URL=http://localhost:8090.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/nowcast-service/internal/adapter/openmeteo"
	"github.com/couchcryptid/nowcast-service/internal/domain"
	"github.com/couchcryptid/nowcast-service/internal/observability"
)

const (
	timeLayout = "2006-01-02T15:04"
	slot       = 15 * time.Minute
	maxSlots   = 96
)

// storm is a Gaussian precipitation cell whose centre moves in a straight line.
type storm struct {
	Lat, Lon   float64
	Start      time.Time
	EastKmh    float64
	NorthKmh   float64
	RadiusKm   float64
	PeakMMH    float64
	OnsetAfter time.Duration
}

// centre returns the storm centre at t.
func (s storm) centre(t time.Time) (lat, lon float64) {
	h := t.Sub(s.Start).Hours()
	lat = s.Lat + s.NorthKmh*h/111.0
	lon = s.Lon + s.EastKmh*h/(111.0*math.Cos(s.Lat*math.Pi/180))
	return lat, lon
}

// intensity returns mm/h at (lat, lon) and time t.
func (s storm) intensity(lat, lon float64, t time.Time) float64 {
	if t.Before(s.Start.Add(s.OnsetAfter)) {
		return 0
	}
	clat, clon := s.centre(t)
	d := domain.HaversineKm(lat, lon, clat, clon)
	v := s.PeakMMH * math.Exp(-(d*d)/(2*s.RadiusKm*s.RadiusKm))
	if v < 0.05 {
		return 0
	}
	return math.Round(v*100) / 100
}

type handler struct {
	storm  storm
	clock  clockwork.Clock
	logger *slog.Logger
}

func newHandler(s storm, clock clockwork.Clock, logger *slog.Logger) http.Handler {
	h := &handler{storm: s, clock: clock, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/forecast", h.forecast)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return mux
}

func (h *handler) forecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lats, err := parseFloats(q.Get("latitude"))
	if err != nil {
		h.badRequest(w, "latitude", err)
		return
	}
	lons, err := parseFloats(q.Get("longitude"))
	if err != nil {
		h.badRequest(w, "longitude", err)
		return
	}
	if len(lats) != len(lons) {
		h.badRequest(w, "coordinates", fmt.Errorf("%d latitudes for %d longitudes", len(lats), len(lons)))
		return
	}
	slots := 0
	if v := q.Get("forecast_minutely_15"); v != "" {
		if slots, err = strconv.Atoi(v); err != nil || slots < 0 || slots > maxSlots {
			h.badRequest(w, "forecast_minutely_15", fmt.Errorf("want 0..%d, got %q", maxSlots, v))
			return
		}
	}
	withCurrent := strings.Contains(q.Get("current"), "precipitation")
	withSeries := strings.Contains(q.Get("minutely_15"), "precipitation")

	now := h.clock.Now().UTC().Truncate(slot)
	points := make([]openmeteo.Point, len(lats))
	for i := range lats {
		p := openmeteo.Point{Latitude: lats[i], Longitude: lons[i]}
		if withCurrent {
			// Accumulation over the slot ending now.
			mm := h.storm.intensity(lats[i], lons[i], now) * slot.Hours()
			p.Current = &openmeteo.CurrentBlock{
				Time:          now.Format(timeLayout),
				Interval:      int(slot / time.Second),
				Precipitation: &mm,
			}
		}
		if withSeries {
			series := &openmeteo.SeriesBlock{}
			for k := range slots {
				ts := now.Add(time.Duration(k) * slot)
				mm := h.storm.intensity(lats[i], lons[i], ts) * slot.Hours()
				series.Time = append(series.Time, ts.Format(timeLayout))
				series.Precipitation = append(series.Precipitation, &mm)
			}
			p.Minutely15 = series
		}
		points[i] = p
	}

	h.logger.Debug("forecast served", "points", len(points), "slots", slots)
	if len(points) == 1 {
		writeJSON(w, http.StatusOK, points[0])
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (h *handler) badRequest(w http.ResponseWriter, param string, err error) {
	h.logger.Warn("bad request", "param", param, "error", err)
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "reason": param + ": " + err.Error()})
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, errors.New("missing")
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	lat := flag.Float64("lat", 40.7, "storm start latitude")
	lon := flag.Float64("lon", -74.3, "storm start longitude")
	east := flag.Float64("east-kmh", 30, "eastward storm speed in km/h")
	north := flag.Float64("north-kmh", 0, "northward storm speed in km/h")
	radius := flag.Float64("radius-km", 4, "storm radius (one standard deviation) in km")
	peak := flag.Float64("peak-mmh", 12, "peak intensity in mm/h")
	onset := flag.Duration("onset-after", 0, "dry period before the storm appears")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := observability.NewLogger(*logLevel, "text")
	clock := clockwork.NewRealClock()
	s := storm{
		Lat: *lat, Lon: *lon,
		Start:   clock.Now().UTC(),
		EastKmh: *east, NorthKmh: *north,
		RadiusKm: *radius, PeakMMH: *peak,
		OnsetAfter: *onset,
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newHandler(s, clock, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("mock provider listening", "addr", *addr, "lat", s.Lat, "lon", s.Lon, "east_kmh", s.EastKmh, "north_kmh", s.NorthKmh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
}
