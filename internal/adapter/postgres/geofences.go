// Package postgres reads geofence definitions from PostgreSQL. The service
// never writes them; the user-facing layer owns the table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// DBTX is the subset of *pgxpool.Pool the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const listGeofencesSQL = `
SELECT id, name, center_lat, center_lon, radius_km, polygon, thresholds,
       min_lead_minutes, horizon_minutes
FROM geofences
WHERE enabled
ORDER BY id`

// GeofenceRepository implements alert.GeofenceSource.
type GeofenceRepository struct {
	db     DBTX
	logger *slog.Logger
}

func NewGeofenceRepository(db DBTX, logger *slog.Logger) *GeofenceRepository {
	return &GeofenceRepository{db: db, logger: logger}
}

// ListGeofences returns every enabled geofence. Rows that fail validation
// are skipped with a warning so one bad definition does not silence the rest.
func (r *GeofenceRepository) ListGeofences(ctx context.Context) ([]domain.Geofence, error) {
	rows, err := r.db.Query(ctx, listGeofencesSQL)
	if err != nil {
		return nil, fmt.Errorf("query geofences: %w", err)
	}
	defer rows.Close()

	var out []domain.Geofence
	for rows.Next() {
		g, err := scanGeofence(rows)
		if err != nil {
			return nil, err
		}
		if err := g.Validate(); err != nil {
			r.logger.Warn("skipping invalid geofence", "geofence_id", g.ID, "error", err)
			continue
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geofences: %w", err)
	}
	return out, nil
}

// CheckReadiness pings the database.
func (r *GeofenceRepository) CheckReadiness(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres not ready: %w", err)
	}
	return nil
}

func scanGeofence(rows pgx.Rows) (domain.Geofence, error) {
	var (
		g                   domain.Geofence
		polygon, thresholds []byte
	)
	if err := rows.Scan(
		&g.ID, &g.Name, &g.Center.Lat, &g.Center.Lon, &g.RadiusKm,
		&polygon, &thresholds, &g.MinLeadMinutes, &g.HorizonMinutes,
	); err != nil {
		return domain.Geofence{}, fmt.Errorf("scan geofence: %w", err)
	}
	if len(polygon) > 0 && string(polygon) != "null" {
		if err := json.Unmarshal(polygon, &g.Polygon); err != nil {
			return domain.Geofence{}, fmt.Errorf("geofence %q polygon: %w", g.ID, err)
		}
	}
	if err := json.Unmarshal(thresholds, &g.Thresholds); err != nil {
		return domain.Geofence{}, fmt.Errorf("geofence %q thresholds: %w", g.ID, err)
	}
	return g, nil
}
