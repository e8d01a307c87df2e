package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// GeofenceSource supplies geofence definitions. The core never writes them.
type GeofenceSource interface {
	ListGeofences(ctx context.Context) ([]domain.Geofence, error)
}

// StaticSource serves a fixed, validated geofence set.
type StaticSource struct {
	geofences []domain.Geofence
}

// NewStaticSource validates geofences and rejects duplicate ids.
func NewStaticSource(geofences []domain.Geofence) (*StaticSource, error) {
	seen := make(map[string]bool, len(geofences))
	for _, g := range geofences {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("duplicate geofence id %q", g.ID)
		}
		seen[g.ID] = true
	}
	out := make([]domain.Geofence, len(geofences))
	copy(out, geofences)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &StaticSource{geofences: out}, nil
}

// LoadFile reads a JSON array of geofences from path.
func LoadFile(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geofences: %w", err)
	}
	var geofences []domain.Geofence
	if err := json.Unmarshal(data, &geofences); err != nil {
		return nil, fmt.Errorf("decode geofences %s: %w", path, err)
	}
	return NewStaticSource(geofences)
}

func (s *StaticSource) ListGeofences(_ context.Context) ([]domain.Geofence, error) {
	out := make([]domain.Geofence, len(s.geofences))
	copy(out, s.geofences)
	return out, nil
}
