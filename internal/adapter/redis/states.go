// Package redis persists AlertStates in a Redis hash so cooldowns survive
// restarts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// DefaultHashKey holds one field per (geofence, hazard).
const DefaultHashKey = "nowcast:alert_states"

// hashClient is the part of *redis.Client the store uses.
type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// NewClient builds a client from connection settings.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// StateStore implements alert.StateStore.
type StateStore struct {
	client hashClient
	key    string
	logger *slog.Logger
}

func NewStateStore(client hashClient, key string, logger *slog.Logger) *StateStore {
	if key == "" {
		key = DefaultHashKey
	}
	return &StateStore{client: client, key: key, logger: logger}
}

// LoadStates returns every stored state ordered by key. Undecodable fields
// are skipped with a warning.
func (s *StateStore) LoadStates(ctx context.Context) ([]domain.AlertState, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load alert states: %w", err)
	}
	out := make([]domain.AlertState, 0, len(fields))
	for field, raw := range fields {
		var st domain.AlertState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			s.logger.Warn("skipping undecodable alert state", "field", field, "error", err)
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (s *StateStore) SaveState(ctx context.Context, state domain.AlertState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal alert state: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, state.Key().String(), data).Err(); err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}
	return nil
}

// CheckReadiness pings Redis.
func (s *StateStore) CheckReadiness(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not ready: %w", err)
	}
	return nil
}
