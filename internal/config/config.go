package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/go-playground/validator/v10"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// Provider names accepted in PROVIDER_ORDER.
const (
	ProviderNWS       = "nws"
	ProviderOpenMeteo = "openmeteo"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string `validate:"required"`
	LogLevel        string `validate:"oneof=debug info warn error"`
	LogFormat       string `validate:"oneof=json text"`
	ShutdownTimeout time.Duration

	Locations            []domain.Location
	RefreshInterval      time.Duration `validate:"gt=0"`
	ArmedRefreshInterval time.Duration `validate:"gt=0,ltefield=RefreshInterval"`
	CycleLatencyBudget   time.Duration `validate:"gt=0"`
	FetchTimeout         time.Duration `validate:"gt=0"`
	WorkerPoolSize       int           `validate:"gt=0"`

	CacheCapacity       int           `validate:"gt=0"`
	CacheTTL            time.Duration `validate:"gt=0"`
	CacheStaleRetention time.Duration `validate:"gte=0"`
	CacheStaleFallback  bool
	HistoryDepth        int `validate:"gte=2"`

	FieldRows    int     `validate:"gt=0"`
	FieldCols    int     `validate:"gt=0"`
	FieldCellDeg float64 `validate:"gt=0"`

	NowcastHorizonMinutes int `validate:"gt=0"`
	NowcastStepMinutes    int `validate:"gt=0"`
	NowcastSearchRadius   int `validate:"gte=0"`

	AlertCooldown time.Duration `validate:"gte=0"`

	ProviderOrder []string              `validate:"min=1,dive,oneof=nws openmeteo"`
	NWS           domain.ProviderConfig `validate:"-"`
	OpenMeteo     domain.ProviderConfig `validate:"-"`

	GeofencesFile string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	KafkaBrokers    []string
	KafkaAlertTopic string
}

var structValidator = validator.New()

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        strings.ToLower(sharedcfg.EnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(sharedcfg.EnvOrDefault("LOG_FORMAT", "json")),
		ShutdownTimeout: shutdownTimeout,

		RefreshInterval:      p.duration("REFRESH_INTERVAL", "5m"),
		ArmedRefreshInterval: p.duration("ARMED_REFRESH_INTERVAL", "2m"),
		CycleLatencyBudget:   p.duration("CYCLE_LATENCY_BUDGET", "10s"),
		FetchTimeout:         p.duration("FETCH_TIMEOUT", "3s"),
		WorkerPoolSize:       p.integer("WORKER_POOL_SIZE", "4"),

		CacheCapacity:       p.integer("CACHE_CAPACITY", "256"),
		CacheTTL:            p.duration("CACHE_TTL", "5m"),
		CacheStaleRetention: p.duration("CACHE_STALE_RETENTION", "1h"),
		CacheStaleFallback:  p.boolean("CACHE_STALE_FALLBACK", "true"),
		HistoryDepth:        p.integer("HISTORY_DEPTH", "3"),

		FieldRows:    p.integer("FIELD_ROWS", "5"),
		FieldCols:    p.integer("FIELD_COLS", "5"),
		FieldCellDeg: p.float("FIELD_CELL_DEG", "0.02"),

		NowcastHorizonMinutes: p.integer("NOWCAST_HORIZON_MINUTES", "90"),
		NowcastStepMinutes:    p.integer("NOWCAST_STEP_MINUTES", "10"),
		NowcastSearchRadius:   p.integer("NOWCAST_SEARCH_RADIUS", "4"),

		AlertCooldown: p.duration("ALERT_COOLDOWN", "30m"),

		ProviderOrder: splitList(sharedcfg.EnvOrDefault("PROVIDER_ORDER", "nws,openmeteo")),
		NWS: domain.ProviderConfig{
			BaseURL:           sharedcfg.EnvOrDefault("NWS_BASE_URL", "https://api.weather.gov"),
			APIKey:            os.Getenv("NWS_API_KEY"),
			TimeoutMs:         p.integer("NWS_TIMEOUT_MS", "3000"),
			RequestsPerMinute: p.integer("NWS_REQUESTS_PER_MINUTE", "60"),
		},
		OpenMeteo: domain.ProviderConfig{
			BaseURL:           sharedcfg.EnvOrDefault("OPENMETEO_BASE_URL", "https://api.open-meteo.com"),
			APIKey:            os.Getenv("OPENMETEO_API_KEY"),
			TimeoutMs:         p.integer("OPENMETEO_TIMEOUT_MS", "3000"),
			RequestsPerMinute: p.integer("OPENMETEO_REQUESTS_PER_MINUTE", "300"),
		},

		GeofencesFile: os.Getenv("GEOFENCES_FILE"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.integer("REDIS_DB", "0"),

		KafkaAlertTopic: sharedcfg.EnvOrDefault("KAFKA_ALERT_TOPIC", "nowcast-alerts"),
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(v)
	}
	if v := os.Getenv("LOCATIONS"); v != "" {
		locs, err := domain.ParseLocations(v)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("invalid LOCATIONS: %w", err))
		}
		cfg.Locations = locs
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := structValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for _, name := range cfg.ProviderOrder {
		if err := cfg.Provider(name).Validate(); err != nil {
			return nil, fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if cfg.NowcastStepMinutes > cfg.NowcastHorizonMinutes {
		return nil, errors.New("NOWCAST_STEP_MINUTES must not exceed NOWCAST_HORIZON_MINUTES")
	}

	return cfg, nil
}

// Provider returns the options for a provider named in PROVIDER_ORDER.
func (c *Config) Provider(name string) domain.ProviderConfig {
	if name == ProviderNWS {
		return c.NWS
	}
	return c.OpenMeteo
}

// parser collects every malformed variable so Load reports them together.
type parser struct {
	errs []error
}

func (p *parser) duration(name, def string) time.Duration {
	s := sharedcfg.EnvOrDefault(name, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", name, s, err))
	}
	return d
}

func (p *parser) integer(name, def string) int {
	s := sharedcfg.EnvOrDefault(name, def)
	n, err := strconv.Atoi(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", name, s, err))
	}
	return n
}

func (p *parser) float(name, def string) float64 {
	s := sharedcfg.EnvOrDefault(name, def)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", name, s, err))
	}
	return f
}

func (p *parser) boolean(name, def string) bool {
	s := sharedcfg.EnvOrDefault(name, def)
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", name, s, err))
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
