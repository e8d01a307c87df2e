package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProviderProfile describes the kind of upstream source an adapter fronts.
type ProviderProfile string

const (
	// ProfileGovernment is an authoritative national service: strict schema,
	// high trust, and an alerts endpoint.
	ProfileGovernment ProviderProfile = "government"
	// ProfileAggregator is a commercial or community aggregator: broader
	// coverage, interpolated data, lower trust weight.
	ProfileAggregator ProviderProfile = "aggregator"
)

// ProviderConfig holds the recognized adapter options.
type ProviderConfig struct {
	BaseURL           string `validate:"required,url"`
	APIKey            string
	TimeoutMs         int `validate:"gt=0"`
	RequestsPerMinute int `validate:"gt=0"`
}

var structValidator = validator.New()

// Validate checks the options with struct tags.
func (c ProviderConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	return nil
}

// Timeout converts TimeoutMs into a duration.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ProviderLimits is what an adapter declares about its own budget.
type ProviderLimits struct {
	RequestsPerMinute int
	Timeout           time.Duration
	// RequestsPerFetch is how many upstream requests one Fetch consumes.
	RequestsPerFetch int
}

// Provider is the capability contract every upstream adapter implements.
// Adapters are selected by configuration, never by type inspection.
type Provider interface {
	Name() string
	Profile() ProviderProfile
	Limits() ProviderLimits
	FetchCurrent(ctx context.Context, loc Location) (ObservationField, error)
	FetchForecast(ctx context.Context, loc Location) (ObservationField, error)
}

// Fetch dispatches a data kind to the matching capability.
func Fetch(ctx context.Context, p Provider, loc Location, kind DataKind) (ObservationField, error) {
	switch kind {
	case KindCurrent:
		return p.FetchCurrent(ctx, loc)
	case KindForecast:
		return p.FetchForecast(ctx, loc)
	}
	return ObservationField{}, fmt.Errorf("%s: %w: %q", p.Name(), ErrCapabilityUnsupported, kind)
}

// OfficialAlert is a warning published by a government source.
type OfficialAlert struct {
	ID       string    `json:"id"`
	Event    string    `json:"event"`
	Severity string    `json:"severity"`
	Urgency  string    `json:"urgency,omitempty"`
	Headline string    `json:"headline,omitempty"`
	Area     string    `json:"area,omitempty"`
	Onset    time.Time `json:"onset,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Source   string    `json:"source"`
}

// AlertFeed is an optional capability of government-profile adapters.
type AlertFeed interface {
	ActiveAlerts(ctx context.Context, loc Location) ([]OfficialAlert, error)
}
