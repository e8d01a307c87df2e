package domain

import "time"

// Degradation reasons recorded on a NowcastGrid.
const (
	DegradedInsufficientHistory = "insufficient_history"
	DegradedMotionFailed        = "motion_estimation_failed"
	DegradedLowQuality          = "low_quality_input"
	DegradedWindowMismatch      = "window_mismatch"
)

// MotionVector is the estimated displacement of precipitation features in
// grid cells per observation interval. DX is positive eastward, DY positive
// southward (increasing row index).
type MotionVector struct {
	DX          float64 `json:"dx"`
	DY          float64 `json:"dy"`
	Correlation float64 `json:"correlation"`
	Estimated   bool    `json:"estimated"`
}

// NowcastStep is the predicted field at one lead time.
type NowcastStep struct {
	LeadMinutes int       `json:"lead_minutes"`
	ValidAt     time.Time `json:"valid_at"`
	Grid        Grid      `json:"grid"`
	Confidence  float64   `json:"confidence"`
}

// NowcastGrid is a short-horizon forecast derived from recent fields. It is
// superseded, never mutated, by the next computation.
type NowcastGrid struct {
	Version  uint64        `json:"version"`
	Location Location      `json:"location"`
	BaseTime time.Time     `json:"base_time"`
	Interval time.Duration `json:"interval"`
	Window   Window        `json:"window"`
	Motion   MotionVector  `json:"motion"`
	// Steps are ordered by lead; Steps[0] is the latest observation at lead 0.
	Steps    []NowcastStep `json:"steps"`
	Degraded []string      `json:"degraded,omitempty"`
	Provider string        `json:"provider"`
	Stale    bool          `json:"stale,omitempty"`

	// PrecipStartMinutes and PrecipEndMinutes describe the centre cell: the
	// first wet lead and the first dry lead after it. Nil when not predicted.
	PrecipStartMinutes *int `json:"precip_start_minutes,omitempty"`
	PrecipEndMinutes   *int `json:"precip_end_minutes,omitempty"`
}

// StepAt returns the step with the given lead.
func (n NowcastGrid) StepAt(lead int) (NowcastStep, bool) {
	for _, s := range n.Steps {
		if s.LeadMinutes == lead {
			return s, true
		}
	}
	return NowcastStep{}, false
}

// HasDegradation reports whether reason was recorded.
func (n NowcastGrid) HasDegradation(reason string) bool {
	for _, d := range n.Degraded {
		if d == reason {
			return true
		}
	}
	return false
}
