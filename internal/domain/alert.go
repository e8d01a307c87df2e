package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// AlertStatus is a state of the per-(geofence, hazard) alert machine.
type AlertStatus string

const (
	StatusQuiet    AlertStatus = "quiet"
	StatusArmed    AlertStatus = "armed"
	StatusFiring   AlertStatus = "firing"
	StatusCooldown AlertStatus = "cooldown"
)

// Severity levels attached to AlertEvents.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"

	// HighSeverityMMH is the peak intensity above which an event is high severity.
	HighSeverityMMH = 5.0
)

// AlertKey identifies an AlertState. Geofences are referenced by id only.
type AlertKey struct {
	GeofenceID string     `json:"geofence_id"`
	Hazard     HazardKind `json:"hazard"`
}

func (k AlertKey) String() string { return k.GeofenceID + "|" + string(k.Hazard) }

// AlertState is the evaluator's memory for one (geofence, hazard) pair.
type AlertState struct {
	GeofenceID  string      `json:"geofence_id"`
	Hazard      HazardKind  `json:"hazard"`
	Status      AlertStatus `json:"status"`
	LastFiredAt time.Time   `json:"last_fired_at,omitempty"`
	// LastVersion is the newest NowcastGrid version evaluated; older or equal
	// versions are discarded.
	LastVersion uint64 `json:"last_version"`
	// ArmedLeadMinutes is the earliest breaching lead seen while armed.
	ArmedLeadMinutes int       `json:"armed_lead_minutes,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Key returns the state's identifier.
func (s AlertState) Key() AlertKey {
	return AlertKey{GeofenceID: s.GeofenceID, Hazard: s.Hazard}
}

// AlertEvent is handed to the notification sink once per firing transition.
type AlertEvent struct {
	ID            string     `json:"id"`
	GeofenceID    string     `json:"geofence_id"`
	Hazard        HazardKind `json:"hazard"`
	LeadMinutes   int        `json:"lead_minutes"`
	Confidence    float64    `json:"confidence"`
	Probability   float64    `json:"probability"`
	PeakIntensity float64    `json:"peak_intensity_mmh"`
	Severity      string     `json:"severity"`
	Message       string     `json:"message"`
	Timestamp     time.Time  `json:"timestamp"`
	GridVersion   uint64     `json:"grid_version"`
	Location      Location   `json:"location"`
}

// EventID derives a deterministic id so a redelivered event can be
// deduplicated downstream.
func EventID(geofenceID string, hazard HazardKind, version uint64) string {
	sum := sha256.Sum256([]byte(geofenceID + "|" + string(hazard) + "|" + strconv.FormatUint(version, 10)))
	return hex.EncodeToString(sum[:16])
}

// SeverityFor classifies a peak intensity.
func SeverityFor(peakMMH float64) string {
	if peakMMH > HighSeverityMMH {
		return SeverityHigh
	}
	return SeverityMedium
}

// AlertMessage renders the human-readable text carried on an event.
func AlertMessage(name string, hazard HazardKind, lead int, peak float64) string {
	if lead == 0 {
		return fmt.Sprintf("%s: %s now, up to %.1f mm/h", name, hazard, peak)
	}
	return fmt.Sprintf("%s: %s expected in %d min, up to %.1f mm/h", name, hazard, lead, peak)
}
