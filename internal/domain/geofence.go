package domain

import (
	"errors"
	"fmt"
	"math"
)

// HazardKind names the condition a threshold watches.
type HazardKind string

const (
	// HazardPrecipitation is any precipitation at or above the threshold intensity.
	HazardPrecipitation HazardKind = "precipitation"
	// HazardHeavyPrecipitation is the same test with a separate state machine,
	// so a user can be told about rain and again about a downpour.
	HazardHeavyPrecipitation HazardKind = "heavy_precipitation"
)

// WetThresholdMMH is the intensity at which a cell counts as wet.
const WetThresholdMMH = 0.1

// LatLon is a polygon vertex.
type LatLon struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Threshold is one hazard test. At least one of IntensityMMH and Probability
// is set; when both are set both must hold.
type Threshold struct {
	Hazard       HazardKind `json:"hazard" validate:"required,oneof=precipitation heavy_precipitation"`
	IntensityMMH *float64   `json:"intensity_mmh,omitempty" validate:"omitempty,gte=0"`
	Probability  *float64   `json:"probability,omitempty" validate:"omitempty,gt=0,lte=1"`
}

// Geofence is a user-defined region with alert thresholds. The core reads it
// and never writes it back.
type Geofence struct {
	ID     string   `json:"id" validate:"required"`
	Name   string   `json:"name,omitempty"`
	Center Location `json:"center"`
	// RadiusKm is used when Polygon is empty.
	RadiusKm       float64     `json:"radius_km" validate:"gte=0"`
	Polygon        []LatLon    `json:"polygon,omitempty" validate:"omitempty,min=3,dive"`
	Thresholds     []Threshold `json:"thresholds" validate:"required,min=1,dive"`
	MinLeadMinutes int         `json:"min_lead_minutes" validate:"gte=0"`
	// HorizonMinutes bounds which steps may arm the alert. Zero means the
	// whole nowcast horizon.
	HorizonMinutes int `json:"horizon_minutes" validate:"gte=0"`
}

// Validate checks tags plus the cross-field rules tags cannot express.
func (g Geofence) Validate() error {
	if err := structValidator.Struct(g); err != nil {
		return fmt.Errorf("geofence %q: %w", g.ID, err)
	}
	if len(g.Polygon) == 0 && g.RadiusKm <= 0 {
		return fmt.Errorf("geofence %q: needs a polygon or a positive radius", g.ID)
	}
	if g.HorizonMinutes > 0 && g.HorizonMinutes < g.MinLeadMinutes {
		return fmt.Errorf("geofence %q: horizon %d is shorter than min lead %d", g.ID, g.HorizonMinutes, g.MinLeadMinutes)
	}
	seen := make(map[HazardKind]bool, len(g.Thresholds))
	for _, t := range g.Thresholds {
		if t.IntensityMMH == nil && t.Probability == nil {
			return fmt.Errorf("geofence %q: threshold %s sets neither intensity nor probability", g.ID, t.Hazard)
		}
		if seen[t.Hazard] {
			return fmt.Errorf("geofence %q: duplicate threshold for %s", g.ID, t.Hazard)
		}
		seen[t.Hazard] = true
	}
	return nil
}

// Contains reports whether (lat, lon) is inside the geofence.
func (g Geofence) Contains(lat, lon float64) bool {
	if len(g.Polygon) >= 3 {
		return pointInPolygon(lat, lon, g.Polygon)
	}
	return HaversineKm(g.Center.Lat, g.Center.Lon, lat, lon) <= g.RadiusKm
}

// CellsIn returns the flat indices of the window cells whose centres fall
// inside the geofence. A geofence smaller than a cell maps to the cell
// holding its centre.
func (g Geofence) CellsIn(w Window) []int {
	var out []int
	for r := 0; r < w.Rows; r++ {
		for c := 0; c < w.Cols; c++ {
			lat, lon := w.CellCenter(r, c)
			if g.Contains(lat, lon) {
				out = append(out, r*w.Cols+c)
			}
		}
	}
	if len(out) == 0 {
		if r, c, ok := w.CellOf(g.Center.Lat, g.Center.Lon); ok {
			out = append(out, r*w.Cols+c)
		}
	}
	return out
}

// Threshold returns the threshold for hazard.
func (g Geofence) Threshold(h HazardKind) (Threshold, bool) {
	for _, t := range g.Thresholds {
		if t.Hazard == h {
			return t, true
		}
	}
	return Threshold{}, false
}

// ErrGeofenceNotFound is returned by geofence sources for unknown ids.
var ErrGeofenceNotFound = errors.New("geofence not found")

// pointInPolygon is the even-odd ray casting test with lon as x and lat as y.
func pointInPolygon(lat, lon float64, poly []LatLon) bool {
	inside := false
	j := len(poly) - 1
	for i := range poly {
		yi, xi := poly[i].Lat, poly[i].Lon
		yj, xj := poly[j].Lat, poly[j].Lon
		if (yi > lat) != (yj > lat) {
			x := (xj-xi)*(lat-yi)/(yj-yi) + xi
			if lon < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// IntensityOrWet returns the threshold intensity, or the wet threshold when
// only a probability is configured.
func (t Threshold) IntensityOrWet() float64 {
	if t.IntensityMMH != nil {
		return *t.IntensityMMH
	}
	return WetThresholdMMH
}

// Breached reports whether a step with the given peak intensity and
// probability satisfies the threshold.
func (t Threshold) Breached(peak, probability float64) bool {
	if t.IntensityMMH != nil && peak < *t.IntensityMMH {
		return false
	}
	if t.Probability != nil && probability+1e-12 < *t.Probability {
		return false
	}
	return peak >= t.IntensityOrWet() && !math.IsNaN(probability)
}
