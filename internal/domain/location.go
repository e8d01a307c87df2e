package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Location is a WGS-84 point the service tracks. It is a value type and is
// never mutated after construction.
type Location struct {
	Lat   float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon   float64 `json:"lon" validate:"gte=-180,lte=180"`
	Label string  `json:"label,omitempty"`
}

// NewLocation validates coordinates and returns a Location.
func NewLocation(lat, lon float64, label string) (Location, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return Location{}, fmt.Errorf("latitude %v out of range", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return Location{}, fmt.Errorf("longitude %v out of range", lon)
	}
	return Location{Lat: lat, Lon: lon, Label: label}, nil
}

// Key identifies the location in caches and stores. Coordinates are rounded
// to four decimals (~11 m) so that equivalent requests share a key; the label
// does not participate.
func (l Location) Key() string {
	return strconv.FormatFloat(round4(l.Lat), 'f', 4, 64) + "," + strconv.FormatFloat(round4(l.Lon), 'f', 4, 64)
}

func (l Location) String() string {
	if l.Label != "" {
		return l.Label + " (" + l.Key() + ")"
	}
	return l.Key()
}

// ParseLocations parses "lat,lon[,label];lat,lon[,label]" lists.
func ParseLocations(s string) ([]Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []Location
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ",", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("location %q: want lat,lon[,label]", part)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("location %q: latitude: %w", part, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("location %q: longitude: %w", part, err)
		}
		label := ""
		if len(fields) == 3 {
			label = strings.TrimSpace(fields[2])
		}
		loc, err := NewLocation(lat, lon, label)
		if err != nil {
			return nil, fmt.Errorf("location %q: %w", part, err)
		}
		out = append(out, loc)
	}
	return out, nil
}

// HaversineKm returns the great-circle distance between two points in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// round4 rounds to four decimals; adding zero folds -0 into +0.
func round4(v float64) float64 {
	return math.Round(v*1e4)/1e4 + 0
}
