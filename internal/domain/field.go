package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// NoData marks a grid cell without a valid intensity. Intensities are
// non-negative, so the sentinel cannot collide with a real value.
const NoData = -1.0

// DataKind selects which provider capability populates a cache entry.
type DataKind string

const (
	KindCurrent  DataKind = "current"
	KindForecast DataKind = "forecast"
)

// ParseDataKind accepts "current" or "forecast".
func ParseDataKind(s string) (DataKind, error) {
	switch DataKind(s) {
	case KindCurrent, KindForecast:
		return DataKind(s), nil
	}
	return "", fmt.Errorf("unknown data kind %q", s)
}

// Quality is the trust level attached to an ObservationField.
type Quality string

const (
	QualityHigh    Quality = "high"    // authoritative source, strict schema
	QualityDerived Quality = "derived" // interpolated or blended upstream data
	QualityLow     Quality = "low"     // stale, partial or otherwise suspect
)

// ConfidenceCeiling is the highest nowcast confidence a field of this quality
// may support.
func (q Quality) ConfidenceCeiling() float64 {
	switch q {
	case QualityHigh:
		return 1.0
	case QualityDerived:
		return 0.85
	default:
		return 0.5
	}
}

func (q Quality) rank() int {
	switch q {
	case QualityHigh:
		return 2
	case QualityDerived:
		return 1
	default:
		return 0
	}
}

// Worse returns the lower of two quality levels.
func (q Quality) Worse(o Quality) Quality {
	if o.rank() < q.rank() {
		return o
	}
	return q
}

// Window is the spatial extent of a grid. Row 0 is the northern edge and
// column 0 the western edge; cells are square in degrees.
type Window struct {
	North   float64 `json:"north"`
	West    float64 `json:"west"`
	CellDeg float64 `json:"cell_deg"`
	Rows    int     `json:"rows"`
	Cols    int     `json:"cols"`
}

// WindowAround centres a rows x cols window on loc.
func WindowAround(loc Location, rows, cols int, cellDeg float64) Window {
	return Window{
		North:   loc.Lat + float64(rows)*cellDeg/2,
		West:    loc.Lon - float64(cols)*cellDeg/2,
		CellDeg: cellDeg,
		Rows:    rows,
		Cols:    cols,
	}
}

// CellCenter returns the coordinates of the centre of cell (r, c).
func (w Window) CellCenter(r, c int) (lat, lon float64) {
	return w.North - (float64(r)+0.5)*w.CellDeg, w.West + (float64(c)+0.5)*w.CellDeg
}

// CellOf returns the cell containing (lat, lon).
func (w Window) CellOf(lat, lon float64) (r, c int, ok bool) {
	if w.CellDeg <= 0 {
		return 0, 0, false
	}
	r = int(math.Floor((w.North - lat) / w.CellDeg))
	c = int(math.Floor((lon - w.West) / w.CellDeg))
	if r < 0 || r >= w.Rows || c < 0 || c >= w.Cols {
		return 0, 0, false
	}
	return r, c, true
}

// Aligned reports whether two windows describe the same cells.
func (w Window) Aligned(o Window) bool {
	const eps = 1e-9
	return w.Rows == o.Rows && w.Cols == o.Cols &&
		math.Abs(w.North-o.North) < eps && math.Abs(w.West-o.West) < eps &&
		math.Abs(w.CellDeg-o.CellDeg) < eps
}

// Grid is a row-major raster of precipitation intensities in mm/h.
type Grid struct {
	Rows  int       `json:"rows"`
	Cols  int       `json:"cols"`
	Cells []float64 `json:"cells"`
}

// NewGrid returns a rows x cols grid filled with zeros.
func NewGrid(rows, cols int) Grid {
	return Grid{Rows: rows, Cols: cols, Cells: make([]float64, rows*cols)}
}

// FilledGrid returns a grid with every cell set to v.
func FilledGrid(rows, cols int, v float64) Grid {
	g := NewGrid(rows, cols)
	for i := range g.Cells {
		g.Cells[i] = v
	}
	return g
}

func (g Grid) InBounds(r, c int) bool {
	return r >= 0 && r < g.Rows && c >= 0 && c < g.Cols
}

// At returns the value at (r, c), or NoData outside the grid.
func (g Grid) At(r, c int) float64 {
	if !g.InBounds(r, c) {
		return NoData
	}
	return g.Cells[r*g.Cols+c]
}

func (g Grid) Set(r, c int, v float64) {
	g.Cells[r*g.Cols+c] = v
}

// Valid reports whether (r, c) is inside the grid and holds data.
func (g Grid) Valid(r, c int) bool {
	return g.InBounds(r, c) && g.Cells[r*g.Cols+c] >= 0
}

func (g Grid) Clone() Grid {
	cells := make([]float64, len(g.Cells))
	copy(cells, g.Cells)
	return Grid{Rows: g.Rows, Cols: g.Cols, Cells: cells}
}

// Total sums all valid cells.
func (g Grid) Total() float64 {
	var sum float64
	for _, v := range g.Cells {
		if v > 0 {
			sum += v
		}
	}
	return sum
}

// Max returns the largest valid intensity, or 0 when none is valid.
func (g Grid) Max() float64 {
	var m float64
	for _, v := range g.Cells {
		if v > m {
			m = v
		}
	}
	return m
}

// Provenance records where a field came from.
type Provenance struct {
	Provider  string          `json:"provider"`
	Profile   ProviderProfile `json:"profile"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// ObservationField is a normalized precipitation snapshot over a window.
type ObservationField struct {
	Timestamp  time.Time  `json:"timestamp"`
	Location   Location   `json:"location"`
	Kind       DataKind   `json:"kind"`
	Window     Window     `json:"window"`
	Grid       Grid       `json:"grid"`
	Provenance Provenance `json:"provenance"`
	Quality    Quality    `json:"quality"`
}

// Validate checks structural consistency. Adapters call it before returning
// a field so malformed data never reaches the cache.
func (f ObservationField) Validate() error {
	if f.Timestamp.IsZero() {
		return errors.New("field timestamp is zero")
	}
	if f.Grid.Rows <= 0 || f.Grid.Cols <= 0 {
		return fmt.Errorf("grid shape %dx%d is empty", f.Grid.Rows, f.Grid.Cols)
	}
	if len(f.Grid.Cells) != f.Grid.Rows*f.Grid.Cols {
		return fmt.Errorf("grid has %d cells, want %d", len(f.Grid.Cells), f.Grid.Rows*f.Grid.Cols)
	}
	if f.Window.Rows != f.Grid.Rows || f.Window.Cols != f.Grid.Cols {
		return fmt.Errorf("window %dx%d does not match grid %dx%d", f.Window.Rows, f.Window.Cols, f.Grid.Rows, f.Grid.Cols)
	}
	for i, v := range f.Grid.Cells {
		if math.IsNaN(v) || math.IsInf(v, 0) || (v < 0 && v != NoData) {
			return fmt.Errorf("cell %d has invalid intensity %v", i, v)
		}
	}
	return nil
}

// CentreIntensity returns the intensity of the cell containing the field's location.
func (f ObservationField) CentreIntensity() float64 {
	r, c, ok := f.Window.CellOf(f.Location.Lat, f.Location.Lon)
	if !ok {
		return NoData
	}
	return f.Grid.At(r, c)
}
