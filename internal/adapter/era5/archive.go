// Package era5 reads total precipitation from ERA5 reanalysis NetCDF files.
// The archive backs offline verification and can also stand in for a live
// provider when replaying a past storm.
package era5

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// Name is the provider name used in provenance.
const Name = "era5"

// TZ=UTC date --date="1900-01-01 00:00:00" +%s
const unixSecs1900 = -2208988800

// slicer is the part of api.VarGetter the archive reads precipitation through.
type slicer interface {
	GetSlice(begin, end int64) (interface{}, error)
}

// Archive is an opened ERA5 file. Latitudes are north-first as ERA5 stores
// them, which matches the window row order.
type Archive struct {
	nc     api.Group
	lats   []float32
	lons   []float32
	times  []time.Time
	tp     slicer
	scale  float64
	offset float64
	fill   *int16
}

// Open reads the coordinate variables and the "tp" metadata.
func Open(path string) (*Archive, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("era5: open %s: %w", path, err)
	}
	a, err := load(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("era5: %s: %w", path, err)
	}
	return a, nil
}

func load(nc api.Group) (*Archive, error) {
	a := &Archive{nc: nc, scale: 1}
	var err error
	if a.lats, err = dimValues[float32](nc, "latitude"); err != nil {
		return nil, err
	}
	if a.lons, err = dimValues[float32](nc, "longitude"); err != nil {
		return nil, err
	}
	if a.times, err = timeValues(nc); err != nil {
		return nil, err
	}

	tp, err := nc.GetVarGetter("tp")
	if err != nil {
		return nil, fmt.Errorf("tp: %w", err)
	}
	a.tp = tp
	if attrs := tp.Attributes(); attrs != nil {
		if v, ok := attrs.Get("scale_factor"); ok {
			a.scale = toFloat(v, 1)
		}
		if v, ok := attrs.Get("add_offset"); ok {
			a.offset = toFloat(v, 0)
		}
		if v, ok := attrs.Get("_FillValue"); ok {
			if f, ok := v.(int16); ok {
				a.fill = &f
			}
		}
	}
	return a, nil
}

func dimValues[T int32 | int64 | float32](nc api.Group, name string) ([]T, error) {
	vg, err := nc.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	v, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	out, ok := v.([]T)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", name, v)
	}
	return out, nil
}

// timeValues handles both the legacy "time" (int32 hours since 1900) and the
// newer "valid_time" (int64 seconds since 1970) coordinate.
func timeValues(nc api.Group) ([]time.Time, error) {
	if hours, err := dimValues[int32](nc, "time"); err == nil {
		out := make([]time.Time, len(hours))
		for i, h := range hours {
			out[i] = time.Unix(int64(h)*3600+unixSecs1900, 0).UTC()
		}
		return out, nil
	}
	secs, err := dimValues[int64](nc, "valid_time")
	if err != nil {
		return nil, errors.New("no time or valid_time coordinate")
	}
	out := make([]time.Time, len(secs))
	for i, s := range secs {
		out[i] = time.Unix(s, 0).UTC()
	}
	return out, nil
}

func toFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case []float64:
		if len(x) == 1 {
			return x[0]
		}
	case []float32:
		if len(x) == 1 {
			return float64(x[0])
		}
	}
	return def
}

// Close releases the file.
func (a *Archive) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
}

// Times returns the archive's time steps in file order.
func (a *Archive) Times() []time.Time { return a.times }

// CellDeg is the archive's grid spacing.
func (a *Archive) CellDeg() float64 {
	if len(a.lats) < 2 {
		return 0.25
	}
	return math.Abs(float64(a.lats[0] - a.lats[1]))
}

// IndexAt returns the last time step at or before t.
func (a *Archive) IndexAt(t time.Time) (int, bool) {
	i := sort.Search(len(a.times), func(i int) bool { return a.times[i].After(t) })
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

// Field extracts a rows x cols window centred on the archive cell nearest
// loc at time step idx. Cells beyond the archive extent are NoData. ERA5 tp
// is metres accumulated over the hour, so metres*1000 is mm/h.
func (a *Archive) Field(idx int, loc domain.Location, rows, cols int) (domain.ObservationField, error) {
	if idx < 0 || idx >= len(a.times) {
		return domain.ObservationField{}, fmt.Errorf("era5: time index %d out of range", idx)
	}
	raw, err := a.tp.GetSlice(int64(idx), int64(idx)+1)
	if err != nil {
		return domain.ObservationField{}, fmt.Errorf("era5: read tp[%d]: %w", idx, err)
	}
	slab, err := a.unpack(raw)
	if err != nil {
		return domain.ObservationField{}, domain.NewParseError(Name, "tp slab", err)
	}

	ci, cj := nearest(a.lats, loc.Lat), nearest(a.lons, loc.Lon)
	cell := a.CellDeg()
	grid := domain.FilledGrid(rows, cols, domain.NoData)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i, j := ci+r-rows/2, cj+c-cols/2
			if i < 0 || i >= len(slab) || j < 0 || j >= len(slab[i]) {
				continue
			}
			grid.Set(r, c, slab[i][j])
		}
	}

	centreLat := float64(a.lats[ci])
	centreLon := float64(a.lons[cj])
	f := domain.ObservationField{
		Timestamp: a.times[idx],
		Location:  loc,
		Kind:      domain.KindCurrent,
		Window: domain.Window{
			North:   centreLat + (float64(rows/2)+0.5)*cell,
			West:    centreLon - (float64(cols/2)+0.5)*cell,
			CellDeg: cell,
			Rows:    rows,
			Cols:    cols,
		},
		Grid:       grid,
		Provenance: domain.Provenance{Provider: Name, Profile: domain.ProfileGovernment, FetchedAt: a.times[idx]},
		Quality:    domain.QualityHigh,
	}
	if err := f.Validate(); err != nil {
		return domain.ObservationField{}, domain.NewParseError(Name, "field", err)
	}
	return f, nil
}

// unpack converts one time step into mm/h, applying the CF packing attributes.
func (a *Archive) unpack(raw any) ([][]float64, error) {
	conv := func(m float64) float64 {
		mm := (m*a.scale + a.offset) * 1000
		// Packing error can produce tiny negatives.
		return math.Max(0, mm)
	}
	switch v := raw.(type) {
	case [][][]int16:
		if len(v) != 1 {
			return nil, fmt.Errorf("want one time step, got %d", len(v))
		}
		out := make([][]float64, len(v[0]))
		for i, row := range v[0] {
			out[i] = make([]float64, len(row))
			for j, x := range row {
				if a.fill != nil && x == *a.fill {
					out[i][j] = domain.NoData
					continue
				}
				out[i][j] = conv(float64(x))
			}
		}
		return out, nil
	case [][][]float32:
		if len(v) != 1 {
			return nil, fmt.Errorf("want one time step, got %d", len(v))
		}
		out := make([][]float64, len(v[0]))
		for i, row := range v[0] {
			out[i] = make([]float64, len(row))
			for j, x := range row {
				if math.IsNaN(float64(x)) {
					out[i][j] = domain.NoData
					continue
				}
				out[i][j] = conv(float64(x))
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected tp type %T", raw)
}

// nearest returns the index of the coordinate closest to v.
func nearest(coords []float32, v float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range coords {
		if d := math.Abs(float64(c) - v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
