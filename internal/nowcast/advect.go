package nowcast

import (
	"math"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

const weightEps = 1e-9

// advect shifts g by (dx, dy) cells and scales every value by factor. Each
// target cell samples its source position with bilinear interpolation; a
// source outside the grid, or touching a no-data cell, yields NoData.
func advect(g domain.Grid, dx, dy, factor float64) domain.Grid {
	out := domain.NewGrid(g.Rows, g.Cols)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			v, ok := sample(g, float64(r)-dy, float64(c)-dx)
			if !ok {
				out.Set(r, c, domain.NoData)
				continue
			}
			out.Set(r, c, math.Max(0, v*factor))
		}
	}
	return out
}

// sample interpolates g at fractional position (r, c).
func sample(g domain.Grid, r, c float64) (float64, bool) {
	if r < -weightEps || c < -weightEps || r > float64(g.Rows-1)+weightEps || c > float64(g.Cols-1)+weightEps {
		return 0, false
	}
	r0 := int(math.Floor(r + weightEps))
	c0 := int(math.Floor(c + weightEps))
	fr := math.Max(0, r-float64(r0))
	fc := math.Max(0, c-float64(c0))

	var sum float64
	corners := [4]struct {
		r, c int
		w    float64
	}{
		{r0, c0, (1 - fr) * (1 - fc)},
		{r0, c0 + 1, (1 - fr) * fc},
		{r0 + 1, c0, fr * (1 - fc)},
		{r0 + 1, c0 + 1, fr * fc},
	}
	for _, k := range corners {
		if k.w <= weightEps {
			continue
		}
		if !g.Valid(k.r, k.c) {
			return 0, false
		}
		sum += k.w * g.At(k.r, k.c)
	}
	return sum, true
}

// trendFactor linearly extrapolates total precipitation volume k intervals
// ahead and returns it relative to the latest total, clamped to [0, maxGrowth].
func trendFactor(prevTotal, latestTotal, k, maxGrowth float64) float64 {
	if latestTotal <= 0 {
		return 1
	}
	projected := latestTotal + (latestTotal-prevTotal)*k
	return math.Min(math.Max(projected, 0)/latestTotal, maxGrowth)
}
