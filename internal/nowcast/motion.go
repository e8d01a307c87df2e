package nowcast

import (
	"math"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// estimateMotion finds the integer displacement (dx, dy) within radius that
// maximises the Pearson correlation between prev and the latest grid shifted
// back by that displacement. Ties go to the smaller displacement.
//
// The result is marked Estimated only when the best correlation reaches
// minCorr over at least minOverlap paired cells.
func estimateMotion(prev, latest domain.Grid, radius int, minCorr float64) domain.MotionVector {
	best := domain.MotionVector{Correlation: math.Inf(-1)}
	bestDist := math.MaxInt
	minOverlap := max(4, prev.Rows*prev.Cols/4)

	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			corr, n := correlateAt(prev, latest, dx, dy)
			if n < minOverlap || math.IsNaN(corr) {
				continue
			}
			dist := dx*dx + dy*dy
			if corr > best.Correlation+1e-9 || (math.Abs(corr-best.Correlation) <= 1e-9 && dist < bestDist) {
				best = domain.MotionVector{DX: float64(dx), DY: float64(dy), Correlation: corr}
				bestDist = dist
			}
		}
	}
	if math.IsInf(best.Correlation, -1) {
		return domain.MotionVector{}
	}
	best.Estimated = best.Correlation >= minCorr
	if !best.Estimated {
		best.DX, best.DY = 0, 0
	}
	return best
}

// correlateAt pairs prev(r, c) with latest(r+dy, c+dx) over cells valid in
// both and returns the Pearson coefficient and the number of pairs. A
// constant series has no defined correlation and yields NaN.
func correlateAt(prev, latest domain.Grid, dx, dy int) (float64, int) {
	var n int
	var sx, sy, sxx, syy, sxy float64
	for r := 0; r < prev.Rows; r++ {
		for c := 0; c < prev.Cols; c++ {
			if !prev.Valid(r, c) || !latest.Valid(r+dy, c+dx) {
				continue
			}
			x := prev.At(r, c)
			y := latest.At(r+dy, c+dx)
			n++
			sx += x
			sy += y
			sxx += x * x
			syy += y * y
			sxy += x * y
		}
	}
	if n == 0 {
		return math.NaN(), 0
	}
	fn := float64(n)
	cov := sxy - sx*sy/fn
	vx := sxx - sx*sx/fn
	vy := syy - sy*sy/fn
	if vx <= 1e-12 || vy <= 1e-12 {
		return math.NaN(), n
	}
	return cov / math.Sqrt(vx*vy), n
}
