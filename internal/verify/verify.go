// Package verify scores nowcasts against the fields that were later observed.
//
// Scoring is binary: a cell is an event when its intensity is at or above a
// wet threshold. Every (nowcast, lead > 0, cell) triple whose valid time has a
// matching observation contributes one entry to a contingency table; cells
// that are NoData on either side are skipped. The hit rate is the probability
// of detection, hits / (hits + misses).
//
// Alert lead time is measured at the window centre. An onset is an
// observation where the centre turns wet after a dry observation. Its lead
// time is the age of the earliest nowcast that predicted the centre wet at
// the onset time; onsets no nowcast predicted count as undetected and do not
// contribute a lead.
package verify

import (
	"slices"
	"time"

	"github.com/couchcryptid/nowcast-service/internal/domain"
)

// Targets the service is expected to meet.
const (
	TargetHitRate           = 0.75
	TargetMedianLeadMinutes = 5.0
)

// Observation is an observed grid at a valid time.
type Observation struct {
	Time time.Time
	Grid domain.Grid
}

// Contingency is a 2x2 table of forecast versus observed events.
type Contingency struct {
	Hits             int `json:"hits"`
	Misses           int `json:"misses"`
	FalseAlarms      int `json:"false_alarms"`
	CorrectNegatives int `json:"correct_negatives"`
}

func (c *Contingency) add(forecast, observed bool) {
	switch {
	case forecast && observed:
		c.Hits++
	case observed:
		c.Misses++
	case forecast:
		c.FalseAlarms++
	default:
		c.CorrectNegatives++
	}
}

// POD is the probability of detection.
func (c Contingency) POD() float64 { return ratio(c.Hits, c.Hits+c.Misses) }

// FAR is the false alarm ratio.
func (c Contingency) FAR() float64 { return ratio(c.FalseAlarms, c.Hits+c.FalseAlarms) }

// CSI is the critical success index.
func (c Contingency) CSI() float64 { return ratio(c.Hits, c.Hits+c.Misses+c.FalseAlarms) }

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Report is the outcome of Score.
type Report struct {
	Threshold float64             `json:"threshold_mmh"`
	Nowcasts  int                 `json:"nowcasts"`
	Overall   Contingency         `json:"overall"`
	ByLead    map[int]Contingency `json:"by_lead"`

	HitRate float64 `json:"hit_rate"`
	FAR     float64 `json:"far"`
	CSI     float64 `json:"csi"`

	Onsets            int     `json:"onsets"`
	DetectedOnsets    int     `json:"detected_onsets"`
	MedianLeadMinutes float64 `json:"median_lead_minutes"`
}

// MeetsTargets reports whether both service targets are met.
func (r Report) MeetsTargets() bool {
	return r.HitRate > TargetHitRate && r.MedianLeadMinutes > TargetMedianLeadMinutes
}

// Score compares nowcasts with observations on the same window. A
// non-positive threshold uses the wet threshold.
func Score(nowcasts []domain.NowcastGrid, observed []Observation, threshold float64) Report {
	if threshold <= 0 {
		threshold = domain.WetThresholdMMH
	}
	r := Report{Threshold: threshold, Nowcasts: len(nowcasts), ByLead: make(map[int]Contingency)}

	byTime := make(map[int64]domain.Grid, len(observed))
	for _, o := range observed {
		byTime[o.Time.Unix()] = o.Grid
	}

	for _, n := range nowcasts {
		for _, step := range n.Steps {
			if step.LeadMinutes <= 0 {
				continue
			}
			obs, ok := byTime[n.BaseTime.Add(time.Duration(step.LeadMinutes)*time.Minute).Unix()]
			if !ok || len(obs.Cells) != len(step.Grid.Cells) {
				continue
			}
			lead := r.ByLead[step.LeadMinutes]
			for i, f := range step.Grid.Cells {
				o := obs.Cells[i]
				if f < 0 || o < 0 {
					continue
				}
				lead.add(f >= threshold, o >= threshold)
				r.Overall.add(f >= threshold, o >= threshold)
			}
			r.ByLead[step.LeadMinutes] = lead
		}
	}
	r.HitRate = r.Overall.POD()
	r.FAR = r.Overall.FAR()
	r.CSI = r.Overall.CSI()

	leads := onsetLeads(nowcasts, observed, threshold, &r)
	r.MedianLeadMinutes = median(leads)
	return r
}

func onsetLeads(nowcasts []domain.NowcastGrid, observed []Observation, threshold float64, r *Report) []float64 {
	obs := slices.Clone(observed)
	slices.SortFunc(obs, func(a, b Observation) int { return a.Time.Compare(b.Time) })

	var leads []float64
	for i := 1; i < len(obs); i++ {
		prev, cur := centre(obs[i-1].Grid), centre(obs[i].Grid)
		if prev < 0 || cur < 0 || prev >= threshold || cur < threshold {
			continue
		}
		r.Onsets++
		onset := obs[i].Time

		best := -1.0
		for _, n := range nowcasts {
			if !n.BaseTime.Before(onset) {
				continue
			}
			lead := int(onset.Sub(n.BaseTime) / time.Minute)
			step, ok := n.StepAt(lead)
			if !ok || centre(step.Grid) < threshold {
				continue
			}
			if float64(lead) > best {
				best = float64(lead)
			}
		}
		if best > 0 {
			r.DetectedOnsets++
			leads = append(leads, best)
		}
	}
	return leads
}

func centre(g domain.Grid) float64 {
	if g.Rows == 0 || g.Cols == 0 {
		return domain.NoData
	}
	return g.At(g.Rows/2, g.Cols/2)
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := slices.Clone(v)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
