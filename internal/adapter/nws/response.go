package nws

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NWS API response types. Only the fields the adapter reads are declared.

type pointsResponse struct {
	Properties struct {
		GridID string `json:"gridId"`
		GridX  *int   `json:"gridX"`
		GridY  *int   `json:"gridY"`
	} `json:"properties"`
}

type gridpointResponse struct {
	Properties struct {
		QuantitativePrecipitation *valueSeries `json:"quantitativePrecipitation"`
	} `json:"properties"`
}

type valueSeries struct {
	UOM    string        `json:"uom"`
	Values []seriesValue `json:"values"`
}

type seriesValue struct {
	ValidTime string   `json:"validTime"` // "2024-06-01T12:00:00+00:00/PT1H"
	Value     *float64 `json:"value"`
}

type alertsResponse struct {
	Features []struct {
		Properties struct {
			ID       string    `json:"id"`
			Event    string    `json:"event"`
			Severity string    `json:"severity"`
			Urgency  string    `json:"urgency"`
			Headline string    `json:"headline"`
			AreaDesc string    `json:"areaDesc"`
			Onset    time.Time `json:"onset"`
			Expires  time.Time `json:"expires"`
		} `json:"properties"`
	} `json:"features"`
}

// parseValidTime splits an ISO 8601 "start/duration" interval.
func parseValidTime(s string) (time.Time, time.Duration, error) {
	startStr, durStr, ok := strings.Cut(s, "/")
	if !ok {
		return time.Time{}, 0, fmt.Errorf("interval %q has no duration", s)
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("interval start: %w", err)
	}
	dur, err := parseISODuration(durStr)
	if err != nil {
		return time.Time{}, 0, err
	}
	return start, dur, nil
}

// parseISODuration handles the day/hour/minute subset NWS emits, e.g.
// "PT1H", "PT30M", "P1DT6H".
func parseISODuration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("duration %q: want P[nD][T[nH][nM]]", s)
	}
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("duration %q: missing number before %c", s, r)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("duration %q: %w", s, err)
			}
			num = ""
			switch {
			case r == 'D' && !inTime:
				total += time.Duration(n) * 24 * time.Hour
			case r == 'H' && inTime:
				total += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				total += time.Duration(n) * time.Minute
			default:
				return 0, fmt.Errorf("duration %q: unsupported designator %c", s, r)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("duration %q: trailing number", s)
	}
	if total <= 0 {
		return 0, errors.New("duration " + s + " is not positive")
	}
	return total, nil
}
