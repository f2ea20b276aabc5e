// Package aggregation rolls matched arrivals up into reliability score
// aggregates per (stop, route, day type, hour bucket).
package aggregation

import (
	"math"
	"time"
)

// Scoring defaults. OnTimeThresholdSec is the absolute delay under which
// an arrival counts as on time; the caps normalize the percentile terms.
const (
	DefaultOnTimeThresholdSec = 120
	DefaultMinSamples         = 20
)

// ScoreParams holds the composite score weights and percentile caps.
type ScoreParams struct {
	WeightOnTime float64
	WeightP95    float64
	WeightP50    float64
	P95CapSec    float64
	P50CapSec    float64
}

// DefaultScoreParams returns the production scoring parameters.
func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		WeightOnTime: 0.60,
		WeightP95:    0.25,
		WeightP50:    0.15,
		P95CapSec:    900,
		P50CapSec:    300,
	}
}

// ComputeScore combines on-time rate and delay percentiles into a 0-100
// reliability score. The percentile terms degrade linearly up to their
// caps; p50 uses absolute delay so chronic earliness also penalizes.
func ComputeScore(onTimeRate, p95DelaySec, p50DelaySec float64, params ScoreParams) int64 {
	p95Term := clamp01(1 - p95DelaySec/params.P95CapSec)
	p50Term := clamp01(1 - math.Abs(p50DelaySec)/params.P50CapSec)

	raw := 100 * (params.WeightOnTime*clamp01(onTimeRate) +
		params.WeightP95*p95Term +
		params.WeightP50*p50Term)

	score := int64(math.Round(raw))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DayType classifies a service date as weekday, saturday or sunday.
func DayType(serviceDate time.Time) string {
	switch serviceDate.Weekday() {
	case time.Saturday:
		return "saturday"
	case time.Sunday:
		return "sunday"
	default:
		return "weekday"
	}
}

// HourBucket maps a local hour of day onto its three-hour scoring bucket.
// Hours outside the 06:00-21:00 service span return false and are
// excluded from aggregation.
func HourBucket(hour int) (string, bool) {
	switch {
	case hour >= 6 && hour < 9:
		return "6-9", true
	case hour >= 9 && hour < 12:
		return "9-12", true
	case hour >= 12 && hour < 15:
		return "12-15", true
	case hour >= 15 && hour < 18:
		return "15-18", true
	case hour >= 18 && hour < 21:
		return "18-21", true
	default:
		return "", false
	}
}

// Percentile computes the p-th percentile (0 <= p <= 1) of an ascending
// slice using linear interpolation between closest ranks, matching SQL
// PERCENTILE_CONT. The input must be sorted and non-empty.
func Percentile(sorted []int64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return float64(sorted[0])
	}

	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	if lo >= n-1 {
		return float64(sorted[n-1])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo]) + frac*float64(sorted[lo+1]-sorted[lo])
}
