// Package risk scores vehicles and routes over supplied snapshots. All
// functions are pure: callers fetch the snapshot, run the scorer, and
// persist the result themselves.
package risk

import (
	"math"

	"coldchain/internal/model"
)

// LookbackHours is the trailing telemetry window scored per vehicle.
const LookbackHours = 24

// VarianceWindowHours is the trailing window feeding temperature-variance
// inputs for route scoring and forecasting.
const VarianceWindowHours = 6

// HistoryWindowDays bounds the completed-route history factor.
const HistoryWindowDays = 30

// Vehicle factor weights: excursion, severity, variance, trend, freshness.
var vehicleWeights = [5]float64{0.30, 0.25, 0.15, 0.20, 0.10}

// Route factor weights: vehicle, cargo time, pending stops, environmental,
// historical.
var routeWeights = [5]float64{0.35, 0.20, 0.15, 0.20, 0.10}

// Level maps a 0-100 score onto its band: low 0-30, medium 31-60,
// high 61-80, critical 81-100.
func Level(score int) model.RiskLevel {
	switch {
	case score <= 30:
		return model.RiskLow
	case score <= 60:
		return model.RiskMedium
	case score <= 80:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// stddev is the population standard deviation; <2 values score zero spread.
func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	variance := 0.0
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return math.Sqrt(variance)
}
