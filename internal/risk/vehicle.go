package risk

import (
	"math"
	"time"

	"coldchain/internal/model"
)

// ScoreVehicle reduces a vehicle's trailing telemetry window to a risk
// assessment. Samples are expected in recorded-at order. An empty window
// scores 0/low.
func ScoreVehicle(v model.Vehicle, samples []model.TelemetrySample, now time.Time) model.RiskAssessment {
	if len(samples) == 0 {
		return model.RiskAssessment{Score: 0, Level: model.RiskLow}
	}

	factors := [5]float64{
		excursionFactor(v, samples),
		severityFactor(v, samples),
		varianceFactor(samples),
		trendFactor(v, samples),
		freshnessFactor(samples, now),
	}

	weighted := 0.0
	for i, f := range factors {
		weighted += f * vehicleWeights[i]
	}
	score := int(math.Round(weighted))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return model.RiskAssessment{Score: score, Level: Level(score)}
}

// excursionFactor: fraction of temperature readings outside the vehicle's
// range, scaled to 0-100.
func excursionFactor(v model.Vehicle, samples []model.TelemetrySample) float64 {
	total := 0
	out := 0
	for _, s := range samples {
		if s.TempC == nil {
			continue
		}
		total++
		if v.OutOfRange(*s.TempC) {
			out++
		}
	}
	if total == 0 {
		return 0
	}
	return math.Round(float64(out) / float64(total) * 100)
}

// severityFactor: worst single deviation beyond a threshold, 10 points per
// degree, capped at 100.
func severityFactor(v model.Vehicle, samples []model.TelemetrySample) float64 {
	if v.MinTempC == nil && v.MaxTempC == nil {
		return 0
	}
	maxDev := 0.0
	for _, s := range samples {
		if s.TempC == nil {
			continue
		}
		t := *s.TempC
		if v.MinTempC != nil && t < *v.MinTempC {
			maxDev = math.Max(maxDev, *v.MinTempC-t)
		}
		if v.MaxTempC != nil && t > *v.MaxTempC {
			maxDev = math.Max(maxDev, t-*v.MaxTempC)
		}
	}
	return math.Min(math.Round(maxDev*10), 100)
}

// varianceFactor: temperature standard deviation, 20 points per degree of
// spread, capped at 100.
func varianceFactor(samples []model.TelemetrySample) float64 {
	temps := temperatures(samples)
	if len(temps) < 2 {
		return 0
	}
	return math.Min(math.Round(stddev(temps)*20), 100)
}

// trendFactor compares the first and second half of the last ten readings
// and scores only when the average is drifting away from the midpoint of
// the safe range.
func trendFactor(v model.Vehicle, samples []model.TelemetrySample) float64 {
	if v.MinTempC == nil || v.MaxTempC == nil {
		return 0
	}
	temps := temperatures(samples)
	if len(temps) > 10 {
		temps = temps[len(temps)-10:]
	}
	if len(temps) < 3 {
		return 0
	}
	half := len(temps) / 2
	firstAvg := mean(temps[:half])
	secondAvg := mean(temps[len(temps)-half:])
	trend := secondAvg - firstAvg

	mid := (*v.MinTempC + *v.MaxTempC) / 2
	currentAvg := mean(temps[len(temps)-3:])

	if (currentAvg > mid && trend > 0) || (currentAvg < mid && trend < 0) {
		return math.Min(math.Round(math.Abs(trend)*20), 100)
	}
	return 0
}

// freshnessFactor penalizes stale data in steps: fresh under an hour, then
// 25/50/75/100 at the 4h/12h/24h thresholds.
func freshnessFactor(samples []model.TelemetrySample, now time.Time) float64 {
	last := samples[len(samples)-1]
	if last.RecordedAt.IsZero() {
		return 100
	}
	age := now.Sub(last.RecordedAt)
	switch {
	case age < time.Hour:
		return 0
	case age < 4*time.Hour:
		return 25
	case age < 12*time.Hour:
		return 50
	case age < 24*time.Hour:
		return 75
	default:
		return 100
	}
}

func temperatures(samples []model.TelemetrySample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.TempC != nil {
			out = append(out, *s.TempC)
		}
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
