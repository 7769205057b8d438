// Package forecast projects excursion and on-time probabilities for routes
// from the same signals the risk scorers use, plus trend and variance.
// Like the scorers it is pure: callers supply the snapshot.
package forecast

import (
	"math"
	"sort"
	"time"

	"coldchain/internal/model"
)

// Probability thresholds for forecast-driven alerting.
const (
	ExcursionWatchThreshold = 0.4
	EarlyWarningThreshold   = 0.6
	CriticalThreshold       = 0.8
)

const defaultMaxTransitHours = 24

// Input is the forecast snapshot for one route. Vehicle and Latest may be
// nil; RecentTemps covers the trailing six hours.
type Input struct {
	Route       model.Route
	Vehicle     *model.Vehicle
	Latest      *model.TelemetrySample
	RecentTemps []float64
	Now         time.Time
}

// Forecast computes excursion/on-time probabilities, the combined risk
// band, and prioritized recommendations for a route.
func Forecast(in Input) model.ForecastResult {
	f := computeFactors(in)

	excursion := clamp01(0.05 +
		f.CurrentTempDeviation*0.3 +
		f.TempVariance*0.2 +
		f.VehicleRisk*0.25 +
		f.RouteProgress*0.1 +
		f.TimeInTransit*0.15)

	ontime := 0.5
	if in.Route.InProgress() {
		ontime = clamp01(0.9 - f.Delay*0.4 - f.RemainingStops*0.2 - f.RouteRisk*0.1)
	}

	excursion = round2(excursion)
	ontime = round2(ontime)

	return model.ForecastResult{
		RouteID:              in.Route.ID,
		ExcursionProbability: excursion,
		OntimeProbability:    ontime,
		RiskBand:             riskBand(excursion, ontime),
		Factors:              f,
		EarlyWarning:         excursion >= EarlyWarningThreshold,
		Recommendations:      recommendations(excursion, ontime, f),
		GeneratedAt:          in.Now,
	}
}

// EarlyWarnings runs the forecast over in-progress routes and keeps those
// at or above the early-warning threshold, worst first.
func EarlyWarnings(inputs []Input) []model.EarlyWarning {
	warnings := []model.EarlyWarning{}
	for _, in := range inputs {
		if !in.Route.InProgress() {
			continue
		}
		fc := Forecast(in)
		if fc.ExcursionProbability < EarlyWarningThreshold {
			continue
		}
		level := "elevated"
		if fc.ExcursionProbability >= CriticalThreshold {
			level = "critical"
		}
		w := model.EarlyWarning{
			RouteID:   in.Route.ID,
			RouteName: in.Route.Name,
			Forecast:  fc,
			Level:     level,
		}
		if in.Vehicle != nil {
			w.VehicleName = in.Vehicle.Name
		}
		warnings = append(warnings, w)
	}
	sort.SliceStable(warnings, func(i, j int) bool {
		return warnings[i].Forecast.ExcursionProbability > warnings[j].Forecast.ExcursionProbability
	})
	return warnings
}

func computeFactors(in Input) model.ForecastFactors {
	return model.ForecastFactors{
		CurrentTempDeviation: tempDeviationFactor(in),
		TempVariance:         tempVarianceFactor(in.RecentTemps),
		VehicleRisk:          vehicleRiskFactor(in.Vehicle),
		RouteProgress:        routeProgressFactor(in.Route),
		TimeInTransit:        timeInTransitFactor(in),
		Delay:                delayFactor(in),
		RemainingStops:       remainingStopsFactor(in.Route),
		RouteRisk:            routeRiskFactor(in.Route),
	}
}

// tempDeviationFactor is the current distance from the midpoint of the safe
// range, normalized by the half-range. Unknown telemetry is moderate risk.
func tempDeviationFactor(in Input) float64 {
	if in.Vehicle == nil {
		return 0
	}
	if in.Latest == nil {
		return 0.3
	}
	if in.Latest.TempC == nil {
		return 0
	}
	minT, maxT := 2.0, 8.0
	if in.Vehicle.MinTempC != nil {
		minT = *in.Vehicle.MinTempC
	}
	if in.Vehicle.MaxTempC != nil {
		maxT = *in.Vehicle.MaxTempC
	}
	mid := (minT + maxT) / 2
	halfRange := (maxT - minT) / 2
	if halfRange <= 0 {
		return 0
	}
	return clamp01(math.Abs(*in.Latest.TempC-mid) / halfRange)
}

func tempVarianceFactor(temps []float64) float64 {
	if len(temps) < 3 {
		return 0
	}
	mean := 0.0
	for _, t := range temps {
		mean += t
	}
	mean /= float64(len(temps))
	variance := 0.0
	for _, t := range temps {
		variance += (t - mean) * (t - mean)
	}
	variance /= float64(len(temps))
	return clamp01(math.Sqrt(variance) / 3.0)
}

// vehicleRiskFactor defaults to moderate when the vehicle has never been
// assessed.
func vehicleRiskFactor(v *model.Vehicle) float64 {
	if v == nil || v.RiskAssessedAt == nil {
		return 0.3
	}
	return clamp01(float64(v.RiskScore) / 100)
}

func routeProgressFactor(r model.Route) float64 {
	if !r.InProgress() {
		return 0.5
	}
	remaining := 1.0 - float64(r.ProgressPercent())/100
	return remaining * 0.5
}

func timeInTransitFactor(in Input) float64 {
	if in.Route.StartedAt == nil {
		return 0
	}
	maxHours := defaultMaxTransitHours * 1.0
	if in.Route.MaxTransitHours != nil && *in.Route.MaxTransitHours > 0 {
		maxHours = *in.Route.MaxTransitHours
	}
	ratio := in.Now.Sub(*in.Route.StartedAt).Hours() / maxHours
	return clamp01(ratio * 0.8)
}

// delayFactor is expected progress (elapsed over estimate) minus actual
// progress; negative values (ahead of schedule) floor at zero.
func delayFactor(in Input) float64 {
	r := in.Route
	if r.StartedAt == nil || r.EstimatedDurationMin <= 0 {
		return 0
	}
	elapsedMin := in.Now.Sub(*r.StartedAt).Minutes()
	expected := clamp01(elapsedMin / float64(r.EstimatedDurationMin))
	actual := float64(r.ProgressPercent()) / 100
	return clamp01(expected - actual)
}

func remainingStopsFactor(r model.Route) float64 {
	total := r.TotalStops()
	if total == 0 {
		return 0
	}
	remaining := total - r.CompletedStops()
	return clamp01(float64(remaining) / float64(total))
}

func routeRiskFactor(r model.Route) float64 {
	return clamp01(float64(r.RiskScore) / 100)
}

// riskBand maps the combined risk onto low 0-30, medium 31-60, high 61-100.
func riskBand(excursion, ontime float64) string {
	combined := (excursion*0.7 + (1-ontime)*0.3) * 100
	switch {
	case combined <= 30:
		return "low"
	case combined <= 60:
		return "medium"
	default:
		return "high"
	}
}

func recommendations(excursion, ontime float64, f model.ForecastFactors) []model.Recommendation {
	recs := []model.Recommendation{}
	switch {
	case excursion >= CriticalThreshold:
		recs = append(recs, model.Recommendation{
			Priority: 1, Type: "excursion_imminent", Action: "IMMEDIATE_ACTION",
			Message: "High probability of temperature excursion. Consider re-icing or rerouting to nearest cold storage.",
		})
	case excursion >= EarlyWarningThreshold:
		recs = append(recs, model.Recommendation{
			Priority: 2, Type: "excursion_risk", Action: "MONITOR_CLOSELY",
			Message: "Elevated excursion risk. Increase monitoring frequency and prepare contingency.",
		})
	case excursion >= ExcursionWatchThreshold:
		recs = append(recs, model.Recommendation{
			Priority: 3, Type: "excursion_watch", Action: "WATCH",
			Message: "Moderate excursion risk. Continue monitoring temperature trends.",
		})
	}
	switch {
	case ontime < 0.5:
		recs = append(recs, model.Recommendation{
			Priority: 2, Type: "delay_risk", Action: "EXPEDITE",
			Message: "Low on-time probability. Consider expediting or notifying recipients of delay.",
		})
	case ontime < 0.7:
		recs = append(recs, model.Recommendation{
			Priority: 3, Type: "delay_watch", Action: "MONITOR",
			Message: "On-time delivery at risk. Monitor progress closely.",
		})
	}
	if f.TempVariance > 0.5 {
		recs = append(recs, model.Recommendation{
			Priority: 2, Type: "temp_instability", Action: "CHECK_EQUIPMENT",
			Message: "High temperature variance detected. Check refrigeration unit operation.",
		})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
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

func round2(v float64) float64 { return math.Round(v*100) / 100 }
