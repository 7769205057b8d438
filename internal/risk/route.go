package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"coldchain/internal/model"
)

// RouteInput is the live snapshot the route scorer runs over. Vehicle and
// Latest may be nil (unassigned vehicle, no telemetry yet); RecentTemps are
// temperature readings from the trailing six hours; History covers the
// vehicle's completed routes in the trailing thirty days.
type RouteInput struct {
	Route       model.Route
	Vehicle     *model.Vehicle
	Latest      *model.TelemetrySample
	RecentTemps []float64
	History     []model.RouteHistory
	Now         time.Time
}

// ScoreRoute combines five weighted factors into a route risk result with
// an action recommendation and priority stops.
func ScoreRoute(in RouteInput) model.RouteRiskResult {
	factors := model.RouteRiskFactors{
		VehicleRisk:   vehicleRiskFactor(in),
		CargoTime:     cargoTimeFactor(in),
		PendingStops:  pendingStopsFactor(in.Route),
		Environmental: environmentalFactor(in),
		Historical:    historicalFactor(in.History),
	}

	weighted := factors.VehicleRisk*routeWeights[0] +
		factors.CargoTime*routeWeights[1] +
		factors.PendingStops*routeWeights[2] +
		factors.Environmental*routeWeights[3] +
		factors.Historical*routeWeights[4]
	score := int(clamp(math.Round(weighted), 0, 100))
	level := Level(score)

	return model.RouteRiskResult{
		RouteID:         in.Route.ID,
		Score:           score,
		Level:           level,
		Factors:         factors,
		Action:          actionFor(level),
		Recommendations: routeRecommendations(in.Route, factors, score),
		PriorityStops:   PriorityStops(in.Route),
	}
}

func vehicleRiskFactor(in RouteInput) float64 {
	if in.Vehicle == nil {
		return 0
	}
	return float64(in.Vehicle.RiskScore)
}

// cargoTimeFactor ramps with elapsed transit time: flat below 4h, 10/h to
// 8h, 15/h to 12h, saturated at 100 past 12h. In-progress routes only.
func cargoTimeFactor(in RouteInput) float64 {
	if !in.Route.InProgress() || in.Route.StartedAt == nil {
		return 0
	}
	h := in.Now.Sub(*in.Route.StartedAt).Hours()
	var f float64
	switch {
	case h < 4:
		f = 0
	case h < 8:
		f = (h - 4) * 10
	case h < 12:
		f = 40 + (h-8)*15
	default:
		f = 100
	}
	return clamp(f, 0, 100)
}

// pendingStopsFactor weighs stops still ahead. Any pending stop at a site
// above risk 60 dominates; otherwise it is proportional to the pending
// fraction.
func pendingStopsFactor(r model.Route) float64 {
	total := len(r.Waypoints)
	if total == 0 {
		return 0
	}
	pending := 0
	highRisk := 0
	for _, wp := range r.Waypoints {
		if !wp.Pending() {
			continue
		}
		pending++
		if wp.SiteRisk() > 60 {
			highRisk++
		}
	}
	if highRisk > 0 {
		return clamp(float64(50+highRisk*10), 0, 100)
	}
	return clamp(float64(pending)/float64(total)*30, 0, 100)
}

// environmentalFactor reads the latest telemetry: 60 for an active
// excursion, up to 30 for recent temperature variance, up to 30 for data
// staleness beyond two hours. Missing telemetry is moderate risk.
func environmentalFactor(in RouteInput) float64 {
	if in.Vehicle == nil {
		return 0
	}
	if in.Latest == nil {
		return 50
	}
	score := 0.0
	if in.Latest.TempC != nil && in.Vehicle.OutOfRange(*in.Latest.TempC) {
		score += 60
	}
	if in.Latest.TempC != nil && len(in.RecentTemps) >= 3 {
		score += math.Min(stddev(in.RecentTemps)*10, 30)
	}
	if !in.Latest.RecordedAt.IsZero() {
		if h := in.Now.Sub(in.Latest.RecordedAt).Hours(); h > 2 {
			score += math.Min(h*5, 30)
		}
	}
	return clamp(score, 0, 100)
}

// historicalFactor is the share of the vehicle's recent completed routes
// flagged with an excursion.
func historicalFactor(history []model.RouteHistory) float64 {
	if len(history) == 0 {
		return 0
	}
	excursions := 0
	for _, h := range history {
		if h.Excursion {
			excursions++
		}
	}
	return clamp(float64(excursions)/float64(len(history))*100, 0, 100)
}

func actionFor(level model.RiskLevel) model.Action {
	switch level {
	case model.RiskCritical:
		return model.Action{Type: "IMMEDIATE_ACTION", Message: "Route at critical risk. Consider stopping and assessing cargo integrity."}
	case model.RiskHigh:
		return model.Action{Type: "EXPEDITE", Message: "High risk detected. Prioritize high-risk stops and expedite delivery."}
	case model.RiskMedium:
		return model.Action{Type: "MONITOR", Message: "Elevated risk. Monitor temperatures closely and consider reordering stops."}
	default:
		return model.Action{Type: "PROCEED", Message: "Route is within acceptable risk parameters. Continue as planned."}
	}
}

func routeRecommendations(r model.Route, f model.RouteRiskFactors, score int) []model.Recommendation {
	recs := []model.Recommendation{}
	if f.VehicleRisk > 60 {
		recs = append(recs, model.Recommendation{
			Priority: 1, Type: "vehicle_risk",
			Message: fmt.Sprintf("Vehicle has elevated risk score (%.0f). Check recent temperature readings.", f.VehicleRisk),
		})
	}
	if f.CargoTime > 50 {
		recs = append(recs, model.Recommendation{
			Priority: 1, Type: "cargo_time",
			Message: "Cargo has been in transit for extended period. Consider expediting remaining deliveries.",
		})
	}
	if f.Environmental > 50 {
		recs = append(recs, model.Recommendation{
			Priority: 2, Type: "environmental",
			Message: "Environmental conditions are concerning. Verify refrigeration unit is functioning properly.",
		})
	}
	if f.PendingStops > 40 {
		recs = append(recs, model.Recommendation{
			Priority: 2, Type: "pending_stops",
			Message: "High-risk stops pending. Use reorder-by-risk to prioritize critical deliveries.",
		})
	}
	if score > 70 && r.Status == model.RoutePlanned {
		recs = append(recs, model.Recommendation{
			Priority: 1, Type: "delay_start",
			Message: "Consider delaying route start until vehicle risk levels decrease.",
		})
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

// PriorityStops lists pending waypoints at sites above risk 50, highest
// risk first.
func PriorityStops(r model.Route) []model.PriorityStop {
	stops := []model.PriorityStop{}
	for _, wp := range r.Waypoints {
		if !wp.Pending() {
			continue
		}
		risk := wp.SiteRisk()
		if risk <= 50 {
			continue
		}
		priority := "elevated"
		if risk > 70 {
			priority = "critical"
		}
		name := ""
		if wp.Site != nil {
			name = wp.Site.Name
		}
		stops = append(stops, model.PriorityStop{
			WaypointID: wp.ID,
			SiteName:   name,
			Position:   wp.Position,
			RiskScore:  risk,
			Priority:   priority,
		})
	}
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].RiskScore > stops[j].RiskScore })
	return stops
}
