package forecast

import (
	"testing"
	"time"

	"coldchain/internal/model"
)

func f64(v float64) *float64 { return &v }

func vehicle(riskScore int, assessed bool) *model.Vehicle {
	v := &model.Vehicle{ID: "veh_1", Name: "Reefer 1", MinTempC: f64(2), MaxTempC: f64(8), RiskScore: riskScore}
	if assessed {
		now := time.Now()
		v.RiskAssessedAt = &now
	}
	return v
}

func inProgress(started time.Time, total, completed int) model.Route {
	wps := make([]model.Waypoint, 0, total)
	for i := 0; i < total; i++ {
		status := model.WaypointPending
		if i < completed {
			status = model.WaypointCompleted
		}
		wps = append(wps, model.Waypoint{ID: "wp", Position: i + 1, Status: status})
	}
	return model.Route{
		ID:        "rt_1",
		Name:      "Pharma Run",
		Status:    model.RouteInProgress,
		VehicleID: "veh_1",
		StartedAt: &started,
		Waypoints: wps,
	}
}

func TestForecastProbabilityBounds(t *testing.T) {
	now := time.Now()
	latest := model.TelemetrySample{RecordedAt: now, TempC: f64(40)}
	inputs := []Input{
		{Route: model.Route{ID: "rt", Status: model.RoutePlanned}, Now: now},
		{Route: inProgress(now.Add(-40*time.Hour), 5, 0), Vehicle: vehicle(100, true), Latest: &latest,
			RecentTemps: []float64{2, 40, 2, 40, 2}, Now: now},
	}
	for i, in := range inputs {
		fc := Forecast(in)
		if fc.ExcursionProbability < 0 || fc.ExcursionProbability > 1 {
			t.Fatalf("case %d: excursion probability %v out of [0,1]", i, fc.ExcursionProbability)
		}
		if fc.OntimeProbability < 0 || fc.OntimeProbability > 1 {
			t.Fatalf("case %d: ontime probability %v out of [0,1]", i, fc.OntimeProbability)
		}
		if fc.EarlyWarning != (fc.ExcursionProbability >= EarlyWarningThreshold) {
			t.Fatalf("case %d: early warning flag inconsistent", i)
		}
	}
}

func TestForecastNotInProgressOntimeIsHalf(t *testing.T) {
	fc := Forecast(Input{Route: model.Route{ID: "rt", Status: model.RoutePlanned}, Now: time.Now()})
	if fc.OntimeProbability != 0.5 {
		t.Fatalf("ontime for non-started route = %v, want 0.5", fc.OntimeProbability)
	}
}

func TestForecastCalmRouteLowBand(t *testing.T) {
	now := time.Now()
	rt := inProgress(now.Add(-30*time.Minute), 4, 2)
	rt.EstimatedDurationMin = 240
	latest := model.TelemetrySample{RecordedAt: now, TempC: f64(5.0)}
	fc := Forecast(Input{Route: rt, Vehicle: vehicle(5, true), Latest: &latest,
		RecentTemps: []float64{5.0, 5.1, 4.9, 5.0}, Now: now})
	if fc.ExcursionProbability >= EarlyWarningThreshold {
		t.Fatalf("calm route excursion probability %v too high", fc.ExcursionProbability)
	}
	if fc.RiskBand != "low" && fc.RiskBand != "medium" {
		t.Fatalf("calm route band = %s", fc.RiskBand)
	}
	if fc.EarlyWarning {
		t.Fatal("calm route should not early-warn")
	}
}

func TestForecastHotRouteEarlyWarning(t *testing.T) {
	now := time.Now()
	rt := inProgress(now.Add(-20*time.Hour), 6, 1)
	rt.EstimatedDurationMin = 300
	latest := model.TelemetrySample{RecordedAt: now, TempC: f64(14.0)}
	fc := Forecast(Input{Route: rt, Vehicle: vehicle(95, true), Latest: &latest,
		RecentTemps: []float64{4, 14, 3, 13, 5, 12}, Now: now})
	if !fc.EarlyWarning {
		t.Fatalf("hot route should early-warn (excursion %v)", fc.ExcursionProbability)
	}
	if fc.RiskBand != "high" {
		t.Fatalf("hot route band = %s, want high", fc.RiskBand)
	}
	if len(fc.Recommendations) == 0 {
		t.Fatal("hot route should produce recommendations")
	}
	if fc.Recommendations[0].Priority != 1 {
		t.Fatalf("recommendations not priority ordered: %+v", fc.Recommendations)
	}
}

func TestDelayFactorAheadOfScheduleIsZero(t *testing.T) {
	now := time.Now()
	rt := inProgress(now.Add(-30*time.Minute), 4, 3)
	rt.EstimatedDurationMin = 600
	if got := delayFactor(Input{Route: rt, Now: now}); got != 0 {
		t.Fatalf("ahead-of-schedule delay = %v, want 0", got)
	}
}

func TestEarlyWarningsBatch(t *testing.T) {
	now := time.Now()
	hot := inProgress(now.Add(-20*time.Hour), 6, 0)
	hotLatest := model.TelemetrySample{RecordedAt: now, TempC: f64(15)}
	calm := inProgress(now.Add(-time.Hour), 4, 2)
	calmLatest := model.TelemetrySample{RecordedAt: now, TempC: f64(5)}
	planned := model.Route{ID: "rt_p", Status: model.RoutePlanned}

	warnings := EarlyWarnings([]Input{
		{Route: calm, Vehicle: vehicle(5, true), Latest: &calmLatest, Now: now},
		{Route: hot, Vehicle: vehicle(100, true), Latest: &hotLatest, RecentTemps: []float64{2, 15, 2, 15}, Now: now},
		{Route: planned, Now: now},
	})
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	w := warnings[0]
	if w.RouteID != hot.ID {
		t.Fatalf("warned route = %s, want %s", w.RouteID, hot.ID)
	}
	if w.Forecast.ExcursionProbability >= CriticalThreshold && w.Level != "critical" {
		t.Fatalf("level = %s for probability %v", w.Level, w.Forecast.ExcursionProbability)
	}
	if w.Forecast.ExcursionProbability < CriticalThreshold && w.Level != "elevated" {
		t.Fatalf("level = %s for probability %v", w.Level, w.Forecast.ExcursionProbability)
	}
}
