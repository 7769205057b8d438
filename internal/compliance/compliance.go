// Package compliance runs distribution-practice verification over a
// completed or in-progress route: temperature conformance across the
// assigned vehicle's telemetry, custody chain integrity, delivery
// time-window adherence, and custody coverage of the visited stops.
package compliance

import (
	"math"
	"time"

	"coldchain/internal/ledger"
	"coldchain/internal/model"
)

// Finding severities.
const (
	SeverityCritical = "critical"
	SeverityMajor    = "major"
	SeverityMinor    = "minor"
)

// Finding is one verification failure.
type Finding struct {
	Check    string `json:"check"` // temperature | custody_chain | time_window | custody_coverage
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Report is the outcome of a route verification run.
type Report struct {
	RouteID         string    `json:"routeId"`
	Compliant       bool      `json:"compliant"`
	Findings        []Finding `json:"findings"`
	SamplesChecked  int       `json:"samplesChecked"`
	ExcursionCount  int       `json:"excursionCount"`
	MaxDeviationC   float64   `json:"maxDeviationC"`
	ChainVerified   int       `json:"chainVerified"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Input is everything a verification run reads. Samples and Events cover
// the route's active window for the assigned vehicle.
type Input struct {
	Route   model.Route
	Vehicle *model.Vehicle
	Samples []model.TelemetrySample
	Events  []model.CustodyEvent
	Now     time.Time
}

// VerifyRoute runs every check and collects findings. A route with no
// findings is compliant; a route without an assigned vehicle yields a
// major finding because temperature conformance cannot be established.
func VerifyRoute(in Input) Report {
	rep := Report{RouteID: in.Route.ID, Findings: []Finding{}, CheckedAt: in.Now}

	checkTemperature(in, &rep)
	checkChain(in, &rep)
	checkTimeWindow(in, &rep)
	checkCoverage(in, &rep)

	rep.Compliant = len(rep.Findings) == 0
	return rep
}

func checkTemperature(in Input, rep *Report) {
	if in.Vehicle == nil {
		rep.Findings = append(rep.Findings, Finding{
			Check: "temperature", Severity: SeverityMajor,
			Detail: "no vehicle assigned; temperature conformance cannot be verified",
		})
		return
	}
	for _, s := range in.Samples {
		if s.TempC == nil {
			continue
		}
		rep.SamplesChecked++
		if !in.Vehicle.OutOfRange(*s.TempC) {
			continue
		}
		rep.ExcursionCount++
		if d := deviation(*in.Vehicle, *s.TempC); d > rep.MaxDeviationC {
			rep.MaxDeviationC = d
		}
	}
	rep.MaxDeviationC = math.Round(rep.MaxDeviationC*100) / 100
	switch {
	case rep.ExcursionCount == 0:
		return
	case rep.MaxDeviationC >= 2:
		rep.Findings = append(rep.Findings, Finding{
			Check: "temperature", Severity: SeverityCritical,
			Detail: "temperature excursions beyond 2°C recorded during transit",
		})
	default:
		rep.Findings = append(rep.Findings, Finding{
			Check: "temperature", Severity: SeverityMajor,
			Detail: "temperature excursions recorded during transit",
		})
	}
}

func checkChain(in Input, rep *Report) {
	res := ledger.VerifyChain(in.Events)
	rep.ChainVerified = res.EventsVerified
	if !res.Valid {
		rep.Findings = append(rep.Findings, Finding{
			Check: "custody_chain", Severity: SeverityCritical,
			Detail: "custody chain broken at event " + res.EventID,
		})
	}
}

func checkTimeWindow(in Input, rep *Report) {
	r := in.Route
	if r.TimeWindowEnd == nil || r.CompletedAt == nil {
		return
	}
	if r.CompletedAt.After(*r.TimeWindowEnd) {
		rep.Findings = append(rep.Findings, Finding{
			Check: "time_window", Severity: SeverityMajor,
			Detail: "route completed after the delivery window closed",
		})
	}
}

// checkCoverage requires an arrival custody event for every completed stop.
func checkCoverage(in Input, rep *Report) {
	arrivals := map[string]bool{}
	for _, ev := range in.Events {
		if ev.EventType == model.EventStopArrival && ev.WaypointID != "" {
			arrivals[ev.WaypointID] = true
		}
	}
	for _, wp := range in.Route.Waypoints {
		if wp.Status == model.WaypointCompleted && !arrivals[wp.ID] {
			rep.Findings = append(rep.Findings, Finding{
				Check: "custody_coverage", Severity: SeverityMinor,
				Detail: "completed stop " + wp.ID + " has no arrival custody event",
			})
		}
	}
}

// AuditFor builds the audit record for a verification run.
func AuditFor(rep Report, actor string, now time.Time) model.AuditEntry {
	return model.AuditEntry{
		Action:     "compliance.verify_route",
		Subject:    model.SubjectRef{Kind: "route", ID: rep.RouteID},
		Actor:      actor,
		RecordedAt: now,
		Metadata: map[string]any{
			"compliant":      rep.Compliant,
			"findings":       len(rep.Findings),
			"excursionCount": rep.ExcursionCount,
		},
	}
}

func deviation(v model.Vehicle, tempC float64) float64 {
	if v.MinTempC != nil && tempC < *v.MinTempC {
		return *v.MinTempC - tempC
	}
	if v.MaxTempC != nil && tempC > *v.MaxTempC {
		return tempC - *v.MaxTempC
	}
	return 0
}
