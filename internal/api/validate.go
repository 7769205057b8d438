package api

import (
	"fmt"
	"time"

	"coldchain/internal/model"
)

// clockSkewTolerance bounds how far in the future a recorded timestamp may
// sit before the boundary rejects it.
const clockSkewTolerance = 5 * time.Minute

func validateTelemetry(s *model.TelemetrySample, now time.Time) error {
	if s.VehicleID == "" {
		return fmt.Errorf("vehicleId is required")
	}
	if s.RecordedAt.IsZero() {
		return fmt.Errorf("recordedAt is required")
	}
	if s.RecordedAt.After(now.Add(clockSkewTolerance)) {
		return fmt.Errorf("recordedAt is in the future")
	}
	if s.Lat == nil && s.Lng == nil && s.TempC == nil && s.Humidity == nil && s.SpeedKph == nil {
		return fmt.Errorf("sample carries no position or sensor value")
	}
	if (s.Lat == nil) != (s.Lng == nil) {
		return fmt.Errorf("lat and lng must be provided together")
	}
	if s.Lat != nil && (*s.Lat < -90 || *s.Lat > 90) {
		return fmt.Errorf("lat out of range")
	}
	if s.Lng != nil && (*s.Lng < -180 || *s.Lng > 180) {
		return fmt.Errorf("lng out of range")
	}
	if s.TempC != nil && (*s.TempC < -100 || *s.TempC > 100) {
		return fmt.Errorf("tempC out of range")
	}
	if s.Humidity != nil && (*s.Humidity < 0 || *s.Humidity > 100) {
		return fmt.Errorf("humidity out of range")
	}
	if s.SpeedKph != nil && *s.SpeedKph < 0 {
		return fmt.Errorf("speedKph must be >= 0")
	}
	return nil
}

func validateCustodyEvent(ev *model.CustodyEvent, now time.Time) error {
	if ev.VehicleID == "" {
		return fmt.Errorf("vehicleId is required")
	}
	if !model.CustodyEventTypes[ev.EventType] {
		return fmt.Errorf("unknown eventType: %s", ev.EventType)
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = now
	}
	if ev.RecordedAt.After(now.Add(clockSkewTolerance)) {
		return fmt.Errorf("recordedAt is in the future")
	}
	// chain fields are owned by the ledger, never by the caller
	if ev.Hash != "" || ev.PreviousHash != nil || ev.Seq != 0 {
		return fmt.Errorf("hash chain fields must not be supplied")
	}
	return nil
}

func validateVehicle(v *model.Vehicle) error {
	if v.Name == "" {
		return fmt.Errorf("name is required")
	}
	if v.MinTempC != nil && v.MaxTempC != nil && *v.MinTempC >= *v.MaxTempC {
		return fmt.Errorf("minTempC must be below maxTempC")
	}
	// risk fields are written only by the scorer
	if v.RiskScore != 0 || v.RiskLevel != "" || v.RiskAssessedAt != nil {
		return fmt.Errorf("risk fields must not be supplied")
	}
	return nil
}

func validateSite(s *model.Site) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Lat < -90 || s.Lat > 90 || s.Lng < -180 || s.Lng > 180 {
		return fmt.Errorf("coordinates out of range")
	}
	if s.RiskScore != 0 {
		return fmt.Errorf("risk fields must not be supplied")
	}
	return nil
}

func validateRoute(r *model.Route) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch r.Status {
	case "", model.RouteDraft, model.RoutePlanned:
	default:
		return fmt.Errorf("new routes must be draft or planned")
	}
	switch r.TemperatureSensitivity {
	case "", model.SensitivityCritical, model.SensitivityHigh, model.SensitivityStandard, model.SensitivityLow:
	default:
		return fmt.Errorf("unknown temperatureSensitivity: %s", r.TemperatureSensitivity)
	}
	if r.Priority < 0 || r.Priority > 10 {
		return fmt.Errorf("priority must be within 0..10")
	}
	if r.MaxTransitHours != nil && *r.MaxTransitHours <= 0 {
		return fmt.Errorf("maxTransitHours must be > 0")
	}
	if r.TimeWindowStart != nil && r.TimeWindowEnd != nil && !r.TimeWindowStart.Before(*r.TimeWindowEnd) {
		return fmt.Errorf("timeWindowStart must precede timeWindowEnd")
	}
	// risk fields are written only by the scorer
	if r.RiskScore != 0 || r.RiskLevel != "" || r.RiskAssessedAt != nil {
		return fmt.Errorf("risk fields must not be supplied")
	}
	for i, wp := range r.Waypoints {
		if wp.SiteID == "" {
			return fmt.Errorf("waypoint %d: siteId is required", i)
		}
	}
	return nil
}
