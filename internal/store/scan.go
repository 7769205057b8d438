package store

import (
	"database/sql"
	"errors"

	"coldchain/internal/model"
)

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row rowScanner) (model.Vehicle, error) {
	var v model.Vehicle
	var level string
	err := row.Scan(&v.ID, &v.TenantID, &v.Name, &v.MinTempC, &v.MaxTempC, &v.RiskScore, &level, &v.RiskAssessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, ErrNotFound
	}
	if err != nil {
		return model.Vehicle{}, err
	}
	v.RiskLevel = model.RiskLevel(level)
	return v, nil
}

func scanRoute(row rowScanner) (model.Route, error) {
	var r model.Route
	var level string
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Status, &r.TemperatureSensitivity, &r.Priority, &r.CostEstimate,
		&r.MaxTransitHours, &r.TimeWindowStart, &r.TimeWindowEnd, &r.VehicleID,
		&r.StartedAt, &r.CompletedAt, &r.DistanceKm, &r.EstimatedDurationMin, &r.RiskScore, &level, &r.RiskAssessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	r.RiskLevel = model.RiskLevel(level)
	return r, nil
}
