package store

import (
	"context"
	"errors"
	"time"

	"coldchain/internal/model"
)

// Store is the persistence interface used by the API server.
type Store interface {
	// Vehicles
	CreateVehicle(ctx context.Context, tenantID string, v model.Vehicle) (model.Vehicle, error)
	GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error)
	SaveVehicleRisk(ctx context.Context, tenantID, vehicleID string, a model.RiskAssessment, at time.Time) (model.Vehicle, error)

	// Sites
	CreateSite(ctx context.Context, tenantID string, s model.Site) (model.Site, error)
	GetSite(ctx context.Context, tenantID, id string) (model.Site, error)
	ListSites(ctx context.Context, tenantID, cursor string, limit int) ([]model.Site, string, error)
	SaveSiteRisk(ctx context.Context, tenantID, siteID string, score int) error

	// Routes & waypoints
	CreateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error)
	GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error)
	ListRoutes(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Route, string, error)
	StartRoute(ctx context.Context, tenantID, routeID string, at time.Time) (model.Route, error)
	CompleteRoute(ctx context.Context, tenantID, routeID string, at time.Time) (model.Route, error)
	SaveRouteRisk(ctx context.Context, tenantID, routeID string, a model.RiskAssessment, at time.Time) (model.Route, error)
	ReplaceWaypointOrder(ctx context.Context, tenantID, routeID string, waypoints []model.Waypoint, distanceKm float64, durationMin int) (model.Route, error)
	MarkWaypointArrived(ctx context.Context, tenantID, routeID, waypointID string, at time.Time) (model.Route, error)
	MarkWaypointCompleted(ctx context.Context, tenantID, routeID, waypointID string, at time.Time) (model.Route, error)
	ListRouteHistory(ctx context.Context, tenantID, vehicleID string, since time.Time) ([]model.RouteHistory, error)

	// Telemetry
	InsertTelemetry(ctx context.Context, tenantID string, samples []model.TelemetrySample) (accepted int, err error)
	ListTelemetrySince(ctx context.Context, tenantID, vehicleID string, since time.Time) ([]model.TelemetrySample, error)
	LatestTelemetry(ctx context.Context, tenantID, vehicleID string) (*model.TelemetrySample, error)

	// Custody ledger. AppendCustodyEvent seals the event into the vehicle's
	// hash chain; appends for the same vehicle are serialized by the store.
	AppendCustodyEvent(ctx context.Context, tenantID string, ev model.CustodyEvent) (model.CustodyEvent, error)
	ListCustodyChain(ctx context.Context, tenantID, vehicleID string) ([]model.CustodyEvent, error)
	ListCustodyEvents(ctx context.Context, tenantID, vehicleID, cursor string, limit int) ([]model.CustodyEvent, string, error)
	ListCustodyEventsForRoute(ctx context.Context, tenantID, routeID string) ([]model.CustodyEvent, error)

	// Audit
	InsertAudit(ctx context.Context, tenantID string, entry model.AuditEntry) error

	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

// ErrConflict marks a state-transition request the current status forbids,
// e.g. starting a route that is not planned.
var ErrConflict = errors.New("conflict")
