package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"coldchain/internal/ledger"
	"coldchain/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies every .sql file in dir in lexical order, tracking
// applied files in schema_migrations.
func (p *Postgres) MigrateDir(ctx context.Context, dir string) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var done bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&done); err != nil {
			return err
		}
		if done {
			continue
		}
		sqlText, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Vehicles

func (p *Postgres) CreateVehicle(ctx context.Context, tenantID string, v model.Vehicle) (model.Vehicle, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.TenantID = tenantID
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO vehicles (id, tenant_id, name, min_temp_c, max_temp_c) VALUES ($1,$2,$3,$4,$5)`,
		v.ID, tenantID, v.Name, v.MinTempC, v.MaxTempC)
	if err != nil {
		return model.Vehicle{}, err
	}
	return v, nil
}

func (p *Postgres) GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id::text, tenant_id, name, min_temp_c, max_temp_c, risk_score, COALESCE(risk_level,''), risk_assessed_at
		 FROM vehicles WHERE id=$1 AND tenant_id=$2`, id, tenantID)
	return scanVehicle(row)
}

func (p *Postgres) ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, tenant_id, name, min_temp_c, max_temp_c, risk_score, COALESCE(risk_level,''), risk_assessed_at
		 FROM vehicles WHERE tenant_id=$1 AND ($2='' OR id::text>$2) ORDER BY id LIMIT $3`,
		tenantID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, v)
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) SaveVehicleRisk(ctx context.Context, tenantID, vehicleID string, a model.RiskAssessment, at time.Time) (model.Vehicle, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE vehicles SET risk_score=$1, risk_level=$2, risk_assessed_at=$3 WHERE id=$4 AND tenant_id=$5`,
		a.Score, string(a.Level), at, vehicleID, tenantID)
	if err != nil {
		return model.Vehicle{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Vehicle{}, ErrNotFound
	}
	return p.GetVehicle(ctx, tenantID, vehicleID)
}

// Sites

func (p *Postgres) CreateSite(ctx context.Context, tenantID string, s model.Site) (model.Site, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.TenantID = tenantID
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sites (id, tenant_id, name, lat, lng, risk_score) VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, tenantID, s.Name, s.Lat, s.Lng, s.RiskScore)
	if err != nil {
		return model.Site{}, err
	}
	return s, nil
}

func (p *Postgres) GetSite(ctx context.Context, tenantID, id string) (model.Site, error) {
	var s model.Site
	err := p.db.QueryRowContext(ctx,
		`SELECT id::text, tenant_id, name, lat, lng, risk_score FROM sites WHERE id=$1 AND tenant_id=$2`,
		id, tenantID).Scan(&s.ID, &s.TenantID, &s.Name, &s.Lat, &s.Lng, &s.RiskScore)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Site{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) ListSites(ctx context.Context, tenantID, cursor string, limit int) ([]model.Site, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, tenant_id, name, lat, lng, risk_score
		 FROM sites WHERE tenant_id=$1 AND ($2='' OR id::text>$2) ORDER BY id LIMIT $3`,
		tenantID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Site{}
	for rows.Next() {
		var s model.Site
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Name, &s.Lat, &s.Lng, &s.RiskScore); err != nil {
			return nil, "", err
		}
		out = append(out, s)
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) SaveSiteRisk(ctx context.Context, tenantID, siteID string, score int) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sites SET risk_score=$1 WHERE id=$2 AND tenant_id=$3`, score, siteID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Routes

func (p *Postgres) CreateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.TenantID = tenantID
	if r.Status == "" {
		r.Status = model.RouteDraft
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO routes (id, tenant_id, name, status, temperature_sensitivity, priority, cost_estimate,
		                     max_transit_hours, time_window_start, time_window_end, vehicle_id, distance_km, estimated_duration_min)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13)`,
		r.ID, tenantID, r.Name, r.Status, nullIfEmpty(r.TemperatureSensitivity), r.Priority, r.CostEstimate,
		r.MaxTransitHours, r.TimeWindowStart, r.TimeWindowEnd, r.VehicleID, r.DistanceKm, r.EstimatedDurationMin)
	if err != nil {
		return model.Route{}, err
	}
	for i := range r.Waypoints {
		wp := &r.Waypoints[i]
		if wp.ID == "" {
			wp.ID = uuid.New().String()
		}
		wp.RouteID = r.ID
		wp.Position = i + 1
		_, err = tx.ExecContext(ctx,
			`INSERT INTO waypoints (id, route_id, site_id, position, status) VALUES ($1,$2,$3,$4,$5)`,
			wp.ID, r.ID, wp.SiteID, wp.Position, model.WaypointPending)
		if err != nil {
			return model.Route{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, r.ID)
}

func (p *Postgres) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id::text, tenant_id, name, status, COALESCE(temperature_sensitivity,''), priority, cost_estimate,
		        max_transit_hours, time_window_start, time_window_end, COALESCE(vehicle_id::text,''),
		        started_at, completed_at, distance_km, estimated_duration_min, risk_score, COALESCE(risk_level,''), risk_assessed_at
		 FROM routes WHERE id=$1 AND tenant_id=$2`, routeID, tenantID)
	r, err := scanRoute(row)
	if err != nil {
		return model.Route{}, err
	}
	wps, err := p.routeWaypoints(ctx, routeID)
	if err != nil {
		return model.Route{}, err
	}
	r.Waypoints = wps
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Route, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, tenant_id, name, status, COALESCE(temperature_sensitivity,''), priority, cost_estimate,
		        max_transit_hours, time_window_start, time_window_end, COALESCE(vehicle_id::text,''),
		        started_at, completed_at, distance_km, estimated_duration_min, risk_score, COALESCE(risk_level,''), risk_assessed_at
		 FROM routes WHERE tenant_id=$1 AND ($2='' OR status=$2) AND ($3='' OR id::text>$3) ORDER BY id LIMIT $4`,
		tenantID, status, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	for i := range out {
		wps, err := p.routeWaypoints(ctx, out[i].ID)
		if err != nil {
			return nil, "", err
		}
		out[i].Waypoints = wps
	}
	return out, next, nil
}

func (p *Postgres) StartRoute(ctx context.Context, tenantID, routeID string, at time.Time) (model.Route, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE routes SET status=$1, started_at=$2
		 WHERE id=$3 AND tenant_id=$4 AND status=$5 AND vehicle_id IS NOT NULL`,
		model.RouteInProgress, at, routeID, tenantID, model.RoutePlanned)
	if err != nil {
		return model.Route{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, p.routeTransitionErr(ctx, tenantID, routeID)
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) CompleteRoute(ctx context.Context, tenantID, routeID string, at time.Time) (model.Route, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE routes SET status=$1, completed_at=$2 WHERE id=$3 AND tenant_id=$4 AND status=$5`,
		model.RouteCompleted, at, routeID, tenantID, model.RouteInProgress)
	if err != nil {
		return model.Route{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, p.routeTransitionErr(ctx, tenantID, routeID)
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) SaveRouteRisk(ctx context.Context, tenantID, routeID string, a model.RiskAssessment, at time.Time) (model.Route, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE routes SET risk_score=$1, risk_level=$2, risk_assessed_at=$3 WHERE id=$4 AND tenant_id=$5`,
		a.Score, string(a.Level), at, routeID, tenantID)
	if err != nil {
		return model.Route{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, ErrNotFound
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) ReplaceWaypointOrder(ctx context.Context, tenantID, routeID string, waypoints []model.Waypoint, distanceKm float64, durationMin int) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM waypoints w JOIN routes r ON r.id=w.route_id WHERE r.id=$1 AND r.tenant_id=$2`,
		routeID, tenantID).Scan(&count)
	if err != nil {
		return model.Route{}, err
	}
	if count == 0 {
		return model.Route{}, ErrNotFound
	}
	if count != len(waypoints) {
		return model.Route{}, ErrConflict
	}
	// two passes to dodge the unique (route_id, position) constraint
	for i, wp := range waypoints {
		res, err := tx.ExecContext(ctx,
			`UPDATE waypoints SET position=$1 WHERE id=$2 AND route_id=$3`, -(i + 1), wp.ID, routeID)
		if err != nil {
			return model.Route{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Route{}, ErrNotFound
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE waypoints SET position=-position WHERE route_id=$1`, routeID); err != nil {
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE routes SET distance_km=$1, estimated_duration_min=$2 WHERE id=$3`,
		distanceKm, durationMin, routeID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) MarkWaypointArrived(ctx context.Context, tenantID, routeID, waypointID string, at time.Time) (model.Route, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE waypoints w SET status=$1, arrival_at=$2
		 FROM routes r
		 WHERE w.id=$3 AND w.route_id=r.id AND r.id=$4 AND r.tenant_id=$5
		   AND r.status=$6 AND w.status=$7`,
		model.WaypointArrived, at, waypointID, routeID, tenantID, model.RouteInProgress, model.WaypointPending)
	if err != nil {
		return model.Route{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, p.waypointTransitionErr(ctx, tenantID, routeID, waypointID)
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) MarkWaypointCompleted(ctx context.Context, tenantID, routeID, waypointID string, at time.Time) (model.Route, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE waypoints w SET status=$1, departure_at=$2
		 FROM routes r
		 WHERE w.id=$3 AND w.route_id=r.id AND r.id=$4 AND r.tenant_id=$5
		   AND r.status=$6 AND w.status=$7`,
		model.WaypointCompleted, at, waypointID, routeID, tenantID, model.RouteInProgress, model.WaypointArrived)
	if err != nil {
		return model.Route{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Route{}, p.waypointTransitionErr(ctx, tenantID, routeID, waypointID)
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) ListRouteHistory(ctx context.Context, tenantID, vehicleID string, since time.Time) ([]model.RouteHistory, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT r.id::text,
		        EXISTS(SELECT 1 FROM custody_events ce WHERE ce.route_id=r.id AND ce.event_type=$1)
		 FROM routes r
		 WHERE r.tenant_id=$2 AND r.vehicle_id=$3 AND r.status=$4 AND r.completed_at >= $5
		 ORDER BY r.completed_at`,
		model.EventTemperatureExcur, tenantID, vehicleID, model.RouteCompleted, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RouteHistory{}
	for rows.Next() {
		var h model.RouteHistory
		if err := rows.Scan(&h.RouteID, &h.Excursion); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Telemetry

func (p *Postgres) InsertTelemetry(ctx context.Context, tenantID string, samples []model.TelemetrySample) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	accepted := 0
	for _, s := range samples {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO telemetry (id, vehicle_id, recorded_at, lat, lng, temp_c, humidity, speed_kph)
			 SELECT $1, v.id, $3, $4, $5, $6, $7, $8 FROM vehicles v WHERE v.id=$2 AND v.tenant_id=$9`,
			s.ID, s.VehicleID, s.RecordedAt, s.Lat, s.Lng, s.TempC, s.Humidity, s.SpeedKph, tenantID)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			accepted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return accepted, nil
}

func (p *Postgres) ListTelemetrySince(ctx context.Context, tenantID, vehicleID string, since time.Time) ([]model.TelemetrySample, error) {
	if err := p.requireVehicle(ctx, tenantID, vehicleID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, vehicle_id::text, recorded_at, lat, lng, temp_c, humidity, speed_kph
		 FROM telemetry WHERE vehicle_id=$1 AND recorded_at >= $2 ORDER BY recorded_at`,
		vehicleID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TelemetrySample{}
	for rows.Next() {
		var s model.TelemetrySample
		if err := rows.Scan(&s.ID, &s.VehicleID, &s.RecordedAt, &s.Lat, &s.Lng, &s.TempC, &s.Humidity, &s.SpeedKph); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) LatestTelemetry(ctx context.Context, tenantID, vehicleID string) (*model.TelemetrySample, error) {
	if err := p.requireVehicle(ctx, tenantID, vehicleID); err != nil {
		return nil, err
	}
	var s model.TelemetrySample
	err := p.db.QueryRowContext(ctx,
		`SELECT id::text, vehicle_id::text, recorded_at, lat, lng, temp_c, humidity, speed_kph
		 FROM telemetry WHERE vehicle_id=$1 ORDER BY recorded_at DESC LIMIT 1`,
		vehicleID).Scan(&s.ID, &s.VehicleID, &s.RecordedAt, &s.Lat, &s.Lng, &s.TempC, &s.Humidity, &s.SpeedKph)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Custody

// AppendCustodyEvent seals and inserts inside a transaction holding a
// per-vehicle advisory lock, so concurrent appends for one vehicle
// serialize while other vehicles proceed.
func (p *Postgres) AppendCustodyEvent(ctx context.Context, tenantID string, ev model.CustodyEvent) (model.CustodyEvent, error) {
	if err := p.requireVehicle(ctx, tenantID, ev.VehicleID); err != nil {
		return model.CustodyEvent{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CustodyEvent{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, vehicleLockKey(ev.VehicleID)); err != nil {
		return model.CustodyEvent{}, err
	}
	var prev model.CustodyEvent
	var prevHash sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id::text, seq, hash FROM custody_events WHERE vehicle_id=$1 ORDER BY seq DESC LIMIT 1`,
		ev.VehicleID).Scan(&prev.ID, &prev.Seq, &prev.Hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		ledger.Seal(&ev, nil)
	case err != nil:
		return model.CustodyEvent{}, err
	default:
		ledger.Seal(&ev, &prev)
		prevHash = sql.NullString{String: prev.Hash, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO custody_events (id, vehicle_id, route_id, waypoint_id, event_type, description,
		                             recorded_at, recorded_by, temp_c, metadata, seq, previous_hash, hash)
		 VALUES ($1,$2,NULLIF($3,'')::uuid,NULLIF($4,'')::uuid,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.ID, ev.VehicleID, ev.RouteID, ev.WaypointID, ev.EventType, nullIfEmpty(ev.Description),
		ev.RecordedAt, nullIfEmpty(ev.RecordedBy), ev.TempC, toJSON(ev.Metadata), ev.Seq, prevHash, ev.Hash)
	if err != nil {
		return model.CustodyEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.CustodyEvent{}, err
	}
	return ev, nil
}

func (p *Postgres) ListCustodyChain(ctx context.Context, tenantID, vehicleID string) ([]model.CustodyEvent, error) {
	if err := p.requireVehicle(ctx, tenantID, vehicleID); err != nil {
		return nil, err
	}
	return p.custodyQuery(ctx,
		`SELECT id::text, vehicle_id::text, COALESCE(route_id::text,''), COALESCE(waypoint_id::text,''),
		        event_type, COALESCE(description,''), recorded_at, COALESCE(recorded_by,''), temp_c, metadata,
		        seq, previous_hash, hash
		 FROM custody_events WHERE vehicle_id=$1 ORDER BY recorded_at, seq`, vehicleID)
}

func (p *Postgres) ListCustodyEvents(ctx context.Context, tenantID, vehicleID, cursor string, limit int) ([]model.CustodyEvent, string, error) {
	if err := p.requireVehicle(ctx, tenantID, vehicleID); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}
	afterSeq := int64(0)
	if cursor != "" {
		if err := p.db.QueryRowContext(ctx,
			`SELECT seq FROM custody_events WHERE id=$1 AND vehicle_id=$2`, cursor, vehicleID).Scan(&afterSeq); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, "", err
		}
	}
	events, err := p.custodyQuery(ctx,
		`SELECT id::text, vehicle_id::text, COALESCE(route_id::text,''), COALESCE(waypoint_id::text,''),
		        event_type, COALESCE(description,''), recorded_at, COALESCE(recorded_by,''), temp_c, metadata,
		        seq, previous_hash, hash
		 FROM custody_events WHERE vehicle_id=$1 AND seq>$2 ORDER BY seq LIMIT $3`, vehicleID, afterSeq, limit+1)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(events) > limit {
		events = events[:limit]
		next = events[limit-1].ID
	}
	return events, next, nil
}

func (p *Postgres) ListCustodyEventsForRoute(ctx context.Context, tenantID, routeID string) ([]model.CustodyEvent, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM routes WHERE id=$1 AND tenant_id=$2)`, routeID, tenantID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return p.custodyQuery(ctx,
		`SELECT id::text, vehicle_id::text, COALESCE(route_id::text,''), COALESCE(waypoint_id::text,''),
		        event_type, COALESCE(description,''), recorded_at, COALESCE(recorded_by,''), temp_c, metadata,
		        seq, previous_hash, hash
		 FROM custody_events WHERE route_id=$1 ORDER BY recorded_at, seq`, routeID)
}

// Audit

func (p *Postgres) InsertAudit(ctx context.Context, tenantID string, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, tenant_id, action, subject_kind, subject_id, actor, recorded_at, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, tenantID, entry.Action, entry.Subject.Kind, entry.Subject.ID,
		nullIfEmpty(entry.Actor), entry.RecordedAt, toJSON(entry.Metadata))
	return err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// helpers

func (p *Postgres) requireVehicle(ctx context.Context, tenantID, vehicleID string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM vehicles WHERE id=$1 AND tenant_id=$2)`, vehicleID, tenantID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) routeWaypoints(ctx context.Context, routeID string) ([]model.Waypoint, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT w.id::text, w.route_id::text, w.site_id::text, w.position, w.status, w.arrival_at, w.departure_at,
		        s.id::text, s.tenant_id, s.name, s.lat, s.lng, s.risk_score
		 FROM waypoints w JOIN sites s ON s.id=w.site_id
		 WHERE w.route_id=$1 ORDER BY w.position`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Waypoint{}
	for rows.Next() {
		var wp model.Waypoint
		var s model.Site
		if err := rows.Scan(&wp.ID, &wp.RouteID, &wp.SiteID, &wp.Position, &wp.Status, &wp.ArrivalAt, &wp.DepartureAt,
			&s.ID, &s.TenantID, &s.Name, &s.Lat, &s.Lng, &s.RiskScore); err != nil {
			return nil, err
		}
		wp.Site = &s
		out = append(out, wp)
	}
	return out, rows.Err()
}

func (p *Postgres) custodyQuery(ctx context.Context, query string, args ...any) ([]model.CustodyEvent, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.CustodyEvent{}
	for rows.Next() {
		var ev model.CustodyEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.VehicleID, &ev.RouteID, &ev.WaypointID, &ev.EventType, &ev.Description,
			&ev.RecordedAt, &ev.RecordedBy, &ev.TempC, &meta, &ev.Seq, &ev.PreviousHash, &ev.Hash); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// routeTransitionErr distinguishes a missing route from a bad status after
// a zero-row UPDATE.
func (p *Postgres) routeTransitionErr(ctx context.Context, tenantID, routeID string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM routes WHERE id=$1 AND tenant_id=$2)`, routeID, tenantID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) waypointTransitionErr(ctx context.Context, tenantID, routeID, waypointID string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM waypoints w JOIN routes r ON r.id=w.route_id
		  WHERE w.id=$1 AND r.id=$2 AND r.tenant_id=$3)`, waypointID, routeID, tenantID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// vehicleLockKey folds a vehicle id into the advisory-lock keyspace.
func vehicleLockKey(vehicleID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(vehicleID))
	return int64(h.Sum64())
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(v any) []byte {
	if v == nil {
		return []byte(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
