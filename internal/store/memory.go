package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"coldchain/internal/ledger"
	"coldchain/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	vehicles map[string]model.Vehicle // id -> vehicle
	vehTen   map[string][]string      // tenant -> vehicle ids
	sites    map[string]model.Site    // id -> site
	siteTen  map[string][]string      // tenant -> site ids
	routes   map[string]model.Route   // id -> route (waypoints embedded)
	routeTen map[string][]string      // tenant -> route ids
	samples  map[string][]model.TelemetrySample // vehicleId -> samples, append order
	audit    []model.AuditEntry

	// chains holds one arena per vehicle so custody appends for different
	// vehicles never contend while appends for the same vehicle serialize.
	chainMu sync.Mutex
	chains  map[string]*custodyChain // vehicleId -> chain
}

type custodyChain struct {
	mu     sync.Mutex
	events []model.CustodyEvent
}

func NewMemory() *Memory {
	return &Memory{
		vehicles: map[string]model.Vehicle{},
		vehTen:   map[string][]string{},
		sites:    map[string]model.Site{},
		siteTen:  map[string][]string{},
		routes:   map[string]model.Route{},
		routeTen: map[string][]string{},
		samples:  map[string][]model.TelemetrySample{},
		chains:   map[string]*custodyChain{},
	}
}

// Vehicles

func (m *Memory) CreateVehicle(ctx context.Context, tenantID string, v model.Vehicle) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.TenantID = tenantID
	m.vehicles[v.ID] = v
	m.vehTen[tenantID] = append(m.vehTen[tenantID], v.ID)
	return v, nil
}

func (m *Memory) GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok || v.TenantID != tenantID {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

func (m *Memory) ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.vehTen[tenantID]
	start := cursorIndex(ids, cursor)
	if limit <= 0 {
		limit = 100
	}
	out := []model.Vehicle{}
	next := ""
	for i := start; i < len(ids); i++ {
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, m.vehicles[ids[i]])
	}
	return out, next, nil
}

func (m *Memory) SaveVehicleRisk(ctx context.Context, tenantID, vehicleID string, a model.RiskAssessment, at time.Time) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.TenantID != tenantID {
		return model.Vehicle{}, ErrNotFound
	}
	v.RiskScore = a.Score
	v.RiskLevel = a.Level
	v.RiskAssessedAt = &at
	m.vehicles[vehicleID] = v
	return v, nil
}

// Sites

func (m *Memory) CreateSite(ctx context.Context, tenantID string, s model.Site) (model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.TenantID = tenantID
	m.sites[s.ID] = s
	m.siteTen[tenantID] = append(m.siteTen[tenantID], s.ID)
	return s, nil
}

func (m *Memory) GetSite(ctx context.Context, tenantID, id string) (model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[id]
	if !ok || s.TenantID != tenantID {
		return model.Site{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSites(ctx context.Context, tenantID, cursor string, limit int) ([]model.Site, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.siteTen[tenantID]
	start := cursorIndex(ids, cursor)
	if limit <= 0 {
		limit = 100
	}
	out := []model.Site{}
	next := ""
	for i := start; i < len(ids); i++ {
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, m.sites[ids[i]])
	}
	return out, next, nil
}

func (m *Memory) SaveSiteRisk(ctx context.Context, tenantID, siteID string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sites[siteID]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	s.RiskScore = score
	m.sites[siteID] = s
	return nil
}

// Routes

func (m *Memory) CreateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.TenantID = tenantID
	if r.Status == "" {
		r.Status = model.RouteDraft
	}
	for i := range r.Waypoints {
		if r.Waypoints[i].ID == "" {
			r.Waypoints[i].ID = uuid.New().String()
		}
		r.Waypoints[i].RouteID = r.ID
		r.Waypoints[i].Position = i + 1
		r.Waypoints[i].Site = nil
	}
	m.routes[r.ID] = r
	m.routeTen[tenantID] = append(m.routeTen[tenantID], r.ID)
	return m.resolveRoute(r), nil
}

func (m *Memory) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	return m.resolveRoute(r), nil
}

func (m *Memory) ListRoutes(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Route, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.routeTen[tenantID]
	start := cursorIndex(ids, cursor)
	if limit <= 0 {
		limit = 100
	}
	out := []model.Route{}
	next := ""
	for i := start; i < len(ids); i++ {
		r := m.routes[ids[i]]
		if status != "" && r.Status != status {
			continue
		}
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, m.resolveRoute(r))
	}
	return out, next, nil
}

func (m *Memory) StartRoute(ctx context.Context, tenantID, routeID string, at time.Time) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	if !r.CanStart() {
		return model.Route{}, ErrConflict
	}
	r.Status = model.RouteInProgress
	r.StartedAt = &at
	m.routes[routeID] = r
	return m.resolveRoute(r), nil
}

func (m *Memory) CompleteRoute(ctx context.Context, tenantID, routeID string, at time.Time) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	if r.Status != model.RouteInProgress {
		return model.Route{}, ErrConflict
	}
	r.Status = model.RouteCompleted
	r.CompletedAt = &at
	m.routes[routeID] = r
	return m.resolveRoute(r), nil
}

func (m *Memory) SaveRouteRisk(ctx context.Context, tenantID, routeID string, a model.RiskAssessment, at time.Time) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	r.RiskScore = a.Score
	r.RiskLevel = a.Level
	r.RiskAssessedAt = &at
	m.routes[routeID] = r
	return m.resolveRoute(r), nil
}

func (m *Memory) ReplaceWaypointOrder(ctx context.Context, tenantID, routeID string, waypoints []model.Waypoint, distanceKm float64, durationMin int) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	existing := map[string]bool{}
	for _, wp := range r.Waypoints {
		existing[wp.ID] = true
	}
	next := make([]model.Waypoint, 0, len(waypoints))
	for i, wp := range waypoints {
		if !existing[wp.ID] {
			return model.Route{}, ErrNotFound
		}
		wp.Position = i + 1
		wp.Site = nil
		next = append(next, wp)
	}
	if len(next) != len(r.Waypoints) {
		return model.Route{}, ErrConflict
	}
	r.Waypoints = next
	r.DistanceKm = distanceKm
	r.EstimatedDurationMin = durationMin
	m.routes[routeID] = r
	return m.resolveRoute(r), nil
}

func (m *Memory) MarkWaypointArrived(ctx context.Context, tenantID, routeID, waypointID string, at time.Time) (model.Route, error) {
	return m.setWaypointStatus(tenantID, routeID, waypointID, model.WaypointArrived, at)
}

func (m *Memory) MarkWaypointCompleted(ctx context.Context, tenantID, routeID, waypointID string, at time.Time) (model.Route, error) {
	return m.setWaypointStatus(tenantID, routeID, waypointID, model.WaypointCompleted, at)
}

func (m *Memory) setWaypointStatus(tenantID, routeID, waypointID, status string, at time.Time) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	if !r.InProgress() {
		return model.Route{}, ErrConflict
	}
	for i := range r.Waypoints {
		if r.Waypoints[i].ID != waypointID {
			continue
		}
		switch status {
		case model.WaypointArrived:
			if !r.Waypoints[i].Pending() {
				return model.Route{}, ErrConflict
			}
			r.Waypoints[i].Status = status
			r.Waypoints[i].ArrivalAt = &at
		case model.WaypointCompleted:
			if r.Waypoints[i].Status != model.WaypointArrived {
				return model.Route{}, ErrConflict
			}
			r.Waypoints[i].Status = status
			r.Waypoints[i].DepartureAt = &at
		}
		m.routes[routeID] = r
		return m.resolveRoute(r), nil
	}
	return model.Route{}, ErrNotFound
}

// ListRouteHistory returns completed routes for a vehicle since the cutoff,
// flagging routes whose custody chain recorded a temperature excursion.
func (m *Memory) ListRouteHistory(ctx context.Context, tenantID, vehicleID string, since time.Time) ([]model.RouteHistory, error) {
	m.mu.Lock()
	routeIDs := []string{}
	for _, id := range m.routeTen[tenantID] {
		r := m.routes[id]
		if r.VehicleID != vehicleID || r.Status != model.RouteCompleted {
			continue
		}
		if r.CompletedAt == nil || r.CompletedAt.Before(since) {
			continue
		}
		routeIDs = append(routeIDs, id)
	}
	m.mu.Unlock()

	excursions := map[string]bool{}
	for _, ev := range m.snapshotChain(vehicleID) {
		if ev.EventType == model.EventTemperatureExcur && ev.RouteID != "" {
			excursions[ev.RouteID] = true
		}
	}
	out := make([]model.RouteHistory, 0, len(routeIDs))
	for _, id := range routeIDs {
		out = append(out, model.RouteHistory{RouteID: id, Excursion: excursions[id]})
	}
	return out, nil
}

// Telemetry

func (m *Memory) InsertTelemetry(ctx context.Context, tenantID string, samples []model.TelemetrySample) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accepted := 0
	for _, s := range samples {
		v, ok := m.vehicles[s.VehicleID]
		if !ok || v.TenantID != tenantID {
			continue
		}
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		m.samples[s.VehicleID] = append(m.samples[s.VehicleID], s)
		accepted++
	}
	return accepted, nil
}

func (m *Memory) ListTelemetrySince(ctx context.Context, tenantID, vehicleID string, since time.Time) ([]model.TelemetrySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := []model.TelemetrySample{}
	for _, s := range m.samples[vehicleID] {
		if !s.RecordedAt.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *Memory) LatestTelemetry(ctx context.Context, tenantID, vehicleID string) (*model.TelemetrySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.TenantID != tenantID {
		return nil, ErrNotFound
	}
	var latest *model.TelemetrySample
	for i := range m.samples[vehicleID] {
		s := m.samples[vehicleID][i]
		if latest == nil || s.RecordedAt.After(latest.RecordedAt) {
			latest = &s
		}
	}
	return latest, nil
}

// Custody

func (m *Memory) AppendCustodyEvent(ctx context.Context, tenantID string, ev model.CustodyEvent) (model.CustodyEvent, error) {
	m.mu.Lock()
	v, ok := m.vehicles[ev.VehicleID]
	m.mu.Unlock()
	if !ok || v.TenantID != tenantID {
		return model.CustodyEvent{}, ErrNotFound
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	chain := m.chain(ev.VehicleID)
	chain.mu.Lock()
	defer chain.mu.Unlock()
	var prev *model.CustodyEvent
	if n := len(chain.events); n > 0 {
		prev = &chain.events[n-1]
	}
	ledger.Seal(&ev, prev)
	chain.events = append(chain.events, ev)
	return ev, nil
}

func (m *Memory) ListCustodyChain(ctx context.Context, tenantID, vehicleID string) ([]model.CustodyEvent, error) {
	m.mu.Lock()
	v, ok := m.vehicles[vehicleID]
	m.mu.Unlock()
	if !ok || v.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return m.snapshotChain(vehicleID), nil
}

func (m *Memory) ListCustodyEvents(ctx context.Context, tenantID, vehicleID, cursor string, limit int) ([]model.CustodyEvent, string, error) {
	events, err := m.ListCustodyChain(ctx, tenantID, vehicleID)
	if err != nil {
		return nil, "", err
	}
	start := 0
	if cursor != "" {
		for i, ev := range events {
			if ev.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.CustodyEvent{}
	next := ""
	for i := start; i < len(events); i++ {
		if len(out) == limit {
			next = out[len(out)-1].ID
			break
		}
		out = append(out, events[i])
	}
	return out, next, nil
}

func (m *Memory) ListCustodyEventsForRoute(ctx context.Context, tenantID, routeID string) ([]model.CustodyEvent, error) {
	m.mu.Lock()
	r, ok := m.routes[routeID]
	m.mu.Unlock()
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	if r.VehicleID == "" {
		return []model.CustodyEvent{}, nil
	}
	out := []model.CustodyEvent{}
	for _, ev := range m.snapshotChain(r.VehicleID) {
		if ev.RouteID == routeID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Audit

func (m *Memory) InsertAudit(ctx context.Context, tenantID string, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.TenantID = tenantID
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// chain returns the per-vehicle arena, creating it on first use.
func (m *Memory) chain(vehicleID string) *custodyChain {
	m.chainMu.Lock()
	defer m.chainMu.Unlock()
	c, ok := m.chains[vehicleID]
	if !ok {
		c = &custodyChain{}
		m.chains[vehicleID] = c
	}
	return c
}

func (m *Memory) snapshotChain(vehicleID string) []model.CustodyEvent {
	c := m.chain(vehicleID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.CustodyEvent(nil), c.events...)
}

// resolveRoute attaches site snapshots to waypoints. Caller holds m.mu.
func (m *Memory) resolveRoute(r model.Route) model.Route {
	wps := make([]model.Waypoint, len(r.Waypoints))
	copy(wps, r.Waypoints)
	for i := range wps {
		if s, ok := m.sites[wps[i].SiteID]; ok {
			site := s
			wps[i].Site = &site
		}
	}
	r.Waypoints = wps
	return r
}

func cursorIndex(ids []string, cursor string) int {
	if cursor == "" {
		return 0
	}
	for i, id := range ids {
		if id == cursor {
			return i + 1
		}
	}
	return 0
}
