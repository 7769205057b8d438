package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"coldchain/internal/ledger"
	"coldchain/internal/model"
)

func f64(v float64) *float64 { return &v }

func seedVehicle(t *testing.T, m *Memory, tenant string) model.Vehicle {
	t.Helper()
	v, err := m.CreateVehicle(context.Background(), tenant, model.Vehicle{Name: "reefer", MinTempC: f64(2), MaxTempC: f64(8)})
	if err != nil {
		t.Fatalf("CreateVehicle: %v", err)
	}
	return v
}

func TestMemoryVehicleLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := seedVehicle(t, m, "t1")

	got, err := m.GetVehicle(ctx, "t1", v.ID)
	if err != nil || got.Name != "reefer" {
		t.Fatalf("GetVehicle = %+v, %v", got, err)
	}
	if _, err := m.GetVehicle(ctx, "t2", v.ID); err != ErrNotFound {
		t.Fatalf("cross-tenant read = %v, want ErrNotFound", err)
	}

	at := time.Now().UTC()
	upd, err := m.SaveVehicleRisk(ctx, "t1", v.ID, model.RiskAssessment{Score: 72, Level: model.RiskHigh}, at)
	if err != nil || upd.RiskScore != 72 || upd.RiskLevel != model.RiskHigh {
		t.Fatalf("SaveVehicleRisk = %+v, %v", upd, err)
	}
	if upd.RiskAssessedAt == nil || !upd.RiskAssessedAt.Equal(at) {
		t.Fatalf("riskAssessedAt = %v", upd.RiskAssessedAt)
	}
}

func TestMemoryRouteTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := seedVehicle(t, m, "t1")
	site, _ := m.CreateSite(ctx, "t1", model.Site{Name: "pharmacy", Lat: 40.7, Lng: -74.0})

	r, err := m.CreateRoute(ctx, "t1", model.Route{
		Name: "morning run", Status: model.RoutePlanned, VehicleID: v.ID,
		Waypoints: []model.Waypoint{{SiteID: site.ID}},
	})
	if err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}
	if r.Waypoints[0].Site == nil || r.Waypoints[0].Site.Name != "pharmacy" {
		t.Fatalf("site not resolved: %+v", r.Waypoints[0])
	}

	now := time.Now().UTC()
	if _, err := m.CompleteRoute(ctx, "t1", r.ID, now); err != ErrConflict {
		t.Fatalf("complete before start = %v, want ErrConflict", err)
	}
	started, err := m.StartRoute(ctx, "t1", r.ID, now)
	if err != nil || started.Status != model.RouteInProgress {
		t.Fatalf("StartRoute = %+v, %v", started, err)
	}
	if _, err := m.StartRoute(ctx, "t1", r.ID, now); err != ErrConflict {
		t.Fatalf("double start = %v, want ErrConflict", err)
	}

	wp := started.Waypoints[0]
	if _, err := m.MarkWaypointCompleted(ctx, "t1", r.ID, wp.ID, now); err != ErrConflict {
		t.Fatalf("complete waypoint before arrival = %v, want ErrConflict", err)
	}
	if _, err := m.MarkWaypointArrived(ctx, "t1", r.ID, wp.ID, now); err != nil {
		t.Fatalf("MarkWaypointArrived: %v", err)
	}
	done, err := m.MarkWaypointCompleted(ctx, "t1", r.ID, wp.ID, now)
	if err != nil || done.Waypoints[0].Status != model.WaypointCompleted {
		t.Fatalf("MarkWaypointCompleted = %+v, %v", done, err)
	}

	completed, err := m.CompleteRoute(ctx, "t1", r.ID, now)
	if err != nil || completed.Status != model.RouteCompleted {
		t.Fatalf("CompleteRoute = %+v, %v", completed, err)
	}
}

func TestMemoryRouteCannotStartWithoutVehicle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r, _ := m.CreateRoute(ctx, "t1", model.Route{Name: "unassigned", Status: model.RoutePlanned})
	if _, err := m.StartRoute(ctx, "t1", r.ID, time.Now()); err != ErrConflict {
		t.Fatalf("start without vehicle = %v, want ErrConflict", err)
	}
}

func TestMemoryReplaceWaypointOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s1, _ := m.CreateSite(ctx, "t1", model.Site{Name: "a"})
	s2, _ := m.CreateSite(ctx, "t1", model.Site{Name: "b"})
	r, _ := m.CreateRoute(ctx, "t1", model.Route{Name: "r", Waypoints: []model.Waypoint{{SiteID: s1.ID}, {SiteID: s2.ID}}})

	swapped := []model.Waypoint{r.Waypoints[1], r.Waypoints[0]}
	upd, err := m.ReplaceWaypointOrder(ctx, "t1", r.ID, swapped, 12.5, 90)
	if err != nil {
		t.Fatalf("ReplaceWaypointOrder: %v", err)
	}
	if upd.Waypoints[0].SiteID != s2.ID || upd.Waypoints[0].Position != 1 {
		t.Fatalf("order not applied: %+v", upd.Waypoints)
	}
	if upd.DistanceKm != 12.5 || upd.EstimatedDurationMin != 90 {
		t.Fatalf("estimates not stored: %+v", upd)
	}

	// dropping a waypoint is rejected
	if _, err := m.ReplaceWaypointOrder(ctx, "t1", r.ID, swapped[:1], 1, 1); err != ErrConflict {
		t.Fatalf("partial order = %v, want ErrConflict", err)
	}
	// foreign waypoint is rejected
	foreign := []model.Waypoint{{ID: "nope"}, r.Waypoints[0]}
	if _, err := m.ReplaceWaypointOrder(ctx, "t1", r.ID, foreign, 1, 1); err != ErrNotFound {
		t.Fatalf("foreign waypoint = %v, want ErrNotFound", err)
	}
}

func TestMemoryTelemetry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := seedVehicle(t, m, "t1")
	now := time.Now().UTC()

	accepted, err := m.InsertTelemetry(ctx, "t1", []model.TelemetrySample{
		{VehicleID: v.ID, RecordedAt: now.Add(-2 * time.Hour), TempC: f64(5)},
		{VehicleID: v.ID, RecordedAt: now.Add(-1 * time.Hour), TempC: f64(6)},
		{VehicleID: "ghost", RecordedAt: now, TempC: f64(7)},
	})
	if err != nil || accepted != 2 {
		t.Fatalf("InsertTelemetry accepted = %d, %v; want 2", accepted, err)
	}

	since, err := m.ListTelemetrySince(ctx, "t1", v.ID, now.Add(-90*time.Minute))
	if err != nil || len(since) != 1 {
		t.Fatalf("ListTelemetrySince = %d samples, %v; want 1", len(since), err)
	}
	latest, err := m.LatestTelemetry(ctx, "t1", v.ID)
	if err != nil || latest == nil || *latest.TempC != 6 {
		t.Fatalf("LatestTelemetry = %+v, %v", latest, err)
	}
}

func TestMemoryCustodyAppendSealsChain(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := seedVehicle(t, m, "t1")
	now := time.Now().UTC()

	first, err := m.AppendCustodyEvent(ctx, "t1", model.CustodyEvent{
		VehicleID: v.ID, EventType: model.EventRouteStarted, RecordedAt: now,
	})
	if err != nil {
		t.Fatalf("AppendCustodyEvent: %v", err)
	}
	if first.Seq != 1 || first.PreviousHash != nil || first.Hash == "" {
		t.Fatalf("first event = %+v", first)
	}
	second, _ := m.AppendCustodyEvent(ctx, "t1", model.CustodyEvent{
		VehicleID: v.ID, EventType: model.EventStopArrival, RecordedAt: now.Add(time.Minute),
	})
	if second.Seq != 2 || second.PreviousHash == nil || *second.PreviousHash != first.Hash {
		t.Fatalf("second event = %+v", second)
	}

	chain, err := m.ListCustodyChain(ctx, "t1", v.ID)
	if err != nil || len(chain) != 2 {
		t.Fatalf("chain = %d events, %v", len(chain), err)
	}
	if res := ledger.VerifyChain(chain); !res.Valid {
		t.Fatalf("stored chain failed verification: %+v", res)
	}
}

func TestMemoryCustodyConcurrentAppends(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := seedVehicle(t, m, "t1")
	now := time.Now().UTC()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := m.AppendCustodyEvent(ctx, "t1", model.CustodyEvent{
				VehicleID: v.ID, EventType: model.EventTemperatureRead,
				RecordedAt: now.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	chain, err := m.ListCustodyChain(ctx, "t1", v.ID)
	if err != nil || len(chain) != n {
		t.Fatalf("chain = %d events, %v; want %d", len(chain), err, n)
	}
	// sequence numbers must be dense regardless of arrival interleaving
	seen := map[int64]bool{}
	for _, ev := range chain {
		seen[ev.Seq] = true
	}
	for i := int64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing seq %d", i)
		}
	}
}

func TestMemoryCustodyPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := seedVehicle(t, m, "t1")
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if _, err := m.AppendCustodyEvent(ctx, "t1", model.CustodyEvent{
			VehicleID: v.ID, EventType: model.EventManualCheck, RecordedAt: now.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	page1, next, err := m.ListCustodyEvents(ctx, "t1", v.ID, "", 2)
	if err != nil || len(page1) != 2 || next == "" {
		t.Fatalf("page1 = %d, next=%q, %v", len(page1), next, err)
	}
	page2, _, err := m.ListCustodyEvents(ctx, "t1", v.ID, next, 10)
	if err != nil || len(page2) != 3 {
		t.Fatalf("page2 = %d, %v; want 3", len(page2), err)
	}
	if page2[0].Seq != page1[1].Seq+1 {
		t.Fatalf("pages overlap: %d then %d", page1[1].Seq, page2[0].Seq)
	}
}

func TestMemoryRouteHistoryFlagsExcursions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := seedVehicle(t, m, "t1")
	now := time.Now().UTC()

	mk := func(name string) model.Route {
		r, _ := m.CreateRoute(ctx, "t1", model.Route{Name: name, Status: model.RoutePlanned, VehicleID: v.ID})
		r, _ = m.StartRoute(ctx, "t1", r.ID, now.Add(-2*time.Hour))
		r, _ = m.CompleteRoute(ctx, "t1", r.ID, now.Add(-time.Hour))
		return r
	}
	clean := mk("clean")
	dirty := mk("dirty")
	if _, err := m.AppendCustodyEvent(ctx, "t1", model.CustodyEvent{
		VehicleID: v.ID, RouteID: dirty.ID, EventType: model.EventTemperatureExcur, RecordedAt: now.Add(-90 * time.Minute),
	}); err != nil {
		t.Fatalf("append excursion: %v", err)
	}

	hist, err := m.ListRouteHistory(ctx, "t1", v.ID, now.Add(-24*time.Hour))
	if err != nil || len(hist) != 2 {
		t.Fatalf("history = %d, %v; want 2", len(hist), err)
	}
	byID := map[string]bool{}
	for _, h := range hist {
		byID[h.RouteID] = h.Excursion
	}
	if byID[clean.ID] || !byID[dirty.ID] {
		t.Fatalf("excursion flags = %+v", byID)
	}
}
