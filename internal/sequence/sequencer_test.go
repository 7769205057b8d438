package sequence

import (
	"testing"
	"time"

	"coldchain/internal/model"
)

func site(id string, lat, lng float64, risk int) *model.Site {
	return &model.Site{ID: id, Name: "site-" + id, Lat: lat, Lng: lng, RiskScore: risk}
}

func wp(id string, pos int, status string, s *model.Site) model.Waypoint {
	sid := ""
	if s != nil {
		sid = s.ID
	}
	return model.Waypoint{ID: id, RouteID: "r1", SiteID: sid, Position: pos, Status: status, Site: s}
}

func TestOptimizeByDistanceVisitsEverySiteOnce(t *testing.T) {
	// Positions deliberately zig-zag so the input order is suboptimal.
	r := model.Route{ID: "r1", Status: model.RoutePlanned, Waypoints: []model.Waypoint{
		wp("a", 1, "pending", site("sa", 40.0, -74.0, 0)),
		wp("b", 2, "pending", site("sb", 41.0, -74.0, 0)),
		wp("c", 3, "pending", site("sc", 40.1, -74.0, 0)),
		wp("d", 4, "pending", site("sd", 40.9, -74.0, 0)),
	}}
	res := OptimizeByDistance(r, false)
	if len(res.Waypoints) != 4 {
		t.Fatalf("waypoints = %d, want 4", len(res.Waypoints))
	}
	seen := map[string]bool{}
	for i, w := range res.Waypoints {
		if seen[w.ID] {
			t.Fatalf("waypoint %s visited twice", w.ID)
		}
		seen[w.ID] = true
		if w.Position != i+1 {
			t.Fatalf("position[%d] = %d, want %d", i, w.Position, i+1)
		}
	}
	// greedy from a: a -> c -> d -> b
	want := []string{"a", "c", "d", "b"}
	for i, id := range want {
		if res.Waypoints[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s", i, res.Waypoints[i].ID, id)
		}
	}
	if !res.Changed {
		t.Fatal("expected Changed for a reordered route")
	}
	if res.DistanceKm <= 0 {
		t.Fatalf("distance = %v, want > 0", res.DistanceKm)
	}
}

func TestOptimizeByDistanceIdempotent(t *testing.T) {
	r := model.Route{ID: "r1", Waypoints: []model.Waypoint{
		wp("a", 1, "pending", site("sa", 40.0, -74.0, 0)),
		wp("b", 2, "pending", site("sb", 40.1, -74.0, 0)),
		wp("c", 3, "pending", site("sc", 40.2, -74.0, 0)),
	}}
	first := OptimizeByDistance(r, true)
	r.Waypoints = first.Waypoints
	second := OptimizeByDistance(r, true)
	if second.Changed {
		t.Fatal("re-optimizing an optimized route should not change the order")
	}
	if second.DistanceKm != first.DistanceKm {
		t.Fatalf("distance drifted: %v -> %v", first.DistanceKm, second.DistanceKm)
	}
}

func TestOptimizeByDistanceTwoStopsNoOp(t *testing.T) {
	r := model.Route{ID: "r1", Waypoints: []model.Waypoint{
		wp("a", 1, "pending", site("sa", 40.0, -74.0, 0)),
		wp("b", 2, "pending", site("sb", 41.0, -75.0, 0)),
	}}
	res := OptimizeByDistance(r, true)
	if res.Changed {
		t.Fatal("two-stop route must keep its order")
	}
	if res.Waypoints[0].ID != "a" || res.Waypoints[1].ID != "b" {
		t.Fatal("two-stop route order altered")
	}
}

func TestReorderByRiskKeepsCompletedFixed(t *testing.T) {
	r := model.Route{ID: "r1", Status: model.RouteInProgress, Waypoints: []model.Waypoint{
		wp("done1", 1, model.WaypointCompleted, site("s1", 40, -74, 90)),
		wp("low", 2, "pending", site("s2", 40, -74, 10)),
		wp("high", 3, "pending", site("s3", 40, -74, 85)),
		wp("mid", 4, "pending", site("s4", 40, -74, 40)),
	}}
	res := ReorderByRisk(r)
	want := []string{"done1", "high", "mid", "low"}
	for i, id := range want {
		if res.Waypoints[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s", i, res.Waypoints[i].ID, id)
		}
		if res.Waypoints[i].Position != i+1 {
			t.Fatalf("position[%d] = %d, want %d", i, res.Waypoints[i].Position, i+1)
		}
	}
	if !res.Changed {
		t.Fatal("expected Changed")
	}
}

func TestReorderByRiskStableOnTies(t *testing.T) {
	r := model.Route{ID: "r1", Waypoints: []model.Waypoint{
		wp("a", 1, "pending", site("s1", 40, -74, 50)),
		wp("b", 2, "pending", site("s2", 40, -74, 50)),
		wp("c", 3, "pending", site("s3", 40, -74, 50)),
	}}
	res := ReorderByRisk(r)
	for i, id := range []string{"a", "b", "c"} {
		if res.Waypoints[i].ID != id {
			t.Fatalf("tie order[%d] = %s, want %s", i, res.Waypoints[i].ID, id)
		}
	}
	if res.Changed {
		t.Fatal("equal-risk pending stops must keep their order")
	}
}

func TestSuggestReroute(t *testing.T) {
	r := model.Route{ID: "r1", Waypoints: []model.Waypoint{
		wp("done", 1, model.WaypointCompleted, site("s0", 40, -74, 95)), // completed: ignored
		wp("hot", 2, "pending", site("s1", 40, -74, 80)),
		wp("warm", 3, "pending", site("s2", 40, -74, 55)),
		wp("cool", 4, "pending", site("s3", 40, -74, 20)),
	}}
	sugs := SuggestReroute(r)
	if len(sugs) != 2 {
		t.Fatalf("suggestions = %d, want 2", len(sugs))
	}
	if sugs[0].WaypointID != "hot" || sugs[0].Action != "prioritize" {
		t.Fatalf("first suggestion = %+v", sugs[0])
	}
	if sugs[1].WaypointID != "warm" || sugs[1].Action != "monitor" {
		t.Fatalf("second suggestion = %+v", sugs[1])
	}
}

func TestEstimateETA(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := model.Route{ID: "r1", Status: model.RouteInProgress, Waypoints: []model.Waypoint{
		wp("done", 1, model.WaypointCompleted, site("s1", 40, -74, 0)),
		wp("next", 2, "pending", site("s2", 40, -74, 0)),
		wp("later", 3, "pending", site("s3", 40, -74, 0)),
	}}
	eta := EstimateETA(r, "later", now)
	if eta == nil {
		t.Fatal("expected ETA for in-progress route")
	}
	// position 3, one completed stop -> 2 stops ahead -> 150 minutes
	if want := now.Add(150 * time.Minute); !eta.Equal(want) {
		t.Fatalf("eta = %v, want %v", eta, want)
	}

	r.Status = model.RoutePlanned
	if EstimateETA(r, "later", now) != nil {
		t.Fatal("planned route must not have an ETA")
	}
	r.Status = model.RouteInProgress
	if EstimateETA(r, "missing", now) != nil {
		t.Fatal("unknown waypoint must not have an ETA")
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// JFK to LAX, ~3974 km
	d := HaversineKm(40.6413, -73.7781, 33.9416, -118.4085)
	if d < 3900 || d > 4050 {
		t.Fatalf("JFK-LAX = %v km, want ~3974", d)
	}
}
