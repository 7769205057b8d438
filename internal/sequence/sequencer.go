// Package sequence orders a route's stops: nearest-neighbor planning over
// site coordinates, risk-priority reordering for operational routes, and
// reroute suggestions. Distance and duration estimates are recomputed from
// the resulting order.
package sequence

import (
	"math"
	"sort"
	"time"

	"coldchain/internal/model"
)

const (
	avgSpeedKmh     = 60.0
	stopServiceHrs  = 0.5
	minutesPerStop  = 75 // travel + service estimate used for ETAs
	rerouteHighRisk = 70
	rerouteWatch    = 50
)

// Result is a recomputed stop sequence. Waypoints carry their new 1-based
// positions; Changed is false when the input order was kept.
type Result struct {
	RouteID     string           `json:"routeId"`
	Waypoints   []model.Waypoint `json:"waypoints"`
	DistanceKm  float64          `json:"distanceKm"`
	DurationMin int              `json:"durationMin"`
	Changed     bool             `json:"changed"`
}

// Suggestion flags a pending stop whose site risk warrants attention.
type Suggestion struct {
	WaypointID     string `json:"waypointId"`
	SiteName       string `json:"siteName"`
	RiskScore      int    `json:"riskScore"`
	Action         string `json:"action"` // prioritize | monitor
	Recommendation string `json:"recommendation"`
}

// OptimizeByDistance reorders all waypoints with a greedy nearest-neighbor
// tour starting from the first stop. Routes with two or fewer resolvable
// stops are returned unchanged. When improve is true a 2-opt pass refines
// the tour.
func OptimizeByDistance(r model.Route, improve bool) Result {
	wps := append([]model.Waypoint(nil), r.Waypoints...)
	located := locatedWaypoints(wps)
	if len(located) <= 2 {
		return Result{RouteID: r.ID, Waypoints: wps, DistanceKm: pathKm(wps), DurationMin: durationMin(wps), Changed: false}
	}

	order := nearestNeighborOrder(located)
	if improve {
		order = improve2Opt(located, order, 10)
	}

	reordered := make([]model.Waypoint, 0, len(wps))
	for _, idx := range order {
		reordered = append(reordered, located[idx])
	}
	// waypoints without a resolved site keep their relative order at the end
	for _, wp := range wps {
		if wp.Site == nil {
			reordered = append(reordered, wp)
		}
	}
	changed := false
	for i := range reordered {
		if reordered[i].Position != i+1 {
			changed = true
		}
		reordered[i].Position = i + 1
	}
	return Result{
		RouteID:     r.ID,
		Waypoints:   reordered,
		DistanceKm:  pathKm(reordered),
		DurationMin: durationMin(reordered),
		Changed:     changed,
	}
}

// ReorderByRisk re-sorts only pending waypoints by descending site risk
// (stable on original position) and keeps completed waypoints fixed at the
// front of the sequence.
func ReorderByRisk(r model.Route) Result {
	completed := []model.Waypoint{}
	pending := []model.Waypoint{}
	other := []model.Waypoint{}
	for _, wp := range r.Waypoints {
		switch {
		case wp.Status == model.WaypointCompleted:
			completed = append(completed, wp)
		case wp.Pending():
			pending = append(pending, wp)
		default:
			other = append(other, wp)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].SiteRisk() != pending[j].SiteRisk() {
			return pending[i].SiteRisk() > pending[j].SiteRisk()
		}
		return pending[i].Position < pending[j].Position
	})

	reordered := make([]model.Waypoint, 0, len(r.Waypoints))
	reordered = append(reordered, completed...)
	reordered = append(reordered, other...)
	reordered = append(reordered, pending...)
	changed := false
	for i := range reordered {
		if reordered[i].Position != i+1 {
			changed = true
		}
		reordered[i].Position = i + 1
	}
	return Result{
		RouteID:     r.ID,
		Waypoints:   reordered,
		DistanceKm:  pathKm(reordered),
		DurationMin: durationMin(reordered),
		Changed:     changed,
	}
}

// SuggestReroute flags pending stops at risky sites, highest risk first.
func SuggestReroute(r model.Route) []Suggestion {
	out := []Suggestion{}
	for _, wp := range r.Waypoints {
		if !wp.Pending() {
			continue
		}
		risk := wp.SiteRisk()
		name := ""
		if wp.Site != nil {
			name = wp.Site.Name
		}
		switch {
		case risk > rerouteHighRisk:
			out = append(out, Suggestion{
				WaypointID: wp.ID, SiteName: name, RiskScore: risk, Action: "prioritize",
				Recommendation: "HIGH PRIORITY - Consider visiting " + name + " immediately due to high risk score",
			})
		case risk > rerouteWatch:
			out = append(out, Suggestion{
				WaypointID: wp.ID, SiteName: name, RiskScore: risk, Action: "monitor",
				Recommendation: "MEDIUM PRIORITY - " + name + " has elevated risk",
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out
}

// EstimateETA projects the arrival time at a waypoint from the number of
// stops still ahead of it. Only meaningful for in-progress routes.
func EstimateETA(r model.Route, waypointID string, now time.Time) *time.Time {
	if !r.InProgress() {
		return nil
	}
	var target *model.Waypoint
	for i := range r.Waypoints {
		if r.Waypoints[i].ID == waypointID {
			target = &r.Waypoints[i]
			break
		}
	}
	if target == nil {
		return nil
	}
	remaining := target.Position - r.CompletedStops()
	if remaining < 0 {
		remaining = 0
	}
	eta := now.Add(time.Duration(remaining*minutesPerStop) * time.Minute)
	return &eta
}

func locatedWaypoints(wps []model.Waypoint) []model.Waypoint {
	out := make([]model.Waypoint, 0, len(wps))
	for _, wp := range wps {
		if wp.Site != nil {
			out = append(out, wp)
		}
	}
	return out
}

// nearestNeighborOrder builds a tour over waypoint indices starting from
// the first stop, always visiting the closest unvisited site next. Ties
// break on the lower index for determinism.
func nearestNeighborOrder(wps []model.Waypoint) []int {
	n := len(wps)
	visited := make([]bool, n)
	order := make([]int, 0, n)
	current := 0
	visited[0] = true
	order = append(order, 0)
	for len(order) < n {
		best := -1
		bestDist := math.MaxFloat64
		for i := 0; i < n; i++ {
			if visited[i] {
				continue
			}
			d := HaversineKm(wps[current].Site.Lat, wps[current].Site.Lng, wps[i].Site.Lat, wps[i].Site.Lng)
			if d < bestDist {
				bestDist = d
				best = i
			}
		}
		visited[best] = true
		order = append(order, best)
		current = best
	}
	return order
}

// improve2Opt applies a bounded 2-opt pass to shorten the tour, keeping the
// first stop fixed.
func improve2Opt(wps []model.Waypoint, order []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestDist := orderKm(wps, best)
	n := len(order)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 1; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				if d := orderKm(wps, cand); d+1e-9 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

func orderKm(wps []model.Waypoint, order []int) float64 {
	total := 0.0
	for i := 0; i < len(order)-1; i++ {
		a, b := wps[order[i]].Site, wps[order[i+1]].Site
		total += HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
	}
	return total
}

// pathKm sums consecutive pairwise distances over resolvable stops in the
// given order.
func pathKm(wps []model.Waypoint) float64 {
	var prev *model.Site
	total := 0.0
	for _, wp := range wps {
		if wp.Site == nil {
			continue
		}
		if prev != nil {
			total += HaversineKm(prev.Lat, prev.Lng, wp.Site.Lat, wp.Site.Lng)
		}
		prev = wp.Site
	}
	return math.Round(total*100) / 100
}

// durationMin estimates travel at 60 km/h plus 30 minutes of service per
// stop.
func durationMin(wps []model.Waypoint) int {
	stops := 0
	for _, wp := range wps {
		if wp.Site != nil {
			stops++
		}
	}
	hours := pathKm(wps)/avgSpeedKmh + float64(stops)*stopServiceHrs
	return int(math.Round(hours * 60))
}

// HaversineKm is the great-circle distance between two coordinates.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
