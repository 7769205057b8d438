// Package rank scores candidate routes against shipment constraints and
// produces a recommendation with ranked alternatives. Scoring is pure over
// the candidate snapshots; hard constraints remove a candidate entirely,
// soft preferences only move it down the list.
package rank

import (
	"fmt"
	"math"
	"sort"
	"time"

	"coldchain/internal/model"
)

const (
	defaultMaxRisk      = 80
	defaultMaxCost      = 10000.0
	defaultMaxHours     = 24.0
	defaultBracketScore = 50.0
)

// sensitivityWeight amplifies risk penalties for temperature-critical cargo.
var sensitivityWeight = map[string]float64{
	model.SensitivityCritical: 2.0,
	model.SensitivityHigh:     1.5,
	model.SensitivityStandard: 1.0,
	model.SensitivityLow:      0.5,
}

// profiles maps an optimization target to component weights in the order
// risk, time, cost, priority.
var profiles = map[string][4]float64{
	"balanced": {0.35, 0.30, 0.20, 0.15},
	"risk":     {0.60, 0.20, 0.10, 0.10},
	"time":     {0.20, 0.60, 0.10, 0.10},
	"cost":     {0.20, 0.20, 0.50, 0.10},
}

// Constraints are the shipment requirements a candidate route is ranked
// against. Zero values mean "no constraint" except MaxRisk, which defaults
// to 80.
type Constraints struct {
	MaxRisk         int      `json:"maxRisk,omitempty"`
	MaxHours        *float64 `json:"maxHours,omitempty"`
	MaxCost         *float64 `json:"maxCost,omitempty"`
	PreferCarrier   string   `json:"preferCarrier,omitempty"`
	TimeWindowStart *string  `json:"timeWindowStart,omitempty"` // RFC 3339
	TimeWindowEnd   *string  `json:"timeWindowEnd,omitempty"`   // RFC 3339
	OptimizeFor     string   `json:"optimizeFor,omitempty"`     // balanced | risk | time | cost

	// Now anchors the delivery-window projection; callers leave it zero to
	// use the wall clock.
	Now time.Time `json:"-"`
}

// Candidate pairs a route with its assigned vehicle for ranking.
type Candidate struct {
	Route   model.Route
	Vehicle *model.Vehicle
}

// Ranked is one scored candidate.
type Ranked struct {
	RouteID    string   `json:"routeId"`
	RouteName  string   `json:"routeName"`
	Score      float64  `json:"score"`
	RiskScore  int      `json:"riskScore"`
	Components Scores   `json:"components"`
	Tradeoffs  []string `json:"tradeoffs,omitempty"`
}

// Scores are the 0-100 component scores before profile weighting.
type Scores struct {
	Risk     float64 `json:"risk"`
	Time     float64 `json:"time"`
	Cost     float64 `json:"cost"`
	Priority float64 `json:"priority"`
}

// Excluded is a candidate removed by a hard constraint. Tradeoffs are still
// reported so a dispatcher can see what relaxing the constraints would buy.
type Excluded struct {
	RouteID   string   `json:"routeId"`
	Reasons   []string `json:"reasons"`
	Tradeoffs []string `json:"tradeoffs,omitempty"`
}

// Result is the full ranking outcome. Recommended is nil when no candidate
// satisfies the hard constraints.
type Result struct {
	Recommended  *Ranked    `json:"recommended,omitempty"`
	Alternatives []Ranked   `json:"alternatives"`
	Ineligible   []Excluded `json:"ineligible"`
	Profile      string     `json:"profile"`
}

// Rank filters candidates through hard constraints, scores the survivors
// under the requested optimization profile and orders them best first.
func Rank(candidates []Candidate, c Constraints) Result {
	profile := c.OptimizeFor
	if _, ok := profiles[profile]; !ok {
		profile = "balanced"
	}
	weights := profiles[profile]
	maxRisk := c.MaxRisk
	if maxRisk <= 0 {
		maxRisk = defaultMaxRisk
	}

	res := Result{Alternatives: []Ranked{}, Ineligible: []Excluded{}, Profile: profile}
	eligible := []Ranked{}
	for _, cand := range candidates {
		if reasons := eligibility(cand, c, maxRisk); len(reasons) > 0 {
			res.Ineligible = append(res.Ineligible, Excluded{
				RouteID:   cand.Route.ID,
				Reasons:   reasons,
				Tradeoffs: tradeoffs(cand, c),
			})
			continue
		}
		comp := score(cand, c)
		total := comp.Risk*weights[0] + comp.Time*weights[1] + comp.Cost*weights[2] + comp.Priority*weights[3]
		eligible = append(eligible, Ranked{
			RouteID:    cand.Route.ID,
			RouteName:  cand.Route.Name,
			Score:      math.Round(total*100) / 100,
			RiskScore:  cand.Route.RiskScore,
			Components: comp,
			Tradeoffs:  tradeoffs(cand, c),
		})
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].Score > eligible[j].Score })
	if len(eligible) > 0 {
		res.Recommended = &eligible[0]
		res.Alternatives = eligible[1:]
	}
	return res
}

// eligibility returns the hard-constraint violations for a candidate, empty
// when it qualifies.
func eligibility(cand Candidate, c Constraints, maxRisk int) []string {
	reasons := []string{}
	if cand.Route.RiskScore > maxRisk {
		reasons = append(reasons, fmt.Sprintf("risk score %d exceeds maximum %d", cand.Route.RiskScore, maxRisk))
	}
	if c.MaxHours != nil {
		if h := transitHours(cand.Route); h != nil && *h > *c.MaxHours {
			reasons = append(reasons, fmt.Sprintf("estimated transit %.1fh exceeds maximum %.1fh", *h, *c.MaxHours))
		}
	}
	if c.MaxCost != nil && cand.Route.CostEstimate != nil && *cand.Route.CostEstimate > *c.MaxCost {
		reasons = append(reasons, fmt.Sprintf("cost estimate %.2f exceeds budget %.2f", *cand.Route.CostEstimate, *c.MaxCost))
	}
	if end, ok := windowEnd(c); ok {
		if h := transitHours(cand.Route); h != nil {
			arrival := now(c).Add(time.Duration(*h * float64(time.Hour)))
			if arrival.After(end) {
				reasons = append(reasons, fmt.Sprintf("projected arrival %s is past the delivery window end %s",
					arrival.Format(time.RFC3339), end.Format(time.RFC3339)))
			}
		}
	}
	return reasons
}

func now(c Constraints) time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now
}

// windowEnd parses the delivery window end; malformed values are ignored
// rather than excluding every candidate.
func windowEnd(c Constraints) (time.Time, bool) {
	if c.TimeWindowEnd == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, *c.TimeWindowEnd)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func score(cand Candidate, c Constraints) Scores {
	return Scores{
		Risk:     riskScore(cand.Route),
		Time:     timeScore(cand.Route, c),
		Cost:     costScore(cand.Route, c),
		Priority: priorityScore(cand.Route),
	}
}

// riskScore inverts the route risk, amplified by cargo sensitivity so that
// critical shipments punish risky routes harder.
func riskScore(r model.Route) float64 {
	w, ok := sensitivityWeight[r.TemperatureSensitivity]
	if !ok {
		w = 1.0
	}
	s := 100 - float64(r.RiskScore)*w
	if s < 0 {
		return 0
	}
	return s
}

// timeScore brackets the transit time against the allowed maximum. Missing
// estimates score neutral.
func timeScore(r model.Route, c Constraints) float64 {
	h := transitHours(r)
	if h == nil {
		return defaultBracketScore
	}
	max := defaultMaxHours
	if r.MaxTransitHours != nil {
		max = *r.MaxTransitHours
	} else if c.MaxHours != nil {
		max = *c.MaxHours
	}
	return bracket(*h / max)
}

// costScore brackets the cost estimate against the budget. Missing
// estimates score neutral.
func costScore(r model.Route, c Constraints) float64 {
	if r.CostEstimate == nil {
		return defaultBracketScore
	}
	max := defaultMaxCost
	if c.MaxCost != nil {
		max = *c.MaxCost
	}
	return bracket(*r.CostEstimate / max)
}

func priorityScore(r model.Route) float64 {
	p := r.Priority
	if p < 0 {
		p = 0
	}
	if p > 10 {
		p = 10
	}
	return float64(p) * 10
}

// bracket maps a usage ratio to a coarse 100..20 score band. Using half the
// allowance or less earns full marks; anything past 125% bottoms out.
func bracket(ratio float64) float64 {
	switch {
	case ratio <= 0.5:
		return 100
	case ratio <= 0.75:
		return 80
	case ratio <= 1.0:
		return 60
	case ratio <= 1.25:
		return 40
	default:
		return 20
	}
}

func transitHours(r model.Route) *float64 {
	if r.EstimatedDurationMin <= 0 {
		return nil
	}
	h := float64(r.EstimatedDurationMin) / 60
	return &h
}

// tradeoffs lists the caveats a dispatcher should weigh before accepting a
// candidate that passed the hard constraints.
func tradeoffs(cand Candidate, c Constraints) []string {
	out := []string{}
	r := cand.Route
	if r.RiskScore > 60 {
		out = append(out, fmt.Sprintf("elevated risk score %d", r.RiskScore))
	}
	if h := transitHours(r); h != nil && r.MaxTransitHours != nil && *h > *r.MaxTransitHours {
		out = append(out, fmt.Sprintf("exceeds route max transit by %.1fh", *h-*r.MaxTransitHours))
	}
	if c.MaxCost != nil && r.CostEstimate != nil && *r.CostEstimate > *c.MaxCost {
		out = append(out, fmt.Sprintf("cost exceeds budget by %.2f", *r.CostEstimate-*c.MaxCost))
	}
	if r.TemperatureSensitivity == model.SensitivityCritical && r.RiskScore > 40 {
		out = append(out, "critical temperature sensitivity with non-trivial risk")
	}
	return out
}
