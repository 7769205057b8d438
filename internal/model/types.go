package model

import "time"

// RiskLevel is the discrete band derived from a 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Route lifecycle states. Only planned routes with an assigned vehicle
// may transition to in_progress.
const (
	RouteDraft      = "draft"
	RoutePlanned    = "planned"
	RouteInProgress = "in_progress"
	RouteCompleted  = "completed"
	RouteCancelled  = "cancelled"
)

// Waypoint lifecycle states.
const (
	WaypointPending   = "pending"
	WaypointArrived   = "arrived"
	WaypointCompleted = "completed"
	WaypointSkipped   = "skipped"
)

// Temperature sensitivity classes for ranked cargo.
const (
	SensitivityCritical = "critical"
	SensitivityHigh     = "high"
	SensitivityStandard = "standard"
	SensitivityLow      = "low"
)

type Vehicle struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId,omitempty"`
	Name     string   `json:"name"`
	MinTempC *float64 `json:"minTempC,omitempty"`
	MaxTempC *float64 `json:"maxTempC,omitempty"`

	// Risk fields are written only by the vehicle risk scorer.
	RiskScore      int        `json:"riskScore"`
	RiskLevel      RiskLevel  `json:"riskLevel,omitempty"`
	RiskAssessedAt *time.Time `json:"riskAssessedAt,omitempty"`
}

// OutOfRange reports whether a temperature falls outside the vehicle's
// acceptable band. Vehicles without thresholds never flag excursions.
func (v Vehicle) OutOfRange(tempC float64) bool {
	if v.MinTempC == nil && v.MaxTempC == nil {
		return false
	}
	if v.MinTempC != nil && tempC < *v.MinTempC {
		return true
	}
	if v.MaxTempC != nil && tempC > *v.MaxTempC {
		return true
	}
	return false
}

type Site struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenantId,omitempty"`
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`

	// RiskScore is the site-level risk signal (worst risk score among
	// vehicles currently associated with the site).
	RiskScore int `json:"riskScore"`
}

type Route struct {
	ID                     string     `json:"id"`
	TenantID               string     `json:"tenantId,omitempty"`
	Name                   string     `json:"name"`
	Status                 string     `json:"status"`
	TemperatureSensitivity string     `json:"temperatureSensitivity,omitempty"`
	Priority               int        `json:"priority,omitempty"` // 1-10
	CostEstimate           *float64   `json:"costEstimate,omitempty"`
	MaxTransitHours        *float64   `json:"maxTransitHours,omitempty"`
	TimeWindowStart        *time.Time `json:"timeWindowStart,omitempty"`
	TimeWindowEnd          *time.Time `json:"timeWindowEnd,omitempty"`
	VehicleID              string     `json:"vehicleId,omitempty"`
	StartedAt              *time.Time `json:"startedAt,omitempty"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`

	DistanceKm           float64 `json:"distanceKm,omitempty"`
	EstimatedDurationMin int     `json:"estimatedDurationMin,omitempty"`

	RiskScore      int        `json:"riskScore"`
	RiskLevel      RiskLevel  `json:"riskLevel,omitempty"`
	RiskAssessedAt *time.Time `json:"riskAssessedAt,omitempty"`

	Waypoints []Waypoint `json:"waypoints,omitempty"`
}

func (r Route) InProgress() bool { return r.Status == RouteInProgress }

// CanStart reports whether the route may transition to in_progress.
func (r Route) CanStart() bool { return r.Status == RoutePlanned && r.VehicleID != "" }

func (r Route) TotalStops() int { return len(r.Waypoints) }

func (r Route) CompletedStops() int {
	n := 0
	for _, wp := range r.Waypoints {
		if wp.Status == WaypointCompleted {
			n++
		}
	}
	return n
}

// ProgressPercent is completed stops over total stops, 0 for empty routes.
func (r Route) ProgressPercent() int {
	total := r.TotalStops()
	if total == 0 {
		return 0
	}
	return int(float64(r.CompletedStops())/float64(total)*100 + 0.5)
}

type Waypoint struct {
	ID          string     `json:"id"`
	RouteID     string     `json:"routeId"`
	SiteID      string     `json:"siteId"`
	Position    int        `json:"position"` // 1-based, dense within a route
	Status      string     `json:"status"`
	ArrivalAt   *time.Time `json:"arrivalAt,omitempty"`
	DepartureAt *time.Time `json:"departureAt,omitempty"`

	// Site is resolved by the store when waypoints are loaded with a route.
	Site *Site `json:"site,omitempty"`
}

// Pending covers waypoints still awaiting a visit (unset status included).
func (wp Waypoint) Pending() bool { return wp.Status == "" || wp.Status == WaypointPending }

// SiteRisk returns the site-level risk signal, 0 for unresolved sites.
func (wp Waypoint) SiteRisk() int {
	if wp.Site == nil {
		return 0
	}
	return wp.Site.RiskScore
}

// TelemetrySample is one reading from a vehicle's sensor unit. At least one
// of position or a sensor value is present (enforced at the boundary).
type TelemetrySample struct {
	ID         string    `json:"id"`
	VehicleID  string    `json:"vehicleId"`
	RecordedAt time.Time `json:"recordedAt"`
	Lat        *float64  `json:"lat,omitempty"`
	Lng        *float64  `json:"lng,omitempty"`
	TempC      *float64  `json:"tempC,omitempty"`
	Humidity   *float64  `json:"humidity,omitempty"`
	SpeedKph   *float64  `json:"speedKph,omitempty"`
}

// Custody event types (closed enum).
const (
	EventRouteStarted      = "route_started"
	EventRouteCompleted    = "route_completed"
	EventStopArrival       = "stop_arrival"
	EventStopDeparture     = "stop_departure"
	EventTemperatureRead   = "temperature_reading"
	EventTemperatureExcur  = "temperature_excursion"
	EventDoorOpened        = "door_opened"
	EventDoorClosed        = "door_closed"
	EventGeofenceEnter     = "geofence_enter"
	EventGeofenceExit      = "geofence_exit"
	EventSignatureCaptured = "signature_captured"
	EventDeliveryConfirmed = "delivery_confirmed"
	EventDeliveryRefused   = "delivery_refused"
	EventIncidentReported  = "incident_reported"
	EventManualCheck       = "manual_check"
)

// CustodyEventTypes enumerates the accepted event types.
var CustodyEventTypes = map[string]bool{
	EventRouteStarted:      true,
	EventRouteCompleted:    true,
	EventStopArrival:       true,
	EventStopDeparture:     true,
	EventTemperatureRead:   true,
	EventTemperatureExcur:  true,
	EventDoorOpened:        true,
	EventDoorClosed:        true,
	EventGeofenceEnter:     true,
	EventGeofenceExit:      true,
	EventSignatureCaptured: true,
	EventDeliveryConfirmed: true,
	EventDeliveryRefused:   true,
	EventIncidentReported:  true,
	EventManualCheck:       true,
}

// CustodyEvent is one link in a vehicle's tamper-evident custody chain.
// Immutable once appended. PreviousHash is nil only for the first event
// of a vehicle.
type CustodyEvent struct {
	ID           string         `json:"id"`
	VehicleID    string         `json:"vehicleId"`
	RouteID      string         `json:"routeId,omitempty"`
	WaypointID   string         `json:"waypointId,omitempty"`
	EventType    string         `json:"eventType"`
	Description  string         `json:"description,omitempty"`
	RecordedAt   time.Time      `json:"recordedAt"`
	RecordedBy   string         `json:"recordedBy,omitempty"`
	TempC        *float64       `json:"tempC,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Seq          int64          `json:"seq"` // per-vehicle insertion order
	PreviousHash *string        `json:"previousHash,omitempty"`
	Hash         string         `json:"hash"`
}

// RiskAssessment is the transient result of a scorer run.
type RiskAssessment struct {
	Score int       `json:"score"`
	Level RiskLevel `json:"level"`
}

// RouteRiskResult is the route scorer output: score, level, itemized
// factors and prioritized recommendations.
type RouteRiskResult struct {
	RouteID         string           `json:"routeId"`
	Score           int              `json:"score"`
	Level           RiskLevel        `json:"level"`
	Factors         RouteRiskFactors `json:"factors"`
	Action          Action           `json:"action"`
	Recommendations []Recommendation `json:"recommendations"`
	PriorityStops   []PriorityStop   `json:"priorityStops,omitempty"`
}

type RouteRiskFactors struct {
	VehicleRisk   float64 `json:"vehicleRisk"`
	CargoTime     float64 `json:"cargoTime"`
	PendingStops  float64 `json:"pendingStops"`
	Environmental float64 `json:"environmental"`
	Historical    float64 `json:"historical"`
}

type Action struct {
	Type    string `json:"type"` // PROCEED, MONITOR, EXPEDITE, IMMEDIATE_ACTION
	Message string `json:"message"`
}

type Recommendation struct {
	Priority int    `json:"priority"`
	Type     string `json:"type"`
	Action   string `json:"action,omitempty"`
	Message  string `json:"message"`
}

type PriorityStop struct {
	WaypointID string `json:"waypointId"`
	SiteName   string `json:"siteName"`
	Position   int    `json:"position"`
	RiskScore  int    `json:"riskScore"`
	Priority   string `json:"priority"` // critical | elevated
}

// ForecastResult projects excursion and on-time probabilities forward.
type ForecastResult struct {
	RouteID              string           `json:"routeId"`
	ExcursionProbability float64          `json:"excursionProbability"`
	OntimeProbability    float64          `json:"ontimeProbability"`
	RiskBand             string           `json:"riskBand"` // low | medium | high
	Factors              ForecastFactors  `json:"factors"`
	EarlyWarning         bool             `json:"earlyWarning"`
	Recommendations      []Recommendation `json:"recommendations"`
	GeneratedAt          time.Time        `json:"generatedAt"`
}

type ForecastFactors struct {
	CurrentTempDeviation float64 `json:"currentTempDeviation"`
	TempVariance         float64 `json:"tempVariance"`
	VehicleRisk          float64 `json:"vehicleRisk"`
	RouteProgress        float64 `json:"routeProgress"`
	TimeInTransit        float64 `json:"timeInTransit"`
	Delay                float64 `json:"delay"`
	RemainingStops       float64 `json:"remainingStops"`
	RouteRisk            float64 `json:"routeRisk"`
}

// EarlyWarning annotates an at-risk in-progress route from the batch forecast.
type EarlyWarning struct {
	RouteID     string         `json:"routeId"`
	RouteName   string         `json:"routeName"`
	VehicleName string         `json:"vehicleName,omitempty"`
	Forecast    ForecastResult `json:"forecast"`
	Level       string         `json:"level"` // critical | elevated
}

// RouteHistory summarizes one completed route for the historical risk factor.
type RouteHistory struct {
	RouteID   string `json:"routeId"`
	Excursion bool   `json:"excursion"`
}

// SubjectRef is a tagged reference to an audited entity. Kind is one of
// vehicle, route, custody_event.
type SubjectRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// AuditEntry records a compliance-relevant action against a subject.
type AuditEntry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId,omitempty"`
	Action     string         `json:"action"`
	Subject    SubjectRef     `json:"subject"`
	Actor      string         `json:"actor,omitempty"`
	RecordedAt time.Time      `json:"recordedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
