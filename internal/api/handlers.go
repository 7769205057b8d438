package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coldchain/internal/buildinfo"
	"coldchain/internal/compliance"
	"coldchain/internal/forecast"
	"coldchain/internal/ledger"
	"coldchain/internal/metrics"
	"coldchain/internal/model"
	"coldchain/internal/rank"
	"coldchain/internal/risk"
	"coldchain/internal/sequence"
)

// VehiclesHandler handles POST/GET /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var v model.Vehicle
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateVehicle(&v); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid vehicle", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateVehicle(r.Context(), p.Tenant, v)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		cursor := r.URL.Query().Get("cursor")
		limit := queryInt(r, "limit", 100)
		items, next, err := s.Store.ListVehicles(r.Context(), tenant, cursor, limit)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// VehicleByIDHandler handles /v1/vehicles/{id} and its sub-resources:
// /risk, /custody, /custody/verify, /events/stream.
func (s *Server) VehicleByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/vehicles/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		v, err := s.Store.GetVehicle(r.Context(), p.Tenant, id)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case len(parts) == 2 && parts[1] == "risk":
		switch r.Method {
		case http.MethodGet:
			v, err := s.Store.GetVehicle(r.Context(), p.Tenant, id)
			if err != nil {
				writeStoreErr(w, err, r.URL.Path)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"vehicleId": v.ID, "score": v.RiskScore, "level": v.RiskLevel, "assessedAt": v.RiskAssessedAt,
			})
		case http.MethodPost:
			if !p.CanDispatch() {
				writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
				return
			}
			v, a, err := s.assessVehicle(r.Context(), p.Tenant, id)
			if err != nil {
				writeStoreErr(w, err, r.URL.Path)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"vehicle": v, "score": a.Score, "level": a.Level})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && (parts[1] == "custody" || parts[1] == "custody-events"):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cursor := r.URL.Query().Get("cursor")
		limit := queryInt(r, "limit", 100)
		items, next, err := s.Store.ListCustodyEvents(r.Context(), p.Tenant, id, cursor, limit)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	case len(parts) == 3 && parts[1] == "custody" && parts[2] == "verify":
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.verifyCustody(w, r, p, id)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream":
		s.vehicleEventStream(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) verifyCustody(w http.ResponseWriter, r *http.Request, p Principal, vehicleID string) {
	chain, err := s.Store.ListCustodyChain(r.Context(), p.Tenant, vehicleID)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	res := ledger.VerifyChain(chain)
	// a broken chain is a fact about the data, not a request error
	outcome := "valid"
	if !res.Valid {
		outcome = "broken"
	}
	metrics.CustodyVerifications.WithLabelValues(outcome).Inc()
	_ = s.Store.InsertAudit(r.Context(), p.Tenant, model.AuditEntry{
		Action:     "custody.verify_chain",
		Subject:    model.SubjectRef{Kind: "vehicle", ID: vehicleID},
		Actor:      p.Actor,
		RecordedAt: time.Now().UTC(),
		Metadata:   map[string]any{"valid": res.Valid, "eventsVerified": res.EventsVerified},
	})
	writeJSON(w, http.StatusOK, res)
}

// CustodyEventsHandler handles POST /v1/custody-events
func (s *Server) CustodyEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanRecord() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "recording role required", r.URL.Path)
		return
	}
	var ev model.CustodyEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	now := time.Now().UTC()
	if err := validateCustodyEvent(&ev, now); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid custody event", err.Error(), r.URL.Path)
		return
	}
	if ev.RecordedBy == "" {
		ev.RecordedBy = p.Actor
	}
	sealed, err := s.Store.AppendCustodyEvent(r.Context(), p.Tenant, ev)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	metrics.CustodyAppends.WithLabelValues(sealed.EventType).Inc()
	s.Broker.Publish(sealed.VehicleID, Event{Type: "custody.appended", Data: map[string]any{
		"eventId": sealed.ID, "eventType": sealed.EventType, "seq": sealed.Seq, "hash": sealed.Hash,
	}})
	writeJSON(w, http.StatusCreated, sealed)
}

// TelemetryHandler handles POST /v1/telemetry: a batch of samples. Malformed
// samples fail the whole request; unknown vehicles are skipped and reported.
func (s *Server) TelemetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanRecord() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "recording role required", r.URL.Path)
		return
	}
	var req struct {
		Samples []model.TelemetrySample `json:"samples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if len(req.Samples) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid telemetry", "samples is required", r.URL.Path)
		return
	}
	now := time.Now().UTC()
	for i := range req.Samples {
		if err := validateTelemetry(&req.Samples[i], now); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid telemetry", fmt.Sprintf("sample %d: %v", i, err), r.URL.Path)
			return
		}
	}
	accepted, err := s.Store.InsertTelemetry(r.Context(), p.Tenant, req.Samples)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	excursions := s.flagExcursions(r.Context(), p.Tenant, req.Samples)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted, "skipped": len(req.Samples) - accepted, "excursions": excursions,
	})
}

// flagExcursions appends a custody event and publishes an alert for every
// sample outside its vehicle's temperature band.
func (s *Server) flagExcursions(ctx context.Context, tenant string, samples []model.TelemetrySample) int {
	count := 0
	vehicles := map[string]*model.Vehicle{}
	for _, sm := range samples {
		if sm.TempC == nil {
			continue
		}
		v, ok := vehicles[sm.VehicleID]
		if !ok {
			got, err := s.Store.GetVehicle(ctx, tenant, sm.VehicleID)
			if err != nil {
				vehicles[sm.VehicleID] = nil
				continue
			}
			v = &got
			vehicles[sm.VehicleID] = v
		}
		if v == nil || !v.OutOfRange(*sm.TempC) {
			continue
		}
		count++
		metrics.ExcursionAlerts.Inc()
		temp := *sm.TempC
		if _, err := s.Store.AppendCustodyEvent(ctx, tenant, model.CustodyEvent{
			VehicleID:   sm.VehicleID,
			EventType:   model.EventTemperatureExcur,
			Description: fmt.Sprintf("temperature %.1f°C outside acceptable band", temp),
			RecordedAt:  sm.RecordedAt,
			RecordedBy:  "system",
			TempC:       &temp,
		}); err == nil {
			metrics.CustodyAppends.WithLabelValues(model.EventTemperatureExcur).Inc()
		}
		s.Broker.Publish(sm.VehicleID, Event{Type: "temperature.excursion", Data: map[string]any{
			"vehicleId": sm.VehicleID, "tempC": temp, "recordedAt": sm.RecordedAt,
		}})
	}
	return count
}

// RiskRecalculateHandler handles POST /v1/risk/recalculate: batch vehicle
// re-scoring with per-item failures and cancellation between items.
func (s *Server) RiskRecalculateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var req struct {
		VehicleIDs []string `json:"vehicleIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	ids := req.VehicleIDs
	if len(ids) == 0 {
		all := []string{}
		cursor := ""
		for {
			vs, next, err := s.Store.ListVehicles(r.Context(), p.Tenant, cursor, 500)
			if err != nil {
				writeStoreErr(w, err, r.URL.Path)
				return
			}
			for _, v := range vs {
				all = append(all, v.ID)
			}
			if next == "" {
				break
			}
			cursor = next
		}
		ids = all
	}

	type itemResult struct {
		VehicleID string          `json:"vehicleId"`
		Score     int             `json:"score,omitempty"`
		Level     model.RiskLevel `json:"level,omitempty"`
		Error     string          `json:"error,omitempty"`
	}
	results := make([]itemResult, 0, len(ids))
	failed := 0
	for _, id := range ids {
		if err := r.Context().Err(); err != nil {
			// client gone; stop mid-batch, completed items stand
			return
		}
		_, a, err := s.assessVehicle(r.Context(), p.Tenant, id)
		if err != nil {
			failed++
			results = append(results, itemResult{VehicleID: id, Error: err.Error()})
			continue
		}
		results = append(results, itemResult{VehicleID: id, Score: a.Score, Level: a.Level})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(ids), "failed": failed, "results": results,
	})
}

// assessVehicle scores a vehicle over its telemetry lookback window and
// persists the result.
func (s *Server) assessVehicle(ctx context.Context, tenant, vehicleID string) (model.Vehicle, model.RiskAssessment, error) {
	v, err := s.Store.GetVehicle(ctx, tenant, vehicleID)
	if err != nil {
		return model.Vehicle{}, model.RiskAssessment{}, err
	}
	now := time.Now().UTC()
	samples, err := s.Store.ListTelemetrySince(ctx, tenant, vehicleID, now.Add(-risk.LookbackHours*time.Hour))
	if err != nil {
		return model.Vehicle{}, model.RiskAssessment{}, err
	}
	a := risk.ScoreVehicle(v, samples, now)
	upd, err := s.Store.SaveVehicleRisk(ctx, tenant, vehicleID, a, now)
	if err != nil {
		return model.Vehicle{}, model.RiskAssessment{}, err
	}
	metrics.RiskAssessments.WithLabelValues("vehicle", string(a.Level)).Inc()
	s.refreshSiteRisk(ctx, tenant)
	s.Broker.Publish(vehicleID, Event{Type: "vehicle.risk.assessed", Data: map[string]any{
		"vehicleId": vehicleID, "score": a.Score, "level": string(a.Level),
	}})
	return upd, a, nil
}

// refreshSiteRisk recomputes each active site's risk signal as the worst
// risk score among vehicles with planned or in-progress routes through it.
// Best effort: a partial sweep leaves the previous signals in place.
func (s *Server) refreshSiteRisk(ctx context.Context, tenant string) {
	worst := map[string]int{}
	vehicleRisk := map[string]int{}
	for _, status := range []string{model.RoutePlanned, model.RouteInProgress} {
		cursor := ""
		for {
			routes, next, err := s.Store.ListRoutes(ctx, tenant, status, cursor, 500)
			if err != nil {
				return
			}
			for _, rt := range routes {
				if rt.VehicleID == "" {
					continue
				}
				score, ok := vehicleRisk[rt.VehicleID]
				if !ok {
					v, err := s.Store.GetVehicle(ctx, tenant, rt.VehicleID)
					if err != nil {
						continue
					}
					score = v.RiskScore
					vehicleRisk[rt.VehicleID] = score
				}
				for _, wp := range rt.Waypoints {
					if cur, seen := worst[wp.SiteID]; !seen || score > cur {
						worst[wp.SiteID] = score
					}
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	for siteID, score := range worst {
		_ = s.Store.SaveSiteRisk(ctx, tenant, siteID, score)
	}
}

// SitesHandler handles POST/GET /v1/sites
func (s *Server) SitesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var site model.Site
		if err := json.NewDecoder(r.Body).Decode(&site); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSite(&site); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid site", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateSite(r.Context(), p.Tenant, site)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		items, next, err := s.Store.ListSites(r.Context(), tenant, r.URL.Query().Get("cursor"), queryInt(r, "limit", 100))
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SiteByIDHandler handles GET /v1/sites/{id}
func (s *Server) SiteByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/sites/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	site, err := s.Store.GetSite(r.Context(), p.Tenant, id)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// RoutesHandler handles POST/GET /v1/routes and POST /v1/routes/recommend
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.CanDispatch() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var rt model.Route
		if err := json.NewDecoder(r.Body).Decode(&rt); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateRoute(&rt); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid route", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateRoute(r.Context(), p.Tenant, rt)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		items, next, err := s.Store.ListRoutes(r.Context(), tenant, r.URL.Query().Get("status"), r.URL.Query().Get("cursor"), queryInt(r, "limit", 100))
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RouteRecommendHandler handles POST /v1/routes/recommend: rank candidate
// routes against shipment constraints.
func (s *Server) RouteRecommendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	var req struct {
		RouteIDs    []string         `json:"routeIds"`
		Constraints rank.Constraints `json:"constraints"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	req.Constraints.Now = time.Now().UTC()
	candidates := []rank.Candidate{}
	if len(req.RouteIDs) > 0 {
		for _, id := range req.RouteIDs {
			rt, err := s.Store.GetRoute(r.Context(), p.Tenant, id)
			if err != nil {
				writeStoreErr(w, err, r.URL.Path)
				return
			}
			candidates = append(candidates, s.candidate(r.Context(), p.Tenant, rt))
		}
	} else {
		for _, status := range []string{model.RouteDraft, model.RoutePlanned} {
			rts, _, err := s.Store.ListRoutes(r.Context(), p.Tenant, status, "", 500)
			if err != nil {
				writeStoreErr(w, err, r.URL.Path)
				return
			}
			for _, rt := range rts {
				candidates = append(candidates, s.candidate(r.Context(), p.Tenant, rt))
			}
		}
	}
	writeJSON(w, http.StatusOK, rank.Rank(candidates, req.Constraints))
}

func (s *Server) candidate(ctx context.Context, tenant string, rt model.Route) rank.Candidate {
	c := rank.Candidate{Route: rt}
	if rt.VehicleID != "" {
		if v, err := s.Store.GetVehicle(ctx, tenant, rt.VehicleID); err == nil {
			c.Vehicle = &v
		}
	}
	return c
}

// RouteByIDHandler handles /v1/routes/{id} and its sub-resources.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if id == "recommend" && len(parts) == 1 {
		s.RouteRecommendHandler(w, r)
		return
	}
	p := s.getPrincipal(r)

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rt, err := s.Store.GetRoute(r.Context(), p.Tenant, id)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, rt)
	case len(parts) == 2 && parts[1] == "risk":
		s.routeRisk(w, r, p, id)
	case len(parts) == 2 && parts[1] == "forecast":
		s.routeForecast(w, r, p, id)
	case len(parts) == 2 && parts[1] == "optimize":
		s.routeOptimize(w, r, p, id)
	case len(parts) == 2 && parts[1] == "reorder-by-risk":
		s.routeReorderByRisk(w, r, p, id)
	case len(parts) == 2 && parts[1] == "reroute-suggestions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rt, err := s.Store.GetRoute(r.Context(), p.Tenant, id)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": sequence.SuggestReroute(rt)})
	case len(parts) == 2 && (parts[1] == "start" || parts[1] == "complete"):
		s.routeTransition(w, r, p, id, parts[1])
	case len(parts) == 4 && parts[1] == "waypoints" && parts[3] == "eta":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rt, err := s.Store.GetRoute(r.Context(), p.Tenant, id)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		eta := sequence.EstimateETA(rt, parts[2], time.Now().UTC())
		if eta == nil {
			writeProblem(w, http.StatusConflict, "No ETA", "route is not in progress or waypoint is unknown", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"waypointId": parts[2], "eta": eta})
	case len(parts) == 4 && parts[1] == "waypoints" && (parts[3] == "arrive" || parts[3] == "complete"):
		s.waypointTransition(w, r, p, id, parts[2], parts[3])
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) routeRisk(w http.ResponseWriter, r *http.Request, p Principal, routeID string) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Method == http.MethodPost && !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	in, err := s.routeRiskInput(r.Context(), p.Tenant, routeID)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	res := risk.ScoreRoute(in)
	if r.Method == http.MethodPost {
		// GET is a dry run; only POST persists the assessment
		if _, err := s.Store.SaveRouteRisk(r.Context(), p.Tenant, routeID, model.RiskAssessment{Score: res.Score, Level: res.Level}, in.Now); err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
	}
	metrics.RiskAssessments.WithLabelValues("route", string(res.Level)).Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) routeForecast(w http.ResponseWriter, r *http.Request, p Principal, routeID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	in, err := s.forecastInput(r.Context(), p.Tenant, routeID)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, forecast.Forecast(in))
}

func (s *Server) routeOptimize(w http.ResponseWriter, r *http.Request, p Principal, routeID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	improve := r.URL.Query().Get("improve") != "false"
	rt, err := s.Store.GetRoute(r.Context(), p.Tenant, routeID)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	if rt.InProgress() || rt.Status == model.RouteCompleted {
		writeProblem(w, http.StatusConflict, "Conflict", "only draft or planned routes can be optimized", r.URL.Path)
		return
	}
	res := sequence.OptimizeByDistance(rt, improve)
	if res.Changed {
		if _, err := s.Store.ReplaceWaypointOrder(r.Context(), p.Tenant, routeID, res.Waypoints, res.DistanceKm, res.DurationMin); err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) routeReorderByRisk(w http.ResponseWriter, r *http.Request, p Principal, routeID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	rt, err := s.Store.GetRoute(r.Context(), p.Tenant, routeID)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	res := sequence.ReorderByRisk(rt)
	if res.Changed {
		if _, err := s.Store.ReplaceWaypointOrder(r.Context(), p.Tenant, routeID, res.Waypoints, res.DistanceKm, res.DurationMin); err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) routeTransition(w http.ResponseWriter, r *http.Request, p Principal, routeID, verb string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !p.CanDispatch() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	now := time.Now().UTC()
	var (
		rt        model.Route
		err       error
		eventType string
	)
	if verb == "start" {
		rt, err = s.Store.StartRoute(r.Context(), p.Tenant, routeID, now)
		eventType = model.EventRouteStarted
	} else {
		rt, err = s.Store.CompleteRoute(r.Context(), p.Tenant, routeID, now)
		eventType = model.EventRouteCompleted
	}
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	if _, err := s.Store.AppendCustodyEvent(r.Context(), p.Tenant, model.CustodyEvent{
		VehicleID: rt.VehicleID, RouteID: rt.ID, EventType: eventType,
		RecordedAt: now, RecordedBy: p.Actor,
	}); err == nil {
		metrics.CustodyAppends.WithLabelValues(eventType).Inc()
	}
	s.Broker.Publish(rt.VehicleID, Event{Type: "route." + verb, Data: map[string]any{"routeId": rt.ID}})
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) waypointTransition(w http.ResponseWriter, r *http.Request, p Principal, routeID, waypointID, verb string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !p.CanRecord() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "recording role required", r.URL.Path)
		return
	}
	now := time.Now().UTC()
	var (
		rt        model.Route
		err       error
		eventType string
	)
	if verb == "arrive" {
		rt, err = s.Store.MarkWaypointArrived(r.Context(), p.Tenant, routeID, waypointID, now)
		eventType = model.EventStopArrival
	} else {
		rt, err = s.Store.MarkWaypointCompleted(r.Context(), p.Tenant, routeID, waypointID, now)
		eventType = model.EventStopDeparture
	}
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	if _, err := s.Store.AppendCustodyEvent(r.Context(), p.Tenant, model.CustodyEvent{
		VehicleID: rt.VehicleID, RouteID: rt.ID, WaypointID: waypointID, EventType: eventType,
		RecordedAt: now, RecordedBy: p.Actor,
	}); err == nil {
		metrics.CustodyAppends.WithLabelValues(eventType).Inc()
	}
	writeJSON(w, http.StatusOK, rt)
}

// EarlyWarningsHandler handles GET /v1/forecast/early-warnings: forecast
// every in-progress route and return the ones crossing the warning level.
func (s *Server) EarlyWarningsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, tenant := s.withTenant(r)
	inputs := []forecast.Input{}
	cursor := ""
	for {
		routes, next, err := s.Store.ListRoutes(r.Context(), tenant, model.RouteInProgress, cursor, 500)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		for _, rt := range routes {
			in, err := s.forecastInput(r.Context(), tenant, rt.ID)
			if err != nil {
				continue
			}
			inputs = append(inputs, in)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	warnings := forecast.EarlyWarnings(inputs)
	for _, warn := range warnings {
		metrics.EarlyWarnings.WithLabelValues(warn.Level).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings, "routesChecked": len(inputs)})
}

// ComplianceRouteHandler handles GET /v1/compliance/routes/{id}
func (s *Server) ComplianceRouteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/compliance/routes/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	rt, err := s.Store.GetRoute(r.Context(), p.Tenant, id)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	now := time.Now().UTC()
	in := compliance.Input{Route: rt, Now: now}
	if rt.VehicleID != "" {
		if v, err := s.Store.GetVehicle(r.Context(), p.Tenant, rt.VehicleID); err == nil {
			in.Vehicle = &v
			since := now.AddDate(0, 0, -risk.HistoryWindowDays)
			if rt.StartedAt != nil {
				since = *rt.StartedAt
			}
			if samples, err := s.Store.ListTelemetrySince(r.Context(), p.Tenant, rt.VehicleID, since); err == nil {
				in.Samples = samples
			}
		}
	}
	if events, err := s.Store.ListCustodyEventsForRoute(r.Context(), p.Tenant, id); err == nil {
		in.Events = events
	}
	rep := compliance.VerifyRoute(in)
	_ = s.Store.InsertAudit(r.Context(), p.Tenant, compliance.AuditFor(rep, p.Actor, now))
	writeJSON(w, http.StatusOK, rep)
}

// vehicleEventStream serves a vehicle's live events over SSE.
func (s *Server) vehicleEventStream(w http.ResponseWriter, r *http.Request, vehicleID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(vehicleID)
	defer s.Broker.Unsubscribe(vehicleID, ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"vehicleId\":%q}\n\n", vehicleID)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			data, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ReadyHandler handles GET /readyz
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// input assembly

func (s *Server) routeRiskInput(ctx context.Context, tenant, routeID string) (risk.RouteInput, error) {
	rt, err := s.Store.GetRoute(ctx, tenant, routeID)
	if err != nil {
		return risk.RouteInput{}, err
	}
	now := time.Now().UTC()
	in := risk.RouteInput{Route: rt, Now: now}
	if rt.VehicleID == "" {
		return in, nil
	}
	if v, err := s.Store.GetVehicle(ctx, tenant, rt.VehicleID); err == nil {
		in.Vehicle = &v
	}
	if latest, err := s.Store.LatestTelemetry(ctx, tenant, rt.VehicleID); err == nil {
		in.Latest = latest
	}
	if samples, err := s.Store.ListTelemetrySince(ctx, tenant, rt.VehicleID, now.Add(-risk.VarianceWindowHours*time.Hour)); err == nil {
		for _, sm := range samples {
			if sm.TempC != nil {
				in.RecentTemps = append(in.RecentTemps, *sm.TempC)
			}
		}
	}
	if hist, err := s.Store.ListRouteHistory(ctx, tenant, rt.VehicleID, now.AddDate(0, 0, -risk.HistoryWindowDays)); err == nil {
		in.History = hist
	}
	return in, nil
}

func (s *Server) forecastInput(ctx context.Context, tenant, routeID string) (forecast.Input, error) {
	rt, err := s.Store.GetRoute(ctx, tenant, routeID)
	if err != nil {
		return forecast.Input{}, err
	}
	now := time.Now().UTC()
	in := forecast.Input{Route: rt, Now: now}
	if rt.VehicleID == "" {
		return in, nil
	}
	if v, err := s.Store.GetVehicle(ctx, tenant, rt.VehicleID); err == nil {
		in.Vehicle = &v
	}
	if latest, err := s.Store.LatestTelemetry(ctx, tenant, rt.VehicleID); err == nil {
		in.Latest = latest
	}
	if samples, err := s.Store.ListTelemetrySince(ctx, tenant, rt.VehicleID, now.Add(-risk.VarianceWindowHours*time.Hour)); err == nil {
		for _, sm := range samples {
			if sm.TempC != nil {
				in.RecentTemps = append(in.RecentTemps, *sm.TempC)
			}
		}
	}
	return in, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n := def
	_, _ = fmt.Sscanf(v, "%d", &n)
	return n
}
