package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coldchain/internal/api"
	"coldchain/internal/config"
	"coldchain/internal/metrics"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	metrics.RegisterDefault()

	srv, err := api.NewServer(cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	mux := http.NewServeMux()

	// Fleet
	mux.HandleFunc("/v1/vehicles", srv.VehiclesHandler)
	mux.HandleFunc("/v1/vehicles/", srv.VehicleByIDHandler) // includes /risk, /custody, /custody/verify, /events/stream

	// Sites and routes
	mux.HandleFunc("/v1/sites", srv.SitesHandler)
	mux.HandleFunc("/v1/sites/", srv.SiteByIDHandler)
	mux.HandleFunc("/v1/routes", srv.RoutesHandler)
	mux.HandleFunc("/v1/routes/", srv.RouteByIDHandler) // includes /risk, /forecast, /optimize, /start, waypoints

	// Custody ledger and telemetry
	mux.HandleFunc("/v1/custody-events", srv.CustodyEventsHandler)
	mux.HandleFunc("/v1/telemetry", srv.TelemetryHandler)

	// Risk and forecasting
	mux.HandleFunc("/v1/risk/recalculate", srv.RiskRecalculateHandler)
	mux.HandleFunc("/v1/forecast/early-warnings", srv.EarlyWarningsHandler)

	// Compliance
	mux.HandleFunc("/v1/compliance/routes/", srv.ComplianceRouteHandler)

	// Live event streams
	mux.HandleFunc("/v1/live/ws", srv.LiveWSHandler)

	// Health
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)

	// Metrics
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
