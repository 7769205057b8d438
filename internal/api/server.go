// Package api implements HTTP handlers and helpers for the cold-chain
// transport service.
package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"coldchain/internal/config"
	"coldchain/internal/store"
)

type Server struct {
	Store   store.Store
	Broker  EventBroker
	Cfg     config.Config
	limiter *rate.Limiter
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer(cfg config.Config) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := sp.MigrateDir(context.Background(), cfg.MigrateDir); err != nil {
				log.Printf("migrate: %v", err)
			}
		}
		s = sp
	}
	var broker EventBroker
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			log.Printf("redis broker unavailable, using in-memory: %v", err)
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	srv := &Server{Store: s, Broker: broker, Cfg: cfg}
	if cfg.RateRPS > 0 {
		srv.limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)
	}
	return srv, nil
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	// Tenant from header; in production decode from the gateway's identity.
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
	return ctx, tenant
}

type ctxKeyTenant struct{}
