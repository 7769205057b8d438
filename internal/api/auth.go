package api

import "net/http"

type Principal struct {
	Tenant string
	Role   string // admin, dispatcher, driver, auditor
	Actor  string
}

// getPrincipal extracts tenant, role and actor from dev headers. A gateway
// terminates real authentication in front of this service.
func (s *Server) getPrincipal(r *http.Request) Principal {
	tenant := r.Header.Get("X-Tenant-Id")
	role := r.Header.Get("X-Role")
	actor := r.Header.Get("X-Actor")
	if tenant == "" {
		tenant = "t_demo"
	}
	if role == "" {
		role = "admin"
	}
	return Principal{Tenant: tenant, Role: role, Actor: actor}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanDispatch covers roles allowed to mutate routes and run scorers.
func (p Principal) CanDispatch() bool { return p.Role == "admin" || p.Role == "dispatcher" }

// CanRecord covers roles allowed to append custody events and telemetry.
func (p Principal) CanRecord() bool {
	return p.Role == "admin" || p.Role == "dispatcher" || p.Role == "driver"
}
