// Package api implements HTTP handlers and helpers for the RutaNav service.
package api

import (
    "net/http"
    "strings"
)

type Principal struct {
	Role     string // admin, dispatcher, driver
	DriverID string
}

// getPrincipal extracts role and driver identity from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
    authz := r.Header.Get("Authorization")
    if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
        tok := strings.TrimSpace(authz[len("Bearer "):])
        if pr, err := s.Auth.Verify(tok); err == nil {
            return Principal{Role: pr.Role, DriverID: pr.DriverID}
        }
    }
    role := r.Header.Get("X-Role")
    driverID := r.Header.Get("X-Driver-Id")
    if role == "" {
        role = "admin"
    }
    return Principal{Role: role, DriverID: driverID}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// canManage reports whether the principal may act on routes for a driver:
// admins and dispatchers always, drivers only for themselves.
func (p Principal) canManage(driverID string) bool {
    if p.IsAdmin() || p.Role == "dispatcher" {
        return true
    }
    return p.Role == "driver" && p.DriverID != "" && p.DriverID == driverID
}
