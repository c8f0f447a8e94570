package api

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "strings"
    "time"

    "rutanav/internal/buildinfo"
    "rutanav/internal/model"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    info := buildinfo.Info()
    info["status"] = "ok"
    writeJSON(w, 200, info)
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions (admin)
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/subscriptions" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        items, err := s.Store.ListSubscriptions(r.Context())
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// Subscription delete (admin)
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), id); err != nil { writeStoreError(w, err, r.URL.Path); return }
    w.WriteHeader(204)
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, err := s.Store.ListWebhookDeliveries(r.Context(), status, limit)
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), id); err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// RouteStatsHandler handles GET /v1/admin/routes/stats
func (s *Server) RouteStatsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/routes/stats" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !(p.IsAdmin() || p.Role == "dispatcher") { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    stats, err := s.Store.RouteStats(r.Context(), r.URL.Query().Get("from"), r.URL.Query().Get("to"))
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, 200, stats)
}

// SalesNoteBackfillHandler handles POST /v1/admin/sales-notes/backfill.
// Generates missing notes for shipments that should have one.
func (s *Server) SalesNoteBackfillHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    generated, skipped, err := s.Store.BackfillSalesNotes(r.Context())
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, 200, map[string]int{"generated": generated, "skipped": skipped})
}

// ActiveLocationsHandler handles GET /v1/locations/active
func (s *Server) ActiveLocationsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    if !(p.IsAdmin() || p.Role == "dispatcher") { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": s.Locations.Active()})
}
