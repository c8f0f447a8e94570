package api

import (
    "encoding/json"
    "net/http"
    "os"
    "time"

    "rutanav/internal/buildinfo"
)

// DebugJSON reports build info and effective configuration for admins.
// Secrets are reported as presence flags only.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    pr := s.getPrincipal(r)
    if !pr.IsAdmin() {
        writeProblem(w, http.StatusForbidden, "Forbidden", "admin role required", r.URL.Path)
        return
    }
    info := map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "PORT":                 os.Getenv("PORT"),
            "APP_ENV":              os.Getenv("APP_ENV"),
            "AUTH_MODE":            os.Getenv("AUTH_MODE"),
            "CHECKLIST_TEMPLATES":  os.Getenv("CHECKLIST_TEMPLATES"),
            "WEBHOOK_MAX_ATTEMPTS": os.Getenv("WEBHOOK_MAX_ATTEMPTS"),
            "HAS_DATABASE_URL":     os.Getenv("DATABASE_URL") != "",
            "HAS_REDIS_URL":        os.Getenv("REDIS_URL") != "",
        },
    }
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(info)
}
