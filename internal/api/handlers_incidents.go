package api

import (
    "encoding/json"
    "net/http"
    "strings"

    "rutanav/internal/model"
)

// IncidentsHandler handles POST/GET /v1/incidents. Drivers report problems
// found in the field; completed checklists never change, the follow-up is
// recorded here instead.
func (s *Server) IncidentsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/incidents" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        pr := s.getPrincipal(r)
        var req model.IncidentIn
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.ReportedBy == "" { req.ReportedBy = pr.DriverID }
        inc, err := s.Store.CreateIncident(r.Context(), req)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        s.Pub.Emit(r.Context(), "incident.reported", map[string]any{
            "incidentId": inc.ID, "shipmentId": inc.ShipmentID, "type": inc.Type,
        })
        s.Broker.Publish(shipmentChannel(inc.ShipmentID), Event{Type: "incident.reported", Data: map[string]any{
            "incidentId": inc.ID, "type": inc.Type, "description": inc.Description,
        }})
        writeJSON(w, http.StatusCreated, inc)
    case http.MethodGet:
        pr := s.getPrincipal(r)
        if !(pr.IsAdmin() || pr.Role == "dispatcher") { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        items, err := s.Store.ListIncidents(r.Context(), r.URL.Query().Get("state"))
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// IncidentByIDHandler dispatches /v1/incidents/{id}/resolve.
func (s *Server) IncidentByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/incidents/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    if len(parts) != 2 || parts[1] != "resolve" || r.Method != http.MethodPost {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    pr := s.getPrincipal(r)
    if !(pr.IsAdmin() || pr.Role == "dispatcher") { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
    var req struct {
        Notes string `json:"notes"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    inc, err := s.Store.ResolveIncident(r.Context(), parts[0], req.Notes)
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    s.Pub.Emit(r.Context(), "incident.resolved", map[string]any{
        "incidentId": inc.ID, "shipmentId": inc.ShipmentID,
    })
    writeJSON(w, http.StatusOK, inc)
}

func (s *Server) shipmentIncidents(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    items, err := s.Store.ListIncidentsByShipment(r.Context(), id)
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
