package api

import (
    "encoding/json"
    "net/http"
    "strings"

    "go.uber.org/zap"

    "rutanav/internal/metrics"
    "rutanav/internal/model"
)

// ShipmentsHandler handles POST/GET /v1/shipments
func (s *Server) ShipmentsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/shipments" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        pr := s.getPrincipal(r)
        if !(pr.IsAdmin() || pr.Role == "dispatcher") { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var req model.ShipmentCreate
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        sh, err := s.Store.CreateShipment(r.Context(), req)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusCreated, sh)
    case http.MethodGet:
        items, err := s.Store.ListShipments(r.Context(), r.URL.Query().Get("state"))
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// ShipmentByIDHandler dispatches /v1/shipments/{id} plus accept, reject,
// deliver and note sub-resources.
func (s *Server) ShipmentByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/shipments/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    if len(parts) > 1 {
        switch parts[1] {
        case "accept":
            s.acceptShipment(w, r, id)
        case "reject":
            s.rejectShipment(w, r, id)
        case "deliver":
            s.deliverShipment(w, r, id)
        case "note":
            s.shipmentNote(w, r, id)
        case "incidents":
            s.shipmentIncidents(w, r, id)
        default:
            writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        }
        return
    }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    sh, err := s.Store.GetShipment(r.Context(), id)
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, sh)
}

func (s *Server) acceptShipment(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var req model.AcceptRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    sh, note, err := s.Store.AcceptShipment(r.Context(), id, req)
    if err != nil {
        metrics.RouteTransitions.WithLabelValues("shipment", "accept", "error").Inc()
        writeStoreError(w, err, r.URL.Path)
        return
    }
    metrics.RouteTransitions.WithLabelValues("shipment", "accept", "ok").Inc()
    data := map[string]any{"shipmentId": id, "code": sh.Code}
    if note != nil { data["noteNumber"] = note.Number }
    s.Pub.Emit(r.Context(), "shipment.accepted", data)
    s.Broker.Publish(shipmentChannel(id), Event{Type: "shipment.accepted", Data: data})
    s.log.Info("shipment accepted", zap.String("shipmentId", id))
    writeJSON(w, http.StatusOK, map[string]any{"shipment": sh, "salesNote": note})
}

func (s *Server) rejectShipment(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var req model.RejectRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    sh, err := s.Store.RejectShipment(r.Context(), id, req.Reason)
    if err != nil {
        metrics.RouteTransitions.WithLabelValues("shipment", "reject", "error").Inc()
        writeStoreError(w, err, r.URL.Path)
        return
    }
    metrics.RouteTransitions.WithLabelValues("shipment", "reject", "ok").Inc()
    data := map[string]any{"shipmentId": id, "code": sh.Code, "reason": req.Reason, "reassign": true}
    s.Pub.Emit(r.Context(), "shipment.rejected", data)
    s.Broker.Publish(shipmentChannel(id), Event{Type: "shipment.rejected", Data: data})
    writeJSON(w, http.StatusOK, sh)
}

// deliverShipment marks a non-route (single destination) shipment delivered.
// Route stops go through the stop deliver endpoint instead.
func (s *Server) deliverShipment(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    sh, err := s.Store.MarkShipmentDelivered(r.Context(), id)
    if err != nil {
        metrics.RouteTransitions.WithLabelValues("shipment", "deliver", "error").Inc()
        writeStoreError(w, err, r.URL.Path)
        return
    }
    metrics.RouteTransitions.WithLabelValues("shipment", "deliver", "ok").Inc()
    data := map[string]any{"shipmentId": id, "code": sh.Code, "deliveredAt": sh.DeliveredAt}
    s.Pub.Emit(r.Context(), "shipment.delivered", data)
    s.Broker.Publish(shipmentChannel(id), Event{Type: "envio-completado", Data: data})
    s.Locations.Drop(shipmentChannel(id))
    writeJSON(w, http.StatusOK, sh)
}

func (s *Server) shipmentNote(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    note, err := s.Store.GetSalesNoteByShipment(r.Context(), id)
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, note)
}

// SalesNotesHandler handles GET /v1/sales-notes
func (s *Server) SalesNotesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    items, err := s.Store.ListSalesNotes(r.Context())
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
