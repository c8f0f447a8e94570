package api

import (
    "encoding/json"
    "fmt"
    "net/http"
    "strings"
    "time"

    "go.uber.org/zap"

    "rutanav/internal/metrics"
    "rutanav/internal/model"
)

// RoutesIndexHandler handles POST/GET /v1/routes
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/routes" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        pr := s.getPrincipal(r)
        if !(pr.IsAdmin() || pr.Role == "dispatcher") { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var req model.RouteCreate
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        route, err := s.Store.CreateRoute(r.Context(), req)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        s.log.Info("route created", zap.String("routeId", route.ID), zap.String("code", route.Code), zap.Int("stops", route.TotalStops))
        writeJSON(w, http.StatusCreated, route)
    case http.MethodGet:
        pr := s.getPrincipal(r)
        q := r.URL.Query()
        if pr.Role == "driver" {
            items, err := s.Store.ListRoutesByDriver(r.Context(), pr.DriverID)
            if err != nil { writeStoreError(w, err, r.URL.Path); return }
            writeJSON(w, 200, map[string]any{"items": items})
            return
        }
        if d := q.Get("driverId"); d != "" {
            items, err := s.Store.ListRoutesByDriver(r.Context(), d)
            if err != nil { writeStoreError(w, err, r.URL.Path); return }
            writeJSON(w, 200, map[string]any{"items": items})
            return
        }
        items, err := s.Store.ListRoutes(r.Context(), q.Get("state"), q.Get("date"))
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// RouteByIDHandler dispatches /v1/routes/{id} and its sub-resources:
// accept, reject, start, summary, checklists, position, events/stream,
// stops/{stopId}/arrive, stops/{stopId}/deliver.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
    path := r.URL.Path
    rest := strings.TrimPrefix(path, "/v1/routes/")
    if rest == path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
        s.routeEventsStream(w, r, id)
        return
    }
    if len(parts) > 3 && parts[1] == "stops" {
        s.stopAction(w, r, id, parts[2], parts[3])
        return
    }
    if len(parts) > 1 {
        switch parts[1] {
        case "accept":
            s.acceptRoute(w, r, id)
        case "reject":
            s.rejectRoute(w, r, id)
        case "start":
            s.startRoute(w, r, id)
        case "summary":
            s.routeSummary(w, r, id)
        case "checklists":
            s.routeChecklists(w, r, id)
        case "position":
            s.routePosition(w, r, id)
        default:
            writeProblem(w, http.StatusNotFound, "Not Found", "", path)
        }
        return
    }
    switch r.Method {
    case http.MethodGet:
        route, err := s.Store.GetRoute(r.Context(), id)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        pr := s.getPrincipal(r)
        if !pr.canManage(route.DriverID) { writeProblem(w, 403, "Forbidden", "not authorized for route", r.URL.Path); return }
        writeJSON(w, http.StatusOK, route)
    case http.MethodDelete:
        pr := s.getPrincipal(r)
        if !pr.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        if err := s.Store.DeleteRoute(r.Context(), id); err != nil { writeStoreError(w, err, r.URL.Path); return }
        w.WriteHeader(http.StatusNoContent)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// loadRouteFor fetches the route and checks the principal may act on it.
func (s *Server) loadRouteFor(w http.ResponseWriter, r *http.Request, id string) (model.Route, bool) {
    route, err := s.Store.GetRoute(r.Context(), id)
    if err != nil {
        writeStoreError(w, err, r.URL.Path)
        return model.Route{}, false
    }
    pr := s.getPrincipal(r)
    if !pr.canManage(route.DriverID) {
        writeProblem(w, 403, "Forbidden", "not authorized for route", r.URL.Path)
        return model.Route{}, false
    }
    return route, true
}

func (s *Server) acceptRoute(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.loadRouteFor(w, r, id); !ok { return }
    var req model.AcceptRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    route, notes, err := s.Store.AcceptRoute(r.Context(), id, req)
    if err != nil {
        metrics.RouteTransitions.WithLabelValues("route", "accept", "error").Inc()
        writeStoreError(w, err, r.URL.Path)
        return
    }
    metrics.RouteTransitions.WithLabelValues("route", "accept", "ok").Inc()
    data := map[string]any{"routeId": id, "code": route.Code, "driverId": route.DriverID, "salesNotes": len(notes)}
    s.Pub.Emit(r.Context(), "route.accepted", data)
    s.Broker.Publish(routeChannel(id), Event{Type: "route.accepted", Data: data})
    s.log.Info("route accepted", zap.String("routeId", id), zap.Int("salesNotes", len(notes)))
    writeJSON(w, http.StatusOK, map[string]any{"route": route, "salesNotes": notes})
}

func (s *Server) rejectRoute(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.loadRouteFor(w, r, id); !ok { return }
    var req model.RejectRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    route, err := s.Store.RejectRoute(r.Context(), id, req.Reason)
    if err != nil {
        metrics.RouteTransitions.WithLabelValues("route", "reject", "error").Inc()
        writeStoreError(w, err, r.URL.Path)
        return
    }
    metrics.RouteTransitions.WithLabelValues("route", "reject", "ok").Inc()
    data := map[string]any{"routeId": id, "code": route.Code, "reason": req.Reason}
    s.Pub.Emit(r.Context(), "route.rejected", data)
    s.Broker.Publish(routeChannel(id), Event{Type: "route.rejected", Data: data})
    writeJSON(w, http.StatusOK, route)
}

func (s *Server) startRoute(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.loadRouteFor(w, r, id); !ok { return }
    route, err := s.Store.StartRoute(r.Context(), id)
    if err != nil {
        metrics.RouteTransitions.WithLabelValues("route", "start", "error").Inc()
        writeStoreError(w, err, r.URL.Path)
        return
    }
    metrics.RouteTransitions.WithLabelValues("route", "start", "ok").Inc()
    data := map[string]any{"routeId": id, "code": route.Code, "departedAt": route.DepartedAt}
    s.Pub.Emit(r.Context(), "route.started", data)
    s.Broker.Publish(routeChannel(id), Event{Type: "route.started", Data: data})
    s.log.Info("route started", zap.String("routeId", id))
    writeJSON(w, http.StatusOK, route)
}

func (s *Server) routeSummary(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.loadRouteFor(w, r, id); !ok { return }
    sum, err := s.Store.RouteSummary(r.Context(), id)
    if err != nil { writeStoreError(w, err, r.URL.Path); return }
    writeJSON(w, http.StatusOK, sum)
}

// routeChecklists submits the departure checklist (POST) or lists a route's
// checklists (GET). Delivery checklists go through the deliver endpoint.
func (s *Server) routeChecklists(w http.ResponseWriter, r *http.Request, id string) {
    switch r.Method {
    case http.MethodPost:
        if _, ok := s.loadRouteFor(w, r, id); !ok { return }
        var sub model.ChecklistSubmission
        if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if sub.Type == "" { sub.Type = model.ChecklistDeparture }
        if sub.Type != model.ChecklistDeparture {
            writeProblem(w, http.StatusBadRequest, "validation failed", "only departure checklists may be submitted here", r.URL.Path)
            return
        }
        cl, err := s.Store.SubmitChecklist(r.Context(), id, "", sub)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusCreated, cl)
    case http.MethodGet:
        if _, ok := s.loadRouteFor(w, r, id); !ok { return }
        items, err := s.Store.ListChecklists(r.Context(), id)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// routePosition persists the route's last known position (POST) or returns
// it (GET). Positions also flow through the tracking WebSocket; this REST
// path exists for clients without a socket.
func (s *Server) routePosition(w http.ResponseWriter, r *http.Request, id string) {
    switch r.Method {
    case http.MethodPost:
        if _, ok := s.loadRouteFor(w, r, id); !ok { return }
        var req model.PositionUpdate
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        ts := time.Now().UTC()
        if req.TS != "" {
            if t, err := time.Parse(time.RFC3339, req.TS); err == nil { ts = t.UTC() }
        }
        if err := s.Store.SaveRoutePosition(r.Context(), id, req.Lat, req.Lng, ts); err != nil {
            writeStoreError(w, err, r.URL.Path)
            return
        }
        s.Locations.Upsert(routeChannel(id), req.Lat, req.Lng, req.Progress, ts.Format(time.RFC3339))
        s.Broker.Publish(routeChannel(id), Event{Type: "posicion-actualizada", Data: map[string]any{
            "routeId": id, "lat": req.Lat, "lng": req.Lng, "progress": req.Progress, "ts": ts.Format(time.RFC3339),
        }})
        metrics.PositionUpdates.WithLabelValues("relayed").Inc()
        w.WriteHeader(http.StatusAccepted)
    case http.MethodGet:
        if _, ok := s.loadRouteFor(w, r, id); !ok { return }
        if loc, ok := s.Locations.Get(routeChannel(id)); ok {
            writeJSON(w, http.StatusOK, loc)
            return
        }
        route, err := s.Store.GetRoute(r.Context(), id)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        if route.LastLat == nil || route.LastLng == nil {
            writeProblem(w, http.StatusNotFound, "not found", "no position recorded", r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, LatestLocation{Channel: routeChannel(id), Lat: *route.LastLat, Lng: *route.LastLng, TS: route.LastPositionAt})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// stopAction handles /v1/routes/{id}/stops/{stopId}/{arrive|deliver|evidence}.
func (s *Server) stopAction(w http.ResponseWriter, r *http.Request, routeID, stopID, action string) {
    switch action {
    case "arrive":
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if _, ok := s.loadRouteFor(w, r, routeID); !ok { return }
        var req model.ArriveRequest
        if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&req) }
        stop, err := s.Store.ArriveStop(r.Context(), routeID, stopID, req.Position)
        if err != nil {
            metrics.RouteTransitions.WithLabelValues("stop", "arrive", "error").Inc()
            writeStoreError(w, err, r.URL.Path)
            return
        }
        metrics.RouteTransitions.WithLabelValues("stop", "arrive", "ok").Inc()
        data := map[string]any{"routeId": routeID, "stopId": stopID, "order": stop.Order, "arrivedAt": stop.ArrivedAt}
        s.Pub.Emit(r.Context(), "stop.arrived", data)
        s.Broker.Publish(routeChannel(routeID), Event{Type: "stop.arrived", Data: data})
        writeJSON(w, http.StatusOK, stop)
    case "deliver":
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if _, ok := s.loadRouteFor(w, r, routeID); !ok { return }
        var req model.DeliverRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        stop, route, err := s.Store.DeliverStop(r.Context(), routeID, stopID, req)
        if err != nil {
            metrics.RouteTransitions.WithLabelValues("stop", "deliver", "error").Inc()
            writeStoreError(w, err, r.URL.Path)
            return
        }
        metrics.RouteTransitions.WithLabelValues("stop", "deliver", "ok").Inc()
        data := map[string]any{"routeId": routeID, "stopId": stopID, "shipmentId": stop.ShipmentID, "order": stop.Order, "deliveredAt": stop.DeliveredAt}
        s.Pub.Emit(r.Context(), "stop.delivered", data)
        s.Broker.Publish(routeChannel(routeID), Event{Type: "stop.delivered", Data: data})
        s.Broker.Publish(shipmentChannel(stop.ShipmentID), Event{Type: "envio-completado", Data: map[string]any{"shipmentId": stop.ShipmentID, "ts": stop.DeliveredAt}})
        s.Locations.Drop(shipmentChannel(stop.ShipmentID))
        if route.State == model.RouteCompleted {
            done := map[string]any{"routeId": routeID, "code": route.Code, "completedAt": route.CompletedAt}
            s.Pub.Emit(r.Context(), "route.completed", done)
            s.Broker.Publish(routeChannel(routeID), Event{Type: "route.completed", Data: done})
            s.log.Info("route completed", zap.String("routeId", routeID))
        }
        writeJSON(w, http.StatusOK, map[string]any{"stop": stop, "route": route})
    case "evidence":
        s.stopEvidence(w, r, routeID, stopID)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

func (s *Server) stopEvidence(w http.ResponseWriter, r *http.Request, routeID, stopID string) {
    switch r.Method {
    case http.MethodPost:
        if _, ok := s.loadRouteFor(w, r, routeID); !ok { return }
        var in model.EvidenceIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        ev, err := s.Store.AddEvidence(r.Context(), stopID, "", in)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusCreated, ev)
    case http.MethodGet:
        if _, ok := s.loadRouteFor(w, r, routeID); !ok { return }
        items, err := s.Store.ListEvidenceByStop(r.Context(), stopID)
        if err != nil { writeStoreError(w, err, r.URL.Path); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// routeEventsStream serves the SSE stream for a route's lifecycle and
// position events.
func (s *Server) routeEventsStream(w http.ResponseWriter, r *http.Request, id string) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if _, ok := s.loadRouteFor(w, r, id); !ok { return }
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(routeChannel(id))
    defer s.Broker.Unsubscribe(routeChannel(id), ch)
    // initial heartbeat
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"routeId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
    flusher.Flush()
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"routeId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// ChecklistTemplatesHandler returns the active checklist templates.
func (s *Server) ChecklistTemplatesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    out := map[string]any{}
    for _, typ := range s.Templates.Types() {
        if t, ok := s.Templates.Get(typ); ok { out[typ] = t.Items }
    }
    writeJSON(w, http.StatusOK, out)
}
