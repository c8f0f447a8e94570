package store

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "rutanav/internal/geo"
    "rutanav/internal/model"
)

// ChecklistGate validates a checklist submission against its template.
// Implemented by checklist.Registry.
type ChecklistGate interface {
    Validate(sub model.ChecklistSubmission) error
}

// Memory is the in-memory store used when no DATABASE_URL is set. All
// transitions serialize on one mutex, which gives the at-most-once
// semantics the route machine needs.
type Memory struct {
    mu         sync.Mutex
    gate       ChecklistGate
    routes     map[string]*model.Route
    stops      map[string]*model.Stop            // stopId -> stop
    stopsByRt  map[string][]string               // routeId -> stop ids (order asc)
    shipments  map[string]*model.Shipment
    checklists map[string]*model.Checklist       // checklistId -> checklist
    evidence   map[string][]model.Evidence       // stopId -> evidence
    notes      map[string]model.SalesNote        // shipmentId -> note
    incidents  map[string]*model.Incident
    subs       []model.Subscription
    deliveries map[string]*memDelivery
    order      []string                          // delivery ids in enqueue order
}

func NewMemory(gate ChecklistGate) *Memory {
    return &Memory{
        gate:       gate,
        routes:     map[string]*model.Route{},
        stops:      map[string]*model.Stop{},
        stopsByRt:  map[string][]string{},
        shipments:  map[string]*model.Shipment{},
        checklists: map[string]*model.Checklist{},
        evidence:   map[string][]model.Evidence{},
        notes:      map[string]model.SalesNote{},
        incidents:  map[string]*model.Incident{},
        deliveries: map[string]*memDelivery{},
    }
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

func nowTS() string { return time.Now().UTC().Format(time.RFC3339) }

// ---- Routes ----

func (m *Memory) CreateRoute(ctx context.Context, in model.RouteCreate) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if in.DriverID == "" { return model.Route{}, fmt.Errorf("%w: driverId required", ErrValidation) }
    if len(in.Stops) == 0 { return model.Route{}, fmt.Errorf("%w: route requires at least one stop", ErrValidation) }
    seen := map[string]struct{}{}
    for _, s := range in.Stops {
        if s.ShipmentID == "" { return model.Route{}, fmt.Errorf("%w: stop missing shipmentId", ErrValidation) }
        if _, dup := seen[s.ShipmentID]; dup {
            return model.Route{}, fmt.Errorf("%w: duplicate shipment %s", ErrValidation, s.ShipmentID)
        }
        seen[s.ShipmentID] = struct{}{}
        sh, ok := m.shipments[s.ShipmentID]
        if !ok { return model.Route{}, fmt.Errorf("%w: shipment %s", ErrNotFound, s.ShipmentID) }
        if sh.State != model.ShipmentPending {
            return model.Route{}, fmt.Errorf("%w: shipment %s is %s, not pending", ErrInvalidState, sh.ID, sh.State)
        }
    }
    now := time.Now().UTC()
    r := &model.Route{
        ID:            uuid.New().String(),
        Code:          newRouteCode(now),
        DriverID:      in.DriverID,
        VehicleID:     in.VehicleID,
        ScheduledDate: in.ScheduledDate,
        State:         model.RouteProgrammed,
        TotalStops:    len(in.Stops),
        Notes:         in.Notes,
    }
    var prev *model.GeoPoint
    var totalDist, totalWeight float64
    for i, s := range in.Stops {
        sh := m.shipments[s.ShipmentID]
        st := &model.Stop{
            ID:         uuid.New().String(),
            RouteID:    r.ID,
            ShipmentID: s.ShipmentID,
            Order:      i + 1,
            State:      model.StopPending,
            Location:   s.Location,
            Notes:      s.Notes,
        }
        if st.Location == nil { st.Location = sh.Location }
        if prev != nil && st.Location != nil {
            st.DistFromPrevM = geo.HaversineMeters(prev.Lat, prev.Lng, st.Location.Lat, st.Location.Lng)
            totalDist += st.DistFromPrevM
        }
        if st.Location != nil { prev = st.Location }
        totalWeight += sh.TotalWeightKg
        sh.State = model.ShipmentAssigned
        sh.RouteID = r.ID
        m.stops[st.ID] = st
        m.stopsByRt[r.ID] = append(m.stopsByRt[r.ID], st.ID)
    }
    r.TotalDistanceM = totalDist
    r.TotalWeightKg = totalWeight
    m.routes[r.ID] = r
    return m.routeView(r.ID), nil
}

// routeView returns a copy with stops sorted by order and derived states
// applied. Caller holds the lock.
func (m *Memory) routeView(routeID string) model.Route {
    r := *m.routes[routeID]
    r.Stops = nil
    for _, sid := range m.stopsByRt[routeID] {
        r.Stops = append(r.Stops, *m.stops[sid])
    }
    sort.Slice(r.Stops, func(i, j int) bool { return r.Stops[i].Order < r.Stops[j].Order })
    deriveStopStates(&r)
    return r
}

func (m *Memory) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.routes[routeID]; !ok { return model.Route{}, ErrNotFound }
    return m.routeView(routeID), nil
}

func (m *Memory) ListRoutesByDriver(ctx context.Context, driverID string) ([]model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Route{}
    for id, r := range m.routes {
        if r.DriverID == driverID { out = append(out, m.routeView(id)) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
    return out, nil
}

func (m *Memory) ListRoutes(ctx context.Context, state, date string) ([]model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Route{}
    for id, r := range m.routes {
        if state != "" && r.State != state { continue }
        if date != "" && r.ScheduledDate != date { continue }
        out = append(out, m.routeView(id))
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
    return out, nil
}

func (m *Memory) DeleteRoute(ctx context.Context, routeID string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.routes[routeID]; !ok { return ErrNotFound }
    for _, sid := range m.stopsByRt[routeID] {
        delete(m.stops, sid)
        delete(m.evidence, sid)
        m.detachIncidents(sid)
    }
    for id, c := range m.checklists {
        if c.RouteID == routeID { delete(m.checklists, id) }
    }
    delete(m.stopsByRt, routeID)
    delete(m.routes, routeID)
    return nil
}

// detachIncidents clears the stop reference on incidents whose stop was
// removed; the report itself stays with the shipment.
func (m *Memory) detachIncidents(stopID string) {
    for _, inc := range m.incidents {
        if inc.StopID == stopID { inc.StopID = "" }
    }
}

func (m *Memory) RouteSummary(ctx context.Context, routeID string) (model.RouteSummary, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok { return model.RouteSummary{}, ErrNotFound }
    sum := model.RouteSummary{Route: m.routeView(routeID)}
    for _, c := range m.checklists {
        if c.RouteID == routeID { sum.Checklists = append(sum.Checklists, *c) }
    }
    for _, sid := range m.stopsByRt[routeID] {
        sum.Evidence = append(sum.Evidence, m.evidence[sid]...)
    }
    for _, s := range sum.Route.Stops {
        if s.State == model.StopDelivered { sum.Stats.DeliveredStops++ } else { sum.Stats.PendingStops++ }
    }
    if r.DepartedAt != "" && r.CompletedAt != "" {
        d, err1 := time.Parse(time.RFC3339, r.DepartedAt)
        c, err2 := time.Parse(time.RFC3339, r.CompletedAt)
        if err1 == nil && err2 == nil { sum.Stats.DurationMinutes = c.Sub(d).Minutes() }
    }
    return sum, nil
}

func (m *Memory) RouteStats(ctx context.Context, from, to string) (model.RouteStats, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    st := model.RouteStats{ByState: map[string]int{}}
    for id, r := range m.routes {
        if from != "" && r.ScheduledDate < from { continue }
        if to != "" && r.ScheduledDate > to { continue }
        st.Total++
        st.ByState[r.State]++
        st.TotalStops += r.TotalStops
        if r.State == model.RouteEnRoute { st.ActiveIDs = append(st.ActiveIDs, id) }
        for _, sid := range m.stopsByRt[id] {
            if m.stops[sid].State == model.StopDelivered { st.Delivered++ }
        }
    }
    sort.Strings(st.ActiveIDs)
    return st, nil
}

// ---- Route transitions ----

func (m *Memory) AcceptRoute(ctx context.Context, routeID string, req model.AcceptRequest) (model.Route, []model.SalesNote, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok { return model.Route{}, nil, ErrNotFound }
    if req.DriverName == "" {
        return model.Route{}, nil, fmt.Errorf("%w: driverName required", ErrValidation)
    }
    if err := canAcceptRoute(r.State); err != nil { return model.Route{}, nil, err }
    r.State = model.RouteAccepted
    note := fmt.Sprintf("Aceptada por %s", req.DriverName)
    if req.DriverContact != "" { note += " (" + req.DriverContact + ")" }
    if r.Notes != "" { r.Notes += "\n" }
    r.Notes += note
    var notes []model.SalesNote
    for _, sid := range m.stopsByRt[routeID] {
        sh := m.shipments[m.stops[sid].ShipmentID]
        sh.State = model.ShipmentAccepted
        n, created := m.noteForShipment(sh)
        if created { notes = append(notes, n) }
    }
    return m.routeView(routeID), notes, nil
}

// noteForShipment generates the shipment's sales note once. Caller holds the
// lock. The second return reports whether a new note was created.
func (m *Memory) noteForShipment(sh *model.Shipment) (model.SalesNote, bool) {
    if n, ok := m.notes[sh.ID]; ok { return n, false }
    now := time.Now().UTC()
    n := model.SalesNote{
        ID:         uuid.New().String(),
        Number:     newNoteNumber(now, sh.Code),
        ShipmentID: sh.ID,
        Total:      sh.TotalPrice,
        CreatedAt:  now.Format(time.RFC3339),
    }
    m.notes[sh.ID] = n
    return n, true
}

func (m *Memory) RejectRoute(ctx context.Context, routeID string, reason string) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok { return model.Route{}, ErrNotFound }
    if err := canRejectRoute(r.State); err != nil { return model.Route{}, err }
    r.State = model.RouteCancelled
    if reason != "" {
        if r.Notes != "" { r.Notes += "\n" }
        r.Notes += "Rechazada: " + reason
    }
    // Release shipments for reassignment and drop the stops, as the
    // dispatcher will rebuild the route.
    for _, sid := range m.stopsByRt[routeID] {
        sh := m.shipments[m.stops[sid].ShipmentID]
        sh.State = model.ShipmentPending
        sh.RouteID = ""
        sh.Reassign = true
        sh.RejectReason = reason
        delete(m.stops, sid)
        delete(m.evidence, sid)
        m.detachIncidents(sid)
    }
    delete(m.stopsByRt, routeID)
    r.TotalStops = 0
    return *r, nil
}

func (m *Memory) StartRoute(ctx context.Context, routeID string) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok { return model.Route{}, ErrNotFound }
    if err := canStartRoute(r.State); err != nil { return model.Route{}, err }
    if !m.hasCompletedChecklist(routeID, "", model.ChecklistDeparture) {
        return model.Route{}, fmt.Errorf("%w: departure checklist not completed", ErrPrecondition)
    }
    r.State = model.RouteEnRoute
    r.DepartedAt = nowTS()
    for _, sid := range m.stopsByRt[routeID] {
        sh := m.shipments[m.stops[sid].ShipmentID]
        sh.State = model.ShipmentEnRoute
    }
    return m.routeView(routeID), nil
}

// hasCompletedChecklist reports whether a completed, signed checklist of the
// given type exists for the parent. stopID empty means route-parented.
func (m *Memory) hasCompletedChecklist(routeID, stopID, typ string) bool {
    for _, c := range m.checklists {
        if c.RouteID == routeID && c.StopID == stopID && c.Type == typ && c.Completed && c.HasSignature {
            return true
        }
    }
    return false
}

// ---- Stop transitions ----

func (m *Memory) ArriveStop(ctx context.Context, routeID, stopID string, pos *model.GeoPoint) (model.Stop, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok { return model.Stop{}, ErrNotFound }
    s, ok := m.stops[stopID]
    if !ok || s.RouteID != routeID { return model.Stop{}, ErrNotFound }
    if err := canArrive(r.State, s.State); err != nil { return model.Stop{}, err }
    s.State = model.StopAtDestination
    s.ArrivedAt = nowTS()
    s.ArrivalPos = pos
    sh := m.shipments[s.ShipmentID]
    sh.State = model.ShipmentAtDestination
    return *s, nil
}

func (m *Memory) DeliverStop(ctx context.Context, routeID, stopID string, req model.DeliverRequest) (model.Stop, model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok { return model.Stop{}, model.Route{}, ErrNotFound }
    s, ok := m.stops[stopID]
    if !ok || s.RouteID != routeID { return model.Stop{}, model.Route{}, ErrNotFound }
    if err := canDeliver(r.State, s.State); err != nil { return model.Stop{}, model.Route{}, err }
    if req.ReceiverName == "" {
        return model.Stop{}, model.Route{}, fmt.Errorf("%w: receiverName required", ErrValidation)
    }
    sub := req.Checklist
    sub.Type = model.ChecklistDelivery
    if _, err := m.submitChecklistLocked(routeID, stopID, sub); err != nil {
        return model.Stop{}, model.Route{}, err
    }
    now := nowTS()
    s.State = model.StopDelivered
    s.DeliveredAt = now
    s.ReceiverName = req.ReceiverName
    s.ReceiverRole = req.ReceiverRole
    s.ReceiverDNI = req.ReceiverDNI
    if req.Notes != "" { s.Notes = req.Notes }
    sh := m.shipments[s.ShipmentID]
    sh.State = model.ShipmentDelivered
    sh.DeliveredAt = now
    // Route completes when the last stop is delivered.
    if routeDelivered(m.stopList(routeID)) {
        r.State = model.RouteCompleted
        r.CompletedAt = now
    }
    return *s, m.routeView(routeID), nil
}

func (m *Memory) stopList(routeID string) []model.Stop {
    out := make([]model.Stop, 0, len(m.stopsByRt[routeID]))
    for _, sid := range m.stopsByRt[routeID] { out = append(out, *m.stops[sid]) }
    return out
}

func (m *Memory) SaveRoutePosition(ctx context.Context, routeID string, lat, lng float64, ts time.Time) error {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.routes[routeID]
    if !ok { return ErrNotFound }
    r.LastLat, r.LastLng = &lat, &lng
    r.LastPositionAt = ts.UTC().Format(time.RFC3339)
    return nil
}

// ---- Checklists & evidence ----

func (m *Memory) SubmitChecklist(ctx context.Context, routeID, stopID string, sub model.ChecklistSubmission) (model.Checklist, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.routes[routeID]; !ok { return model.Checklist{}, ErrNotFound }
    if stopID != "" {
        s, ok := m.stops[stopID]
        if !ok || s.RouteID != routeID { return model.Checklist{}, ErrNotFound }
    }
    return m.submitChecklistLocked(routeID, stopID, sub)
}

func (m *Memory) submitChecklistLocked(routeID, stopID string, sub model.ChecklistSubmission) (model.Checklist, error) {
    if err := m.gate.Validate(sub); err != nil { return model.Checklist{}, err }
    if m.hasCompletedChecklist(routeID, stopID, sub.Type) {
        return model.Checklist{}, fmt.Errorf("%w: checklist already completed", ErrConflict)
    }
    c := &model.Checklist{
        ID:            uuid.New().String(),
        RouteID:       routeID,
        StopID:        stopID,
        Type:          sub.Type,
        Items:         sub.Items,
        Observations:  sub.Observations,
        SignatureB64:  sub.SignatureB64,
        HasSignature:  sub.SignatureB64 != "",
        CompleterName: sub.CompleterName,
        Completed:     true,
        CompletedAt:   nowTS(),
    }
    if stopID != "" { c.ShipmentID = m.stops[stopID].ShipmentID }
    m.checklists[c.ID] = c
    for _, ev := range sub.Evidence {
        m.addEvidenceLocked(stopID, c.ID, ev)
    }
    return *c, nil
}

func (m *Memory) ListChecklists(ctx context.Context, routeID string) ([]model.Checklist, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.routes[routeID]; !ok { return nil, ErrNotFound }
    out := []model.Checklist{}
    for _, c := range m.checklists {
        if c.RouteID == routeID { out = append(out, *c) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt < out[j].CompletedAt })
    return out, nil
}

func (m *Memory) AddEvidence(ctx context.Context, stopID, checklistID string, in model.EvidenceIn) (model.Evidence, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.stops[stopID]; !ok { return model.Evidence{}, ErrNotFound }
    if in.URL == "" && in.PayloadB64 == "" {
        return model.Evidence{}, fmt.Errorf("%w: evidence requires url or payload", ErrValidation)
    }
    return m.addEvidenceLocked(stopID, checklistID, in), nil
}

func (m *Memory) addEvidenceLocked(stopID, checklistID string, in model.EvidenceIn) model.Evidence {
    typ := in.Type
    if typ == "" { typ = "photo" }
    ev := model.Evidence{
        ID:          uuid.New().String(),
        StopID:      stopID,
        ChecklistID: checklistID,
        Type:        typ,
        Name:        in.Name,
        URL:         in.URL,
        PayloadB64:  in.PayloadB64,
        CreatedAt:   nowTS(),
    }
    m.evidence[stopID] = append(m.evidence[stopID], ev)
    return ev
}

func (m *Memory) ListEvidenceByStop(ctx context.Context, stopID string) ([]model.Evidence, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.stops[stopID]; !ok { return nil, ErrNotFound }
    return append([]model.Evidence{}, m.evidence[stopID]...), nil
}

// ---- Shipments ----

func (m *Memory) CreateShipment(ctx context.Context, in model.ShipmentCreate) (model.Shipment, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now().UTC()
    sh := &model.Shipment{
        ID:            uuid.New().String(),
        Code:          fmt.Sprintf("ENV-%s-%06d", now.Format("20060102"), len(m.shipments)+1),
        Warehouse:     in.Warehouse,
        State:         model.ShipmentPending,
        TotalQty:      in.TotalQty,
        TotalWeightKg: in.TotalWeightKg,
        TotalPrice:    in.TotalPrice,
        Location:      in.Location,
    }
    m.shipments[sh.ID] = sh
    return *sh, nil
}

func (m *Memory) GetShipment(ctx context.Context, shipmentID string) (model.Shipment, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    sh, ok := m.shipments[shipmentID]
    if !ok { return model.Shipment{}, ErrNotFound }
    return *sh, nil
}

func (m *Memory) ListShipments(ctx context.Context, state string) ([]model.Shipment, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Shipment{}
    for _, sh := range m.shipments {
        if state == "" || sh.State == state { out = append(out, *sh) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
    return out, nil
}

func (m *Memory) AcceptShipment(ctx context.Context, shipmentID string, req model.AcceptRequest) (model.Shipment, *model.SalesNote, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    sh, ok := m.shipments[shipmentID]
    if !ok { return model.Shipment{}, nil, ErrNotFound }
    if req.DriverName == "" {
        return model.Shipment{}, nil, fmt.Errorf("%w: driverName required", ErrValidation)
    }
    if err := canAcceptShipment(sh.State); err != nil { return model.Shipment{}, nil, err }
    sh.State = model.ShipmentAccepted
    sh.Reassign = false
    n, created := m.noteForShipment(sh)
    if !created { return *sh, nil, nil }
    return *sh, &n, nil
}

func (m *Memory) RejectShipment(ctx context.Context, shipmentID string, reason string) (model.Shipment, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    sh, ok := m.shipments[shipmentID]
    if !ok { return model.Shipment{}, ErrNotFound }
    if err := canRejectShipment(sh.State); err != nil { return model.Shipment{}, err }
    sh.State = model.ShipmentPending
    sh.RouteID = ""
    sh.Reassign = true
    sh.RejectReason = reason
    return *sh, nil
}

func (m *Memory) MarkShipmentDelivered(ctx context.Context, shipmentID string) (model.Shipment, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    sh, ok := m.shipments[shipmentID]
    if !ok { return model.Shipment{}, ErrNotFound }
    if sh.State == model.ShipmentDelivered { return *sh, nil }
    switch sh.State {
    case model.ShipmentEnRoute, model.ShipmentAtDestination:
        sh.State = model.ShipmentDelivered
        sh.DeliveredAt = nowTS()
    default:
        return model.Shipment{}, fmt.Errorf("%w: cannot deliver shipment in state %s", ErrInvalidState, sh.State)
    }
    return *sh, nil
}

// ---- Incidents ----

func (m *Memory) CreateIncident(ctx context.Context, in model.IncidentIn) (model.Incident, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if in.ShipmentID == "" { return model.Incident{}, fmt.Errorf("%w: shipmentId required", ErrValidation) }
    if in.Type == "" { return model.Incident{}, fmt.Errorf("%w: type required", ErrValidation) }
    if in.Description == "" { return model.Incident{}, fmt.Errorf("%w: description required", ErrValidation) }
    if _, ok := m.shipments[in.ShipmentID]; !ok {
        return model.Incident{}, fmt.Errorf("%w: shipment %s", ErrNotFound, in.ShipmentID)
    }
    if in.StopID != "" {
        st, ok := m.stops[in.StopID]
        if !ok { return model.Incident{}, fmt.Errorf("%w: stop %s", ErrNotFound, in.StopID) }
        if st.ShipmentID != in.ShipmentID {
            return model.Incident{}, fmt.Errorf("%w: stop does not belong to shipment", ErrValidation)
        }
    }
    inc := &model.Incident{
        ID:          uuid.NewString(),
        ShipmentID:  in.ShipmentID,
        StopID:      in.StopID,
        Type:        in.Type,
        Description: in.Description,
        PhotoURL:    in.PhotoURL,
        PhotoB64:    in.PhotoB64,
        State:       model.IncidentPending,
        ReportedBy:  in.ReportedBy,
        ReportedAt:  nowTS(),
    }
    m.incidents[inc.ID] = inc
    return *inc, nil
}

func (m *Memory) ListIncidents(ctx context.Context, state string) ([]model.Incident, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Incident, 0, len(m.incidents))
    for _, inc := range m.incidents {
        if state != "" && inc.State != state { continue }
        out = append(out, *inc)
    }
    sortIncidents(out)
    return out, nil
}

func (m *Memory) ListIncidentsByShipment(ctx context.Context, shipmentID string) ([]model.Incident, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, ok := m.shipments[shipmentID]; !ok {
        return nil, fmt.Errorf("%w: shipment %s", ErrNotFound, shipmentID)
    }
    out := []model.Incident{}
    for _, inc := range m.incidents {
        if inc.ShipmentID == shipmentID { out = append(out, *inc) }
    }
    sortIncidents(out)
    return out, nil
}

func (m *Memory) ResolveIncident(ctx context.Context, incidentID, notes string) (model.Incident, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    inc, ok := m.incidents[incidentID]
    if !ok { return model.Incident{}, fmt.Errorf("%w: incident %s", ErrNotFound, incidentID) }
    if inc.State == model.IncidentResolved {
        return model.Incident{}, fmt.Errorf("%w: incident already resolved", ErrConflict)
    }
    inc.State = model.IncidentResolved
    inc.ResolvedAt = nowTS()
    inc.ResolutionNotes = notes
    return *inc, nil
}

// Newest first, as the dispatcher dashboard reads them.
func sortIncidents(out []model.Incident) {
    sort.Slice(out, func(i, j int) bool {
        if out[i].ReportedAt != out[j].ReportedAt { return out[i].ReportedAt > out[j].ReportedAt }
        return out[i].ID < out[j].ID
    })
}

// ---- Sales notes ----

func (m *Memory) ListSalesNotes(ctx context.Context) ([]model.SalesNote, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.SalesNote, 0, len(m.notes))
    for _, n := range m.notes { out = append(out, n) }
    sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
    return out, nil
}

func (m *Memory) GetSalesNoteByShipment(ctx context.Context, shipmentID string) (model.SalesNote, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    n, ok := m.notes[shipmentID]
    if !ok { return model.SalesNote{}, ErrNotFound }
    return n, nil
}

func (m *Memory) BackfillSalesNotes(ctx context.Context) (int, int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    generated, skipped := 0, 0
    for _, sh := range m.shipments {
        switch sh.State {
        case model.ShipmentAccepted, model.ShipmentEnRoute, model.ShipmentAtDestination, model.ShipmentDelivered:
            if _, created := m.noteForShipment(sh); created { generated++ } else { skipped++ }
        }
    }
    return generated, skipped, nil
}

// ---- Subscriptions ----

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if req.URL == "" || len(req.Events) == 0 {
        return model.Subscription{}, fmt.Errorf("%w: url and events required", ErrValidation)
    }
    s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs = append(m.subs, s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Subscription{}
    for _, s := range m.subs {
        for _, e := range s.Events {
            if e == eventType || e == "*" { out = append(out, s); break }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return append([]model.Subscription{}, m.subs...), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    for i, s := range m.subs {
        if s.ID == id {
            m.subs = append(m.subs[:i], m.subs[i+1:]...)
            return nil
        }
    }
    return ErrNotFound
}

// ---- Webhook deliveries ----

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{
        ID: id, SubscriptionID: subscriptionID, EventType: eventType,
        URL: url, Secret: secret, Payload: payload, Status: "pending",
    }, NextAttemptAt: time.Now()}
    m.deliveries[id] = d
    m.order = append(m.order, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.order {
        d := m.deliveries[id]
        if d == nil || d.Status != "pending" || d.NextAttemptAt.After(now) { continue }
        out = append(out, d.WebhookDelivery)
        if len(out) >= limit { break }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return ErrNotFound }
    d.Attempts++
    d.LastError = lastError
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else if nextAttemptAt != nil {
        d.NextAttemptAt = *nextAttemptAt
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return ErrNotFound }
    d.Attempts++
    d.Status = "failed"
    d.LastError = lastError
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if limit <= 0 { limit = 100 }
    out := []map[string]any{}
    for _, id := range m.order {
        d := m.deliveries[id]
        if d == nil { continue }
        if status != "" && d.Status != status { continue }
        out = append(out, map[string]any{
            "id": d.ID, "eventType": d.EventType, "url": d.URL,
            "status": d.Status, "attempts": d.Attempts,
            "lastError": d.LastError, "responseCode": d.ResponseCode,
        })
        if len(out) >= limit { break }
    }
    return out, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return ErrNotFound }
    if d.Status == "delivered" { return fmt.Errorf("%w: delivery already succeeded", ErrConflict) }
    d.Status = "pending"
    d.NextAttemptAt = time.Now()
    return nil
}
