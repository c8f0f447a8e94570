package store_test

import (
    "context"
    "errors"
    "strings"
    "sync"
    "testing"
    "time"

    "rutanav/internal/checklist"
    "rutanav/internal/model"
    "rutanav/internal/store"
)

func newTestStore(t *testing.T) *store.Memory {
    t.Helper()
    tpls, err := checklist.Load("")
    if err != nil {
        t.Fatalf("load templates: %v", err)
    }
    return store.NewMemory(tpls)
}

func mkShipment(t *testing.T, m *store.Memory, lat, lng, price float64) model.Shipment {
    t.Helper()
    sh, err := m.CreateShipment(context.Background(), model.ShipmentCreate{
        Warehouse:     "Central",
        TotalQty:      2,
        TotalWeightKg: 10,
        TotalPrice:    price,
        Location:      &model.GeoPoint{Lat: lat, Lng: lng},
    })
    if err != nil {
        t.Fatalf("create shipment: %v", err)
    }
    return sh
}

func mkRoute(t *testing.T, m *store.Memory, driverID string, shipmentIDs ...string) model.Route {
    t.Helper()
    stops := make([]model.StopIn, 0, len(shipmentIDs))
    for _, id := range shipmentIDs {
        stops = append(stops, model.StopIn{ShipmentID: id})
    }
    r, err := m.CreateRoute(context.Background(), model.RouteCreate{
        DriverID:      driverID,
        VehicleID:     "veh-1",
        ScheduledDate: "2026-09-01",
        Stops:         stops,
    })
    if err != nil {
        t.Fatalf("create route: %v", err)
    }
    return r
}

func checklistItems(t *testing.T, typ string) map[string]bool {
    t.Helper()
    tpls, _ := checklist.Load("")
    tpl, ok := tpls.Get(typ)
    if !ok {
        t.Fatalf("no template for %s", typ)
    }
    items := map[string]bool{}
    for _, it := range tpl.Items {
        items[it.ID] = true
    }
    return items
}

func departureSubmission(t *testing.T) model.ChecklistSubmission {
    return model.ChecklistSubmission{
        Type:         model.ChecklistDeparture,
        Items:        checklistItems(t, model.ChecklistDeparture),
        SignatureB64: "ZmlybWE=",
    }
}

func deliverRequest(t *testing.T, receiver string) model.DeliverRequest {
    return model.DeliverRequest{
        ReceiverName: receiver,
        Checklist: model.ChecklistSubmission{
            Items:        checklistItems(t, model.ChecklistDelivery),
            SignatureB64: "ZmlybWE=",
        },
    }
}

// startRoute pushes a route through accept + departure checklist + start.
func startRoute(t *testing.T, m *store.Memory, routeID string) model.Route {
    t.Helper()
    ctx := context.Background()
    if _, _, err := m.AcceptRoute(ctx, routeID, model.AcceptRequest{DriverName: "Carlos Mendoza"}); err != nil {
        t.Fatalf("accept route: %v", err)
    }
    if _, err := m.SubmitChecklist(ctx, routeID, "", departureSubmission(t)); err != nil {
        t.Fatalf("departure checklist: %v", err)
    }
    r, err := m.StartRoute(ctx, routeID)
    if err != nil {
        t.Fatalf("start route: %v", err)
    }
    return r
}

func TestCreateRouteOrdersAndAssigns(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    a := mkShipment(t, m, -17.7833, -63.1821, 100)
    b := mkShipment(t, m, -17.8000, -63.2000, 200)
    c := mkShipment(t, m, -17.8100, -63.2100, 300)

    r := mkRoute(t, m, "drv-1", a.ID, b.ID, c.ID)
    if r.State != model.RouteProgrammed {
        t.Fatalf("state = %s, want programmed", r.State)
    }
    if !strings.HasPrefix(r.Code, "RUTA-") {
        t.Errorf("code = %q, want RUTA- prefix", r.Code)
    }
    if len(r.Stops) != 3 || r.TotalStops != 3 {
        t.Fatalf("stops = %d/%d, want 3", len(r.Stops), r.TotalStops)
    }
    for i, s := range r.Stops {
        if s.Order != i+1 {
            t.Errorf("stop %d order = %d", i, s.Order)
        }
        if s.State != model.StopPending {
            t.Errorf("stop %d state = %s, want pending", i, s.State)
        }
    }
    if r.Stops[0].DistFromPrevM != 0 {
        t.Errorf("first stop distance = %f, want 0", r.Stops[0].DistFromPrevM)
    }
    if r.Stops[1].DistFromPrevM <= 0 || r.TotalDistanceM <= 0 {
        t.Errorf("distances not computed: stop=%f total=%f", r.Stops[1].DistFromPrevM, r.TotalDistanceM)
    }
    if r.TotalWeightKg != 30 {
        t.Errorf("total weight = %f, want 30", r.TotalWeightKg)
    }

    sh, _ := m.GetShipment(ctx, a.ID)
    if sh.State != model.ShipmentAssigned || sh.RouteID != r.ID {
        t.Errorf("shipment = %s/%s, want assigned to route", sh.State, sh.RouteID)
    }
}

func TestCreateRouteValidation(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)

    _, err := m.CreateRoute(ctx, model.RouteCreate{DriverID: "drv-1"})
    if !errors.Is(err, store.ErrValidation) {
        t.Errorf("no stops: err = %v, want validation", err)
    }
    _, err = m.CreateRoute(ctx, model.RouteCreate{DriverID: "drv-1", Stops: []model.StopIn{{ShipmentID: sh.ID}, {ShipmentID: sh.ID}}})
    if !errors.Is(err, store.ErrValidation) {
        t.Errorf("duplicate shipment: err = %v, want validation", err)
    }
    _, err = m.CreateRoute(ctx, model.RouteCreate{DriverID: "drv-1", Stops: []model.StopIn{{ShipmentID: "nope"}}})
    if !errors.Is(err, store.ErrNotFound) {
        t.Errorf("unknown shipment: err = %v, want not found", err)
    }

    mkRoute(t, m, "drv-1", sh.ID)
    other := mkShipment(t, m, -17.79, -63.19, 50)
    _, err = m.CreateRoute(ctx, model.RouteCreate{DriverID: "drv-2", Stops: []model.StopIn{{ShipmentID: sh.ID}, {ShipmentID: other.ID}}})
    if !errors.Is(err, store.ErrInvalidState) {
        t.Errorf("already assigned shipment: err = %v, want invalid state", err)
    }
}

func TestRouteLifecycle(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    a := mkShipment(t, m, -17.7833, -63.1821, 100)
    b := mkShipment(t, m, -17.8000, -63.2000, 200)
    c := mkShipment(t, m, -17.8100, -63.2100, 300)
    r := mkRoute(t, m, "drv-1", a.ID, b.ID, c.ID)

    accepted, notes, err := m.AcceptRoute(ctx, r.ID, model.AcceptRequest{DriverName: "Carlos Mendoza", DriverContact: "777-1234"})
    if err != nil {
        t.Fatalf("accept: %v", err)
    }
    if accepted.State != model.RouteAccepted {
        t.Fatalf("state = %s, want accepted", accepted.State)
    }
    if !strings.Contains(accepted.Notes, "Aceptada por Carlos Mendoza") {
        t.Errorf("notes = %q, want acceptance record", accepted.Notes)
    }
    if len(notes) != 3 {
        t.Fatalf("sales notes = %d, want 3", len(notes))
    }
    for _, n := range notes {
        if !strings.HasPrefix(n.Number, "NV-") {
            t.Errorf("note number = %q, want NV- prefix", n.Number)
        }
    }

    if _, err := m.StartRoute(ctx, r.ID); !errors.Is(err, store.ErrPrecondition) {
        t.Fatalf("start without checklist: err = %v, want precondition", err)
    }
    if _, err := m.SubmitChecklist(ctx, r.ID, "", departureSubmission(t)); err != nil {
        t.Fatalf("departure checklist: %v", err)
    }
    started, err := m.StartRoute(ctx, r.ID)
    if err != nil {
        t.Fatalf("start: %v", err)
    }
    if started.State != model.RouteEnRoute || started.DepartedAt == "" {
        t.Fatalf("started = %s/%q", started.State, started.DepartedAt)
    }
    if started.Stops[0].State != model.StopEnRoute {
        t.Errorf("first stop = %s, want en_route", started.Stops[0].State)
    }
    if started.Stops[1].State != model.StopPending {
        t.Errorf("second stop = %s, want pending", started.Stops[1].State)
    }

    for i, stop := range started.Stops {
        if _, err := m.ArriveStop(ctx, r.ID, stop.ID, &model.GeoPoint{Lat: -17.79, Lng: -63.19}); err != nil {
            t.Fatalf("arrive stop %d: %v", i, err)
        }
        delivered, route, err := m.DeliverStop(ctx, r.ID, stop.ID, deliverRequest(t, "Juan Pérez"))
        if err != nil {
            t.Fatalf("deliver stop %d: %v", i, err)
        }
        if delivered.State != model.StopDelivered || delivered.ReceiverName != "Juan Pérez" {
            t.Fatalf("stop %d = %s/%q", i, delivered.State, delivered.ReceiverName)
        }
        if i < len(started.Stops)-1 && route.State != model.RouteEnRoute {
            t.Fatalf("route completed early at stop %d: %s", i, route.State)
        }
        if i == len(started.Stops)-1 {
            if route.State != model.RouteCompleted || route.CompletedAt == "" {
                t.Fatalf("final route = %s/%q, want completed", route.State, route.CompletedAt)
            }
        }
    }

    sh, _ := m.GetShipment(ctx, c.ID)
    if sh.State != model.ShipmentDelivered || sh.DeliveredAt == "" {
        t.Errorf("shipment = %s/%q, want delivered", sh.State, sh.DeliveredAt)
    }

    sum, err := m.RouteSummary(ctx, r.ID)
    if err != nil {
        t.Fatalf("summary: %v", err)
    }
    if sum.Stats.DeliveredStops != 3 || sum.Stats.PendingStops != 0 {
        t.Errorf("stats = %d/%d, want 3/0", sum.Stats.DeliveredStops, sum.Stats.PendingStops)
    }
    // departure + 3 delivery checklists
    if len(sum.Checklists) != 4 {
        t.Errorf("checklists = %d, want 4", len(sum.Checklists))
    }
}

func TestAcceptRouteTwiceConflict(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)

    if _, _, err := m.AcceptRoute(ctx, r.ID, model.AcceptRequest{DriverName: "Carlos"}); err != nil {
        t.Fatalf("first accept: %v", err)
    }
    _, notes, err := m.AcceptRoute(ctx, r.ID, model.AcceptRequest{DriverName: "Carlos"})
    if !errors.Is(err, store.ErrConflict) {
        t.Fatalf("second accept: err = %v, want conflict", err)
    }
    if len(notes) != 0 {
        t.Errorf("second accept returned %d notes", len(notes))
    }
    all, _ := m.ListSalesNotes(ctx)
    if len(all) != 1 {
        t.Errorf("sales notes = %d, want 1", len(all))
    }
}

func TestRejectRouteReleasesShipments(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    a := mkShipment(t, m, -17.78, -63.18, 100)
    b := mkShipment(t, m, -17.79, -63.19, 200)
    r := mkRoute(t, m, "drv-1", a.ID, b.ID)

    rejected, err := m.RejectRoute(ctx, r.ID, "vehículo en taller")
    if err != nil {
        t.Fatalf("reject: %v", err)
    }
    if rejected.State != model.RouteCancelled || rejected.TotalStops != 0 {
        t.Fatalf("rejected = %s/%d", rejected.State, rejected.TotalStops)
    }
    sh, _ := m.GetShipment(ctx, a.ID)
    if sh.State != model.ShipmentPending || !sh.Reassign || sh.RouteID != "" {
        t.Errorf("shipment = %s reassign=%v route=%q, want released", sh.State, sh.Reassign, sh.RouteID)
    }

    // A released shipment can be routed again.
    mkRoute(t, m, "drv-2", a.ID, b.ID)
}

func TestRejectRouteEmptyReasonKeepsNotes(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)

    rejected, err := m.RejectRoute(ctx, r.ID, "")
    if err != nil {
        t.Fatalf("reject: %v", err)
    }
    if rejected.State != model.RouteCancelled {
        t.Fatalf("state = %s, want cancelled", rejected.State)
    }
    if rejected.Notes != "" {
        t.Errorf("notes = %q, want empty without a reason", rejected.Notes)
    }
}

func TestRejectEnRouteInvalid(t *testing.T) {
    m := newTestStore(t)
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)
    startRoute(t, m, r.ID)

    if _, err := m.RejectRoute(context.Background(), r.ID, "tarde"); !errors.Is(err, store.ErrInvalidState) {
        t.Fatalf("reject en_route: err = %v, want invalid state", err)
    }
}

func TestDeliverGuards(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)
    r = startRoute(t, m, r.ID)
    stop := r.Stops[0]

    // Deliver before arrival.
    if _, _, err := m.DeliverStop(ctx, r.ID, stop.ID, deliverRequest(t, "Juan")); !errors.Is(err, store.ErrInvalidState) {
        t.Fatalf("deliver pending stop: err = %v, want invalid state", err)
    }
    if _, err := m.ArriveStop(ctx, r.ID, stop.ID, nil); err != nil {
        t.Fatalf("arrive: %v", err)
    }
    if _, err := m.ArriveStop(ctx, r.ID, stop.ID, nil); !errors.Is(err, store.ErrConflict) {
        t.Fatalf("double arrive: err = %v, want conflict", err)
    }

    // Missing receiver.
    req := deliverRequest(t, "")
    if _, _, err := m.DeliverStop(ctx, r.ID, stop.ID, req); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("no receiver: err = %v, want validation", err)
    }

    // Incomplete checklist: drop one item.
    req = deliverRequest(t, "Juan Pérez")
    delete(req.Checklist.Items, "receptor_conforme")
    if _, _, err := m.DeliverStop(ctx, r.ID, stop.ID, req); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("incomplete checklist: err = %v, want validation", err)
    }

    // Unchecked item.
    req = deliverRequest(t, "Juan Pérez")
    req.Checklist.Items["embalaje_intacto"] = false
    if _, _, err := m.DeliverStop(ctx, r.ID, stop.ID, req); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("unchecked item: err = %v, want validation", err)
    }

    // Missing signature.
    req = deliverRequest(t, "Juan Pérez")
    req.Checklist.SignatureB64 = ""
    if _, _, err := m.DeliverStop(ctx, r.ID, stop.ID, req); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("no signature: err = %v, want validation", err)
    }

    if _, _, err := m.DeliverStop(ctx, r.ID, stop.ID, deliverRequest(t, "Juan Pérez")); err != nil {
        t.Fatalf("valid deliver: %v", err)
    }
    if _, _, err := m.DeliverStop(ctx, r.ID, stop.ID, deliverRequest(t, "Juan Pérez")); !errors.Is(err, store.ErrConflict) {
        t.Fatalf("double deliver: err = %v, want conflict", err)
    }
}

func TestDepartureChecklistIncomplete(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)
    if _, _, err := m.AcceptRoute(ctx, r.ID, model.AcceptRequest{DriverName: "Carlos"}); err != nil {
        t.Fatalf("accept: %v", err)
    }

    sub := departureSubmission(t)
    delete(sub.Items, "epp_completo")
    if _, err := m.SubmitChecklist(ctx, r.ID, "", sub); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("11 of 12 items: err = %v, want validation", err)
    }

    sub = departureSubmission(t)
    if _, err := m.SubmitChecklist(ctx, r.ID, "", sub); err != nil {
        t.Fatalf("full submission: %v", err)
    }
    if _, err := m.SubmitChecklist(ctx, r.ID, "", sub); !errors.Is(err, store.ErrConflict) {
        t.Fatalf("resubmit: err = %v, want conflict", err)
    }
}

func TestDeriveStopStates(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    a := mkShipment(t, m, -17.78, -63.18, 100)
    b := mkShipment(t, m, -17.79, -63.19, 200)
    r := mkRoute(t, m, "drv-1", a.ID, b.ID)

    // Not derived while programmed.
    got, _ := m.GetRoute(ctx, r.ID)
    if got.Stops[0].State != model.StopPending {
        t.Fatalf("programmed first stop = %s, want pending", got.Stops[0].State)
    }

    r = startRoute(t, m, r.ID)
    if r.Stops[0].State != model.StopEnRoute || r.Stops[1].State != model.StopPending {
        t.Fatalf("after start: %s/%s", r.Stops[0].State, r.Stops[1].State)
    }

    if _, err := m.ArriveStop(ctx, r.ID, r.Stops[0].ID, nil); err != nil {
        t.Fatalf("arrive: %v", err)
    }
    if _, _, err := m.DeliverStop(ctx, r.ID, r.Stops[0].ID, deliverRequest(t, "Juan")); err != nil {
        t.Fatalf("deliver: %v", err)
    }
    got, _ = m.GetRoute(ctx, r.ID)
    if got.Stops[0].State != model.StopDelivered || got.Stops[1].State != model.StopEnRoute {
        t.Fatalf("after first delivery: %s/%s", got.Stops[0].State, got.Stops[1].State)
    }
}

func TestDeleteRouteCascades(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)
    r = startRoute(t, m, r.ID)
    stopID := r.Stops[0].ID
    if _, err := m.AddEvidence(ctx, stopID, "", model.EvidenceIn{URL: "https://cdn.example.com/p.jpg"}); err != nil {
        t.Fatalf("evidence: %v", err)
    }

    if err := m.DeleteRoute(ctx, r.ID); err != nil {
        t.Fatalf("delete: %v", err)
    }
    if _, err := m.GetRoute(ctx, r.ID); !errors.Is(err, store.ErrNotFound) {
        t.Errorf("route after delete: err = %v, want not found", err)
    }
    if _, err := m.ListEvidenceByStop(ctx, stopID); !errors.Is(err, store.ErrNotFound) {
        t.Errorf("evidence after delete: err = %v, want not found", err)
    }
    if _, err := m.ListChecklists(ctx, r.ID); !errors.Is(err, store.ErrNotFound) {
        t.Errorf("checklists after delete: err = %v, want not found", err)
    }
}

func TestConcurrentDeliverOneWins(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)
    r = startRoute(t, m, r.ID)
    stopID := r.Stops[0].ID
    if _, err := m.ArriveStop(ctx, r.ID, stopID, nil); err != nil {
        t.Fatalf("arrive: %v", err)
    }

    errs := make(chan error, 2)
    var wg sync.WaitGroup
    for i := 0; i < 2; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            _, _, err := m.DeliverStop(ctx, r.ID, stopID, deliverRequest(t, "Juan Pérez"))
            errs <- err
        }()
    }
    wg.Wait()
    close(errs)

    var ok, conflict int
    for err := range errs {
        switch {
        case err == nil:
            ok++
        case errors.Is(err, store.ErrConflict):
            conflict++
        default:
            t.Fatalf("unexpected error: %v", err)
        }
    }
    if ok != 1 || conflict != 1 {
        t.Fatalf("ok=%d conflict=%d, want 1/1", ok, conflict)
    }
}

func TestShipmentAcceptAndNotes(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 450)

    got, note, err := m.AcceptShipment(ctx, sh.ID, model.AcceptRequest{DriverName: "Carlos"})
    if err != nil {
        t.Fatalf("accept: %v", err)
    }
    if got.State != model.ShipmentAccepted {
        t.Fatalf("state = %s, want accepted", got.State)
    }
    if note == nil || note.Total != 450 {
        t.Fatalf("note = %+v, want total 450", note)
    }
    if !strings.HasSuffix(note.Number, sh.Code[strings.LastIndex(sh.Code, "-")+1:]) {
        t.Errorf("note number %q does not carry shipment suffix", note.Number)
    }

    if _, _, err := m.AcceptShipment(ctx, sh.ID, model.AcceptRequest{DriverName: "Carlos"}); !errors.Is(err, store.ErrConflict) {
        t.Fatalf("second accept: err = %v, want conflict", err)
    }
    byShipment, err := m.GetSalesNoteByShipment(ctx, sh.ID)
    if err != nil || byShipment.ID != note.ID {
        t.Fatalf("lookup note: %v %+v", err, byShipment)
    }
}

func TestShipmentReject(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    mkRoute(t, m, "drv-1", sh.ID)

    got, err := m.RejectShipment(ctx, sh.ID, "dirección errónea")
    if err != nil {
        t.Fatalf("reject: %v", err)
    }
    if got.State != model.ShipmentPending || !got.Reassign || got.RejectReason != "dirección errónea" {
        t.Fatalf("rejected = %+v", got)
    }

    // Delivered shipments cannot be rejected.
    other := mkShipment(t, m, -17.79, -63.19, 100)
    r := mkRoute(t, m, "drv-2", other.ID)
    r = startRoute(t, m, r.ID)
    if _, err := m.ArriveStop(ctx, r.ID, r.Stops[0].ID, nil); err != nil {
        t.Fatalf("arrive: %v", err)
    }
    if _, _, err := m.DeliverStop(ctx, r.ID, r.Stops[0].ID, deliverRequest(t, "Juan")); err != nil {
        t.Fatalf("deliver: %v", err)
    }
    if _, err := m.RejectShipment(ctx, other.ID, "tarde"); !errors.Is(err, store.ErrInvalidState) {
        t.Fatalf("reject delivered: err = %v, want invalid state", err)
    }
}

func TestBackfillSalesNotes(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    a := mkShipment(t, m, -17.78, -63.18, 100)
    b := mkShipment(t, m, -17.79, -63.19, 200)
    mkShipment(t, m, -17.80, -63.20, 300) // stays pending, no note

    r := mkRoute(t, m, "drv-1", a.ID, b.ID)
    startRoute(t, m, r.ID) // accept generated both notes

    generated, skipped, err := m.BackfillSalesNotes(ctx)
    if err != nil {
        t.Fatalf("backfill: %v", err)
    }
    if generated != 0 || skipped != 2 {
        t.Fatalf("generated=%d skipped=%d, want 0/2", generated, skipped)
    }
}

func TestRouteStats(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    a := mkShipment(t, m, -17.78, -63.18, 100)
    b := mkShipment(t, m, -17.79, -63.19, 200)
    r := mkRoute(t, m, "drv-1", a.ID)
    mkRoute(t, m, "drv-2", b.ID)
    startRoute(t, m, r.ID)

    st, err := m.RouteStats(ctx, "", "")
    if err != nil {
        t.Fatalf("stats: %v", err)
    }
    if st.Total != 2 || st.TotalStops != 2 {
        t.Fatalf("total=%d stops=%d, want 2/2", st.Total, st.TotalStops)
    }
    if st.ByState[model.RouteEnRoute] != 1 || st.ByState[model.RouteProgrammed] != 1 {
        t.Fatalf("by state = %v", st.ByState)
    }
    if len(st.ActiveIDs) != 1 || st.ActiveIDs[0] != r.ID {
        t.Fatalf("active = %v, want [%s]", st.ActiveIDs, r.ID)
    }
}

func TestSaveRoutePosition(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)

    if err := m.SaveRoutePosition(ctx, "missing", -17.79, -63.19, time.Now()); !errors.Is(err, store.ErrNotFound) {
        t.Fatalf("missing route: err = %v, want not found", err)
    }
    if err := m.SaveRoutePosition(ctx, r.ID, -17.79, -63.19, time.Now()); err != nil {
        t.Fatalf("save: %v", err)
    }
    got, _ := m.GetRoute(ctx, r.ID)
    if got.LastLat == nil || *got.LastLat != -17.79 || got.LastPositionAt == "" {
        t.Fatalf("position not saved: %+v", got)
    }
}

func TestEvidenceValidation(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)
    stopID := r.Stops[0].ID

    if _, err := m.AddEvidence(ctx, stopID, "", model.EvidenceIn{}); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("empty evidence: err = %v, want validation", err)
    }
    ev, err := m.AddEvidence(ctx, stopID, "", model.EvidenceIn{Name: "puerta", PayloadB64: "aW1n"})
    if err != nil {
        t.Fatalf("add: %v", err)
    }
    if ev.Type != "photo" {
        t.Errorf("default type = %q, want photo", ev.Type)
    }
    evs, err := m.ListEvidenceByStop(ctx, stopID)
    if err != nil || len(evs) != 1 {
        t.Fatalf("list: %v %d", err, len(evs))
    }
}

func TestIncidentLifecycle(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)
    stopID := r.Stops[0].ID

    if _, err := m.CreateIncident(ctx, model.IncidentIn{ShipmentID: sh.ID, Type: "daño"}); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("missing description: err = %v, want validation", err)
    }
    if _, err := m.CreateIncident(ctx, model.IncidentIn{ShipmentID: "nope", Type: "daño", Description: "caja rota"}); !errors.Is(err, store.ErrNotFound) {
        t.Fatalf("unknown shipment: err = %v, want not found", err)
    }

    other := mkShipment(t, m, -17.80, -63.20, 50)
    if _, err := m.CreateIncident(ctx, model.IncidentIn{ShipmentID: other.ID, StopID: stopID, Type: "daño", Description: "x"}); !errors.Is(err, store.ErrValidation) {
        t.Fatalf("foreign stop: err = %v, want validation", err)
    }

    inc, err := m.CreateIncident(ctx, model.IncidentIn{
        ShipmentID: sh.ID, StopID: stopID, Type: "daño",
        Description: "caja rota en la entrega", ReportedBy: "drv-1",
    })
    if err != nil {
        t.Fatalf("create: %v", err)
    }
    if inc.State != model.IncidentPending || inc.ReportedAt == "" {
        t.Fatalf("incident = %+v", inc)
    }

    byShipment, err := m.ListIncidentsByShipment(ctx, sh.ID)
    if err != nil || len(byShipment) != 1 {
        t.Fatalf("list by shipment: %v %d", err, len(byShipment))
    }

    resolved, err := m.ResolveIncident(ctx, inc.ID, "mercadería repuesta")
    if err != nil {
        t.Fatalf("resolve: %v", err)
    }
    if resolved.State != model.IncidentResolved || resolved.ResolvedAt == "" {
        t.Fatalf("resolved = %+v", resolved)
    }
    if _, err := m.ResolveIncident(ctx, inc.ID, "otra vez"); !errors.Is(err, store.ErrConflict) {
        t.Fatalf("second resolve: err = %v, want conflict", err)
    }

    pending, err := m.ListIncidents(ctx, model.IncidentPending)
    if err != nil || len(pending) != 0 {
        t.Fatalf("pending after resolve: %v %d", err, len(pending))
    }
    all, err := m.ListIncidents(ctx, "")
    if err != nil || len(all) != 1 {
        t.Fatalf("list all: %v %d", err, len(all))
    }
}

func TestIncidentSurvivesRouteReject(t *testing.T) {
    m := newTestStore(t)
    ctx := context.Background()
    sh := mkShipment(t, m, -17.78, -63.18, 100)
    r := mkRoute(t, m, "drv-1", sh.ID)

    inc, err := m.CreateIncident(ctx, model.IncidentIn{
        ShipmentID: sh.ID, StopID: r.Stops[0].ID, Type: "direccion",
        Description: "dirección no existe",
    })
    if err != nil {
        t.Fatalf("create: %v", err)
    }

    if _, err := m.RejectRoute(ctx, r.ID, "reprogramar"); err != nil {
        t.Fatalf("reject: %v", err)
    }

    // The stop is gone but the report stays with the shipment.
    got, err := m.ListIncidentsByShipment(ctx, sh.ID)
    if err != nil || len(got) != 1 {
        t.Fatalf("list: %v %d", err, len(got))
    }
    if got[0].ID != inc.ID || got[0].StopID != "" {
        t.Fatalf("incident = %+v, want detached from stop", got[0])
    }
}
