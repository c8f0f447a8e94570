package store

import (
    "fmt"
    "math/rand"
    "strings"
    "time"

    "rutanav/internal/model"
)

// Legal transitions for the route machine. completed is never requested
// directly; it is derived when the last stop is delivered.

func canAcceptRoute(state string) error {
    switch state {
    case model.RouteProgrammed:
        return nil
    case model.RouteAccepted:
        return fmt.Errorf("%w: route already accepted", ErrConflict)
    default:
        return fmt.Errorf("%w: cannot accept route in state %s", ErrInvalidState, state)
    }
}

func canRejectRoute(state string) error {
    switch state {
    case model.RouteProgrammed, model.RouteAccepted:
        return nil
    default:
        return fmt.Errorf("%w: cannot reject route in state %s", ErrInvalidState, state)
    }
}

func canStartRoute(state string) error {
    if state != model.RouteAccepted {
        return fmt.Errorf("%w: cannot start route in state %s", ErrInvalidState, state)
    }
    return nil
}

func canArrive(routeState, stopState string) error {
    if routeState != model.RouteEnRoute {
        return fmt.Errorf("%w: route is %s, not en_route", ErrInvalidState, routeState)
    }
    switch stopState {
    case model.StopPending:
        return nil
    case model.StopAtDestination:
        return fmt.Errorf("%w: arrival already registered", ErrConflict)
    default:
        return fmt.Errorf("%w: cannot register arrival for stop in state %s", ErrInvalidState, stopState)
    }
}

func canDeliver(routeState, stopState string) error {
    // A delivered stop is a conflict even after the route auto-completed,
    // so the loser of a concurrent deliver on the final stop sees the
    // stop-level outcome, not the route flip.
    if stopState == model.StopDelivered {
        return fmt.Errorf("%w: stop already delivered", ErrConflict)
    }
    if routeState != model.RouteEnRoute {
        return fmt.Errorf("%w: route is %s, not en_route", ErrInvalidState, routeState)
    }
    if stopState != model.StopAtDestination {
        return fmt.Errorf("%w: stop has not arrived at destination", ErrInvalidState)
    }
    return nil
}

func canAcceptShipment(state string) error {
    switch state {
    case model.ShipmentPending, model.ShipmentAssigned:
        return nil
    case model.ShipmentAccepted:
        return fmt.Errorf("%w: shipment already accepted", ErrConflict)
    default:
        return fmt.Errorf("%w: cannot accept shipment in state %s", ErrInvalidState, state)
    }
}

func canRejectShipment(state string) error {
    switch state {
    case model.ShipmentPending, model.ShipmentAssigned:
        return nil
    default:
        return fmt.Errorf("%w: cannot reject shipment in state %s", ErrInvalidState, state)
    }
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newRouteCode returns a code like RUTA-20250901-X7K2PQ.
func newRouteCode(now time.Time) string {
    var b strings.Builder
    for i := 0; i < 6; i++ {
        b.WriteByte(codeAlphabet[rand.Intn(len(codeAlphabet))])
    }
    return fmt.Sprintf("RUTA-%s-%s", now.Format("20060102"), b.String())
}

// newNoteNumber derives the sales note number from the shipment code,
// NV-20250901-<code suffix>.
func newNoteNumber(now time.Time, shipmentCode string) string {
    suffix := shipmentCode
    if i := strings.LastIndex(shipmentCode, "-"); i >= 0 && i+1 < len(shipmentCode) {
        suffix = shipmentCode[i+1:]
    }
    return fmt.Sprintf("NV-%s-%s", now.Format("20060102"), suffix)
}

// deriveStopStates overlays the advisory en_route marker: while the route is
// en_route, the lowest-order undelivered stop still pending is shown as
// en_route. Persisted state is never touched.
func deriveStopStates(route *model.Route) {
    if route.State != model.RouteEnRoute {
        return
    }
    for i := range route.Stops {
        s := &route.Stops[i]
        if s.State == model.StopPending {
            s.State = model.StopEnRoute
            return
        }
        if s.State != model.StopDelivered {
            return
        }
    }
}

func routeDelivered(stops []model.Stop) bool {
    if len(stops) == 0 {
        return false
    }
    for _, s := range stops {
        if s.State != model.StopDelivered {
            return false
        }
    }
    return true
}
