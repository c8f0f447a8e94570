package store

import (
    "context"
    "errors"
    "time"

    "rutanav/internal/model"
)

// Store is the persistence interface used by the API server.
type Store interface {
    // Routes
    CreateRoute(ctx context.Context, in model.RouteCreate) (model.Route, error)
    GetRoute(ctx context.Context, routeID string) (model.Route, error)
    ListRoutesByDriver(ctx context.Context, driverID string) ([]model.Route, error)
    ListRoutes(ctx context.Context, state, date string) ([]model.Route, error)
    DeleteRoute(ctx context.Context, routeID string) error
    RouteSummary(ctx context.Context, routeID string) (model.RouteSummary, error)
    RouteStats(ctx context.Context, from, to string) (model.RouteStats, error)

    // Route transitions
    AcceptRoute(ctx context.Context, routeID string, req model.AcceptRequest) (model.Route, []model.SalesNote, error)
    RejectRoute(ctx context.Context, routeID string, reason string) (model.Route, error)
    StartRoute(ctx context.Context, routeID string) (model.Route, error)

    // Stop transitions
    ArriveStop(ctx context.Context, routeID, stopID string, pos *model.GeoPoint) (model.Stop, error)
    DeliverStop(ctx context.Context, routeID, stopID string, req model.DeliverRequest) (model.Stop, model.Route, error)
    SaveRoutePosition(ctx context.Context, routeID string, lat, lng float64, ts time.Time) error

    // Checklists & evidence
    SubmitChecklist(ctx context.Context, routeID, stopID string, sub model.ChecklistSubmission) (model.Checklist, error)
    ListChecklists(ctx context.Context, routeID string) ([]model.Checklist, error)
    AddEvidence(ctx context.Context, stopID, checklistID string, in model.EvidenceIn) (model.Evidence, error)
    ListEvidenceByStop(ctx context.Context, stopID string) ([]model.Evidence, error)

    // Shipments
    CreateShipment(ctx context.Context, in model.ShipmentCreate) (model.Shipment, error)
    GetShipment(ctx context.Context, shipmentID string) (model.Shipment, error)
    ListShipments(ctx context.Context, state string) ([]model.Shipment, error)
    AcceptShipment(ctx context.Context, shipmentID string, req model.AcceptRequest) (model.Shipment, *model.SalesNote, error)
    RejectShipment(ctx context.Context, shipmentID string, reason string) (model.Shipment, error)
    MarkShipmentDelivered(ctx context.Context, shipmentID string) (model.Shipment, error)

    // Incidents
    CreateIncident(ctx context.Context, in model.IncidentIn) (model.Incident, error)
    ListIncidents(ctx context.Context, state string) ([]model.Incident, error)
    ListIncidentsByShipment(ctx context.Context, shipmentID string) ([]model.Incident, error)
    ResolveIncident(ctx context.Context, incidentID, notes string) (model.Incident, error)

    // Sales notes
    ListSalesNotes(ctx context.Context) ([]model.SalesNote, error)
    GetSalesNoteByShipment(ctx context.Context, shipmentID string) (model.SalesNote, error)
    BackfillSalesNotes(ctx context.Context) (generated, skipped int, err error)

    // Subscriptions
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
    DeleteSubscription(ctx context.Context, id string) error

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error)
    RetryWebhookDelivery(ctx context.Context, id string) error
}

// Error taxonomy. Implementations wrap these with detail via fmt.Errorf("%w: ...").
var (
    ErrNotFound     = errors.New("not found")
    ErrValidation   = errors.New("validation failed")
    ErrPrecondition = errors.New("precondition failed")
    ErrInvalidState = errors.New("invalid state")
    ErrConflict     = errors.New("conflict")
)
