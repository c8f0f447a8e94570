package model

// Route states
const (
	RouteProgrammed = "programmed"
	RouteAccepted   = "accepted"
	RouteEnRoute    = "en_route"
	RouteCompleted  = "completed"
	RouteCancelled  = "cancelled"
)

// Stop states. StopEnRoute is derived (the next undelivered stop while the
// route is en_route) and never persisted.
const (
	StopPending       = "pending"
	StopEnRoute       = "en_route"
	StopAtDestination = "at_destination"
	StopDelivered     = "delivered"
)

// Shipment states
const (
	ShipmentPending       = "pending"
	ShipmentAssigned      = "assigned"
	ShipmentAccepted      = "accepted"
	ShipmentEnRoute       = "en_route"
	ShipmentAtDestination = "at_destination"
	ShipmentDelivered     = "delivered"
)

// Checklist types
const (
	ChecklistDeparture = "departure"
	ChecklistDelivery  = "delivery"
)

// Incident states
const (
	IncidentPending  = "pending"
	IncidentResolved = "resolved"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Route struct {
	ID            string  `json:"id"`
	Code          string  `json:"code"`
	DriverID      string  `json:"driverId"`
	VehicleID     string  `json:"vehicleId,omitempty"`
	ScheduledDate string  `json:"scheduledDate"`
	State         string  `json:"state"`
	DepartedAt    string  `json:"departedAt,omitempty"`
	CompletedAt   string  `json:"completedAt,omitempty"`
	TotalDistanceM float64 `json:"totalDistanceM,omitempty"`
	TotalStops    int     `json:"totalStops"`
	TotalWeightKg float64 `json:"totalWeightKg,omitempty"`
	Notes         string  `json:"notes,omitempty"`
	LastLat       *float64 `json:"lastLat,omitempty"`
	LastLng       *float64 `json:"lastLng,omitempty"`
	LastPositionAt string  `json:"lastPositionAt,omitempty"`
	Stops         []Stop  `json:"stops,omitempty"`
}

type Stop struct {
	ID           string    `json:"id"`
	RouteID      string    `json:"routeId"`
	ShipmentID   string    `json:"shipmentId"`
	Order        int       `json:"order"`
	State        string    `json:"state"`
	ArrivedAt    string    `json:"arrivedAt,omitempty"`
	DeliveredAt  string    `json:"deliveredAt,omitempty"`
	ArrivalPos   *GeoPoint `json:"arrivalPos,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	DistFromPrevM float64  `json:"distFromPrevM,omitempty"`
	ReceiverName string    `json:"receiverName,omitempty"`
	ReceiverRole string    `json:"receiverRole,omitempty"`
	ReceiverDNI  string    `json:"receiverDni,omitempty"`
	Notes        string    `json:"notes,omitempty"`
}

type Shipment struct {
	ID          string  `json:"id"`
	Code        string  `json:"code"`
	Warehouse   string  `json:"warehouse,omitempty"`
	State       string  `json:"state"`
	RouteID     string  `json:"routeId,omitempty"`
	TotalQty    int     `json:"totalQty,omitempty"`
	TotalWeightKg float64 `json:"totalWeightKg,omitempty"`
	TotalPrice  float64 `json:"totalPrice,omitempty"`
	Location    *GeoPoint `json:"location,omitempty"`
	DeliveredAt string  `json:"deliveredAt,omitempty"`
	Reassign    bool    `json:"reassign,omitempty"`
	RejectReason string `json:"rejectReason,omitempty"`
}

// Checklist belongs to a stop (delivery) or directly to a route (departure,
// StopID empty).
type Checklist struct {
	ID            string          `json:"id"`
	RouteID       string          `json:"routeId"`
	StopID        string          `json:"stopId,omitempty"`
	ShipmentID    string          `json:"shipmentId,omitempty"`
	Type          string          `json:"type"`
	Items         map[string]bool `json:"items"`
	Observations  string          `json:"observations,omitempty"`
	SignatureB64  string          `json:"-"`
	HasSignature  bool            `json:"hasSignature"`
	CompleterName string          `json:"completerName,omitempty"`
	Completed     bool            `json:"completed"`
	CompletedAt   string          `json:"completedAt,omitempty"`
}

type Evidence struct {
	ID          string `json:"id"`
	StopID      string `json:"stopId"`
	ChecklistID string `json:"checklistId,omitempty"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	URL         string `json:"url,omitempty"`
	PayloadB64  string `json:"-"`
	CreatedAt   string `json:"createdAt"`
}

// Incident is a driver-reported problem on a shipment (damaged cargo,
// refused delivery, address issues). Completed checklists stay immutable;
// a follow-up is recorded as an incident instead.
type Incident struct {
	ID              string `json:"id"`
	ShipmentID      string `json:"shipmentId"`
	StopID          string `json:"stopId,omitempty"`
	Type            string `json:"type"`
	Description     string `json:"description"`
	PhotoURL        string `json:"photoUrl,omitempty"`
	PhotoB64        string `json:"-"`
	State           string `json:"state"`
	ReportedBy      string `json:"reportedBy,omitempty"`
	ReportedAt      string `json:"reportedAt"`
	ResolvedAt      string `json:"resolvedAt,omitempty"`
	ResolutionNotes string `json:"resolutionNotes,omitempty"`
}

type IncidentIn struct {
	ShipmentID  string `json:"shipmentId"`
	StopID      string `json:"stopId,omitempty"`
	Type        string `json:"type"`
	Description string `json:"description"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	PhotoB64    string `json:"photo,omitempty"`
	ReportedBy  string `json:"reportedBy,omitempty"`
}

type SalesNote struct {
	ID         string  `json:"id"`
	Number     string  `json:"number"`
	ShipmentID string  `json:"shipmentId"`
	Total      float64 `json:"total,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

// Inputs

type StopIn struct {
	ShipmentID string    `json:"shipmentId"`
	Location   *GeoPoint `json:"location,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

type RouteCreate struct {
	DriverID      string   `json:"driverId"`
	VehicleID     string   `json:"vehicleId,omitempty"`
	ScheduledDate string   `json:"scheduledDate"`
	Stops         []StopIn `json:"stops"`
	Notes         string   `json:"notes,omitempty"`
}

type ShipmentCreate struct {
	Warehouse     string    `json:"warehouse,omitempty"`
	TotalQty      int       `json:"totalQty,omitempty"`
	TotalWeightKg float64   `json:"totalWeightKg,omitempty"`
	TotalPrice    float64   `json:"totalPrice,omitempty"`
	Location      *GeoPoint `json:"location,omitempty"`
}

type AcceptRequest struct {
	DriverName    string `json:"driverName"`
	DriverContact string `json:"driverContact,omitempty"`
	SignatureB64  string `json:"signature,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type ArriveRequest struct {
	Position *GeoPoint `json:"position,omitempty"`
}

type EvidenceIn struct {
	Type       string `json:"type"`
	Name       string `json:"name,omitempty"`
	URL        string `json:"url,omitempty"`
	PayloadB64 string `json:"payload,omitempty"`
}

type ChecklistSubmission struct {
	Type          string          `json:"type"`
	Items         map[string]bool `json:"items"`
	Observations  string          `json:"observations,omitempty"`
	SignatureB64  string          `json:"signature"`
	CompleterName string          `json:"completerName,omitempty"`
	Evidence      []EvidenceIn    `json:"evidence,omitempty"`
}

// DeliverRequest carries the checklist submission together with the receiver
// identity recorded on the stop.
type DeliverRequest struct {
	ReceiverName string              `json:"receiverName"`
	ReceiverRole string              `json:"receiverRole,omitempty"`
	ReceiverDNI  string              `json:"receiverDni,omitempty"`
	Checklist    ChecklistSubmission `json:"checklist"`
	Notes        string              `json:"notes,omitempty"`
}

type PositionUpdate struct {
	Channel  string  `json:"channel"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Progress float64 `json:"progress,omitempty"`
	TS       string  `json:"ts,omitempty"`
}

// Read models

type RouteSummary struct {
	Route      Route       `json:"route"`
	Checklists []Checklist `json:"checklists"`
	Evidence   []Evidence  `json:"evidence"`
	Stats      RouteTiming `json:"stats"`
}

type RouteTiming struct {
	DeliveredStops  int     `json:"deliveredStops"`
	PendingStops    int     `json:"pendingStops"`
	DurationMinutes float64 `json:"durationMinutes,omitempty"`
}

type RouteStats struct {
	Total      int            `json:"total"`
	ByState    map[string]int `json:"byState"`
	ActiveIDs  []string       `json:"activeIds"`
	TotalStops int            `json:"totalStops"`
	Delivered  int            `json:"deliveredStops"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"-"`
}
