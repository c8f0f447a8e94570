package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"rutanav/internal/metrics"
)

// Tracking WebSocket: channel-scoped position relay speaking the mobile
// client's vocabulary. Client to server: join-envio, leave-envio,
// posicion-update, iniciar-simulacion, envio-completado. Server to client:
// posicion-actualizada, simulacion-iniciada, envio-completado.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	EnvioID string `json:"envioId,omitempty"`
	RutaID  string `json:"rutaId,omitempty"`
}

type positionPayload struct {
	EnvioID  string  `json:"envioId,omitempty"`
	RutaID   string  `json:"rutaId,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Progress float64 `json:"progress,omitempty"`
	TS       string  `json:"ts,omitempty"`
}

type simulationPayload struct {
	EnvioID string      `json:"envioId,omitempty"`
	RutaID  string      `json:"rutaId,omitempty"`
	Points  [][2]float64 `json:"points,omitempty"`
}

func (p joinPayload) channel() string {
	if p.EnvioID != "" { return shipmentChannel(p.EnvioID) }
	if p.RutaID != "" { return routeChannel(p.RutaID) }
	return ""
}

func (p positionPayload) channel() string {
	return joinPayload{EnvioID: p.EnvioID, RutaID: p.RutaID}.channel()
}

// TrackingWSHandler handles /tracking
func (s *Server) TrackingWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	metrics.TrackingConnections.Inc()
	defer metrics.TrackingConnections.Dec()

	// Joined channels: channel -> fanout chan
	subs := map[string]chan Event{}
	defer func() {
		for channel, ch := range subs {
			s.Broker.Unsubscribe(channel, ch)
		}
	}()

	// Position updates are throttled per connection; dropped updates never
	// touch persisted state anyway.
	limiter := rate.NewLimiter(rate.Limit(5), 10)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// One writer at a time; fanout goroutines share the connection.
	var writeMu sync.Mutex
	write := func(event string, data any) error {
		raw, _ := json.Marshal(data)
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(wsMessage{Event: event, Data: raw})
	}

	// Keepalive
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Event {
		case "join-envio", "join-ruta":
			var pl joinPayload
			_ = json.Unmarshal(msg.Data, &pl)
			channel := pl.channel()
			if channel == "" || subs[channel] != nil {
				continue
			}
			ch := s.Broker.Subscribe(channel)
			subs[channel] = ch
			// Replay the last known position so a late joiner sees the
			// marker immediately.
			if loc, ok := s.Locations.Get(channel); ok {
				_ = write("posicion-actualizada", loc)
			}
			go func(c chan Event) {
				for evt := range c {
					_ = write(evt.Type, evt.Data)
				}
			}(ch)
		case "leave-envio", "leave-ruta":
			var pl joinPayload
			_ = json.Unmarshal(msg.Data, &pl)
			channel := pl.channel()
			if ch, ok := subs[channel]; ok {
				s.Broker.Unsubscribe(channel, ch)
				delete(subs, channel)
			}
		case "posicion-update":
			var pl positionPayload
			_ = json.Unmarshal(msg.Data, &pl)
			channel := pl.channel()
			if channel == "" {
				continue
			}
			if !limiter.Allow() {
				metrics.PositionUpdates.WithLabelValues("throttled").Inc()
				continue
			}
			ts := pl.TS
			if ts == "" { ts = time.Now().UTC().Format(time.RFC3339) }
			s.Locations.Upsert(channel, pl.Lat, pl.Lng, pl.Progress, ts)
			if pl.RutaID != "" {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					_ = s.Store.SaveRoutePosition(r.Context(), pl.RutaID, pl.Lat, pl.Lng, t)
				}
			}
			metrics.PositionUpdates.WithLabelValues("relayed").Inc()
			s.Broker.Publish(channel, Event{Type: "posicion-actualizada", Data: map[string]any{
				"envioId": pl.EnvioID, "rutaId": pl.RutaID,
				"lat": pl.Lat, "lng": pl.Lng, "progress": pl.Progress, "ts": ts,
			}})
		case "iniciar-simulacion":
			var pl simulationPayload
			_ = json.Unmarshal(msg.Data, &pl)
			channel := joinPayload{EnvioID: pl.EnvioID, RutaID: pl.RutaID}.channel()
			if channel == "" {
				continue
			}
			s.Broker.Publish(channel, Event{Type: "simulacion-iniciada", Data: map[string]any{
				"envioId": pl.EnvioID, "rutaId": pl.RutaID, "points": pl.Points,
			}})
		case "envio-completado":
			var pl joinPayload
			_ = json.Unmarshal(msg.Data, &pl)
			if pl.EnvioID == "" {
				continue
			}
			// Best-effort shipment transition; observers get the event even
			// if the transition was already applied elsewhere.
			if sh, err := s.Store.MarkShipmentDelivered(r.Context(), pl.EnvioID); err == nil {
				s.Pub.Emit(r.Context(), "shipment.delivered", map[string]any{"shipmentId": sh.ID, "code": sh.Code, "deliveredAt": sh.DeliveredAt})
			}
			channel := shipmentChannel(pl.EnvioID)
			s.Broker.Publish(channel, Event{Type: "envio-completado", Data: map[string]any{
				"envioId": pl.EnvioID, "ts": time.Now().UTC().Format(time.RFC3339),
			}})
			s.Locations.Drop(channel)
		default:
			// ignore
		}
	}
}
