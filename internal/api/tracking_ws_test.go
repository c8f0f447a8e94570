package api

import (
    "context"
    "encoding/json"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"

    "rutanav/internal/model"
)

func dialTracking(t *testing.T, url string) *websocket.Conn {
    t.Helper()
    wsURL := "ws" + strings.TrimPrefix(url, "http") + "/tracking"
    conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
    if err != nil {
        t.Fatalf("dial: %v", err)
    }
    t.Cleanup(func() { _ = conn.Close() })
    return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, event string, data any) {
    t.Helper()
    raw, _ := json.Marshal(data)
    if err := conn.WriteJSON(wsMessage{Event: event, Data: raw}); err != nil {
        t.Fatalf("write %s: %v", event, err)
    }
}

func readWS(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
    t.Helper()
    _ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
    var msg wsMessage
    if err := conn.ReadJSON(&msg); err != nil {
        t.Fatalf("read: %v", err)
    }
    var data map[string]any
    _ = json.Unmarshal(msg.Data, &data)
    return msg.Event, data
}

func TestTrackingPositionRelay(t *testing.T) {
    s, ts := newTestServer(t)

    watcher := dialTracking(t, ts.URL)
    sendWS(t, watcher, "join-envio", map[string]any{"envioId": "env-1"})

    driver := dialTracking(t, ts.URL)
    // Let the join register before publishing.
    time.Sleep(50 * time.Millisecond)
    sendWS(t, driver, "posicion-update", map[string]any{
        "envioId": "env-1", "lat": -12.05, "lng": -77.04, "progress": 40,
    })

    event, data := readWS(t, watcher)
    if event != "posicion-actualizada" {
        t.Fatalf("event = %q", event)
    }
    if data["lat"].(float64) != -12.05 || data["lng"].(float64) != -77.04 {
        t.Fatalf("position = %v", data)
    }
    if data["progress"].(float64) != 40 {
        t.Fatalf("progress = %v", data["progress"])
    }

    // The relay also lands in the cache for HTTP readers and late joiners.
    if loc, ok := s.Locations.Get(shipmentChannel("env-1")); !ok || loc.Lat != -12.05 {
        t.Fatalf("cached location = %+v ok=%v", loc, ok)
    }
}

func TestTrackingLateJoinerGetsReplay(t *testing.T) {
    _, ts := newTestServer(t)

    driver := dialTracking(t, ts.URL)
    sendWS(t, driver, "posicion-update", map[string]any{"envioId": "env-2", "lat": 1.5, "lng": 2.5})
    time.Sleep(50 * time.Millisecond)

    late := dialTracking(t, ts.URL)
    sendWS(t, late, "join-envio", map[string]any{"envioId": "env-2"})

    event, data := readWS(t, late)
    if event != "posicion-actualizada" {
        t.Fatalf("event = %q", event)
    }
    if data["lat"].(float64) != 1.5 {
        t.Fatalf("replayed lat = %v", data["lat"])
    }
}

func TestTrackingLeaveStopsRelay(t *testing.T) {
    _, ts := newTestServer(t)

    watcher := dialTracking(t, ts.URL)
    sendWS(t, watcher, "join-envio", map[string]any{"envioId": "env-3"})

    driver := dialTracking(t, ts.URL)
    time.Sleep(50 * time.Millisecond)
    sendWS(t, driver, "posicion-update", map[string]any{"envioId": "env-3", "lat": 1, "lng": 1})
    if event, _ := readWS(t, watcher); event != "posicion-actualizada" {
        t.Fatalf("event = %q", event)
    }

    sendWS(t, watcher, "leave-envio", map[string]any{"envioId": "env-3"})
    time.Sleep(50 * time.Millisecond)
    sendWS(t, driver, "posicion-update", map[string]any{"envioId": "env-3", "lat": 2, "lng": 2})

    _ = watcher.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
    var msg wsMessage
    if err := watcher.ReadJSON(&msg); err == nil {
        t.Fatalf("got %q after leave", msg.Event)
    }
}

func TestTrackingSimulationBroadcast(t *testing.T) {
    _, ts := newTestServer(t)

    watcher := dialTracking(t, ts.URL)
    sendWS(t, watcher, "join-envio", map[string]any{"envioId": "env-sim"})

    driver := dialTracking(t, ts.URL)
    time.Sleep(50 * time.Millisecond)
    sendWS(t, driver, "iniciar-simulacion", map[string]any{
        "envioId": "env-sim",
        "points":  [][2]float64{{-12.05, -77.04}, {-12.06, -77.05}},
    })

    event, data := readWS(t, watcher)
    if event != "simulacion-iniciada" {
        t.Fatalf("event = %q", event)
    }
    if pts := data["points"].([]any); len(pts) != 2 {
        t.Fatalf("points = %v", data["points"])
    }
}

func TestTrackingCompletionEvent(t *testing.T) {
    s, ts := newTestServer(t)

    shID := createShipment(t, ts, -17.78, -63.18)
    route := createRoute(t, ts, "drv-1", shID)
    base := "/v1/routes/" + route["id"].(string)
    if resp, body := doJSON(t, ts, "POST", base+"/accept", "driver:drv-1", map[string]any{"driverName": "Carlos Mendoza"}); resp.StatusCode != 200 {
        t.Fatalf("accept: %d %v", resp.StatusCode, body)
    }
    if resp, body := doJSON(t, ts, "POST", base+"/checklists", "driver:drv-1", map[string]any{
        "items":     fullChecklist(t, s, model.ChecklistDeparture),
        "signature": "ZmlybWE=",
    }); resp.StatusCode != 201 {
        t.Fatalf("checklist: %d %v", resp.StatusCode, body)
    }
    if resp, body := doJSON(t, ts, "POST", base+"/start", "driver:drv-1", nil); resp.StatusCode != 200 {
        t.Fatalf("start: %d %v", resp.StatusCode, body)
    }

    watcher := dialTracking(t, ts.URL)
    sendWS(t, watcher, "join-envio", map[string]any{"envioId": shID})

    driver := dialTracking(t, ts.URL)
    time.Sleep(50 * time.Millisecond)
    sendWS(t, driver, "posicion-update", map[string]any{"envioId": shID, "lat": 1, "lng": 1})
    if event, _ := readWS(t, watcher); event != "posicion-actualizada" {
        t.Fatalf("event = %q", event)
    }
    sendWS(t, driver, "envio-completado", map[string]any{"envioId": shID})

    event, data := readWS(t, watcher)
    if event != "envio-completado" {
        t.Fatalf("event = %q", event)
    }
    if data["envioId"].(string) != shID {
        t.Fatalf("envioId = %v", data["envioId"])
    }

    got, err := s.Store.GetShipment(context.Background(), shID)
    if err != nil {
        t.Fatalf("get shipment: %v", err)
    }
    if got.State != model.ShipmentDelivered {
        t.Fatalf("state = %q", got.State)
    }

    if _, ok := s.Locations.Get(shipmentChannel(shID)); ok {
        t.Fatal("location should be dropped after completion")
    }
}
