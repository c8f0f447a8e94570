// Package main runs a demo WebSocket client against the tracking endpoint.
// It creates a shipment, joins its channel, and streams a few positions.
package main

import (
    "bytes"
    "encoding/json"
    "fmt"
    "log"
    "net/http"
    "net/url"
    "os"
    "time"

    "github.com/gorilla/websocket"
)

type wsMessage struct {
    Event string          `json:"event"`
    Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
    port := os.Getenv("PORT")
    if port == "" {
        port = "8080"
    }
    base := fmt.Sprintf("http://localhost:%s", port)

    // Create a shipment to track.
    body := []byte(`{"warehouse":"Central","totalQty":3,"totalWeightKg":12.5,"location":{"lat":-17.7833,"lng":-63.1821}}`)
    req, _ := http.NewRequest(http.MethodPost, base+"/v1/shipments", bytes.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Role", "dispatcher")
    resp, err := http.DefaultClient.Do(req)
    if err != nil {
        log.Fatal(err)
    }
    defer func() { _ = resp.Body.Close() }()
    var shipment struct {
        ID   string `json:"id"`
        Code string `json:"code"`
    }
    if err := json.NewDecoder(resp.Body).Decode(&shipment); err != nil {
        log.Fatal(err)
    }
    log.Printf("Shipment %s (%s)", shipment.ID, shipment.Code)

    u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/tracking"}
    hdr := http.Header{}
    hdr.Set("X-Role", "driver")
    c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
    if err != nil {
        log.Fatal("dial:", err)
    }
    defer func() { _ = c.Close() }()

    send := func(event string, data any) {
        raw, _ := json.Marshal(data)
        if err := c.WriteJSON(wsMessage{Event: event, Data: raw}); err != nil {
            log.Fatal(err)
        }
    }

    send("join-envio", map[string]any{"envioId": shipment.ID})

    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            var m wsMessage
            if err := c.ReadJSON(&m); err != nil {
                log.Printf("read: %v", err)
                return
            }
            log.Printf("WS <- %s: %s", m.Event, string(m.Data))
        }
    }()

    // Walk a short track toward the destination.
    points := [][2]float64{
        {-17.8000, -63.2000},
        {-17.7950, -63.1950},
        {-17.7900, -63.1900},
        {-17.7850, -63.1850},
    }
    for i, p := range points {
        send("posicion-update", map[string]any{
            "envioId":  shipment.ID,
            "lat":      p[0],
            "lng":      p[1],
            "progress": float64(i+1) / float64(len(points)) * 100,
        })
        time.Sleep(400 * time.Millisecond)
    }

    select {
    case <-time.After(2 * time.Second):
    case <-done:
    }
}
