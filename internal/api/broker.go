package api

import (
    "sync"
)

// Event flows through the broker to SSE and tracking WebSocket observers.
// Channels are keyed "ruta-<routeId>" or "envio-<shipmentId>".
type Event struct {
    Type string
    Data map[string]any
}

func routeChannel(routeID string) string    { return "ruta-" + routeID }
func shipmentChannel(shipID string) string  { return "envio-" + shipID }

type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan Event]struct{} // channel -> set of subscribers
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(channel string) chan Event {
    ch := make(chan Event, 8)
    b.mu.Lock()
    if b.subs[channel] == nil { b.subs[channel] = map[chan Event]struct{}{} }
    b.subs[channel][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(channel string, ch chan Event) {
    b.mu.Lock()
    if m := b.subs[channel]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, channel) }
    }
    b.mu.Unlock()
    close(ch)
}

// Publish never blocks; slow subscribers drop events.
func (b *Broker) Publish(channel string, evt Event) {
    b.mu.Lock()
    m := b.subs[channel]
    for ch := range m {
        select { case ch <- evt: default: }
    }
    b.mu.Unlock()
}
