package api

import (
	"sync"
)

// LatestLocation holds the most recent position seen on a tracking channel.
// Last-write-wins per timestamp; no history is kept.
type LatestLocation struct {
	Channel  string  `json:"channel"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Progress float64 `json:"progress,omitempty"`
	TS       string  `json:"ts"`
}

// LocationCache stores the latest position per channel.
type LocationCache struct {
	mu sync.Mutex
	m  map[string]LatestLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

// Upsert stores or updates the latest position for a channel. Updates with a
// timestamp older than the cached one are ignored.
func (c *LocationCache) Upsert(channel string, lat, lng, progress float64, ts string) {
	if channel == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.m[channel]; ok && ts != "" && cur.TS > ts {
		return
	}
	c.m[channel] = LatestLocation{Channel: channel, Lat: lat, Lng: lng, Progress: progress, TS: ts}
}

// Get returns the latest position for a channel.
func (c *LocationCache) Get(channel string) (LatestLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[channel]
	return v, ok
}

// Active returns every channel with a cached position.
func (c *LocationCache) Active() []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LatestLocation, 0, len(c.m))
	for _, v := range c.m {
		out = append(out, v)
	}
	return out
}

// Drop removes a channel, used when a shipment completes.
func (c *LocationCache) Drop(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, channel)
}
