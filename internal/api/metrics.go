package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          MQTTMetrics    `json:"mqtt"`
	Devices       DeviceMetrics  `json:"devices"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket statistics.
type WSMetrics struct {
	Observers      int `json:"observers"`
	DeviceSessions int `json:"device_sessions"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total   int            `json:"total"`
	Relays  int            `json:"relays"`
	ByClass map[string]int `json:"by_class"`
	Locked  int            `json:"locked"`
}

// handleMetrics returns a JSON summary for humans. Prometheus scrapes /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	out := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			Observers:      s.hub.ClientCount(),
			DeviceSessions: s.sessions.Count(),
		},
	}

	if s.broker != nil {
		out.MQTT = MQTTMetrics{Enabled: true, Connected: s.broker.IsConnected()}
	}

	stats := s.svc.Registry().GetStats()
	out.Devices = DeviceMetrics{
		Total:   stats.Devices,
		Relays:  stats.Relays,
		ByClass: make(map[string]int, len(stats.ByClass)),
		Locked:  stats.LockedNow,
	}
	for class, n := range stats.ByClass {
		out.Devices.ByClass[string(class)] = n
	}

	writeJSON(w, http.StatusOK, out)
}
