package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementDispatch = "relayhub_dispatch"
	measurementRegistry = "relayhub_registry"
)

// WriteDispatchOutcome records one command dispatch.
//
// Tags are low-cardinality (site, transport, outcome); the device id is a
// tag too, since a hub serves a bounded fleet.
//
// Example:
//
//	client.WriteDispatchOutcome("esp32-01", "websocket", "acknowledged", 1, 42*time.Millisecond)
func (c *Client) WriteDispatchOutcome(deviceID, transport, outcome string, attempts int, latency time.Duration) {
	c.WritePoint(measurementDispatch,
		map[string]string{
			"device_id": deviceID,
			"transport": transport,
			"outcome":   outcome,
		},
		map[string]any{
			"attempts":   attempts,
			"latency_ms": float64(latency.Microseconds()) / 1000,
		},
	)
}

// WriteRegistryOp records one committed registry change.
//
// Parameters:
//   - deviceID: Device the change applied to
//   - op: "created", "updated" or "deleted"
//   - source: "api", "websocket" or "mqtt"
//   - relays: Relay count after the change
func (c *Client) WriteRegistryOp(deviceID, op, source string, relays int) {
	c.WritePoint(measurementRegistry,
		map[string]string{
			"device_id": deviceID,
			"op":        op,
			"source":    source,
		},
		map[string]any{
			"relays": relays,
		},
	)
}

// WritePoint writes a custom point stamped with the current time.
// The site tag is added automatically. Writes while disconnected are dropped.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	if c.site != "" {
		if tags == nil {
			tags = make(map[string]string, 1)
		}
		tags["site"] = c.site
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
