package dispatch

import (
	"context"
	"fmt"

	"github.com/nerrad567/relayhub/internal/infrastructure/mqtt"
)

// Transport names, also used as metric labels.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Publisher is the part of the MQTT client the broker route needs.
// *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	IsConnected() bool
}

// MQTTTransport publishes commands to relayhub/command/{id}.
type MQTTTransport struct {
	pub Publisher
}

// NewMQTTTransport creates the broker route.
func NewMQTTTransport(pub Publisher) *MQTTTransport {
	return &MQTTTransport{pub: pub}
}

// Name implements Transport.
func (t *MQTTTransport) Name() string { return TransportMQTT }

// Available reports whether the broker connection is up.
func (t *MQTTTransport) Available() bool {
	return t != nil && t.pub != nil && t.pub.IsConnected()
}

// Deliver implements Transport.
func (t *MQTTTransport) Deliver(_ context.Context, cmd Command) error {
	if !t.Available() {
		return ErrTransportDown
	}
	if err := t.pub.PublishJSON(mqtt.Topics{}.Command(cmd.DeviceID), cmd, false); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}
	return nil
}

// SessionLookup finds the live duplex session of a device.
type SessionLookup interface {
	Session(deviceID string) (Transport, bool)
}

// RouteResolver prefers a device's own WebSocket session and falls back to
// the broker when it is connected.
type RouteResolver struct {
	sessions SessionLookup
	mqtt     *MQTTTransport
}

// NewRouteResolver creates a resolver. Either argument may be nil.
func NewRouteResolver(sessions SessionLookup, broker *MQTTTransport) *RouteResolver {
	return &RouteResolver{sessions: sessions, mqtt: broker}
}

// Resolve implements Resolver.
func (r *RouteResolver) Resolve(deviceID string) (Transport, bool) {
	if r.sessions != nil {
		if t, ok := r.sessions.Session(deviceID); ok {
			return t, true
		}
	}
	if r.mqtt.Available() {
		return r.mqtt, true
	}
	return nil, false
}
