package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every relayhub topic.
//
// Device topics use the flat scheme: relayhub/{category}/{device_id}
const TopicPrefix = "relayhub"

// Topics provides builders for relayhub MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.Command("esp32-01")
//	// Returns: "relayhub/command/esp32-01"
type Topics struct{}

// =============================================================================
// Device → hub
// =============================================================================

// Telemetry returns the topic a device publishes its channel state on.
//
// Example: relayhub/telemetry/esp32-01
func (Topics) Telemetry(deviceID string) string {
	return fmt.Sprintf("%s/telemetry/%s", TopicPrefix, deviceID)
}

// Register returns the topic a device announces itself on at boot.
//
// Example: relayhub/register/esp32-01
func (Topics) Register(deviceID string) string {
	return fmt.Sprintf("%s/register/%s", TopicPrefix, deviceID)
}

// Ack returns the topic a device acknowledges commands on.
//
// Example: relayhub/ack/esp32-01
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, deviceID)
}

// =============================================================================
// Hub → device / observers
// =============================================================================

// Command returns the topic commands for a device are published on.
//
// Example: relayhub/command/esp32-01
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// State returns the retained topic carrying a device's committed record.
// An empty retained message on this topic means the device was deleted.
//
// Example: relayhub/state/esp32-01
func (Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// SystemStatus returns the hub online/offline status topic (also the LWT).
//
// Example: relayhub/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", TopicPrefix)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllTelemetry matches telemetry from every device.
//
// Pattern: relayhub/telemetry/+
func (Topics) AllTelemetry() string {
	return TopicPrefix + "/telemetry/+"
}

// AllRegister matches registration from every device.
//
// Pattern: relayhub/register/+
func (Topics) AllRegister() string {
	return TopicPrefix + "/register/+"
}

// AllAcks matches command acknowledgements from every device.
//
// Pattern: relayhub/ack/+
func (Topics) AllAcks() string {
	return TopicPrefix + "/ack/+"
}

// DeviceID extracts the device id from a flat device topic such as
// relayhub/telemetry/esp32-01. It returns false for any other shape.
func DeviceID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
