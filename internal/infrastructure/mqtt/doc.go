// Package mqtt provides the MQTT device bus for relayhub.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Devices that cannot hold a WebSocket open talk to the hub over MQTT:
//
//	relayhub/register/{id}    device → hub   registration
//	relayhub/telemetry/{id}   device → hub   channel state
//	relayhub/ack/{id}         device → hub   command acknowledgement
//	relayhub/command/{id}     hub → device   command
//	relayhub/state/{id}       hub → all      committed record (retained)
//	relayhub/system/status    hub → all      online/offline (retained, LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllTelemetry(), 1, handler)
//	err = client.PublishJSON(mqtt.Topics{}.Command("esp32-01"), cmd, false)
package mqtt
