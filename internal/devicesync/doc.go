// Package devicesync binds the device registry to the outside world.
//
// Service is the single entry point for registration, channel writes,
// queries and deletes, whichever transport they arrive on. HTTP and the
// WebSocket sessions in package api call it directly; MQTTIngress feeds it
// from the broker.
//
// After every committed change the registry calls the Service, which hands
// the change to each Notifier: the device's own session, observer clients
// and the StateMirror. Notifiers run under the device lock and must not
// block; the mirror records the latest change per device and publishes
// from its own goroutine.
//
// An API write is sent to the device as a command after it commits. The
// command outcome is reported next to the committed record and never rolls
// it back.
package devicesync
