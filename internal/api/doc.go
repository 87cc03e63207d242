// Package api implements the HTTP REST API and WebSocket server for relayhub.
//
// This package provides:
//   - REST endpoints for device registration, channel writes, queries and deletes
//   - Duplex WebSocket sessions for devices (telemetry and acks in, state and commands out)
//   - An observer WebSocket hub broadcasting registry changes
//   - The flat legacy routes older firmware still calls
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// Handlers decode the request and call devicesync.Service; they hold no
// registry logic of their own. The Server is also a devicesync.Notifier:
// every committed change is pushed to the device's session and broadcast to
// observers. Its SessionTable is the first route the command dispatcher tries.
//
// # Graceful Degradation
//
// The server runs without MQTT. Devices connected over WebSocket still
// receive commands; others report unreachable.
package api
