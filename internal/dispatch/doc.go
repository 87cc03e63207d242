// Package dispatch delivers commands to devices and reports whether they
// were acknowledged.
//
// A command goes out over the device's own WebSocket session when one is
// open, otherwise over MQTT (relayhub/command/{id}). The device answers with
// an ack carrying the command id, which the transport's inbound side passes
// to Dispatcher.Ack. Send returns one of three outcomes:
//
//	acknowledged   ack arrived within the timeout
//	timeout        command delivered, no ack in time
//	unreachable    no route, or the route failed on send
//
// Outcomes are values, not errors. Callers that change device state first
// and dispatch second keep the state change whatever the outcome.
package dispatch
