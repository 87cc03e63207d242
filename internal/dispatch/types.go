package dispatch

import (
	"context"
	"errors"
	"time"
)

// Outcome is what happened to one dispatched command.
type Outcome string

const (
	// OutcomeAcknowledged means the device confirmed the command in time.
	OutcomeAcknowledged Outcome = "acknowledged"
	// OutcomeTimeout means the command was sent but no ack arrived in time.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeUnreachable means no route to the device existed or delivery failed.
	OutcomeUnreachable Outcome = "unreachable"
)

var (
	// ErrNoRoute is reported when neither a session nor the broker can reach the device.
	ErrNoRoute = errors.New("dispatch: no route to device")
	// ErrTransportDown is returned by a transport that lost its connection.
	ErrTransportDown = errors.New("dispatch: transport unavailable")
)

// Command is one instruction for a device.
type Command struct {
	// ID correlates the acknowledgement. Send assigns one when empty.
	ID       string `json:"commandId"`
	DeviceID string `json:"-"`
	// ChannelID is the relay id the command targets; empty for simple devices
	// and raw commands.
	ChannelID string `json:"relayId,omitempty"`
	Payload   string `json:"command"`
}

// Result reports a dispatch. It is a value, never an error: a failed
// delivery does not undo the state change that triggered it.
type Result struct {
	CommandID string        `json:"commandId"`
	Outcome   Outcome       `json:"outcome"`
	Transport string        `json:"transport,omitempty"`
	Attempts  int           `json:"attempts"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latencyMs"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

func (r *Result) finish(outcome Outcome, err error, latency time.Duration) {
	r.Outcome = outcome
	r.Err = err
	r.Latency = latency
	r.LatencyMS = latency.Milliseconds()
	if err != nil {
		r.Error = err.Error()
	}
}

// Transport delivers a command to a device. Delivery only hands the command
// over; the acknowledgement arrives separately through Dispatcher.Ack.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, cmd Command) error
}

// Resolver picks the transport for a device, or reports that none exists.
type Resolver interface {
	Resolve(deviceID string) (Transport, bool)
}

// Sender sends one command and reports the outcome.
type Sender interface {
	Send(ctx context.Context, cmd Command) Result
}

// OutcomeSink receives every dispatch outcome. influxdb.Client satisfies it.
type OutcomeSink interface {
	WriteDispatchOutcome(deviceID, transport, outcome string, attempts int, latency time.Duration)
}

// Logger defines the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
