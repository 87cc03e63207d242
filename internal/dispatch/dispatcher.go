package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
)

// DefaultTimeout bounds the wait for an acknowledgement when none is configured.
const DefaultTimeout = 3 * time.Second

// Dispatcher sends commands and waits for their acknowledgements.
//
// Send never retries and never touches the registry; callers decide what a
// timeout or unreachable outcome means. Use SendWithRetry for the bounded
// retry policy.
type Dispatcher struct {
	resolver Resolver
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]pendingAck

	metrics *metrics.Metrics
	sink    OutcomeSink
	logger  Logger
	now     func() time.Time
}

type pendingAck struct {
	deviceID string
	done     chan struct{}
}

// New creates a dispatcher that waits up to timeout for each ack.
func New(resolver Resolver, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		resolver: resolver,
		timeout:  timeout,
		pending:  make(map[string]pendingAck),
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger.
func (d *Dispatcher) SetLogger(l Logger) { d.logger = l }

// SetMetrics reports outcomes to Prometheus.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// SetSink reports outcomes to an external sink such as InfluxDB.
func (d *Dispatcher) SetSink(s OutcomeSink) { d.sink = s }

// Timeout returns the ack timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Send delivers cmd over the device's current route and waits for the ack,
// the timeout, or ctx, whichever comes first. A cancelled ctx reports
// OutcomeTimeout.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) Result {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	res := Result{CommandID: cmd.ID, Attempts: 1}
	start := d.now()

	transport, ok := d.resolver.Resolve(cmd.DeviceID)
	if !ok {
		res.finish(OutcomeUnreachable, ErrNoRoute, 0)
		d.report(cmd, res)
		return res
	}
	res.Transport = transport.Name()

	// Register before delivering so an ack racing the send is not lost.
	done := d.register(cmd)
	defer d.unregister(cmd.ID)

	waitCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := transport.Deliver(waitCtx, cmd); err != nil {
		res.finish(OutcomeUnreachable, err, d.now().Sub(start))
		d.report(cmd, res)
		return res
	}

	select {
	case <-done:
		res.finish(OutcomeAcknowledged, nil, d.now().Sub(start))
	case <-waitCtx.Done():
		res.finish(OutcomeTimeout, waitCtx.Err(), d.now().Sub(start))
	}
	d.report(cmd, res)
	return res
}

// Ack marks the command as acknowledged by deviceID. It returns false when
// no such command is pending, or it was sent to another device.
func (d *Dispatcher) Ack(deviceID, commandID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[commandID]
	if !ok || p.deviceID != deviceID {
		return false
	}
	delete(d.pending, commandID)
	close(p.done)
	return true
}

// Pending returns the number of commands awaiting an ack.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) register(cmd Command) <-chan struct{} {
	done := make(chan struct{})
	d.mu.Lock()
	d.pending[cmd.ID] = pendingAck{deviceID: cmd.DeviceID, done: done}
	d.mu.Unlock()
	return done
}

func (d *Dispatcher) unregister(id string) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) report(cmd Command, res Result) {
	transport := res.Transport
	if transport == "" {
		transport = "none"
	}

	d.metrics.Dispatch(transport, string(res.Outcome), res.Latency)
	if d.sink != nil {
		d.sink.WriteDispatchOutcome(cmd.DeviceID, transport, string(res.Outcome), res.Attempts, res.Latency)
	}

	if res.Outcome == OutcomeAcknowledged {
		d.logger.Debug("command acknowledged",
			"device_id", cmd.DeviceID, "command_id", cmd.ID, "transport", transport, "latency", res.Latency)
		return
	}
	d.logger.Warn("command not acknowledged",
		"device_id", cmd.DeviceID, "command_id", cmd.ID, "transport", transport,
		"outcome", res.Outcome, "error", res.Err)
}
