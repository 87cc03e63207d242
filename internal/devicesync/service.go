package devicesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/dispatch"
	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
)

// ErrInvalidPayload is returned when an inbound body cannot be decoded.
var ErrInvalidPayload = errors.New("devicesync: invalid payload")

// Source says where a write came from.
type Source string

const (
	// SourceAPI is an operator or integration write over HTTP.
	SourceAPI Source = "api"
	// SourceWebSocket is a device writing over its own duplex session.
	SourceWebSocket Source = "websocket"
	// SourceMQTT is a device writing over the broker.
	SourceMQTT Source = "mqtt"
)

// fromDevice reports whether the write is device telemetry rather than an
// instruction to the device.
func (s Source) fromDevice() bool {
	return s == SourceWebSocket || s == SourceMQTT
}

// Logger is the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Notifier receives committed registry changes. It is called while the
// device is still locked and must not block.
type Notifier interface {
	DeviceChanged(device.Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(device.Change)

// DeviceChanged implements Notifier.
func (f NotifierFunc) DeviceChanged(c device.Change) { f(c) }

// OpSink records registry operations outside the process, e.g. InfluxDB.
type OpSink interface {
	WriteRegistryOp(deviceID, op, source string, relays int)
}

// SetResult is the outcome of a channel write. Dispatch is nil when no
// command was sent: device telemetry, or dispatch disabled.
type SetResult struct {
	Device   *device.Record   `json:"device"`
	Relay    *device.Relay    `json:"relay,omitempty"`
	Dispatch *dispatch.Result `json:"dispatch,omitempty"`
}

// Service is the transport-independent face of the registry. HTTP,
// WebSocket and MQTT bindings all call into it, so a write means the same
// thing whichever way it arrives.
type Service struct {
	registry *device.Registry
	sender   dispatch.Sender
	retries  int

	notifiersMu sync.RWMutex
	notifiers   []Notifier

	metrics *metrics.Metrics
	sink    OpSink
	logger  Logger
}

// New creates a service over registry and subscribes to its changes.
// sender may be nil, in which case writes are never dispatched.
func New(registry *device.Registry, sender dispatch.Sender, retries int) *Service {
	s := &Service{
		registry: registry,
		sender:   sender,
		retries:  retries,
		logger:   noopLogger{},
	}
	registry.Subscribe(s.fanOut)
	return s
}

// SetLogger sets the logger.
func (s *Service) SetLogger(l Logger) { s.logger = l }

// SetMetrics sets the Prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
	s.metrics.SetDevices(s.registry.GetStats().Devices)
}

// SetSender sets the command sender. The dispatcher usually needs the
// transport sessions, which exist only after the service, so it is set late.
func (s *Service) SetSender(sender dispatch.Sender) { s.sender = sender }

// SetSink sets the external operation sink.
func (s *Service) SetSink(sink OpSink) { s.sink = sink }

// AddNotifier registers n for every committed change.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiersMu.Lock()
	s.notifiers = append(s.notifiers, n)
	s.notifiersMu.Unlock()
}

// Registry returns the underlying registry.
func (s *Service) Registry() *device.Registry { return s.registry }

// Register creates the device if it does not exist yet. Registering an
// existing id returns it unchanged with created false.
func (s *Service) Register(ctx context.Context, req RegisterRequest, src Source) (*device.Record, bool, error) {
	id := req.Resolve()
	rec, created, err := s.registry.GetOrCreate(ctx, id, device.RegisterOptions{
		Class:  req.Class,
		Relays: req.Relays,
	})
	s.record("register", id, src, rec, err)
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// SetChannel applies one channel write.
//
// An API write requires the device to exist and, once committed, is sent to
// the device as a command. The command outcome never undoes the write. A
// device write creates the record if needed and is not echoed back.
func (s *Service) SetChannel(ctx context.Context, id string, u device.ChannelUpdate, src Source) (*SetResult, error) {
	rec, rl, err := s.registry.Upsert(ctx, id, u, device.UpsertOptions{CreateIfMissing: src.fromDevice()})
	s.record("set", id, src, rec, err)
	if err != nil {
		return nil, err
	}

	res := &SetResult{Device: rec, Relay: rl}
	if src.fromDevice() || s.sender == nil {
		return res, nil
	}

	cmd := commandFor(rec, rl)
	out := dispatch.SendWithRetry(ctx, s.sender, cmd, s.retries)
	res.Dispatch = &out
	return res, nil
}

// ApplyTelemetry records a state report from the device itself.
func (s *Service) ApplyTelemetry(ctx context.Context, id string, u device.ChannelUpdate, src Source) (*device.Record, error) {
	if !src.fromDevice() {
		return nil, fmt.Errorf("%w: telemetry source %q", ErrInvalidPayload, src)
	}
	res, err := s.SetChannel(ctx, id, u, src)
	if err != nil {
		return nil, err
	}
	return res.Device, nil
}

// Get returns the record for id.
func (s *Service) Get(ctx context.Context, id string) (*device.Record, error) {
	return s.registry.Get(ctx, id)
}

// Observe hands fn the current record for id (nil when absent) while no
// write to id can commit. See device.Registry.Observe.
func (s *Service) Observe(ctx context.Context, id string, fn func(*device.Record)) error {
	return s.registry.Observe(ctx, id, fn)
}

// List returns every record, oldest first.
func (s *Service) List(ctx context.Context) ([]device.Record, error) {
	return s.registry.List(ctx)
}

// Delete removes the device and all its relays.
func (s *Service) Delete(ctx context.Context, id string, src Source) error {
	err := s.registry.Delete(ctx, id)
	s.record("delete", id, src, nil, err)
	return err
}

// SendCommand sends a raw command to an existing device without touching
// its record.
func (s *Service) SendCommand(ctx context.Context, id string, raw RawCommand) (*dispatch.Result, error) {
	if raw.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidPayload)
	}
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.sender == nil {
		return nil, dispatch.ErrNoRoute
	}
	out := dispatch.SendWithRetry(ctx, s.sender, dispatch.Command{
		DeviceID:  id,
		ChannelID: string(raw.RelayID),
		Payload:   raw.Command,
	}, s.retries)
	return &out, nil
}

// fanOut runs under the device lock in commit order.
func (s *Service) fanOut(c device.Change) {
	s.notifiersMu.RLock()
	notifiers := s.notifiers
	s.notifiersMu.RUnlock()

	for _, n := range notifiers {
		n.DeviceChanged(c)
	}
}

func (s *Service) record(op, id string, src Source, rec *device.Record, err error) {
	s.metrics.RegistryOp(op, metrics.ResultFor(err,
		[]error{device.ErrDeviceNotFound},
		[]error{device.ErrInvalidDeviceID, device.ErrInvalidChannelState},
		[]error{device.ErrConflict},
	))
	if err != nil {
		s.logger.Debug("registry operation failed", "op", op, "device_id", id, "source", src, "error", err)
		return
	}

	s.metrics.SetDevices(s.registry.GetStats().Devices)
	if s.sink != nil {
		relays := 0
		if rec != nil {
			relays = len(rec.Relays)
		}
		s.sink.WriteRegistryOp(id, op, string(src), relays)
	}
}

// commandFor derives what the device must execute to reach the committed state.
func commandFor(rec *device.Record, rl *device.Relay) dispatch.Command {
	cmd := dispatch.Command{DeviceID: rec.ID}
	if rl != nil {
		cmd.ChannelID = string(rl.RelayID)
		cmd.Payload = device.CommandFor(*rl)
		return cmd
	}
	cmd.Payload = "off"
	if rec.SimpleStatus {
		cmd.Payload = "on"
	}
	return cmd
}
