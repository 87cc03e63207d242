package devicesync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/dispatch"
	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
)

// fakeSender returns a fixed outcome and records what it was asked to send.
type fakeSender struct {
	mu       sync.Mutex
	outcome  dispatch.Outcome
	commands []dispatch.Command
}

func (f *fakeSender) Send(_ context.Context, cmd dispatch.Command) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if cmd.ID == "" {
		cmd.ID = "cmd-1"
	}
	return dispatch.Result{CommandID: cmd.ID, Outcome: f.outcome, Attempts: 1}
}

type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) WriteRegistryOp(_, op, source string, _ int) {
	r.mu.Lock()
	r.ops = append(r.ops, op+"/"+source)
	r.mu.Unlock()
}

func newTestService(t *testing.T, sender dispatch.Sender) *Service {
	t.Helper()
	reg := device.NewRegistry(device.NewMemoryRepository(), device.SliderReject)
	require.NoError(t, reg.RefreshCache(context.Background()))
	return New(reg, sender, 2)
}

func relayOn(id string, on bool) device.ChannelUpdate {
	v := device.Bool(on)
	return device.ChannelUpdate{Relay: &device.RelayPatch{RelayID: device.RelayID(id), Value: &v}}
}

func TestService_Register(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	rec, created, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ChipID: "esp-1"}}, SourceAPI)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "esp-1", rec.ID)

	again, created, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "esp-1"}, Class: device.ClassSimple}, SourceAPI)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, device.ClassRelay, again.Class, "second registration must not change the record")

	_, _, err = svc.Register(ctx, RegisterRequest{}, SourceAPI)
	assert.ErrorIs(t, err, device.ErrInvalidDeviceID)
}

func TestService_SetChannel_APIDispatches(t *testing.T) {
	sender := &fakeSender{outcome: dispatch.OutcomeAcknowledged}
	svc := newTestService(t, sender)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "esp-1"}}, SourceAPI)
	require.NoError(t, err)

	res, err := svc.SetChannel(ctx, "esp-1", relayOn("2", true), SourceAPI)
	require.NoError(t, err)
	require.NotNil(t, res.Dispatch)
	assert.Equal(t, dispatch.OutcomeAcknowledged, res.Dispatch.Outcome)
	require.Len(t, sender.commands, 1)
	assert.Equal(t, "2:on", sender.commands[0].Payload)
	assert.Equal(t, "2", sender.commands[0].ChannelID)
	assert.Equal(t, "esp-1", sender.commands[0].DeviceID)
}

func TestService_SetChannel_UnreachableKeepsWrite(t *testing.T) {
	sender := &fakeSender{outcome: dispatch.OutcomeUnreachable}
	svc := newTestService(t, sender)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "esp-1"}}, SourceAPI)
	require.NoError(t, err)

	res, err := svc.SetChannel(ctx, "esp-1", relayOn("1", true), SourceAPI)
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeUnreachable, res.Dispatch.Outcome)
	assert.Equal(t, 3, res.Dispatch.Attempts, "one send plus two retries")

	got, err := svc.Get(ctx, "esp-1")
	require.NoError(t, err)
	rl, ok := got.Relay("1")
	require.True(t, ok)
	on, _ := rl.Value.AsBool()
	assert.True(t, on, "the write stands even though the device never heard of it")
}

func TestService_SetChannel_APIRequiresDevice(t *testing.T) {
	sender := &fakeSender{outcome: dispatch.OutcomeAcknowledged}
	svc := newTestService(t, sender)

	_, err := svc.SetChannel(context.Background(), "ghost", relayOn("1", true), SourceAPI)
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
	assert.Empty(t, sender.commands)
}

func TestService_ApplyTelemetry(t *testing.T) {
	sender := &fakeSender{outcome: dispatch.OutcomeAcknowledged}
	svc := newTestService(t, sender)
	ctx := context.Background()

	rec, err := svc.ApplyTelemetry(ctx, "esp-new", relayOn("1", true), SourceWebSocket)
	require.NoError(t, err)
	assert.Equal(t, "esp-new", rec.ID)
	assert.Len(t, rec.Relays, 1)
	assert.Empty(t, sender.commands, "telemetry must not be echoed back as a command")

	status := true
	rec, err = svc.ApplyTelemetry(ctx, "led-1", device.ChannelUpdate{Status: &status}, SourceMQTT)
	require.NoError(t, err)
	assert.Equal(t, device.ClassSimple, rec.Class)
	assert.True(t, rec.SimpleStatus)

	_, err = svc.ApplyTelemetry(ctx, "esp-new", relayOn("1", false), SourceAPI)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestService_SimpleDeviceCommand(t *testing.T) {
	sender := &fakeSender{outcome: dispatch.OutcomeTimeout}
	svc := newTestService(t, sender)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "led-1"}, Class: device.ClassSimple}, SourceAPI)
	require.NoError(t, err)

	status := true
	res, err := svc.SetChannel(ctx, "led-1", device.ChannelUpdate{Status: &status}, SourceAPI)
	require.NoError(t, err)
	assert.Nil(t, res.Relay)
	assert.Equal(t, dispatch.OutcomeTimeout, res.Dispatch.Outcome)
	require.Len(t, sender.commands, 1, "timeouts are not retried")
	assert.Equal(t, "on", sender.commands[0].Payload)
}

func TestService_NotifiersSeeCommitOrder(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		kinds []device.ChangeKind
	)
	svc.AddNotifier(NotifierFunc(func(c device.Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	}))

	_, _, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "esp-1"}}, SourceAPI)
	require.NoError(t, err)
	_, err = svc.SetChannel(ctx, "esp-1", relayOn("1", true), SourceAPI)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "esp-1", SourceAPI))

	assert.Equal(t, []device.ChangeKind{device.ChangeCreated, device.ChangeUpdated, device.ChangeDeleted}, kinds)
}

func TestService_MetricsAndSink(t *testing.T) {
	svc := newTestService(t, nil)
	m := metrics.New()
	svc.SetMetrics(m)
	sink := &opRecorder{}
	svc.SetSink(sink)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "esp-1"}}, SourceAPI)
	require.NoError(t, err)
	_, err = svc.SetChannel(ctx, "esp-1", relayOn("1", true), SourceMQTT)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Delete(ctx, "nope", SourceAPI), device.ErrDeviceNotFound)

	assert.Equal(t, []string{"register/api", "set/mqtt"}, sink.ops, "failed operations are not written to the sink")
}

func TestService_SendCommand(t *testing.T) {
	sender := &fakeSender{outcome: dispatch.OutcomeAcknowledged}
	svc := newTestService(t, sender)
	ctx := context.Background()

	_, err := svc.SendCommand(ctx, "esp-1", RawCommand{Command: "reboot"})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	_, _, err = svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "esp-1"}}, SourceAPI)
	require.NoError(t, err)

	_, err = svc.SendCommand(ctx, "esp-1", RawCommand{})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	res, err := svc.SendCommand(ctx, "esp-1", RawCommand{RelayID: "3", Command: "3:toggle"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeAcknowledged, res.Outcome)
	assert.Equal(t, "3:toggle", sender.commands[0].Payload)

	rec, err := svc.Get(ctx, "esp-1")
	require.NoError(t, err)
	assert.Empty(t, rec.Relays, "raw commands leave the record alone")
}

func TestService_SendCommand_NoDispatcher(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	_, _, err := svc.Register(ctx, RegisterRequest{DeviceRef: DeviceRef{ID: "esp-1"}}, SourceAPI)
	require.NoError(t, err)

	_, err = svc.SendCommand(ctx, "esp-1", RawCommand{Command: "x"})
	assert.True(t, errors.Is(err, dispatch.ErrNoRoute))
}
