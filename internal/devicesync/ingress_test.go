package devicesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/infrastructure/mqtt"
)

// fakeSubscriber keeps handlers by topic pattern.
type fakeSubscriber struct {
	handlers map[string]mqtt.MessageHandler
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = h
	return nil
}

type fakeAcker struct {
	acked []string
}

func (a *fakeAcker) Ack(deviceID, commandID string) bool {
	a.acked = append(a.acked, deviceID+"/"+commandID)
	return true
}

func boundIngress(t *testing.T) (*Service, *fakeSubscriber, *fakeAcker) {
	t.Helper()
	svc := newTestService(t, nil)
	acker := &fakeAcker{}
	sub := &fakeSubscriber{}
	require.NoError(t, NewMQTTIngress(svc, acker, 1).Bind(sub))
	require.Len(t, sub.handlers, 3)
	return svc, sub, acker
}

func TestIngress_Register(t *testing.T) {
	svc, sub, _ := boundIngress(t)
	h := sub.handlers[mqtt.Topics{}.AllRegister()]

	require.NoError(t, h("relayhub/register/esp-1", []byte(`{"relays":[{"relayId":1,"name":"Pump"}]}`)))
	rec, err := svc.Get(context.Background(), "esp-1")
	require.NoError(t, err)
	require.Len(t, rec.Relays, 1)
	assert.Equal(t, "Pump", rec.Relays[0].Name)

	assert.ErrorIs(t, h("relayhub/register/esp-2", []byte(`{"chipId":"esp-3"}`)), ErrInvalidPayload)
	assert.NoError(t, h("relayhub/register/esp-2", nil), "an empty body registers with defaults")
}

func TestIngress_Telemetry(t *testing.T) {
	svc, sub, _ := boundIngress(t)
	h := sub.handlers[mqtt.Topics{}.AllTelemetry()]

	require.NoError(t, h("relayhub/telemetry/esp-1", []byte(`{"relayId":"1","status":true}`)))
	rec, err := svc.Get(context.Background(), "esp-1")
	require.NoError(t, err)
	rl, ok := rec.Relay("1")
	require.True(t, ok)
	on, _ := rl.Value.AsBool()
	assert.True(t, on)

	assert.ErrorIs(t, h("relayhub/telemetry/esp-1", []byte(`{"name":"x"}`)), ErrInvalidPayload)
	assert.ErrorIs(t, h("relayhub/telemetry/esp-1", []byte(`{"relayId":"1","value":"loud"}`)), ErrInvalidPayload)
	assert.ErrorIs(t, h("relayhub/telemetry", []byte(`{"status":true}`)), ErrInvalidPayload)
}

func TestIngress_TelemetryRejectedLeavesRecord(t *testing.T) {
	svc, sub, _ := boundIngress(t)
	h := sub.handlers[mqtt.Topics{}.AllTelemetry()]

	require.NoError(t, h("relayhub/telemetry/esp-1", []byte(`{"relayId":"1","controlType":"slider","value":10}`)))
	err := h("relayhub/telemetry/esp-1", []byte(`{"relayId":"1","value":999}`))
	assert.ErrorIs(t, err, device.ErrInvalidChannelState)

	rec, err := svc.Get(context.Background(), "esp-1")
	require.NoError(t, err)
	lvl, _ := rec.Relays[0].Value.AsLevel()
	assert.Equal(t, 10, lvl)
}

func TestIngress_Ack(t *testing.T) {
	_, sub, acker := boundIngress(t)
	h := sub.handlers[mqtt.Topics{}.AllAcks()]

	require.NoError(t, h("relayhub/ack/esp-1", []byte(`{"commandId":"c-1"}`)))
	assert.Equal(t, []string{"esp-1/c-1"}, acker.acked)

	assert.ErrorIs(t, h("relayhub/ack/esp-1", []byte(`{}`)), ErrInvalidPayload)
}
