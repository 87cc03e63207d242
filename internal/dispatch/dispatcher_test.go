package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
)

// fakeTransport records deliveries and optionally acks them.
type fakeTransport struct {
	name string
	err  error
	// onDeliver runs after a successful delivery, e.g. to ack.
	onDeliver func(Command)

	mu        sync.Mutex
	delivered []Command
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Deliver(_ context.Context, cmd Command) error {
	f.mu.Lock()
	f.delivered = append(f.delivered, cmd)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.onDeliver != nil {
		f.onDeliver(cmd)
	}
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

// staticResolver always resolves to t, or to nothing when t is nil.
type staticResolver struct{ t Transport }

func (r staticResolver) Resolve(string) (Transport, bool) {
	if r.t == nil {
		return nil, false
	}
	return r.t, true
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []string
}

func (s *recordingSink) WriteDispatchOutcome(_, _, outcome string, _ int, _ time.Duration) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, outcome)
	s.mu.Unlock()
}

func TestSend_Acknowledged(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	d := New(staticResolver{tr}, time.Second)
	tr.onDeliver = func(cmd Command) {
		assert.True(t, d.Ack(cmd.DeviceID, cmd.ID))
	}
	m := metrics.New()
	d.SetMetrics(m)
	sink := &recordingSink{}
	d.SetSink(sink)

	res := d.Send(context.Background(), Command{DeviceID: "esp-1", ChannelID: "1", Payload: "1:on"})

	assert.Equal(t, OutcomeAcknowledged, res.Outcome)
	assert.Equal(t, "websocket", res.Transport)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.CommandID)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, []string{"acknowledged"}, sink.outcomes)

	n, err := testutil.GatherAndCount(m.Registry(), "relayhub_dispatch_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSend_Timeout(t *testing.T) {
	tr := &fakeTransport{name: "mqtt"}
	d := New(staticResolver{tr}, 30*time.Millisecond)

	res := d.Send(context.Background(), Command{DeviceID: "esp-1", Payload: "on"})

	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, res.Latency, 30*time.Millisecond)
	assert.Equal(t, 1, tr.count())
	assert.Equal(t, 0, d.Pending(), "timed out command still pending")

	// A late ack finds nothing to complete.
	assert.False(t, d.Ack("esp-1", res.CommandID))
}

func TestSend_Unreachable(t *testing.T) {
	d := New(staticResolver{}, time.Second)
	res := d.Send(context.Background(), Command{DeviceID: "esp-1", Payload: "on"})
	assert.Equal(t, OutcomeUnreachable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrNoRoute)
	assert.Empty(t, res.Transport)

	tr := &fakeTransport{name: "mqtt", err: ErrTransportDown}
	d = New(staticResolver{tr}, time.Second)
	res = d.Send(context.Background(), Command{DeviceID: "esp-1", Payload: "on"})
	assert.Equal(t, OutcomeUnreachable, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrTransportDown)
	assert.Equal(t, "mqtt", res.Transport)
	assert.Equal(t, 0, d.Pending())
}

func TestSend_ContextCancelled(t *testing.T) {
	tr := &fakeTransport{name: "mqtt"}
	d := New(staticResolver{tr}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	tr.onDeliver = func(Command) { cancel() }

	res := d.Send(ctx, Command{DeviceID: "esp-1", Payload: "on"})
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestAck_WrongDevice(t *testing.T) {
	tr := &fakeTransport{name: "mqtt"}
	d := New(staticResolver{tr}, 50*time.Millisecond)
	tr.onDeliver = func(cmd Command) {
		assert.False(t, d.Ack("someone-else", cmd.ID))
	}

	res := d.Send(context.Background(), Command{DeviceID: "esp-1", Payload: "on"})
	assert.Equal(t, OutcomeTimeout, res.Outcome)
}

func TestSend_KeepsCallerCommandID(t *testing.T) {
	tr := &fakeTransport{name: "mqtt"}
	d := New(staticResolver{tr}, time.Second)
	tr.onDeliver = func(cmd Command) { d.Ack(cmd.DeviceID, cmd.ID) }

	res := d.Send(context.Background(), Command{ID: "cmd-42", DeviceID: "esp-1", Payload: "on"})
	assert.Equal(t, "cmd-42", res.CommandID)
	assert.Equal(t, OutcomeAcknowledged, res.Outcome)
}

// scriptedSender returns the scripted outcomes in order.
type scriptedSender struct {
	outcomes []Outcome
	calls    int
	ids      []string
}

func (s *scriptedSender) Send(_ context.Context, cmd Command) Result {
	s.ids = append(s.ids, cmd.ID)
	o := s.outcomes[min(s.calls, len(s.outcomes)-1)]
	s.calls++
	id := cmd.ID
	if id == "" {
		id = "generated"
	}
	return Result{CommandID: id, Outcome: o, Attempts: 1}
}

func TestSendWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		outcomes  []Outcome
		retries   int
		want      Outcome
		wantCalls int
	}{
		{"ack first time", []Outcome{OutcomeAcknowledged}, 3, OutcomeAcknowledged, 1},
		{"unreachable then ack", []Outcome{OutcomeUnreachable, OutcomeAcknowledged}, 3, OutcomeAcknowledged, 2},
		{"unreachable exhausts retries", []Outcome{OutcomeUnreachable}, 2, OutcomeUnreachable, 3},
		{"no retries configured", []Outcome{OutcomeUnreachable}, 0, OutcomeUnreachable, 1},
		{"timeout is not retried", []Outcome{OutcomeTimeout}, 3, OutcomeTimeout, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedSender{outcomes: tt.outcomes}
			res := SendWithRetry(context.Background(), s, Command{DeviceID: "esp-1"}, tt.retries)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.wantCalls, s.calls)
			assert.Equal(t, tt.wantCalls, res.Attempts)
		})
	}
}

func TestSendWithRetry_ReusesCommandID(t *testing.T) {
	s := &scriptedSender{outcomes: []Outcome{OutcomeUnreachable, OutcomeUnreachable, OutcomeAcknowledged}}
	SendWithRetry(context.Background(), s, Command{DeviceID: "esp-1"}, 5)
	require.Len(t, s.ids, 3)
	assert.Equal(t, "", s.ids[0])
	assert.Equal(t, "generated", s.ids[1])
	assert.Equal(t, "generated", s.ids[2])
}

// fakePublisher implements Publisher.
type fakePublisher struct {
	connected bool
	err       error
	topics    []string
	payloads  []any
}

func (p *fakePublisher) PublishJSON(topic string, v any, _ bool) error {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, v)
	return p.err
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func TestMQTTTransport(t *testing.T) {
	pub := &fakePublisher{connected: true}
	tr := NewMQTTTransport(pub)

	require.NoError(t, tr.Deliver(context.Background(), Command{ID: "c1", DeviceID: "esp-1", Payload: "1:on"}))
	assert.Equal(t, []string{"relayhub/command/esp-1"}, pub.topics)

	pub.err = errors.New("broker said no")
	assert.Error(t, tr.Deliver(context.Background(), Command{DeviceID: "esp-1"}))

	pub.connected = false
	assert.ErrorIs(t, tr.Deliver(context.Background(), Command{DeviceID: "esp-1"}), ErrTransportDown)

	var nilTransport *MQTTTransport
	assert.False(t, nilTransport.Available())
}

type mapSessions map[string]Transport

func (m mapSessions) Session(id string) (Transport, bool) {
	t, ok := m[id]
	return t, ok
}

func TestRouteResolver(t *testing.T) {
	ws := &fakeTransport{name: TransportWebSocket}
	pub := &fakePublisher{connected: true}
	r := NewRouteResolver(mapSessions{"esp-ws": ws}, NewMQTTTransport(pub))

	tr, ok := r.Resolve("esp-ws")
	require.True(t, ok)
	assert.Equal(t, TransportWebSocket, tr.Name())

	tr, ok = r.Resolve("esp-other")
	require.True(t, ok)
	assert.Equal(t, TransportMQTT, tr.Name())

	pub.connected = false
	_, ok = r.Resolve("esp-other")
	assert.False(t, ok)

	_, ok = NewRouteResolver(nil, nil).Resolve("esp-ws")
	assert.False(t, ok)
}
