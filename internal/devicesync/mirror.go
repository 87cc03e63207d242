package devicesync

import (
	"context"
	"sync"

	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
	"github.com/nerrad567/relayhub/internal/infrastructure/mqtt"
)

// DefaultMirrorQueue is the number of devices the state mirror holds
// pending changes for when none is configured.
const DefaultMirrorQueue = 256

// StatePublisher is the part of the MQTT client the mirror needs.
type StatePublisher interface {
	PublishJSON(topic string, v any, retained bool) error
	PublishRetained(topic string, payload []byte) error
}

// StateMirror republishes committed records as retained messages on
// relayhub/state/{id}. A deletion clears the retained message.
//
// DeviceChanged only records the change; a single Run goroutine publishes.
// Pending changes are coalesced per device, so a device that changes
// faster than the broker accepts publishes only its latest state, and
// the retained message always ends on the last committed change. Devices
// are published in the order they first became pending. When more than
// size devices are pending, the oldest pending device is dropped and
// counted.
type StateMirror struct {
	pub  StatePublisher
	size int

	mu      sync.Mutex
	pending map[string]device.Change
	order   []string
	wake    chan struct{}

	metrics *metrics.Metrics
	logger  Logger
}

// NewStateMirror creates a mirror holding pending changes for up to size
// devices.
func NewStateMirror(pub StatePublisher, size int) *StateMirror {
	if size <= 0 {
		size = DefaultMirrorQueue
	}
	return &StateMirror{
		pub:     pub,
		size:    size,
		pending: make(map[string]device.Change, size),
		wake:    make(chan struct{}, 1),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger.
func (m *StateMirror) SetLogger(l Logger) { m.logger = l }

// SetMetrics sets the collectors used to count drops.
func (m *StateMirror) SetMetrics(mt *metrics.Metrics) { m.metrics = mt }

// DeviceChanged implements Notifier. It never blocks.
func (m *StateMirror) DeviceChanged(c device.Change) {
	m.mu.Lock()
	if _, ok := m.pending[c.DeviceID]; ok {
		m.pending[c.DeviceID] = c
		m.mu.Unlock()
		m.signal()
		return
	}

	var evicted device.Change
	var dropped bool
	if len(m.order) >= m.size {
		id := m.order[0]
		m.order = m.order[1:]
		evicted, dropped = m.pending[id], true
		delete(m.pending, id)
	}
	m.pending[c.DeviceID] = c
	m.order = append(m.order, c.DeviceID)
	m.mu.Unlock()

	if dropped {
		m.metrics.MirrorDropped()
		m.logger.Warn("state mirror backlog full, dropping oldest pending change",
			"device_id", evicted.DeviceID, "kind", evicted.Kind)
	}
	m.signal()
}

// Pending returns the number of devices waiting to be published.
func (m *StateMirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *StateMirror) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// next removes and returns the oldest pending change.
func (m *StateMirror) next() (device.Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return device.Change{}, false
	}
	id := m.order[0]
	m.order = m.order[1:]
	c := m.pending[id]
	delete(m.pending, id)
	return c, true
}

// Run publishes pending changes until ctx is cancelled.
func (m *StateMirror) Run(ctx context.Context) {
	for {
		for ctx.Err() == nil {
			c, ok := m.next()
			if !ok {
				break
			}
			m.publish(c)
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

func (m *StateMirror) publish(c device.Change) {
	topic := mqtt.Topics{}.State(c.DeviceID)

	var err error
	if c.Kind == device.ChangeDeleted {
		err = m.pub.PublishRetained(topic, nil)
	} else {
		err = m.pub.PublishJSON(topic, c.Record, true)
	}
	if err != nil {
		m.logger.Warn("state mirror publish failed", "device_id", c.DeviceID, "topic", topic, "error", err)
	}
}
