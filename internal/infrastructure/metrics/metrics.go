// Package metrics holds relayhub's Prometheus collectors.
//
// Collectors live on a private registry rather than the global default, so
// tests and multiple servers in one process never collide on registration.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayhub"

// Registry operation results.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultInvalid  = "invalid"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Metrics bundles every collector the hub exports.
type Metrics struct {
	registry *prometheus.Registry

	registryOps     *prometheus.CounterVec
	devices         prometheus.Gauge
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	wsSessions      *prometheus.GaugeVec
	mqttMessages    *prometheus.CounterVec
	mirrorDropped   prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry operations by operation and result.",
		}, []string{"op", "result"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices",
			Help:      "Devices currently held by the registry.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Dispatched commands by transport and outcome.",
		}, []string{"transport", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Time from send to acknowledgement or timeout.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"transport"}),
		wsSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "sessions",
			Help:      "Open WebSocket sessions by kind.",
		}, []string{"kind"}),
		mqttMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_total",
			Help:      "Inbound MQTT messages by kind.",
		}, []string{"kind"}),
		mirrorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "state_dropped_total",
			Help:      "State mirror changes dropped because the backlog was full.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registryOps,
		m.devices,
		m.dispatches,
		m.dispatchLatency,
		m.wsSessions,
		m.mqttMessages,
		m.mirrorDropped,
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegistryOp counts one registry operation. Nil receivers are ignored so
// callers can run without metrics.
func (m *Metrics) RegistryOp(op, result string) {
	if m == nil {
		return
	}
	m.registryOps.WithLabelValues(op, result).Inc()
}

// SetDevices records the current device count.
func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}

// Dispatch records one dispatch outcome.
func (m *Metrics) Dispatch(transport, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(transport, outcome).Inc()
	m.dispatchLatency.WithLabelValues(transport).Observe(latency.Seconds())
}

// SessionOpened and SessionClosed track WebSocket sessions of kind
// "device" or "observer".
func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.wsSessions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.wsSessions.WithLabelValues(kind).Dec()
}

// MQTTMessage counts one inbound MQTT message of kind register, telemetry or ack.
func (m *Metrics) MQTTMessage(kind string) {
	if m == nil {
		return
	}
	m.mqttMessages.WithLabelValues(kind).Inc()
}

// MirrorDropped counts one dropped state mirror message.
func (m *Metrics) MirrorDropped() {
	if m == nil {
		return
	}
	m.mirrorDropped.Inc()
}

// ResultFor maps an error to a result label using the supplied sentinel
// classes. Errors matching none of them are ResultError.
func ResultFor(err error, notFound, invalid, conflict []error) string {
	if err == nil {
		return ResultOK
	}
	for _, class := range []struct {
		errs  []error
		label string
	}{
		{notFound, ResultNotFound},
		{invalid, ResultInvalid},
		{conflict, ResultConflict},
	} {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.label
			}
		}
	}
	return ResultError
}
