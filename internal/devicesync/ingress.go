package devicesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
	"github.com/nerrad567/relayhub/internal/infrastructure/mqtt"
)

// handlerTimeout bounds one inbound message, registry write included.
const handlerTimeout = 5 * time.Second

// Subscriber is the part of the MQTT client the ingress needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Acker completes pending commands.
type Acker interface {
	Ack(deviceID, commandID string) bool
}

// MQTTIngress turns device messages on the broker into service calls.
type MQTTIngress struct {
	svc     *Service
	acker   Acker
	qos     byte
	metrics *metrics.Metrics
	logger  Logger
}

// NewMQTTIngress creates the ingress. acker may be nil when dispatch is
// disabled; acks are then ignored.
func NewMQTTIngress(svc *Service, acker Acker, qos byte) *MQTTIngress {
	return &MQTTIngress{svc: svc, acker: acker, qos: qos, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (in *MQTTIngress) SetLogger(l Logger) { in.logger = l }

// SetMetrics sets the collectors used to count messages.
func (in *MQTTIngress) SetMetrics(m *metrics.Metrics) { in.metrics = m }

// Bind subscribes to the register, telemetry and ack topics of every device.
func (in *MQTTIngress) Bind(sub Subscriber) error {
	t := mqtt.Topics{}
	for _, s := range []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{t.AllRegister(), in.handleRegister},
		{t.AllTelemetry(), in.handleTelemetry},
		{t.AllAcks(), in.handleAck},
	} {
		if err := sub.Subscribe(s.topic, in.qos, s.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.topic, err)
		}
	}
	return nil
}

func (in *MQTTIngress) handleRegister(topic string, payload []byte) error {
	in.metrics.MQTTMessage("register")
	id, err := deviceFromTopic(topic)
	if err != nil {
		return err
	}

	req, err := ParseRegister(payload)
	if err != nil {
		return err
	}
	if other := req.Resolve(); other != "" && other != id {
		return fmt.Errorf("%w: payload id %q does not match topic id %q", ErrInvalidPayload, other, id)
	}
	req.ID = id

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	_, created, err := in.svc.Register(ctx, req, SourceMQTT)
	if err != nil {
		return err
	}
	in.logger.Debug("device registered over mqtt", "device_id", id, "created", created)
	return nil
}

func (in *MQTTIngress) handleTelemetry(topic string, payload []byte) error {
	in.metrics.MQTTMessage("telemetry")
	id, err := deviceFromTopic(topic)
	if err != nil {
		return err
	}

	other, u, err := ParseChannelUpdate(payload)
	if err != nil {
		return err
	}
	if other != "" && other != id {
		return fmt.Errorf("%w: payload id %q does not match topic id %q", ErrInvalidPayload, other, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	_, err = in.svc.ApplyTelemetry(ctx, id, u, SourceMQTT)
	return err
}

func (in *MQTTIngress) handleAck(topic string, payload []byte) error {
	in.metrics.MQTTMessage("ack")
	id, err := deviceFromTopic(topic)
	if err != nil {
		return err
	}

	var ack AckMessage
	if err := json.Unmarshal(payload, &ack); err != nil || ack.CommandID == "" {
		return fmt.Errorf("%w: ack without commandId", ErrInvalidPayload)
	}
	if in.acker == nil || !in.acker.Ack(id, ack.CommandID) {
		in.logger.Debug("ack for unknown command", "device_id", id, "command_id", ack.CommandID)
	}
	return nil
}

func deviceFromTopic(topic string) (string, error) {
	id, ok := mqtt.DeviceID(topic)
	if !ok {
		return "", fmt.Errorf("%w: no device id in topic %q", ErrInvalidPayload, topic)
	}
	return id, nil
}
