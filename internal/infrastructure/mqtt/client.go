package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/relayhub/internal/infrastructure/config"
)

// Client is the hub's connection to the device bus.
//
// Devices publish telemetry and acknowledgements to it, and the hub
// publishes commands and retained state back. The client reconnects on its
// own with exponential backoff and re-subscribes every tracked topic after
// each reconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handlers run on paho's router goroutine, one message at a time.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	clientID string

	connected atomic.Bool

	// subscriptions is replayed on every reconnect, keyed by topic filter.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// hooks guards the optional callbacks and logger.
	hooks        sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is the subset of logging.Logger the client writes to.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler processes one message from the bus.
//
// Parameters:
//   - topic: The concrete topic, e.g. "relayhub/telemetry/esp32-01"
//   - payload: The raw message body, JSON for every relayhub topic
//
// Returns:
//   - error: Logged at warn level; the message is not redelivered
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and blocks until the first connection succeeds
// or the connect timeout passes.
//
// The broker holds a retained "offline" will for the hub, replaced by a
// retained "online" status on every (re)connect.
//
// Parameters:
//   - cfg: Broker address, credentials, QoS and reconnect bounds
//
// Returns:
//   - *Client: A connected client
//   - error: ErrConnectionFailed wrapping the broker or timeout error
func Connect(cfg config.MQTTConfig) (*Client, error) {
	id := clientID(cfg)
	c := &Client{
		cfg:           cfg,
		clientID:      id,
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg, id)
	configureLWT(opts, id)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onLinkUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onLinkDown(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logWarn("MQTT reconnecting", "client_id", id)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// onLinkUp may still be pending; callers subscribe right after Connect.
	c.connected.Store(true)
	return c, nil
}

// ClientID returns the id the client connected with.
func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) onLinkUp() {
	c.connected.Store(true)
	c.resubscribe()
	c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, buildStatusPayload("online", c.clientID, ""))

	c.hooks.RLock()
	cb := c.onConnect
	c.hooks.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) onLinkDown(err error) {
	c.connected.Store(false)

	c.hooks.RLock()
	cb := c.onDisconnect
	c.hooks.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// resubscribe replays every tracked subscription. Failures are logged once
// the broker answers; the next reconnect tries again.
func (c *Client) resubscribe() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		token := c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
		go func(topic string) {
			<-token.Done()
			if err := token.Error(); err != nil {
				c.logWarn("MQTT resubscribe failed", "topic", topic, "error", err)
			}
		}(sub.topic)
	}
}

// Close replaces the retained status with a graceful "offline" and
// disconnects.
//
// Returns:
//   - error: Always nil; a client that never connected closes cleanly
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
			buildStatusPayload("offline", c.clientID, "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports whether the broker link is up.
//
// Parameters:
//   - ctx: Checked for cancellation only
//
// Returns:
//   - error: nil when connected, ErrNotConnected or the context error otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known link state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.connected.Load() && c.client.IsConnected()
}

// SetOnConnect sets a callback run after the initial connect and every
// reconnect, once subscriptions have been replayed.
func (c *Client) SetOnConnect(callback func()) {
	c.hooks.Lock()
	c.onConnect = callback
	c.hooks.Unlock()
}

// SetOnDisconnect sets a callback run when the link drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hooks.Lock()
	c.onDisconnect = callback
	c.hooks.Unlock()
}

// SetLogger sets where handler errors and recovered panics are reported.
// Without one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.hooks.Lock()
	c.logger = logger
	c.hooks.Unlock()
}

func (c *Client) logWarn(msg string, args ...any) {
	c.hooks.RLock()
	l := c.logger
	c.hooks.RUnlock()
	if l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	c.hooks.RLock()
	l := c.logger
	c.hooks.RUnlock()
	if l != nil {
		l.Error(msg, args...)
	}
}

// wrapHandler adapts a MessageHandler to paho, recovering panics so one bad
// payload cannot stop the router goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logError("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logWarn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
