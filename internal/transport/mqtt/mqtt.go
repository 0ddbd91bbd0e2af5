package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pawpulse-live/internal/telemetry"
)

const poll = 200 * time.Millisecond

// Transport carries the pet stream over an MQTT broker. Each pet publishes to
// <prefix>/<pet_id>/<event>; subscribing a pet subscribes <prefix>/<pet_id>/+.
type Transport struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

// Dial connects a fresh client. Reconnection is left to the caller, so paho's
// own retry loop is off.
func (t *Transport) Dial(ctx context.Context, h telemetry.Handlers) (telemetry.Conn, error) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &conn{
		prefix:   strings.Trim(t.TopicPrefix, "/"),
		qos:      t.QoS,
		handlers: h,
		logger:   logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", t.Broker, t.Port))
	opts.SetClientID(t.ClientID)

	// Session settings
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
		c.lost(err)
	})

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s:%d: %w", t.Broker, t.Port, err)
	}
	logger.Info("mqtt connected", "broker", t.Broker, "port", t.Port, "client_id", t.ClientID)
	return c, nil
}

type conn struct {
	client   mqtt.Client
	prefix   string
	qos      byte
	handlers telemetry.Handlers
	logger   *slog.Logger

	// paho runs message callbacks on its own goroutines; mu keeps OnEvent
	// calls serial and ordered after the close flag.
	mu     sync.Mutex
	closed bool
}

func (c *conn) Send(ctx context.Context, cmd telemetry.Command) error {
	if err := cmd.EntityID.Validate(); err != nil {
		return fmt.Errorf("%s: %w", cmd.Op, err)
	}
	filter := Filter(c.prefix, cmd.EntityID)
	var token mqtt.Token
	switch cmd.Op {
	case telemetry.OpSubscribe:
		token = c.client.Subscribe(filter, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
			c.handleMessage(msg.Topic(), msg.Payload())
		})
	case telemetry.OpUnsubscribe:
		token = c.client.Unsubscribe(filter)
	default:
		return fmt.Errorf("unsupported command %q", cmd.Op)
	}
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%s %s: %w", cmd.Op, filter, err)
	}
	c.logger.Debug("mqtt command", "op", cmd.Op, "topic", filter)
	return nil
}

// Close disconnects without calling OnClose.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Disconnect(250)
	return nil
}

func (c *conn) lost(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.handlers.OnClose != nil {
		c.handlers.OnClose(err)
	}
}

func (c *conn) handleMessage(topic string, payload []byte) {
	_, event, ok := ParseTopic(c.prefix, topic)
	if !ok {
		c.logger.Debug("ignoring mqtt message", "topic", topic)
		return
	}
	c.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.handlers.OnEvent == nil {
		return
	}
	c.handlers.OnEvent(telemetry.Event{Name: event, Payload: payload})
}

// Filter is the subscription filter for one pet.
func Filter(prefix string, id telemetry.EntityID) string {
	return Topic(prefix, id, "+")
}

// Topic is the topic a pet's event is published on.
func Topic(prefix string, id telemetry.EntityID, event string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return string(id) + "/" + event
	}
	return prefix + "/" + string(id) + "/" + event
}

// ParseTopic splits <prefix>/<pet_id>/<event>.
func ParseTopic(prefix, topic string) (telemetry.EntityID, string, bool) {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		rest, ok := strings.CutPrefix(topic, prefix+"/")
		if !ok {
			return "", "", false
		}
		topic = rest
	}
	id, event, ok := strings.Cut(topic, "/")
	if !ok || id == "" || event == "" || strings.Contains(event, "/") {
		return "", "", false
	}
	return telemetry.EntityID(id), event, true
}

// waitToken waits in a ctx-aware loop.
func waitToken(ctx context.Context, token mqtt.Token) error {
	for {
		if token.WaitTimeout(poll) {
			return token.Error()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
