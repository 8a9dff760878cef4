// Package mqtt implements [bus.Bus] on an MQTT broker using the Eclipse Paho
// client.
//
// The client reconnects on its own. Subscriptions are remembered and
// re-issued after every (re)connect, and an optional OnConnect hook runs once
// they are in place, which is where presence messages are published.
//
// Typical usage:
//
//	b, err := mqtt.Dial(ctx, mqtt.Config{
//	    Broker: "tcp://localhost:1883",
//	    Will:   &mqtt.Will{Topic: "murmur/tts/status", Payload: offline, Retain: true},
//	})
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/observe"
)

var _ bus.Bus = (*Bus)(nil)

const (
	defaultKeepAlive      = 30 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultMaxReconnect   = 10 * time.Second
	disconnectQuiesceMs   = 250
)

// Will is the last-will message the broker publishes when the connection is
// lost uncleanly.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Config configures the broker connection.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883" or
	// "ssl://broker:8883". Required.
	Broker string

	// ClientID identifies the session. Empty generates "<prefix>-<uuid>".
	ClientID string

	// ClientIDPrefix is used for generated client ids. Default: "murmur".
	ClientIDPrefix string

	Username string
	Password string

	// TLS, if non-nil, is used for ssl:// and wss:// brokers.
	TLS *tls.Config

	// KeepAlive is the MQTT keep-alive interval. Default: 30s.
	KeepAlive time.Duration

	// ConnectTimeout bounds the initial connect in Dial. The client keeps
	// retrying in the background afterwards. Default: 5s.
	ConnectTimeout time.Duration

	// Will, if non-nil, is registered as the last will.
	Will *Will

	// OnConnect runs after every successful (re)connect, once subscriptions
	// have been re-issued. It runs on its own goroutine.
	OnConnect func(context.Context, bus.Bus)
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	var errs []error
	if c.Broker == "" {
		errs = append(errs, errors.New("mqtt: broker is required"))
	} else if !strings.Contains(c.Broker, "://") {
		errs = append(errs, fmt.Errorf("mqtt: broker %q must include a scheme (tcp://, ssl://, ws://)", c.Broker))
	}
	if c.Will != nil && c.Will.Topic == "" {
		errs = append(errs, errors.New("mqtt: will topic is required"))
	}
	return errors.Join(errs...)
}

type subscription struct {
	filter string
	qos    byte
	h      bus.Handler
}

// Bus is a broker-backed message channel.
type Bus struct {
	cfg     Config
	client  paho.Client
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []subscription
	closed bool
}

// Option configures a [Bus].
type Option func(*Bus)

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Dial connects to the broker. If the broker is not reachable within
// ConnectTimeout, Dial logs a warning and returns a Bus that keeps retrying;
// [Bus.Connected] reports false until it succeeds.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "murmur"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.ClientIDPrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	b := &Bus{cfg: cfg, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	po := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(defaultMaxReconnect).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			slog.Warn("mqtt: connection lost", "broker", cfg.Broker, "err", err)
		})
	if cfg.Username != "" {
		po.SetUsername(cfg.Username)
		po.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		po.SetTLSConfig(cfg.TLS)
	}
	if w := cfg.Will; w != nil {
		po.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}
	b.client = paho.NewClient(po)

	tok := b.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			b.cancel()
			return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
		}
	case <-time.After(cfg.ConnectTimeout):
		slog.Warn("mqtt: broker not reachable yet, retrying in background", "broker", cfg.Broker)
	case <-ctx.Done():
		b.client.Disconnect(0)
		b.cancel()
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, ctx.Err())
	}
	slog.Info("mqtt: client ready", "broker", cfg.Broker, "client_id", cfg.ClientID, "connected", b.Connected())
	return b, nil
}

// onConnect re-issues subscriptions and runs the user hook. Paho calls it on
// its network goroutine, so the work is moved off it.
func (b *Bus) onConnect(c paho.Client) {
	slog.Info("mqtt: connected", "broker", b.cfg.Broker)
	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	go func() {
		for _, s := range subs {
			if err := b.wait(b.ctx, c.Subscribe(s.filter, s.qos, b.deliver(s.h))); err != nil {
				slog.Warn("mqtt: resubscribe failed", "filter", s.filter, "err", err)
			}
		}
		if b.cfg.OnConnect != nil {
			b.cfg.OnConnect(b.ctx, b)
		}
	}()
}

func (b *Bus) deliver(h bus.Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		h(bus.Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
	}
}

func (b *Bus) wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected implements [bus.Bus].
func (b *Bus) Connected() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	return !closed && b.client.IsConnectionOpen()
}

// Publish implements [bus.Bus].
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, opts ...bus.PublishOption) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	if !b.client.IsConnectionOpen() {
		b.metrics.RecordBusError(ctx, topic)
		return bus.ErrNotConnected
	}
	o := bus.ApplyOptions(opts...)
	if err := b.wait(ctx, b.client.Publish(topic, o.QoS, o.Retain, payload)); err != nil {
		b.metrics.RecordBusError(ctx, topic)
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements [bus.Bus]. While disconnected the subscription is
// recorded and issued on the next connect.
func (b *Bus) Subscribe(filter string, qos byte, h bus.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	b.subs = append(b.subs, subscription{filter: filter, qos: qos, h: h})
	b.mu.Unlock()

	if !b.client.IsConnectionOpen() {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := b.wait(ctx, b.client.Subscribe(filter, qos, b.deliver(h))); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", filter, err)
	}
	return nil
}

// Close disconnects cleanly, so the last will is not published.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.client.Disconnect(disconnectQuiesceMs)
	return nil
}
