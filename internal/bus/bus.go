// Package bus defines the publish/subscribe message channel the speech
// client and the speech engine talk over.
//
// Delivery is at-least-once: handlers must tolerate duplicates. Topic filters
// use MQTT syntax, where "+" matches one level and "#" matches the rest.
// Two implementations exist: [memory.Bus] for tests and single-process
// wiring, and [mqtt.Bus] for a broker.
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned by Publish while the channel is down.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// Message is one delivered publication.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler receives messages for a subscription. Handlers may be called
// concurrently and may publish.
type Handler func(Message)

// Bus is a publish/subscribe channel.
type Bus interface {
	// Publish sends payload on topic and returns once the channel has
	// accepted it or ctx ends.
	Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error

	// Subscribe registers h for every topic matching filter. Subscriptions
	// survive reconnects.
	Subscribe(filter string, qos byte, h Handler) error

	// Connected reports whether publications can currently be delivered.
	Connected() bool

	// Close releases the channel. Further calls return ErrClosed.
	Close() error
}

// PublishOptions holds the settings applied by [PublishOption] values.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// PublishOption configures a single publication.
type PublishOption func(*PublishOptions)

// WithQoS sets the delivery guarantee (0, 1 or 2).
func WithQoS(qos byte) PublishOption {
	return func(o *PublishOptions) { o.QoS = min(qos, 2) }
}

// WithRetain asks the channel to keep the message for late subscribers.
func WithRetain() PublishOption {
	return func(o *PublishOptions) { o.Retain = true }
}

// ApplyOptions folds opts into a PublishOptions value.
func ApplyOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Match reports whether topic matches the MQTT-style filter.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
