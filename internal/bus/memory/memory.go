// Package memory provides an in-process [bus.Bus]. Publications are
// delivered synchronously on the publisher's goroutine, after the bus lock
// has been released, so handlers may publish in turn.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/internal/bus"
)

var _ bus.Bus = (*Bus)(nil)

type subscription struct {
	filter string
	h      bus.Handler
}

// Bus is an in-memory message channel. The zero value is not usable; call
// [New].
type Bus struct {
	mu        sync.Mutex
	subs      []subscription
	retained  map[string][]byte
	published []bus.Message
	connected bool
	closed    bool
}

// New returns a connected Bus.
func New() *Bus {
	return &Bus{retained: make(map[string][]byte), connected: true}
}

// SetConnected simulates the channel going down or coming back.
func (b *Bus) SetConnected(on bool) {
	b.mu.Lock()
	b.connected = on
	b.mu.Unlock()
}

// Connected implements [bus.Bus].
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && !b.closed
}

// Publish implements [bus.Bus].
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, opts ...bus.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := bus.ApplyOptions(opts...)
	payload = slices.Clone(payload)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	if !b.connected {
		b.mu.Unlock()
		return bus.ErrNotConnected
	}
	if o.Retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	b.published = append(b.published, bus.Message{Topic: topic, Payload: payload, Retained: o.Retain})
	var targets []bus.Handler
	for _, s := range b.subs {
		if bus.Match(s.filter, topic) {
			targets = append(targets, s.h)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(bus.Message{Topic: topic, Payload: payload})
	}
	return nil
}

// Subscribe implements [bus.Bus]. Retained messages matching filter are
// delivered before Subscribe returns.
func (b *Bus) Subscribe(filter string, _ byte, h bus.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	b.subs = append(b.subs, subscription{filter: filter, h: h})
	var retained []bus.Message
	for topic, payload := range b.retained {
		if bus.Match(filter, topic) {
			retained = append(retained, bus.Message{Topic: topic, Payload: payload, Retained: true})
		}
	}
	b.mu.Unlock()

	slices.SortFunc(retained, func(a, b bus.Message) int {
		switch {
		case a.Topic < b.Topic:
			return -1
		case a.Topic > b.Topic:
			return 1
		}
		return 0
	})
	for _, m := range retained {
		h(m)
	}
	return nil
}

// Published returns a copy of every accepted publication, optionally
// limited to topics matching filter.
func (b *Bus) Published(filter string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Message
	for _, m := range b.published {
		if filter == "" || bus.Match(filter, m.Topic) {
			out = append(out, m)
		}
	}
	return out
}

// Retained returns the retained payload for topic, if any.
func (b *Bus) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Close implements [bus.Bus].
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	b.closed = true
	b.subs = nil
	return nil
}
