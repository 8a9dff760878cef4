// Package statusfeed streams speech status messages to WebSocket clients.
//
// A [Feed] subscribes to the status topic and fans every message out to the
// connected clients as one JSON text frame. New clients first receive the
// most recent messages so a dashboard opened mid-turn is not blank. Slow
// clients lose frames rather than holding up the bus.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/speech"
)

const (
	defaultHistory  = 32
	defaultBuffer   = 64
	defaultWriteTTL = 5 * time.Second
)

// Event is one frame sent to clients.
type Event struct {
	Topic    string       `json:"topic"`
	State    speech.State `json:"state"`
	ID       string       `json:"id,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Retained bool         `json:"retained,omitempty"`
	Time     time.Time    `json:"time"`
}

// Option configures a [Feed].
type Option func(*Feed)

// WithHistory sets how many recent events a new client receives.
func WithHistory(n int) Option {
	return func(f *Feed) {
		if n >= 0 {
			f.historyCap = n
		}
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// WithOriginPatterns allows cross-origin clients matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(f *Feed) { f.origins = patterns }
}

type subscriber struct {
	ch chan []byte
}

// Feed is a status fan-out hub. It implements [http.Handler].
type Feed struct {
	historyCap int
	now        func() time.Time
	origins    []string

	mu      sync.Mutex
	history [][]byte
	subs    map[*subscriber]struct{}
	dropped int
}

var _ http.Handler = (*Feed)(nil)

// New returns an empty Feed.
func New(opts ...Option) *Feed {
	f := &Feed{
		historyCap: defaultHistory,
		now:        time.Now,
		subs:       make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Attach subscribes the feed to the status topic of b.
func (f *Feed) Attach(b bus.Bus, topics speech.Topics) error {
	return b.Subscribe(topics.Status, speech.StatusQoS, f.Publish)
}

// Publish is the bus handler. Payloads that are not status messages are
// dropped.
func (f *Feed) Publish(msg bus.Message) {
	st, err := speech.ParseStatus(msg.Payload)
	if err != nil {
		slog.Debug("statusfeed: skipping payload", "topic", msg.Topic, "err", err)
		return
	}
	frame, err := json.Marshal(Event{
		Topic:    msg.Topic,
		State:    st.State,
		ID:       st.ID,
		Reason:   st.Reason,
		Retained: msg.Retained,
		Time:     f.now().UTC(),
	})
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyCap > 0 {
		f.history = append(f.history, frame)
		if over := len(f.history) - f.historyCap; over > 0 {
			f.history = f.history[over:]
		}
	}
	for s := range f.subs {
		select {
		case s.ch <- frame:
		default:
			f.dropped++
		}
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Dropped returns how many frames were not delivered to slow clients.
func (f *Feed) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Feed) subscribe() *subscriber {
	s := &subscriber{ch: make(chan []byte, defaultBuffer+f.historyCap)}
	f.mu.Lock()
	for _, frame := range f.history {
		s.ch <- frame
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

func (f *Feed) unsubscribe(s *subscriber) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the request context ends.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: f.origins})
	if err != nil {
		slog.Warn("statusfeed: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	// Client frames are not expected; CloseRead handles control frames and
	// cancels ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	s := f.subscribe()
	defer f.unsubscribe(s)
	slog.Debug("statusfeed: client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			if !errors.Is(context.Cause(ctx), context.Canceled) {
				slog.Debug("statusfeed: client gone", "remote", r.RemoteAddr, "err", context.Cause(ctx))
			}
			return
		case frame := <-s.ch:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTTL)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("statusfeed: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}
