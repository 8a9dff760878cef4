package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/observe"
)

// ErrNoReply is returned by [BusResponder.Respond] when no reply arrived
// within the reply timeout.
var ErrNoReply = errors.New("app: no reply")

// Turn is one recognised user utterance handed to a [Responder].
type Turn struct {
	// Conversation identifies the exchange the turn belongs to. A new id is
	// issued on every wake, so responders keeping history start afresh.
	Conversation string

	Text string

	// FollowUp is true for turns recorded in the follow-up window.
	FollowUp bool
}

// Responder produces the reply spoken for a turn. An empty reply is not
// spoken.
type Responder interface {
	Respond(ctx context.Context, turn Turn) (string, error)
}

// ResponderFunc adapts a function to [Responder].
type ResponderFunc func(ctx context.Context, turn Turn) (string, error)

// Respond implements [Responder].
func (f ResponderFunc) Respond(ctx context.Context, turn Turn) (string, error) {
	return f(ctx, turn)
}

// utteranceMsg is published on <topic>/utterance.
type utteranceMsg struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Text         string `json:"text"`
	FollowUp     bool   `json:"followup,omitempty"`
}

// replyMsg is expected on <topic>/reply.
type replyMsg struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// BusResponder hands turns to an external dialogue service over the message
// channel: each turn goes out on <topic>/utterance and the answer with the
// same id is awaited on <topic>/reply.
type BusResponder struct {
	bus     bus.Bus
	topic   string
	timeout time.Duration
	metrics *observe.Metrics
	newID   func() string

	mu      sync.Mutex
	pending map[string]chan replyMsg
}

var _ Responder = (*BusResponder)(nil)

// NewBusResponder returns a responder publishing under topic. Call
// [BusResponder.Start] before the first turn.
func NewBusResponder(b bus.Bus, topic string, timeout time.Duration) *BusResponder {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BusResponder{
		bus:     b,
		topic:   strings.TrimSuffix(topic, "/"),
		timeout: timeout,
		metrics: observe.DefaultMetrics(),
		newID:   uuid.NewString,
		pending: make(map[string]chan replyMsg),
	}
}

// UtteranceTopic is the topic turns are published on.
func (r *BusResponder) UtteranceTopic() string { return r.topic + "/utterance" }

// ReplyTopic is the topic replies are read from.
func (r *BusResponder) ReplyTopic() string { return r.topic + "/reply" }

// Start subscribes to the reply topic.
func (r *BusResponder) Start() error {
	if err := r.bus.Subscribe(r.ReplyTopic(), 1, r.handleReply); err != nil {
		return fmt.Errorf("app: subscribe %s: %w", r.ReplyTopic(), err)
	}
	return nil
}

func (r *BusResponder) handleReply(msg bus.Message) {
	var rep replyMsg
	if err := json.Unmarshal(msg.Payload, &rep); err != nil || rep.ID == "" {
		slog.Debug("app: ignoring malformed reply", "topic", msg.Topic, "err", err)
		return
	}
	r.mu.Lock()
	ch, ok := r.pending[rep.ID]
	if ok {
		delete(r.pending, rep.ID)
	}
	r.mu.Unlock()
	if !ok {
		// Duplicate delivery or a reply to a turn that timed out.
		return
	}
	ch <- rep
}

// Respond implements [Responder].
func (r *BusResponder) Respond(ctx context.Context, turn Turn) (string, error) {
	id := r.newID()
	payload, err := json.Marshal(utteranceMsg{
		ID:           id,
		Conversation: turn.Conversation,
		Text:         turn.Text,
		FollowUp:     turn.FollowUp,
	})
	if err != nil {
		return "", fmt.Errorf("app: encode utterance: %w", err)
	}

	ch := make(chan replyMsg, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if err := r.bus.Publish(ctx, r.UtteranceTopic(), payload, bus.WithQoS(1)); err != nil {
		r.metrics.RecordBusError(ctx, r.UtteranceTopic())
		return "", fmt.Errorf("app: publish utterance: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case rep := <-ch:
		if rep.Error != "" {
			return "", fmt.Errorf("app: responder: %s", rep.Error)
		}
		return strings.TrimSpace(rep.Text), nil
	case <-timer.C:
		return "", fmt.Errorf("%w after %s", ErrNoReply, r.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
