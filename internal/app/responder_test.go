package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/bus/memory"
)

type wireUtterance struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Text         string `json:"text"`
	FollowUp     bool   `json:"followup"`
}

// answerWith subscribes a fake dialogue service that replies to every
// utterance with the payloads returned by reply.
func answerWith(t *testing.T, b *memory.Bus, reply func(u wireUtterance) []map[string]string) {
	t.Helper()
	err := b.Subscribe("murmur/assistant/utterance", 1, func(msg bus.Message) {
		var u wireUtterance
		if err := json.Unmarshal(msg.Payload, &u); err != nil {
			t.Errorf("utterance payload: %v", err)
			return
		}
		for _, r := range reply(u) {
			payload, _ := json.Marshal(r)
			if err := b.Publish(context.Background(), "murmur/assistant/reply", payload); err != nil {
				t.Errorf("publish reply: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newResponder(t *testing.T, b *memory.Bus, timeout time.Duration) *app.BusResponder {
	t.Helper()
	r := app.NewBusResponder(b, "murmur/assistant", timeout)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBusResponder_RoundTrip(t *testing.T) {
	b := memory.New()
	var got wireUtterance
	answerWith(t, b, func(u wireUtterance) []map[string]string {
		got = u
		return []map[string]string{
			{"id": "someone-else", "text": "wrong"},
			{"id": u.ID, "text": "  Es ist drei Uhr.  "},
			{"id": u.ID, "text": "duplicate"},
		}
	})
	r := newResponder(t, b, time.Second)

	reply, err := r.Respond(context.Background(), app.Turn{Conversation: "c1", Text: "wie spät?", FollowUp: true})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Es ist drei Uhr." {
		t.Errorf("reply = %q", reply)
	}
	if got.ID == "" || got.Conversation != "c1" || got.Text != "wie spät?" || !got.FollowUp {
		t.Errorf("utterance = %+v", got)
	}
	if r.UtteranceTopic() != "murmur/assistant/utterance" || r.ReplyTopic() != "murmur/assistant/reply" {
		t.Errorf("topics = %s, %s", r.UtteranceTopic(), r.ReplyTopic())
	}
}

func TestBusResponder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, b *memory.Bus)
		timeout time.Duration
		check   func(err error) bool
	}{
		{
			name: "remote error",
			setup: func(t *testing.T, b *memory.Bus) {
				answerWith(t, b, func(u wireUtterance) []map[string]string {
					return []map[string]string{{"id": u.ID, "error": "model overloaded"}}
				})
			},
			timeout: time.Second,
			check:   func(err error) bool { return err != nil && strings.Contains(err.Error(), "model overloaded") },
		},
		{
			name:    "timeout",
			setup:   func(*testing.T, *memory.Bus) {},
			timeout: 20 * time.Millisecond,
			check:   func(err error) bool { return errors.Is(err, app.ErrNoReply) },
		},
		{
			name:    "disconnected",
			setup:   func(_ *testing.T, b *memory.Bus) { b.SetConnected(false) },
			timeout: time.Second,
			check:   func(err error) bool { return errors.Is(err, bus.ErrNotConnected) },
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := memory.New()
			r := newResponder(t, b, tc.timeout)
			tc.setup(t, b)
			_, err := r.Respond(context.Background(), app.Turn{Text: "hallo"})
			if !tc.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestBusResponder_ContextCancelled(t *testing.T) {
	b := memory.New()
	r := newResponder(t, b, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Respond(ctx, app.Turn{Text: "hallo"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestResponderFunc(t *testing.T) {
	var r app.Responder = app.ResponderFunc(func(_ context.Context, turn app.Turn) (string, error) {
		return strings.ToUpper(turn.Text), nil
	})
	got, err := r.Respond(context.Background(), app.Turn{Text: "echo"})
	if err != nil || got != "ECHO" {
		t.Fatalf("Respond = %q, %v", got, err)
	}
}
