// Package speech defines the wire protocol between the speech client and the
// speech engine: topic names, payloads, the per-request state machine and
// the de-duplication cache.
//
// Three topics live under a configurable base (default "murmur/tts"):
//
//	<base>/say     {"id": "...", "text": "...", "voice": "..."}  or raw text
//	<base>/cancel  {"id": "..."} / {"target": "..."}              or a raw id
//	<base>/status  {"state": "...", "id": "...", "reason": "..."}
//
// Commands travel with QoS 1, status updates with QoS 0.
package speech

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultBase is the default topic prefix.
const DefaultBase = "murmur/tts"

// QoS levels used on each topic.
const (
	CommandQoS byte = 1
	StatusQoS  byte = 0
)

// ErrEmptyRequest is returned for a say payload with no text.
var ErrEmptyRequest = errors.New("speech: empty request")

// State is a request's position in the speech state machine, or one of the
// engine presence states.
type State string

const (
	Start     State = "START"
	Speaking  State = "SPEAKING"
	Done      State = "DONE"
	Cancelled State = "CANCELLED"
	Error     State = "ERROR"

	// Ready and Offline describe the engine, not a request. They carry no id.
	Ready   State = "READY"
	Offline State = "OFFLINE"
)

// Terminal reports whether no further state can follow s for the same id.
func (s State) Terminal() bool {
	return s == Done || s == Cancelled || s == Error
}

// Presence reports whether s describes the engine rather than a request.
func (s State) Presence() bool {
	return s == Ready || s == Offline
}

func (s State) rank() int {
	switch s {
	case Start:
		return 1
	case Speaking:
		return 2
	case Done, Cancelled, Error:
		return 3
	}
	return -1
}

// CanAdvance reports whether a request in state from may move to state to.
// The empty state is the state before anything was seen. Moves are strictly
// forward: START, then SPEAKING, then one terminal state. Any step may be
// skipped.
func CanAdvance(from, to State) bool {
	rt := to.rank()
	if rt < 0 {
		return false
	}
	if from == "" {
		return true
	}
	rf := from.rank()
	return rf >= 0 && rt > rf
}

// Topics holds the three topic names under one base.
type Topics struct {
	Base   string
	Say    string
	Cancel string
	Status string
}

// NewTopics derives the topic names from base. An empty base selects
// [DefaultBase].
func NewTopics(base string) Topics {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultBase
	}
	return Topics{
		Base:   base,
		Say:    base + "/say",
		Cancel: base + "/cancel",
		Status: base + "/status",
	}
}

// Request asks the engine to speak Text.
type Request struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Marshal encodes r as JSON.
func (r Request) Marshal() []byte {
	b, _ := json.Marshal(r)
	return b
}

// ParseRequest decodes a say payload. A payload that does not start with
// "{" or is not valid JSON is taken as the text itself. A missing id is
// replaced by now in Unix milliseconds.
func ParseRequest(payload []byte, now time.Time) (Request, error) {
	raw := strings.TrimSpace(string(payload))
	r := Request{Text: raw}
	if strings.HasPrefix(raw, "{") {
		var obj struct {
			ID    any    `json:"id"`
			Text  string `json:"text"`
			Voice string `json:"voice"`
		}
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			r = Request{ID: stringify(obj.ID), Text: obj.Text, Voice: obj.Voice}
		}
	}
	if strings.TrimSpace(r.Text) == "" {
		return Request{}, ErrEmptyRequest
	}
	if r.ID == "" {
		r.ID = strconv.FormatInt(now.UnixMilli(), 10)
	}
	return r, nil
}

// CancelRequest asks the engine to stop a request. An empty ID means
// "whatever is active".
type CancelRequest struct {
	ID string `json:"id,omitempty"`

	// Text is informational; the client sends "STOP".
	Text string `json:"text,omitempty"`
}

// Marshal encodes c as JSON.
func (c CancelRequest) Marshal() []byte {
	b, _ := json.Marshal(c)
	return b
}

// ParseCancel extracts the target id from a cancel payload. JSON payloads
// may name it as "id" or "target"; anything else is the raw id. An empty
// result means no id was given.
func ParseCancel(payload []byte) string {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "{") {
		var obj struct {
			ID     any `json:"id"`
			Target any `json:"target"`
		}
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			if id := stringify(obj.ID); id != "" {
				return id
			}
			if id := stringify(obj.Target); id != "" {
				return id
			}
		}
	}
	return raw
}

// stringify renders JSON scalars the way they were written, so numeric ids
// survive.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return ""
	}
	return fmt.Sprint(v)
}

// Status reports a request's progress or the engine's presence.
type Status struct {
	State  State  `json:"state"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Marshal encodes s as JSON.
func (s Status) Marshal() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// ParseStatus decodes a status payload.
func ParseStatus(payload []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return Status{}, fmt.Errorf("speech: decode status: %w", err)
	}
	s.State = State(strings.ToUpper(strings.TrimSpace(string(s.State))))
	if s.State == "" {
		return Status{}, errors.New("speech: status without state")
	}
	return s, nil
}
