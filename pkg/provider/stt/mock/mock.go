// Package mock provides test doubles for the stt package interfaces.
//
// Transcriber returns queued results in order and records every utterance
// it was given:
//
//	tr := &mock.Transcriber{Texts: []string{"wie spät ist es", "danke"}}
//	tr.Transcribe(ctx, pcm, 16000) // returns "wie spät ist es"
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// Call records one Transcribe invocation.
type Call struct {
	PCM        []byte
	SampleRate int
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Texts are returned in order; once exhausted Transcribe returns "".
	Texts []string

	// Err, if non-nil, is returned instead.
	Err error

	Calls []Call
}

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns the next queued text.
func (m *Transcriber) Transcribe(_ context.Context, pcm []byte, sampleRate int) (stt.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{PCM: slices.Clone(pcm), SampleRate: sampleRate})
	if m.Err != nil {
		return stt.Transcript{}, m.Err
	}
	if len(m.Texts) == 0 {
		return stt.Transcript{}, nil
	}
	text := m.Texts[0]
	m.Texts = m.Texts[1:]
	return stt.Transcript{Text: text}, nil
}

// CallCount returns how many utterances were transcribed.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
