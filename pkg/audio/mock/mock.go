// Package mock provides an in-memory [audio.Source] for unit tests.
//
// Tests drive audio by calling [Source.Push] after the consumer has called
// Start; the pushed bytes are handed to the consumer's callback synchronously.
//
//	src := &mock.Source{Rate: 16000}
//	c := capture.New(src, gate)
//	_ = c.Start()
//	src.Push(pcm)
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onData func([]byte)
}

var _ audio.Source = (*Source)(nil)

// Start implements [audio.Source].
func (s *Source) Start(onData func(pcm []byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.onData != nil {
		return errors.New("mock: source already started")
	}
	s.onData = onData
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.onData = nil
	return s.StopErr
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Push delivers pcm to the registered callback. It reports false when the
// source is not started.
func (s *Source) Push(pcm []byte) bool {
	s.mu.Lock()
	fn := s.onData
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(pcm)
	return true
}
