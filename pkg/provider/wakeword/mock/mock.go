// Package mock provides a test double for the wakeword.Model interface.
//
// Scores are scripted per call. Once Script runs out, Default is returned
// for every phrase in Keys.
//
// Example:
//
//	m := &mock.Model{Key: "hey", Script: []float64{0.1, 0.9, 0.1}}
//	det := wakeword.New(capture, m, cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/wakeword"
)

// Model is a mock implementation of wakeword.Model.
type Model struct {
	mu sync.Mutex

	// Key names the phrase scores are reported under. Default: "wake".
	Key string

	// Rate is returned by SampleRate. Default: 16000.
	Rate int

	// Script holds the score for each successive Predict call.
	Script []float64

	// Default is the score returned once Script is exhausted.
	Default float64

	// Err, if non-nil, is returned by Predict.
	Err error

	// ErrAt, if non-nil, decides per call index whether Predict fails with
	// Err. Indices count from zero and include the call that fails.
	ErrAt func(call int) bool

	// Windows records the length of every window passed to Predict.
	Windows []int

	// Last holds a copy of the most recent window.
	Last []int16

	ResetCalls int
	CloseCalls int
}

func (m *Model) key() string {
	if m.Key == "" {
		return "wake"
	}
	return m.Key
}

// Predict records the call and returns the next scripted score.
func (m *Model) Predict(window []int16) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.Windows)
	m.Windows = append(m.Windows, len(window))
	m.Last = append(m.Last[:0], window...)
	if m.Err != nil && (m.ErrAt == nil || m.ErrAt(call)) {
		return nil, m.Err
	}
	score := m.Default
	if call < len(m.Script) {
		score = m.Script[call]
	}
	return map[string]float64{m.key(): score}, nil
}

// SampleRate returns Rate or 16000.
func (m *Model) SampleRate() int {
	if m.Rate == 0 {
		return wakeword.DefaultSampleRate
	}
	return m.Rate
}

// Reset increments ResetCalls.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCalls++
}

// Close increments CloseCalls.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Calls returns how many times Predict was called.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Windows)
}

var _ wakeword.Model = (*Model)(nil)
