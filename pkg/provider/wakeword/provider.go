// Package wakeword defines the Model interface for wake-word scorers.
//
// A model receives a fixed-size window of 16-bit mono PCM at its own sample
// rate and returns one score in [0, 1] per trigger phrase it knows. Window
// management, resampling and detection hysteresis live in the caller; a
// model only scores what it is given.
//
// Implementations need not be safe for concurrent use. The detector owns
// exactly one model and calls it from a single goroutine.
package wakeword

import (
	"errors"
	"maps"
	"slices"
)

// ChunkSamples is the granularity models consume audio in: 80 ms at 16 kHz.
// Windows passed to [Model.Predict] are multiples of this length.
const ChunkSamples = 1280

// DefaultSampleRate is the rate openWakeWord-style models are trained at.
const DefaultSampleRate = 16000

// ErrNoScores is returned by [PrimaryKey] when a model reports nothing.
var ErrNoScores = errors.New("wakeword: model returned no scores")

// Model scores audio windows for one or more trigger phrases.
type Model interface {
	// Predict scores window, a run of PCM16 samples at SampleRate whose
	// length is a multiple of ChunkSamples. The result maps phrase names to
	// scores in [0, 1].
	Predict(window []int16) (map[string]float64, error)

	// SampleRate returns the rate the model expects, in Hz.
	SampleRate() int

	// Reset drops any internal streaming state.
	Reset()

	// Close releases the model. Calling Close more than once is safe.
	Close() error
}

// PrimaryKey probes m with a silent window of n samples and returns the
// lexically first phrase name it reports. Detectors use it when no phrase is
// configured explicitly.
func PrimaryKey(m Model, n int) (string, error) {
	scores, err := m.Predict(make([]int16, n))
	if err != nil {
		return "", err
	}
	if len(scores) == 0 {
		return "", ErrNoScores
	}
	return slices.Sorted(maps.Keys(scores))[0], nil
}
