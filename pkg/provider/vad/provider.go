// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech classifier (WebRTC VAD, an energy
// gate, or a model) and surfaces it as a per-stream session. The contract is
// deliberately narrow: a fixed-duration PCM16 frame in, a speech/silence
// decision out. Start and end-of-utterance logic lives in the endpointer, not
// here.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import (
	"errors"
	"fmt"
)

// ErrFrameSize is returned by IsSpeech when the frame length does not match
// the session's configured frame duration.
var ErrFrameSize = errors.New("vad: frame size does not match session config")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. WebRTC VAD accepts 8000,
	// 16000, 32000 and 48000.
	SampleRate int

	// FrameSizeMs is the duration of each frame: 10, 20 or 30.
	FrameSizeMs int

	// Aggressiveness trades recall for precision, 0 (least) to 3 (most).
	Aggressiveness int
}

// FrameBytes returns the byte length of one PCM16 frame for cfg.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate checks that cfg describes a supported frame geometry.
func (c Config) Validate() error {
	switch c.FrameSizeMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("vad: frame size %d ms not in {10, 20, 30}", c.FrameSizeMs)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate %d must be positive", c.SampleRate)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness %d out of range [0, 3]", c.Aggressiveness)
	}
	return nil
}

// SessionHandle is an open classifier for one audio stream.
type SessionHandle interface {
	// IsSpeech classifies one frame of little-endian PCM16 audio. The frame
	// must be exactly Config.FrameBytes long.
	IsSpeech(frame []byte) (bool, error)

	// Reset clears any smoothing state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
type Engine interface {
	// NewSession creates a session for cfg. Returns an error if the backend
	// cannot serve the configured rate or frame size.
	NewSession(cfg Config) (SessionHandle, error)
}
