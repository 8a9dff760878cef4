// Package energy implements [vad.Engine] with an RMS energy gate. It needs
// no native library and serves as the fallback when WebRTC VAD is not
// available or for rates it does not support.
package energy

import (
	"fmt"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// thresholds maps aggressiveness 0..3 to an RMS floor in raw PCM16 units.
var thresholds = [4]float64{250, 400, 600, 900}

// Option configures an [Engine].
type Option func(*Engine)

// WithThreshold overrides the RMS floor for every aggressiveness level.
func WithThreshold(rms float64) Option {
	return func(e *Engine) { e.override = rms }
}

// Engine creates energy-gate sessions.
type Engine struct {
	override float64
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	th := thresholds[cfg.Aggressiveness]
	if e.override > 0 {
		th = e.override
	}
	return &session{frameBytes: cfg.FrameBytes(), threshold: th}, nil
}

type session struct {
	frameBytes int
	threshold  float64
}

func (s *session) IsSpeech(frame []byte) (bool, error) {
	if len(frame) != s.frameBytes {
		return false, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}
	return audio.RMS16(frame) >= s.threshold, nil
}

func (s *session) Reset() {}

func (s *session) Close() error { return nil }
