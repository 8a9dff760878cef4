// Package webrtc implements [vad.Engine] with the WebRTC voice activity
// detector via github.com/maxhawkins/go-webrtc-vad.
package webrtc

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtc-vad"

	"github.com/MrWong99/murmur/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)

// Engine creates WebRTC VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !webrtcvad.ValidRateAndFrameLength(cfg.SampleRate, cfg.FrameBytes()/2) {
		return nil, fmt.Errorf("webrtc vad: unsupported rate %d with %d ms frames", cfg.SampleRate, cfg.FrameSizeMs)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create: %w", err)
	}
	if err := v.SetMode(cfg.Aggressiveness); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", cfg.Aggressiveness, err)
	}
	return &session{cfg: cfg, v: v}, nil
}

type session struct {
	cfg vad.Config

	mu     sync.Mutex
	v      *webrtcvad.VAD
	closed bool
}

func (s *session) IsSpeech(frame []byte) (bool, error) {
	if len(frame) != s.cfg.FrameBytes() {
		return false, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.cfg.FrameBytes())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, fmt.Errorf("webrtc vad: session closed")
	}
	ok, err := s.v.Process(s.cfg.SampleRate, frame)
	if err != nil {
		return false, fmt.Errorf("webrtc vad: process: %w", err)
	}
	return ok, nil
}

// Reset re-creates the underlying detector; the C library exposes no reset.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	v, err := webrtcvad.New()
	if err != nil {
		return
	}
	if err := v.SetMode(s.cfg.Aggressiveness); err != nil {
		return
	}
	s.v = v
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.v = nil
	return nil
}
