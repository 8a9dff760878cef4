// Package mock provides test doubles for the tts package interfaces.
//
// Renderer writes a small placeholder file per call so tests can check that
// artifacts are cleaned up. Player blocks for PlayDuration or until its
// context is cancelled. Speaker records what it was asked to say.
//
// Example:
//
//	r := &mock.Renderer{Dir: t.TempDir()}
//	p := &mock.Player{PlayDuration: 50 * time.Millisecond}
//	eng := engine.New(bus, r, p)
package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// RenderCall records a single invocation of Render.
type RenderCall struct {
	Text  string
	Voice tts.Voice
	Path  string
}

// Renderer is a mock implementation of tts.Renderer.
type Renderer struct {
	mu sync.Mutex

	// Dir receives the placeholder artifacts. Required unless Err is set.
	Dir string

	// Delay is waited before the artifact is written. Release, if non-nil,
	// is waited on instead so tests can hold a render open.
	Delay   time.Duration
	Release chan struct{}

	// Started, if non-nil, receives the text of each render as it begins.
	Started chan string

	// Err, if non-nil, is returned instead of writing an artifact.
	Err error

	Calls []RenderCall
	n     int
}

// Render records the call and writes a placeholder artifact.
func (r *Renderer) Render(ctx context.Context, text string, voice tts.Voice) (string, error) {
	r.mu.Lock()
	r.n++
	n := r.n
	release, delay, started := r.Release, r.Delay, r.Started
	r.mu.Unlock()

	if started != nil {
		started <- text
	}
	switch {
	case release != nil:
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	case delay > 0:
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		r.Calls = append(r.Calls, RenderCall{Text: text, Voice: voice})
		return "", r.Err
	}
	path := filepath.Join(r.Dir, fmt.Sprintf("render-%03d.wav", n))
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		return "", err
	}
	r.Calls = append(r.Calls, RenderCall{Text: text, Voice: voice, Path: path})
	return path, nil
}

// Texts returns the text of every recorded render in order.
func (r *Renderer) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		out[i] = c.Text
	}
	return out
}

var _ tts.Renderer = (*Renderer)(nil)

// Player is a mock implementation of tts.Player.
type Player struct {
	mu sync.Mutex

	// PlayDuration is how long Play blocks when not cancelled.
	PlayDuration time.Duration

	// Started, if non-nil, receives the path of each playback as it begins.
	Started chan string

	// Err, if non-nil, is returned by Play after PlayDuration.
	Err error

	Paths     []string
	Cancelled int
}

// Play records the call and blocks for PlayDuration or until ctx ends.
func (p *Player) Play(ctx context.Context, path string) error {
	p.mu.Lock()
	p.Paths = append(p.Paths, path)
	d, started, err := p.PlayDuration, p.Started, p.Err
	p.mu.Unlock()

	if started != nil {
		started <- path
	}
	select {
	case <-time.After(d):
		return err
	case <-ctx.Done():
		p.mu.Lock()
		p.Cancelled++
		p.mu.Unlock()
		return fmt.Errorf("mock player: %w", ctx.Err())
	}
}

// SetErr changes the error returned by subsequent plays.
func (p *Player) SetErr(err error) {
	p.mu.Lock()
	p.Err = err
	p.mu.Unlock()
}

// Plays returns how many times Play was called.
func (p *Player) Plays() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Paths)
}

var _ tts.Player = (*Player)(nil)

// Speaker is a mock implementation of tts.Speaker.
type Speaker struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by Speak.
	Err error

	Texts []string
}

// Speak records text and returns Err.
func (s *Speaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Texts = append(s.Texts, text)
	return s.Err
}

// Calls returns how many times Speak was called.
func (s *Speaker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Texts)
}

var _ tts.Speaker = (*Speaker)(nil)
