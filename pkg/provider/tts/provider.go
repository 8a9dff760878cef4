// Package tts defines the speech output contracts used by the engine and the
// session client.
//
// Output is split in two steps so the engine can report progress between
// them: a [Renderer] turns one line of text into an audio artifact on disk,
// and a [Player] plays that artifact on an output device. A [Speaker]
// collapses both into one call and is used where no progress reporting is
// needed, such as the client's local fallback path.
package tts

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyText is returned when there is nothing to say.
var ErrEmptyText = errors.New("tts: empty text")

// Renderer synthesises text into an audio artifact.
//
// Implementations may serialise calls internally; the engine only ever has
// one render in flight.
type Renderer interface {
	// Render synthesises text and returns the absolute path of the rendered
	// artifact. The caller owns the file and removes it when done. voice is
	// an optional backend-specific voice selector.
	Render(ctx context.Context, text string, voice Voice) (string, error)
}

// Player plays an artifact produced by a Renderer.
type Player interface {
	// Play blocks until playback finishes. Cancelling ctx stops playback
	// early; the returned error then wraps ctx.Err().
	Play(ctx context.Context, path string) error
}

// Speaker renders and plays text in one step.
type Speaker interface {
	// Speak blocks until the text has been handed to the output device or
	// has finished playing, depending on the implementation.
	Speak(ctx context.Context, text string) error
}

// Voice selects a backend voice. The zero value means "backend default".
type Voice struct {
	// ID is the backend-specific voice identifier: a model path for piper,
	// a speaker id for coqui.
	ID string
}

// IsZero reports whether v selects the backend default.
func (v Voice) IsZero() bool { return v.ID == "" }

// OneLine folds text onto a single line, as line-oriented renderers require.
func OneLine(text string) string {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	return strings.TrimSpace(text)
}

// RendererFunc adapts a function to [Renderer].
type RendererFunc func(ctx context.Context, text string, voice Voice) (string, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, text string, voice Voice) (string, error) {
	return f(ctx, text, voice)
}

// SpeakerFunc adapts a function to [Speaker].
type SpeakerFunc func(ctx context.Context, text string) error

// Speak calls f.
func (f SpeakerFunc) Speak(ctx context.Context, text string) error { return f(ctx, text) }
