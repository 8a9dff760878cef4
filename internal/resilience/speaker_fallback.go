package resilience

import (
	"context"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// SpeakerFallback implements [tts.Speaker] across several local speech
// paths, each behind its own circuit breaker.
type SpeakerFallback struct {
	group *FallbackGroup[tts.Speaker]
}

var _ tts.Speaker = (*SpeakerFallback)(nil)

// NewSpeakerFallback creates a [SpeakerFallback] with primary tried first.
func NewSpeakerFallback(primary tts.Speaker, primaryName string, cfg FallbackConfig) *SpeakerFallback {
	return &SpeakerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another speaker, tried after those already added.
func (f *SpeakerFallback) AddFallback(name string, s tts.Speaker) {
	f.group.AddFallback(name, s)
}

// Speak implements [tts.Speaker].
func (f *SpeakerFallback) Speak(ctx context.Context, text string) error {
	_, err := f.SpeakVia(ctx, text)
	return err
}

// SpeakVia speaks text and returns the name of the speaker that took it.
// Empty text is rejected without touching any breaker.
func (f *SpeakerFallback) SpeakVia(ctx context.Context, text string) (string, error) {
	if tts.OneLine(text) == "" {
		return "", tts.ErrEmptyText
	}
	return f.group.ExecuteNamed(func(s tts.Speaker) error {
		return s.Speak(ctx, text)
	})
}
