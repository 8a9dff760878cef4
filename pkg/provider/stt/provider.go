// Package stt defines the speech recognizer contract used by the assistant
// loop. Recognition is batch: one recorded utterance in, one transcript out.
package stt

import (
	"context"
	"time"
)

// Transcript is the result of recognising one utterance.
type Transcript struct {
	// Text is the recognised speech, trimmed. Empty when nothing was heard.
	Text string

	// Language is the language the recognizer reports, if any.
	Language string

	// Elapsed is the server-side processing time, if reported.
	Elapsed time.Duration
}

// Transcriber turns a PCM16 mono utterance into text.
type Transcriber interface {
	// Transcribe recognises pcm recorded at sampleRate.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}

// Health describes a recognizer service.
type Health struct {
	OK      bool
	Model   string
	Device  string
	Version string
}

// HealthChecker is implemented by recognizers that can be probed at startup.
type HealthChecker interface {
	Healthz(ctx context.Context) (Health, error)
}
