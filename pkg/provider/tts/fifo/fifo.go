// Package fifo hands speech requests to a warm renderer listening on a named
// pipe. Each request is one JSON line {"text": "..."}.
//
// The write never blocks: when the pipe is missing, is not a FIFO or has no
// reader, Speak returns [ErrUnavailable] so the caller can try another path.
package fifo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// ErrUnavailable is returned when nothing is reading the pipe.
var ErrUnavailable = errors.New("fifo: no reader")

// Speaker writes requests to a named pipe. It implements [tts.Speaker].
// Speak returns as soon as the line is written; it does not wait for
// playback.
type Speaker struct {
	path string
}

var _ tts.Speaker = (*Speaker)(nil)

// New returns a Speaker for the pipe at path.
func New(path string) *Speaker {
	return &Speaker{path: path}
}

// Path returns the pipe path.
func (s *Speaker) Path() string { return s.path }

type request struct {
	Text string `json:"text"`
}

// Speak implements [tts.Speaker].
func (s *Speaker) Speak(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tts.OneLine(text) == "" {
		return tts.ErrEmptyText
	}
	if s.path == "" {
		return ErrUnavailable
	}
	st, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrUnavailable
		}
		return fmt.Errorf("fifo: stat: %w", err)
	}
	if st.Mode()&os.ModeNamedPipe == 0 {
		slog.Warn("fifo: path exists but is not a named pipe", "path", s.path)
		return ErrUnavailable
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.EAGAIN) {
			slog.Info("fifo: no reader, skipping", "path", s.path)
			return ErrUnavailable
		}
		return fmt.Errorf("fifo: open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(request{Text: text})
	if err != nil {
		return fmt.Errorf("fifo: encode: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("fifo: write: %w", err)
	}
	return nil
}
