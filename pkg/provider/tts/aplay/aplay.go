// Package aplay plays rendered WAV artifacts through the ALSA command-line
// player.
package aplay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

const stopGrace = 500 * time.Millisecond

// ErrPlaybackFailed is wrapped by Play when the player exits non-zero.
var ErrPlaybackFailed = errors.New("aplay: playback failed")

// Player runs one player process per artifact. It implements [tts.Player].
type Player struct {
	binary string
	device string
	extra  []string
}

var _ tts.Player = (*Player)(nil)

// Option configures a [Player].
type Option func(*Player)

// WithBinary overrides the player executable. Default: "aplay".
func WithBinary(bin string) Option {
	return func(p *Player) {
		if bin != "" {
			p.binary = bin
		}
	}
}

// WithDevice selects the ALSA output device. Default: "default".
func WithDevice(dev string) Option {
	return func(p *Player) {
		if dev != "" {
			p.device = dev
		}
	}
}

// WithArgs appends extra arguments before the artifact path.
func WithArgs(args ...string) Option {
	return func(p *Player) { p.extra = append(p.extra, args...) }
}

// New returns a Player.
func New(opts ...Option) *Player {
	p := &Player{binary: "aplay", device: "default"}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Args returns the command line used for path, without the binary.
func (p *Player) Args(path string) []string {
	args := []string{"-q", "-D", p.device, "-t", "wav"}
	args = append(args, p.extra...)
	return append(args, path)
}

// Play implements [tts.Player]. Cancelling ctx terminates the player and, if
// it has not exited half a second later, kills it.
func (p *Player) Play(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("aplay: %w", err)
	}
	cmd := exec.CommandContext(ctx, p.binary, p.Args(path)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace

	start := time.Now()
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		slog.Debug("aplay: stopped", "path", path, "after", time.Since(start))
		return fmt.Errorf("aplay: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: exit code %d", ErrPlaybackFailed, exitErr.ExitCode())
		}
		return fmt.Errorf("aplay: run %s: %w", p.binary, err)
	}
	return nil
}
