package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

const (
	defaultVoiceRate   = 22050
	defaultOneShotWait = 120 * time.Second
)

// OneShot renders one utterance with a fresh piper process in raw mode and
// pipes the PCM into a raw player. It implements [tts.Speaker].
type OneShot struct {
	cfg        Config
	player     string
	device     string
	sampleRate int
}

var _ tts.Speaker = (*OneShot)(nil)

// OneShotOption configures a [OneShot].
type OneShotOption func(*OneShot)

// WithPlayer sets the raw player binary. Default: "aplay".
func WithPlayer(bin string) OneShotOption {
	return func(o *OneShot) {
		if bin != "" {
			o.player = bin
		}
	}
}

// WithDevice sets the output device. Default: "default".
func WithDevice(dev string) OneShotOption {
	return func(o *OneShot) {
		if dev != "" {
			o.device = dev
		}
	}
}

// WithSampleRate overrides the rate read from the voice config.
func WithSampleRate(hz int) OneShotOption {
	return func(o *OneShot) {
		if hz > 0 {
			o.sampleRate = hz
		}
	}
}

// NewOneShot returns a one-shot speaker for cfg. The sample rate is read from
// the voice config file unless overridden.
func NewOneShot(cfg Config, opts ...OneShotOption) *OneShot {
	cfg = cfg.withDefaults()
	if cfg.Timeout == defaultTimeout {
		cfg.Timeout = defaultOneShotWait
	}
	o := &OneShot{cfg: cfg, player: "aplay", device: "default"}
	for _, opt := range opts {
		opt(o)
	}
	if o.sampleRate == 0 {
		o.sampleRate = VoiceSampleRate(cfg.ModelConfig)
	}
	return o
}

// VoiceSampleRate reads audio.sample_rate from a piper voice config file,
// returning 22050 when the file is missing or malformed.
func VoiceSampleRate(path string) int {
	if path == "" {
		return defaultVoiceRate
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultVoiceRate
	}
	var vc struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := json.Unmarshal(data, &vc); err != nil || vc.Audio.SampleRate <= 0 {
		return defaultVoiceRate
	}
	return vc.Audio.SampleRate
}

// Speak implements [tts.Speaker]. It returns once playback has finished.
func (o *OneShot) Speak(ctx context.Context, text string) error {
	line := tts.OneLine(text)
	if line == "" {
		return tts.ErrEmptyText
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	synthArgs := append(o.cfg.baseArgs(), "--output-raw")
	synth := exec.CommandContext(ctx, o.cfg.Binary, synthArgs...)
	play := exec.CommandContext(ctx, o.player,
		"-q", "-D", o.device,
		"-r", strconv.Itoa(o.sampleRate), "-f", "S16_LE", "-t", "raw", "-")

	synth.Stdin = strings.NewReader(line + "\n")
	pcm, err := synth.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piper: one-shot stdout: %w", err)
	}
	play.Stdin = pcm

	if err := synth.Start(); err != nil {
		return fmt.Errorf("piper: start one-shot: %w", err)
	}
	if err := play.Start(); err != nil {
		_ = synth.Process.Kill()
		_ = synth.Wait()
		return fmt.Errorf("piper: start player: %w", err)
	}

	// The player drains the pipe, so it is waited on first.
	playErr := play.Wait()
	synthErr := synth.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("piper: one-shot: %w", err)
	}
	if err := errors.Join(synthErr, playErr); err != nil {
		return fmt.Errorf("piper: one-shot: %w", err)
	}
	slog.Debug("piper: one-shot finished", "chars", len(line))
	return nil
}
