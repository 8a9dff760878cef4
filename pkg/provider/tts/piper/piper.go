// Package piper drives the piper speech synthesiser as a subprocess.
//
// [Renderer] starts piper once in directory-output mode and keeps it
// running: each request writes one line of text to its stdin and reads back
// one line naming the absolute path of the WAV file it produced. Reusing the
// process avoids reloading the voice model on every utterance.
//
// [OneShot] is the fallback used when no persistent renderer is reachable:
// it starts piper in raw output mode for a single utterance and pipes the
// PCM straight into a raw player.
package piper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// ErrNotRunning is returned by [Renderer.Render] once the subprocess has
// exited.
var ErrNotRunning = errors.New("piper: not running")

// ErrNoOutput is returned when piper does not name an artifact in time.
var ErrNoOutput = errors.New("piper: no wav path received")

const (
	defaultTimeout  = 30 * time.Second
	defaultSilence  = 0.06
	terminateGrace  = time.Second
	stdoutLineQueue = 16
)

// Config describes how to start piper.
type Config struct {
	// Binary is the piper executable. Default: "piper".
	Binary string

	// Model is the voice model (.onnx). Required.
	Model string

	// ModelConfig is the voice config (.onnx.json). Empty lets piper find it
	// next to the model.
	ModelConfig string

	// SentenceSilence is the pause between sentences in seconds.
	// Default: 0.06.
	SentenceSilence float64

	// OutputDir receives rendered WAV files. It is created if missing.
	OutputDir string

	// Timeout bounds a single render. Default: 30s.
	Timeout time.Duration

	// ExtraArgs are appended to the command line.
	ExtraArgs []string
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "piper"
	}
	if c.SentenceSilence <= 0 {
		c.SentenceSilence = defaultSilence
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

func (c Config) baseArgs() []string {
	args := []string{"--model", c.Model}
	if c.ModelConfig != "" {
		args = append(args, "--config", c.ModelConfig)
	}
	return append(args, "--sentence_silence", strconv.FormatFloat(c.SentenceSilence, 'f', -1, 64))
}

// Renderer is a persistent piper process. It implements [tts.Renderer].
// Render calls are serialised.
type Renderer struct {
	cfg Config

	mu    sync.Mutex // one request/response exchange at a time
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	// owed counts requests written whose artifact has not been read yet.
	// Piper answers in order, so the first owed-1 paths belong to earlier
	// requests that gave up waiting.
	owed int

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

var _ tts.Renderer = (*Renderer)(nil)

// Start launches piper and returns once the process is running.
func Start(cfg Config) (*Renderer, error) {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		return nil, errors.New("piper: model path is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("piper: output directory is required")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("piper: create output dir: %w", err)
	}

	args := append(cfg.baseArgs(), "--output_dir", cfg.OutputDir)
	args = append(args, cfg.ExtraArgs...)
	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.OutputDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piper: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piper: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piper: stderr pipe: %w", err)
	}

	slog.Debug("piper: spawn", "cmd", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("piper: start %s: %w", cfg.Binary, err)
	}

	r := &Renderer{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, stdoutLineQueue),
		exited: make(chan struct{}),
	}
	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); r.readStdout(stdout) }()
	go func() { defer readers.Done(); forwardStderr(stderr) }()
	go func() {
		readers.Wait()
		r.waitErr = cmd.Wait()
		close(r.exited)
		if r.waitErr != nil {
			slog.Warn("piper: process exited", "err", r.waitErr)
		} else {
			slog.Info("piper: process exited")
		}
	}()
	slog.Info("piper: started", "pid", cmd.Process.Pid, "model", filepath.Base(cfg.Model))
	return r, nil
}

func (r *Renderer) readStdout(stdout io.Reader) {
	defer close(r.lines)
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		r.lines <- strings.TrimSpace(sc.Text())
	}
}

// forwardStderr relays piper's log lines to slog at a matching level.
func forwardStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		low := strings.ToLower(line)
		switch {
		case strings.Contains(low, "[error]"):
			slog.Error("piper: " + line)
		case strings.Contains(low, "[warning]"):
			slog.Warn("piper: " + line)
		case strings.Contains(low, "real-time factor"):
			slog.Debug("piper: " + line)
		default:
			slog.Info("piper: " + line)
		}
	}
}

// Alive reports whether the subprocess is still running.
func (r *Renderer) Alive() bool {
	select {
	case <-r.exited:
		return false
	default:
		return true
	}
}

// Render implements [tts.Renderer]. The voice is fixed when the process
// starts; a non-default voice is ignored.
func (r *Renderer) Render(ctx context.Context, text string, voice tts.Voice) (string, error) {
	line := tts.OneLine(text)
	if line == "" {
		return "", tts.ErrEmptyText
	}
	if !voice.IsZero() && voice.ID != r.cfg.Model {
		slog.Debug("piper: voice selection ignored by persistent renderer", "voice", voice.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Alive() {
		return "", ErrNotRunning
	}
	r.drainStale()

	if _, err := io.WriteString(r.stdin, line+"\n"); err != nil {
		return "", fmt.Errorf("piper: write request: %w", err)
	}
	r.owed++

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	for {
		select {
		case out, ok := <-r.lines:
			if !ok {
				return "", ErrNotRunning
			}
			if !isArtifact(out) {
				continue
			}
			r.owed--
			if r.owed > 0 {
				discard(out)
				continue
			}
			return out, nil
		case <-timer.C:
			return "", ErrNoOutput
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// drainStale discards answers to earlier requests that already arrived.
// r.mu must be held.
func (r *Renderer) drainStale() {
	for r.owed > 0 {
		select {
		case out, ok := <-r.lines:
			if !ok {
				return
			}
			if isArtifact(out) {
				r.owed--
				discard(out)
			}
		default:
			return
		}
	}
}

func isArtifact(line string) bool {
	return strings.HasSuffix(line, ".wav") && filepath.IsAbs(line)
}

func discard(path string) {
	slog.Debug("piper: discarding late artifact", "path", path)
	_ = os.Remove(path)
}

// Close terminates the subprocess, killing it if it does not exit within a
// second.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		_ = r.stdin.Close()
		if !r.Alive() {
			return
		}
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-r.exited:
		case <-time.After(terminateGrace):
			_ = r.cmd.Process.Kill()
			<-r.exited
		}
	})
	return nil
}
