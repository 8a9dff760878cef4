// Package capture owns the microphone stream and turns it into an ordered
// byte FIFO that the control loop can read from in exact-size pieces.
//
// The device callback only appends to (or, while muted, drops from) the FIFO;
// it never waits on a reader. Readers block until enough bytes are queued.
// Bytes left over from a read that ended inside a device block are kept in a
// residual tail and delivered first on the next read, so the concatenation of
// all reads reproduces the accepted input exactly.
//
// Capture is active only when both the local switch ([Capture.SetListen])
// and the process-wide [duplex.Gate] are on.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/murmur/internal/duplex"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
)

// ErrClosed is returned by reads after [Capture.Stop].
var ErrClosed = errors.New("capture: closed")

const defaultLevelWindow = 2 * time.Second

// Option configures a [Capture].
type Option func(*Capture)

// WithGainDB applies a software gain to samples returned by [Capture.Read].
func WithGainDB(db float64) Option {
	return func(c *Capture) { c.gainDB = db }
}

// WithLevelWindow sets the span of audio covered by [Capture.Level].
// Default: 2s.
func WithLevelWindow(d time.Duration) Option {
	return func(c *Capture) {
		if d > 0 {
			c.levelWindow = d
		}
	}
}

// WithMetrics records dropped-frame counts on m instead of the default
// instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Capture) { c.metrics = m }
}

// Capture is the capture FIFO. It is safe for concurrent use; one goroutine
// is expected to read while the device goroutine pushes.
type Capture struct {
	src         audio.Source
	gate        *duplex.Gate
	rate        int
	gainDB      float64
	levelWindow time.Duration
	metrics     *observe.Metrics

	mu      sync.Mutex
	frames  [][]byte
	resid   []byte
	queued  int
	listen  bool
	running bool
	closed  bool
	dropped int64
	level   []float32
	levelAt int
	levelN  int

	notify chan struct{}
}

// New returns a Capture reading from src and honouring gate. The stream is
// not opened until [Capture.Start].
func New(src audio.Source, gate *duplex.Gate, opts ...Option) *Capture {
	c := &Capture{
		src:         src,
		gate:        gate,
		rate:        src.SampleRate(),
		levelWindow: defaultLevelWindow,
		listen:      true,
		notify:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	n := audio.SamplesFor(c.levelWindow, c.rate)
	if n <= 0 {
		n = 1
	}
	c.level = make([]float32, n)
	return c
}

// SampleRate returns the rate of the captured audio in Hz.
func (c *Capture) SampleRate() int { return c.rate }

// Start opens the underlying stream.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	if err := c.src.Start(c.push); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	slog.Info("capture: started", "rate", c.rate)
	return nil
}

// Stop closes the stream and wakes any blocked reader with [ErrClosed].
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.closed = true
		c.mu.Unlock()
		c.wake()
		return nil
	}
	c.running = false
	c.closed = true
	c.mu.Unlock()
	c.wake()

	if err := c.src.Stop(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	return nil
}

// Running reports whether the stream is open.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetListen sets the local mute switch. Frames arriving while either switch
// is off are dropped.
func (c *Capture) SetListen(on bool) {
	c.mu.Lock()
	c.listen = on
	c.mu.Unlock()
}

// Listening reports whether incoming frames are currently accepted.
func (c *Capture) Listening() bool {
	c.mu.Lock()
	local := c.listen
	c.mu.Unlock()
	return local && c.gate.Listening()
}

// Flush discards every queued frame and the residual tail.
func (c *Capture) Flush() {
	c.mu.Lock()
	for i := range c.frames {
		c.frames[i] = nil
	}
	c.frames = c.frames[:0]
	c.resid = nil
	c.queued = 0
	c.mu.Unlock()
}

// Len returns the number of queued device blocks, not counting the residual
// tail.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Buffered returns the number of bytes available without blocking.
func (c *Capture) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// Dropped returns the number of device blocks discarded while muted.
func (c *Capture) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// ReadBytes blocks until exactly n bytes are queued and returns them. Excess
// bytes of the last consumed block carry over to the next read.
func (c *Capture) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	for {
		c.mu.Lock()
		if c.queued >= n {
			out := c.takeLocked(n)
			c.mu.Unlock()
			return out, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.notify:
		}
	}
}

// Read blocks until n samples are available and returns them as floats in
// [-1, 1) with the configured gain applied.
func (c *Capture) Read(ctx context.Context, n int) ([]float32, error) {
	pcm, err := c.ReadBytes(ctx, n*audio.BytesPerSample)
	if err != nil {
		return nil, err
	}
	s := audio.PCM16ToFloat32(pcm)
	audio.ApplyGain(s, c.gainDB)
	return s, nil
}

// Level returns the RMS level over the last level window in dBFS. ok is
// false until any audio has been accepted.
func (c *Capture) Level() (db float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.levelN == 0 {
		return audio.SilenceFloorDB, false
	}
	return audio.DBFS(audio.RMS(c.level[:c.levelN])), true
}

// push is the device callback.
func (c *Capture) push(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	globalOn := c.gate.Listening()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.listen || !globalOn {
		c.dropped++
		c.mu.Unlock()
		c.metrics.CaptureDropped.Add(context.Background(), 1)
		return
	}
	c.frames = append(c.frames, pcm)
	c.queued += len(pcm)
	c.trackLevelLocked(pcm)
	c.mu.Unlock()
	c.wake()
}

// takeLocked removes exactly n bytes from the head of the FIFO. c.mu must be
// held and c.queued >= n.
func (c *Capture) takeLocked(n int) []byte {
	out := make([]byte, n)
	k := copy(out, c.resid)
	c.resid = c.resid[k:]
	if len(c.resid) == 0 {
		c.resid = nil
	}
	for k < n {
		f := c.frames[0]
		c.frames[0] = nil
		c.frames = c.frames[1:]
		m := copy(out[k:], f)
		k += m
		if m < len(f) {
			c.resid = f[m:]
		}
	}
	c.queued -= n
	return out
}

func (c *Capture) trackLevelLocked(pcm []byte) {
	s := audio.PCM16ToFloat32(pcm)
	audio.ApplyGain(s, c.gainDB)
	for _, v := range s {
		c.level[c.levelAt] = v
		c.levelAt = (c.levelAt + 1) % len(c.level)
		if c.levelN < len(c.level) {
			c.levelN++
		}
	}
}

func (c *Capture) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
