// Package wakeword turns a capture stream into wake-word trigger events.
//
// The detector resamples each hop of capture audio to the model rate, slides
// it into a fixed-length ring and scores the whole ring once per hop.
// Triggers are edge-detected and gated by a three-state machine:
//
//	Armed       a rising edge across the threshold fires; the detector then
//	            moves to Suppressed for the minimum gap.
//	Suppressed  nothing fires until the suppression deadline passes. Scores
//	            seen here do not count towards re-arming.
//	Rearming    the deadline has passed but the detector waits for a run of
//	            consecutive hops scoring below threshold × rearm ratio before
//	            it is Armed again.
//
// [Detector.Poll] is the single-hop check used during playback. It compares
// against the raw threshold only; callers reset the detector and flush the
// capture before polling.
package wakeword

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/wakeword"
)

// primeHops is the number of hops read into the ring before [Detector.Wait]
// starts scoring.
const primeHops = 4

const errLogInterval = 10 * time.Second

// Reader is the part of the capture stage the detector consumes.
type Reader interface {
	ReadBytes(ctx context.Context, n int) ([]byte, error)
	SampleRate() int
}

// State is the detector's hysteresis state.
type State int

const (
	Armed State = iota
	Suppressed
	Rearming
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Suppressed:
		return "suppressed"
	case Rearming:
		return "rearming"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes the detector. Zero fields take the defaults listed.
type Config struct {
	// Key selects the phrase from the model's scores. Empty probes the model
	// once and uses the first phrase it reports.
	Key string

	// Threshold is the trigger score. Default: 0.35.
	Threshold float64

	// RearmRatio scales Threshold to the level scores must fall below while
	// re-arming. Default: 0.6.
	RearmRatio float64

	// RearmLowHops is the run of low hops that re-arms. Default: 3.
	RearmLowHops int

	// MinGap is the suppression after a trigger. Default: 1.5s.
	MinGap time.Duration

	// AfterSpeech is the suppression after [Detector.DisarmAfterSpeech].
	// Default: 800ms.
	AfterSpeech time.Duration

	// Window is the span of audio scored per hop. Default: 800ms.
	Window time.Duration

	// Hop is the advance between evaluations. Default: 160ms.
	Hop time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:    0.35,
		RearmRatio:   0.6,
		RearmLowHops: 3,
		MinGap:       1500 * time.Millisecond,
		AfterSpeech:  800 * time.Millisecond,
		Window:       800 * time.Millisecond,
		Hop:          160 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.RearmRatio <= 0 || c.RearmRatio > 1 {
		c.RearmRatio = d.RearmRatio
	}
	if c.RearmLowHops <= 0 {
		c.RearmLowHops = d.RearmLowHops
	}
	if c.MinGap <= 0 {
		c.MinGap = d.MinGap
	}
	if c.AfterSpeech <= 0 {
		c.AfterSpeech = d.AfterSpeech
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Hop <= 0 {
		c.Hop = d.Hop
	}
	return c
}

// chunkAligned converts d to a sample count at rate, rounded down to whole
// model chunks and never below one chunk.
func chunkAligned(d time.Duration, rate int) int {
	n := audio.SamplesFor(d, rate) / wakeword.ChunkSamples * wakeword.ChunkSamples
	return max(wakeword.ChunkSamples, n)
}

// Option configures a [Detector].
type Option func(*Detector)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithMetrics records detections and inference latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// Detector is a streaming wake-word detector. Wait and Poll must be called
// from one goroutine; the remaining methods are safe for concurrent use.
type Detector struct {
	src     Reader
	model   wakeword.Model
	cfg     Config
	now     func() time.Time
	metrics *observe.Metrics

	rs      audio.Resampler
	hopHW   int // capture samples per hop
	hopWake int // model samples per hop

	mu            sync.Mutex
	key           string
	threshold     float64
	ring          []int16
	armed         bool
	suppressUntil time.Time
	belowConsec   int
	prevAbove     bool
	lastScore     float64
	lastTrigger   time.Time
	lastErrLog    time.Time
}

// New returns a Detector reading from src and scoring with model.
func New(src Reader, model wakeword.Model, cfg Config, opts ...Option) (*Detector, error) {
	cfg = cfg.withDefaults()
	rate := model.SampleRate()
	d := &Detector{
		src:       src,
		model:     model,
		cfg:       cfg,
		now:       time.Now,
		rs:        audio.NewResampler(src.SampleRate(), rate),
		key:       cfg.Key,
		threshold: cfg.Threshold,
		armed:     true,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}

	window := chunkAligned(cfg.Window, rate)
	d.hopWake = min(chunkAligned(cfg.Hop, rate), window)
	d.hopHW = d.rs.InputLen(d.hopWake)
	if d.hopHW <= 0 {
		return nil, fmt.Errorf("wakeword: capture rate %d too low for hop of %d samples", src.SampleRate(), d.hopWake)
	}
	d.ring = make([]int16, window)

	if d.key == "" {
		k, err := wakeword.PrimaryKey(model, window)
		if err != nil {
			return nil, fmt.Errorf("wakeword: probe model: %w", err)
		}
		d.key = k
	}
	slog.Info("wakeword: detector ready",
		"phrase", d.key,
		"threshold", d.threshold,
		"window_samples", window,
		"hop_samples", d.hopWake,
		"capture_hop_samples", d.hopHW,
	)
	return d, nil
}

// HopSamples returns the number of capture-rate samples consumed per hop.
func (d *Detector) HopSamples() int { return d.hopHW }

// WindowSamples returns the ring length at the model rate.
func (d *Detector) WindowSamples() int { return len(d.ring) }

// Wait blocks until the wake word fires or ctx ends. The ring is first
// primed with several hops of fresh audio.
func (d *Detector) Wait(ctx context.Context) error {
	for range primeHops {
		if err := d.readHop(ctx); err != nil {
			return err
		}
	}
	for {
		if err := d.readHop(ctx); err != nil {
			return err
		}
		score := d.score(ctx)
		if d.step(score) {
			d.metrics.RecordWakeDetection(ctx, "wait")
			slog.Info("wakeword: detected", "score", score)
			return nil
		}
	}
}

// Check reads and scores one hop through the same edge detection and
// suppression as [Detector.Wait]. The idle loop calls it repeatedly so it
// can drain a backlog and keep its own timers between hops.
func (d *Detector) Check(ctx context.Context) (bool, error) {
	if err := d.readHop(ctx); err != nil {
		return false, err
	}
	score := d.score(ctx)
	if !d.step(score) {
		return false, nil
	}
	d.metrics.RecordWakeDetection(ctx, "check")
	slog.Info("wakeword: detected", "score", score)
	return true, nil
}

// Poll reads and scores exactly one hop and reports whether the score
// reached the threshold. Suppression and re-arming are not applied.
func (d *Detector) Poll(ctx context.Context) (bool, error) {
	if err := d.readHop(ctx); err != nil {
		return false, err
	}
	score := d.score(ctx)

	d.mu.Lock()
	hit := score >= d.threshold
	d.prevAbove = hit
	if hit {
		d.lastTrigger = d.now()
	}
	d.mu.Unlock()

	if hit {
		d.metrics.RecordWakeDetection(ctx, "poll")
		slog.Info("wakeword: detected during playback", "score", score)
	}
	return hit, nil
}

// step advances the hysteresis with one score and reports a trigger.
func (d *Detector) step(score float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	above := score >= d.threshold
	defer func() { d.prevAbove = above }()

	if now.Before(d.suppressUntil) {
		d.belowConsec = 0
		return false
	}
	if !d.armed {
		if score < d.threshold*d.cfg.RearmRatio {
			d.belowConsec++
		} else {
			d.belowConsec = 0
		}
		if d.belowConsec >= d.cfg.RearmLowHops {
			d.armed = true
			d.belowConsec = 0
			slog.Debug("wakeword: re-armed")
		}
		return false
	}
	if above && !d.prevAbove {
		d.lastTrigger = now
		d.armed = false
		d.suppressUntil = now.Add(d.cfg.MinGap)
		d.belowConsec = 0
		return true
	}
	return false
}

// readHop reads one hop of capture audio, resamples it and slides it into
// the ring.
func (d *Detector) readHop(ctx context.Context) error {
	pcm, err := d.src.ReadBytes(ctx, d.hopHW*audio.BytesPerSample)
	if err != nil {
		return fmt.Errorf("wakeword: read hop: %w", err)
	}
	y := d.rs.Process(audio.BytesToInt16(pcm))

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(y) >= len(d.ring) {
		copy(d.ring, y[len(y)-len(d.ring):])
		return nil
	}
	copy(d.ring, d.ring[len(y):])
	copy(d.ring[len(d.ring)-len(y):], y)
	return nil
}

// score runs the model over the ring. Model failures score zero.
func (d *Detector) score(ctx context.Context) float64 {
	d.mu.Lock()
	window := slices.Clone(d.ring)
	key := d.key
	d.mu.Unlock()

	start := time.Now()
	scores, err := d.model.Predict(window)
	d.metrics.WakeInferenceDuration.Record(ctx, time.Since(start).Seconds())

	var s float64
	if err != nil {
		d.mu.Lock()
		now := d.now()
		if now.Sub(d.lastErrLog) >= errLogInterval {
			d.lastErrLog = now
			slog.Warn("wakeword: model inference failed, scoring zero", "err", err)
		}
		d.mu.Unlock()
	} else {
		s = scores[key]
	}

	d.mu.Lock()
	d.lastScore = s
	d.mu.Unlock()
	return s
}

// Reset clears the ring and returns to Armed.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.resetLocked()
	d.mu.Unlock()
	d.model.Reset()
}

func (d *Detector) resetLocked() {
	clear(d.ring)
	d.belowConsec = 0
	d.prevAbove = false
	d.armed = true
	d.suppressUntil = time.Time{}
	d.lastScore = 0
}

// DisarmAfterSpeech resets the detector, then disarms it with the short
// after-speech suppression so trailing playback cannot trigger it.
func (d *Detector) DisarmAfterSpeech() {
	d.mu.Lock()
	d.resetLocked()
	d.armed = false
	d.suppressUntil = d.now().Add(d.cfg.AfterSpeech)
	d.mu.Unlock()
	d.model.Reset()
}

// State returns the current hysteresis state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.now().Before(d.suppressUntil):
		return Suppressed
	case !d.armed:
		return Rearming
	default:
		return Armed
	}
}

// SetThreshold changes the trigger score. Values outside (0, 1] are ignored.
func (d *Detector) SetThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	d.mu.Lock()
	old := d.threshold
	d.threshold = t
	d.mu.Unlock()
	if old != t {
		slog.Info("wakeword: threshold changed", "old", old, "new", t)
	}
}

// Threshold returns the current trigger score.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// LastScore returns the most recent model score.
func (d *Detector) LastScore() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastScore
}

// LastTrigger returns when the detector last fired, or the zero time.
func (d *Detector) LastTrigger() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTrigger
}

// Close releases the model.
func (d *Detector) Close() error {
	return d.model.Close()
}
