// Package endpoint records one user utterance from the capture stream.
//
// Frames are classified by a VAD session. Before speech, a sliding vote
// window decides when speech has started (enough voiced frames in the window
// and enough of them in a row); the most recent frames before that point are
// kept in a pre-roll ring and prepended to the utterance. After speech
// starts, every frame is appended and the utterance ends once a run of
// silent frames reaches the hangover length and a minimum guard time has
// passed since the start. Two wall-clock limits bound the whole recording:
// the no-speech timeout before start and the maximum utterance length after.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// Reader is the part of the capture stage the endpointer consumes.
type Reader interface {
	ReadBytes(ctx context.Context, n int) ([]byte, error)
	SampleRate() int
}

// Config tunes the endpointer. Start from [DefaultConfig]: zero Guard and
// Preroll disable those features, every other zero field takes its default.
type Config struct {
	// FrameMs is the VAD frame duration: 10, 20 or 30. Other values fall
	// back to 30.
	FrameMs int

	// Aggressiveness is passed to the VAD session (0-3). Default: 2.
	Aggressiveness int

	// StartWindow is the vote window length in frames. Default: 5.
	StartWindow int

	// StartMin is the number of voiced frames required in a full window.
	// Default: 3.
	StartMin int

	// StartConsec is the number of consecutive voiced frames required.
	// Default: 3.
	StartConsec int

	// Hangover is the silence run that may end an utterance. Default: 300ms.
	Hangover time.Duration

	// Guard is the minimum time after speech start before the utterance may
	// end. Default: 800ms.
	Guard time.Duration

	// Preroll is the amount of audio before the start trigger kept in the
	// utterance. Default: 240ms.
	Preroll time.Duration

	// MaxUtterance caps a recording once speech has started. Default: 8s.
	MaxUtterance time.Duration

	// NoSpeechTimeout ends a recording in which speech never started.
	// Default: 3s.
	NoSpeechTimeout time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		FrameMs:         30,
		Aggressiveness:  2,
		StartWindow:     5,
		StartMin:        3,
		StartConsec:     3,
		Hangover:        300 * time.Millisecond,
		Guard:           800 * time.Millisecond,
		Preroll:         240 * time.Millisecond,
		MaxUtterance:    8 * time.Second,
		NoSpeechTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	switch c.FrameMs {
	case 10, 20, 30:
	default:
		c.FrameMs = d.FrameMs
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		c.Aggressiveness = d.Aggressiveness
	}
	if c.StartWindow <= 0 {
		c.StartWindow = d.StartWindow
	}
	if c.StartMin <= 0 {
		c.StartMin = d.StartMin
	}
	if c.StartConsec <= 0 {
		c.StartConsec = d.StartConsec
	}
	if c.Hangover <= 0 {
		c.Hangover = d.Hangover
	}
	c.Guard = max(c.Guard, 0)
	c.Preroll = max(c.Preroll, 0)
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = d.MaxUtterance
	}
	if c.NoSpeechTimeout <= 0 {
		c.NoSpeechTimeout = d.NoSpeechTimeout
	}
	return c
}

// Outcome says why a recording ended.
type Outcome string

const (
	OutcomeSpeech    Outcome = "speech"
	OutcomeMaxLength Outcome = "max"
	OutcomeNoSpeech  Outcome = "timeout"
)

// Utterance is one recorded stretch of speech.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Outcome    Outcome
}

// Duration is len(PCM) / (2 × SampleRate).
func (u Utterance) Duration() time.Duration {
	return audio.SamplesDuration(len(u.PCM)/audio.BytesPerSample, u.SampleRate)
}

// Empty reports whether no speech was captured.
func (u Utterance) Empty() bool { return len(u.PCM) == 0 }

// Option configures an [Endpointer].
type Option func(*Endpointer)

// WithClock replaces time.Now for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(e *Endpointer) { e.now = now }
}

// WithMetrics records utterance lengths on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Endpointer) { e.metrics = m }
}

// Endpointer records utterances from a [Reader].
type Endpointer struct {
	src     Reader
	engine  vad.Engine
	cfg     Config
	now     func() time.Time
	metrics *observe.Metrics
}

// New returns an Endpointer reading from src and classifying with engine.
func New(src Reader, engine vad.Engine, cfg Config, opts ...Option) *Endpointer {
	e := &Endpointer{
		src:    src,
		engine: engine,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Config returns the effective configuration.
func (e *Endpointer) Config() Config { return e.cfg }

// RecordOption adjusts a single [Endpointer.Record] call.
type RecordOption func(*recordParams)

type recordParams struct {
	noSpeech time.Duration
}

// WithNoSpeechTimeout overrides the no-speech timeout for one recording, as
// used by the follow-up window.
func WithNoSpeechTimeout(d time.Duration) RecordOption {
	return func(p *recordParams) {
		if d > 0 {
			p.noSpeech = d
		}
	}
}

// Record blocks until an utterance ends or a limit is hit. An empty
// utterance with [OutcomeNoSpeech] means speech never started. The only
// errors are context cancellation, a closed reader and VAD setup failure.
func (e *Endpointer) Record(ctx context.Context, opts ...RecordOption) (Utterance, error) {
	p := recordParams{noSpeech: e.cfg.NoSpeechTimeout}
	for _, o := range opts {
		o(&p)
	}

	rate := e.src.SampleRate()
	sess, err := e.engine.NewSession(vad.Config{
		SampleRate:     rate,
		FrameSizeMs:    e.cfg.FrameMs,
		Aggressiveness: e.cfg.Aggressiveness,
	})
	if err != nil {
		return Utterance{}, fmt.Errorf("endpoint: open vad session: %w", err)
	}
	defer sess.Close()

	frameDur := time.Duration(e.cfg.FrameMs) * time.Millisecond
	frameBytes := rate * e.cfg.FrameMs / 1000 * audio.BytesPerSample
	hangFrames := max(1, int((e.cfg.Hangover+frameDur-1)/frameDur))
	prerollFrames := int(e.cfg.Preroll / frameDur)
	frameWait := max(4*frameDur, 100*time.Millisecond)

	var (
		votes      = newVoteWindow(e.cfg.StartWindow)
		preroll    = make([][]byte, 0, prerollFrames)
		buf        []byte
		started    bool
		startedAt  time.Time
		silence    int
		consec     int
		outcome    = OutcomeNoSpeech
		recordFrom = e.now()
	)

	for {
		now := e.now()
		limit := p.noSpeech
		if started {
			limit = e.cfg.MaxUtterance
		}
		if now.Sub(recordFrom) >= limit {
			if started {
				outcome = OutcomeMaxLength
			}
			break
		}

		frame, err := e.readFrame(ctx, frameBytes, frameWait)
		if err != nil {
			return Utterance{}, err
		}
		if frame == nil {
			continue
		}

		voiced, err := sess.IsSpeech(frame)
		if err != nil {
			slog.Debug("endpoint: vad error, treating frame as silence", "err", err)
			voiced = false
		}

		if !started {
			votes.push(voiced)
			if voiced {
				consec++
			} else {
				consec = 0
			}
			if votes.full() && votes.count() >= e.cfg.StartMin && consec >= e.cfg.StartConsec {
				for _, f := range preroll {
					buf = append(buf, f...)
				}
				preroll = nil
				buf = append(buf, frame...)
				started = true
				startedAt = now
				silence = 0
				slog.Debug("endpoint: speech started", "after", now.Sub(recordFrom))
				continue
			}
			if prerollFrames > 0 {
				if len(preroll) == prerollFrames {
					copy(preroll, preroll[1:])
					preroll = preroll[:prerollFrames-1]
				}
				preroll = append(preroll, frame)
			}
			continue
		}

		buf = append(buf, frame...)
		if voiced {
			silence = 0
			continue
		}
		silence++
		if silence >= hangFrames && now.Sub(startedAt) >= e.cfg.Guard {
			outcome = OutcomeSpeech
			break
		}
	}

	u := Utterance{PCM: buf, SampleRate: rate, Outcome: outcome}
	e.metrics.RecordUtterance(ctx, u.Duration().Seconds(), string(outcome))
	slog.Debug("endpoint: recording finished", "outcome", outcome, "duration", u.Duration())
	return u, nil
}

// readFrame reads one frame, giving up after wait so the caller can re-check
// its deadlines. A nil frame with nil error means the wait expired.
func (e *Endpointer) readFrame(ctx context.Context, n int, wait time.Duration) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	frame, err := e.src.ReadBytes(rctx, n)
	if err == nil {
		return frame, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return nil, fmt.Errorf("endpoint: read frame: %w", err)
}

// voteWindow is a fixed-size ring of voiced flags.
type voteWindow struct {
	v   []bool
	at  int
	n   int
	sum int
}

func newVoteWindow(size int) *voteWindow {
	return &voteWindow{v: make([]bool, size)}
}

func (w *voteWindow) push(voiced bool) {
	if w.n == len(w.v) && w.v[w.at] {
		w.sum--
	}
	w.v[w.at] = voiced
	if voiced {
		w.sum++
	}
	w.at = (w.at + 1) % len(w.v)
	if w.n < len(w.v) {
		w.n++
	}
}

func (w *voteWindow) full() bool { return w.n == len(w.v) }

func (w *voteWindow) count() int { return w.sum }
