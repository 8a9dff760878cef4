// Package app wires the murmur subsystems into running processes.
//
// [App] is the microphone side: capture, wake word, endpointing, speech
// recognition and the conversation loop, speaking through the message
// channel. [Worker] is the speech engine side. Both own their lifecycle: New
// creates and connects the subsystems, Run blocks until the work ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles through [Providers] and the functional
// options. Nil providers that have a sensible local default are filled in by
// New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/bus/memory"
	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/duplex"
	"github.com/MrWong99/murmur/internal/endpoint"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/speech/client"
	"github.com/MrWong99/murmur/internal/statusfeed"
	"github.com/MrWong99/murmur/internal/transcript"
	"github.com/MrWong99/murmur/internal/wakeword"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/vad"
	wwprovider "github.com/MrWong99/murmur/pkg/provider/wakeword"
)

// Providers holds the external pieces the front-end is built from.
// Populated by main.go via the config registry.
type Providers struct {
	// Source is the microphone. Required.
	Source audio.Source

	// Wakeword scores audio windows. Required.
	Wakeword wwprovider.Model

	// VAD classifies frames for the endpointer. Required.
	VAD vad.Engine

	// STT transcribes utterances. Required.
	STT stt.Transcriber

	// Bus is the message channel. Nil runs without one: every prompt goes
	// to the local speaker.
	Bus bus.Bus

	// Local speaks when the message channel is down. Optional.
	Local client.LocalSpeaker

	// Responder answers turns. Nil publishes them on the assistant topic.
	Responder Responder
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics of the diagnostics listener.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithAssistantOptions passes options through to the conversation loop.
func WithAssistantOptions(opts ...AssistantOption) Option {
	return func(a *App) { a.assistantOpts = append(a.assistantOpts, opts...) }
}

// App owns the front-end subsystems.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	gate      *duplex.Gate
	capture   *capture.Capture
	detector  *wakeword.Detector
	recorder  *endpoint.Endpointer
	bus       bus.Bus
	speaker   *client.Client
	responder Responder
	assistant *Assistant
	health    *health.Handler
	feed      *statusfeed.Feed

	metricsHandler http.Handler
	assistantOpts  []AssistantOption

	// starters run at the beginning of Run, after capture is open.
	starters []func() error

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// New creates an App by wiring the providers together. Nothing is started
// until Run.
func New(cfg *config.Config, p Providers, opts ...Option) (*App, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.gate = duplex.New()
	a.capture = capture.New(p.Source, a.gate,
		capture.WithGainDB(cfg.Audio.GainDB),
		capture.WithLevelWindow(cfg.Audio.LevelWindow),
		capture.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.capture.Stop)

	det, err := wakeword.New(a.capture, p.Wakeword, DetectorConfig(cfg.Wakeword), wakeword.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: wake word detector: %w", err)
	}
	a.detector = det
	a.closers = append(a.closers, det.Close)

	a.recorder = endpoint.New(a.capture, p.VAD, EndpointConfig(cfg.VAD), endpoint.WithMetrics(a.metrics))

	a.initBus(p.Bus)

	topics := speech.NewTopics(cfg.Bus.BaseTopic)
	copts := []client.Option{
		client.WithCapture(a.capture),
		client.WithDetector(a.detector),
		client.WithMetrics(a.metrics),
	}
	if p.Local != nil {
		copts = append(copts, client.WithLocal(p.Local))
	}
	a.speaker = client.New(a.bus, topics, a.gate, ClientConfig(cfg.TTS), copts...)
	a.starters = append(a.starters, a.speaker.Start)

	a.feed = statusfeed.New()
	a.starters = append(a.starters, func() error { return a.feed.Attach(a.bus, topics) })

	a.responder = p.Responder
	if a.responder == nil {
		br := NewBusResponder(a.bus, cfg.Assistant.Topic, cfg.Assistant.ReplyTimeout)
		a.starters = append(a.starters, br.Start)
		a.responder = br
	}

	a.assistant = NewAssistant(cfg.Assistant, a.capture, a.detector, a.recorder, a.speaker,
		p.STT, NewMatcher(cfg.Assistant), a.responder, a.assistantOpts...)

	mic := health.Flag("capture", a.capture.Running, "capture stream is not running")
	mic.Critical = true
	checks := []health.Checker{
		mic,
		health.Flag("bus", a.bus.Connected, "message channel is down"),
	}
	if hc, ok := p.STT.(stt.HealthChecker); ok {
		checks = append(checks, health.Checker{
			Name: "stt",
			Check: func(ctx context.Context) error {
				h, err := hc.Healthz(ctx)
				if err != nil {
					return err
				}
				if !h.OK {
					return errors.New("recognizer reports not ok")
				}
				return nil
			},
		})
	}
	a.health = health.New(checks...)

	return a, nil
}

func (p Providers) validate() error {
	var errs []error
	if p.Source == nil {
		errs = append(errs, errors.New("app: audio source is required"))
	}
	if p.Wakeword == nil {
		errs = append(errs, errors.New("app: wake word model is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("app: vad engine is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("app: transcriber is required"))
	}
	return errors.Join(errs...)
}

// initBus takes ownership of b or, without one, uses a disconnected
// in-process channel so every publish fails over to the local speaker.
func (a *App) initBus(b bus.Bus) {
	if b != nil {
		a.bus = b
		a.closers = append(a.closers, b.Close)
		return
	}
	slog.Warn("app: no message channel configured, speaking locally")
	mb := memory.New()
	mb.SetConnected(false)
	a.bus = mb
	a.closers = append(a.closers, mb.Close)
}

// Detector exposes the wake-word detector for live retuning.
func (a *App) Detector() *wakeword.Detector { return a.detector }

// Speaker exposes the speech client for live retuning.
func (a *App) Speaker() *client.Client { return a.speaker }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// Run opens the microphone, subscribes to the message channel and runs the
// conversation loop until an exit phrase (nil) or ctx ends (ctx.Err()).
func (a *App) Run(ctx context.Context) error {
	if err := a.capture.Start(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	for _, start := range a.starters {
		if err := start(); err != nil {
			return fmt.Errorf("app: start: %w", err)
		}
	}
	if err := a.health.Startup(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return a.assistant.Run(runCtx)
	})
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := NewDiagnostics(addr, a.health, a.metricsHandler, a.feed, a.metrics)
		g.Go(func() error { return ServeDiagnostics(runCtx, srv) })
	}

	slog.Info("app: running", "bus", a.bus.Connected(), "barge_in", a.cfg.TTS.BargeIn)
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The assistant stopped on request and cancelled the rest.
		return nil
	}
	return err
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	return shutdown(ctx, &a.stopOnce, a.closers)
}

func shutdown(ctx context.Context, once *sync.Once, closers []func() error) error {
	var shutdownErr error
	once.Do(func() {
		slog.Info("app: shutting down", "closers", len(closers))
		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// DetectorConfig converts the wake-word section into detector tuning.
func DetectorConfig(c config.WakewordConfig) wakeword.Config {
	return wakeword.Config{
		Key:          c.Key,
		Threshold:    c.Threshold,
		RearmRatio:   c.RearmRatio,
		RearmLowHops: c.RearmLowHops,
		MinGap:       c.MinGap,
		AfterSpeech:  c.AfterSpeech,
		Window:       c.Window,
		Hop:          c.Hop,
	}
}

// EndpointConfig converts the VAD section into endpointer tuning. Zero
// guard, preroll and aggressiveness take the defaults.
func EndpointConfig(c config.VADConfig) endpoint.Config {
	d := endpoint.DefaultConfig()
	ec := endpoint.Config{
		FrameMs:         c.FrameMs,
		Aggressiveness:  c.Aggressiveness,
		StartWindow:     c.StartWindow,
		StartMin:        c.StartMin,
		StartConsec:     c.StartConsec,
		Hangover:        c.Hangover,
		Guard:           c.Guard,
		Preroll:         c.Preroll,
		MaxUtterance:    c.MaxUtterance,
		NoSpeechTimeout: c.NoSpeechTimeout,
	}
	if ec.Guard == 0 {
		ec.Guard = d.Guard
	}
	if ec.Preroll == 0 {
		ec.Preroll = d.Preroll
	}
	if ec.Aggressiveness == 0 {
		ec.Aggressiveness = d.Aggressiveness
	}
	return ec
}

// ClientConfig converts the TTS section into speech client tuning.
func ClientConfig(c config.TTSConfig) client.Config {
	return client.Config{
		WordsPerMinute: int(c.WordsPerMinute),
		PunctPause:     c.PunctPause,
		SpeakingWait:   c.SpeakingWait,
		PublishTimeout: c.PublishTimeout,
		Cooldown:       c.Cooldown,
		BargeIn:        c.BargeIn,
		Voice:          c.Voice,
	}
}

// NewMatcher builds the transcript matcher from the assistant section.
// Empty phrase lists keep the built-in ones.
func NewMatcher(c config.AssistantConfig) *transcript.Matcher {
	var opts []transcript.Option
	if len(c.WakePhrases) > 0 {
		opts = append(opts, transcript.WithWakePhrases(c.WakePhrases...))
	}
	if len(c.ExitPhrases) > 0 {
		opts = append(opts, transcript.WithExitPhrases(c.ExitPhrases...))
	}
	if len(c.StopPhrases) > 0 {
		opts = append(opts, transcript.WithStopPhrases(c.StopPhrases...))
	}
	return transcript.New(opts...)
}
