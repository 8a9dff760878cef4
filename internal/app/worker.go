package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/speech/engine"
	"github.com/MrWong99/murmur/internal/statusfeed"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

const offlinePublishTimeout = 2 * time.Second

// WorkerOption configures a [Worker].
type WorkerOption func(*Worker)

// WithWorkerMetrics sets the metrics recorder. Default:
// [observe.DefaultMetrics].
func WithWorkerMetrics(m *observe.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerMetricsHandler serves h on /metrics of the diagnostics listener.
func WithWorkerMetricsHandler(h http.Handler) WorkerOption {
	return func(w *Worker) { w.metricsHandler = h }
}

// Worker owns the speech engine process: it renders and plays say requests
// from the message channel and reports their progress.
type Worker struct {
	cfg     *config.Config
	bus     bus.Bus
	topics  speech.Topics
	engine  *engine.Engine
	health  *health.Handler
	feed    *statusfeed.Feed
	metrics *observe.Metrics

	metricsHandler http.Handler

	closers  []func() error
	stopOnce sync.Once
}

// NewWorker wires the engine to b. renderer is closed on Shutdown when it
// implements io.Closer.
func NewWorker(cfg *config.Config, b bus.Bus, renderer tts.Renderer, player tts.Player, opts ...WorkerOption) (*Worker, error) {
	if b == nil {
		return nil, errors.New("app: the speech engine needs a message channel")
	}
	if renderer == nil || player == nil {
		return nil, errors.New("app: renderer and player are required")
	}
	w := &Worker{cfg: cfg, bus: b, topics: speech.NewTopics(cfg.Bus.BaseTopic)}
	for _, o := range opts {
		o(w)
	}
	if w.metrics == nil {
		w.metrics = observe.DefaultMetrics()
	}

	w.engine = engine.New(b, w.topics, renderer, player, engine.WithMetrics(w.metrics))
	w.feed = statusfeed.New()

	// Offline goes out before the channel closes.
	w.closers = append(w.closers, w.announceOffline, b.Close)
	if c, ok := renderer.(io.Closer); ok {
		w.closers = append(w.closers, c.Close)
	}

	conn := health.Flag("bus", b.Connected, "message channel is down")
	checks := []health.Checker{conn, rendererCheck(renderer)}
	w.health = health.New(checks...)
	return w, nil
}

// rendererCheck probes renderers that expose liveness: a persistent
// process (Alive) or a remote server (Ping).
func rendererCheck(r tts.Renderer) health.Checker {
	switch v := r.(type) {
	case interface{ Alive() bool }:
		c := health.Flag("renderer", v.Alive, "renderer process exited")
		c.Critical = true
		return c
	case interface{ Ping(context.Context) error }:
		return health.Checker{Name: "renderer", Check: v.Ping}
	default:
		return health.Checker{Name: "renderer", Check: func(context.Context) error { return nil }}
	}
}

// Engine returns the speech engine.
func (w *Worker) Engine() *engine.Engine { return w.engine }

// Health returns the health handler.
func (w *Worker) Health() *health.Handler { return w.health }

// AnnounceReady republishes the READY presence. Wire it to the bus's
// reconnect callback.
func (w *Worker) AnnounceReady(ctx context.Context) {
	if err := w.engine.AnnounceReady(ctx); err != nil {
		slog.Warn("app: announce ready", "err", err)
	}
}

// Run subscribes the engine and processes requests until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.health.Startup(ctx); err != nil {
		return err
	}
	if err := w.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}
	if err := w.feed.Attach(w.bus, w.topics); err != nil {
		return fmt.Errorf("app: attach status feed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.engine.Run(gctx) })
	if addr := w.cfg.Server.ListenAddr; addr != "" {
		srv := NewDiagnostics(addr, w.health, w.metricsHandler, w.feed, w.metrics)
		g.Go(func() error { return ServeDiagnostics(gctx, srv) })
	}
	slog.Info("app: speech engine running", "topics", w.topics.Base)
	return g.Wait()
}

func (w *Worker) announceOffline() error {
	if !w.bus.Connected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), offlinePublishTimeout)
	defer cancel()
	return w.bus.Publish(ctx, w.topics.Status, speech.Status{State: speech.Offline}.Marshal(),
		bus.WithQoS(speech.StatusQoS), bus.WithRetain())
}

// Shutdown announces OFFLINE, closes the channel and the renderer.
func (w *Worker) Shutdown(ctx context.Context) error {
	return shutdown(ctx, &w.stopOnce, w.closers)
}
