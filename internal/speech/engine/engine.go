// Package engine implements the speech engine: a single worker that takes
// say requests off the message channel, renders them, plays them and reports
// each request's progress on the status topic.
//
// At most one request is active at a time; the rest wait in FIFO order.
// Repeated deliveries of the same id are dropped. A cancel for the active id
// stops playback (or discards the artifact if rendering is still running); a
// cancel for a queued id removes it. For every accepted id exactly one
// terminal status is published.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// ReasonPlaybackFailed is the ERROR reason for a failed player run.
const ReasonPlaybackFailed = "playback_failed"

const statusPublishTimeout = 2 * time.Second

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces time.Now, for request ids and the de-duplication cache.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRecentIDs replaces the de-duplication cache.
func WithRecentIDs(r *speech.RecentIDs) Option {
	return func(e *Engine) { e.recent = r }
}

// Engine is the speech worker. Create it with [New], register it with
// [Engine.Start] and drive it with [Engine.Run].
type Engine struct {
	bus      bus.Bus
	topics   speech.Topics
	renderer tts.Renderer
	player   tts.Player
	recent   *speech.RecentIDs
	metrics  *observe.Metrics
	now      func() time.Time

	wake chan struct{}

	mu        sync.Mutex
	queue     []speech.Request
	active    string
	cancelled bool
	stopPlay  context.CancelFunc
}

// New returns an Engine publishing on topics through b.
func New(b bus.Bus, topics speech.Topics, r tts.Renderer, p tts.Player, opts ...Option) *Engine {
	e := &Engine{
		bus:      b,
		topics:   topics,
		renderer: r,
		player:   p,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(e)
	}
	if e.recent == nil {
		e.recent = speech.NewRecentIDs(0, 0)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Start subscribes to the say and cancel topics and announces READY.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.bus.Subscribe(e.topics.Say, speech.CommandQoS, e.HandleSay); err != nil {
		return err
	}
	if err := e.bus.Subscribe(e.topics.Cancel, speech.CommandQoS, e.HandleCancel); err != nil {
		return err
	}
	return e.AnnounceReady(ctx)
}

// AnnounceReady publishes the retained READY presence status. It is called
// again after every reconnect.
func (e *Engine) AnnounceReady(ctx context.Context) error {
	if !e.bus.Connected() {
		return bus.ErrNotConnected
	}
	err := e.bus.Publish(ctx, e.topics.Status, speech.Status{State: speech.Ready}.Marshal(),
		bus.WithQoS(speech.StatusQoS), bus.WithRetain())
	if err == nil {
		slog.Info("tts engine: ready", "topic", e.topics.Status)
	}
	return err
}

// Active returns the id being rendered or played, or "".
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Pending returns the number of queued requests.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// HandleSay is the say topic handler.
func (e *Engine) HandleSay(msg bus.Message) {
	req, err := speech.ParseRequest(msg.Payload, e.now())
	if err != nil {
		slog.Debug("tts engine: ignoring empty say")
		return
	}
	ctx := context.Background()
	if !e.recent.Remember(req.ID, e.now()) {
		slog.Info("tts engine: duplicate say ignored", "id", req.ID)
		e.metrics.TTSDuplicates.Add(ctx, 1)
		return
	}

	e.mu.Lock()
	e.queue = append(e.queue, req)
	depth := len(e.queue)
	e.mu.Unlock()
	e.metrics.TTSQueueDepth.Add(ctx, 1)
	slog.Debug("tts engine: queued", "id", req.ID, "depth", depth)

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// HandleCancel is the cancel topic handler.
func (e *Engine) HandleCancel(msg bus.Message) {
	target := speech.ParseCancel(msg.Payload)

	e.mu.Lock()
	active := e.active
	if target == "" {
		if active == "" {
			e.mu.Unlock()
			slog.Warn("tts engine: cancel without id ignored, nothing active")
			return
		}
		slog.Warn("tts engine: cancel without id applies to active request", "id", active)
		target = active
	}
	hit := false
	if target == active {
		e.cancelled = true
		if e.stopPlay != nil {
			e.stopPlay()
		}
		hit = true
	}
	removed := e.removePendingLocked(target)
	e.mu.Unlock()

	ctx := context.Background()
	if removed > 0 {
		e.metrics.TTSQueueDepth.Add(ctx, -int64(removed))
		e.publish(ctx, speech.Status{State: speech.Cancelled, ID: target})
		hit = true
	}
	if !hit {
		slog.Info("tts engine: cancel ignored, id neither active nor queued", "id", target)
	}
}

func (e *Engine) removePendingLocked(id string) int {
	before := len(e.queue)
	e.queue = slices.DeleteFunc(e.queue, func(r speech.Request) bool { return r.ID == id })
	return before - len(e.queue)
}

// Run processes queued requests one at a time until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		req, ok := e.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
				continue
			}
		}
		e.process(ctx, req)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// next dequeues the oldest request and makes it active under the same lock,
// so a cancel always finds the id either queued or active.
func (e *Engine) next() (speech.Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return speech.Request{}, false
	}
	req := e.queue[0]
	e.queue = e.queue[1:]
	e.active = req.ID
	e.cancelled = false
	e.stopPlay = nil
	e.metrics.TTSQueueDepth.Add(context.Background(), -1)
	return req, true
}

// process runs the active request through render and playback. The cancel
// flag is consulted before and after each stage, so a request yields
// exactly one terminal status.
func (e *Engine) process(ctx context.Context, req speech.Request) {
	ctx, span := observe.StartSpeechSpan(ctx, "tts.engine.process", req.ID)
	defer span.End()
	log := observe.Logger(ctx)

	playCtx, stop := context.WithCancel(ctx)
	defer stop()
	e.mu.Lock()
	e.stopPlay = stop
	early := e.cancelled
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.active = ""
		e.stopPlay = nil
		e.mu.Unlock()
	}()

	if early {
		log.Info("tts engine: cancelled before start")
		e.publish(ctx, speech.Status{State: speech.Cancelled, ID: req.ID})
		return
	}

	e.publish(ctx, speech.Status{State: speech.Start, ID: req.ID})

	synthStart := time.Now()
	path, err := e.renderer.Render(ctx, req.Text, tts.Voice{ID: req.Voice})
	synth := time.Since(synthStart)
	e.metrics.SynthDuration.Record(ctx, synth.Seconds())

	if e.isCancelled() {
		if err == nil {
			removeArtifact(path)
		}
		log.Info("tts engine: cancelled during synthesis", "synth", synth)
		e.publish(ctx, speech.Status{State: speech.Cancelled, ID: req.ID})
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		log.Error("tts engine: render failed", "err", err)
		e.publish(ctx, speech.Status{State: speech.Error, ID: req.ID, Reason: err.Error()})
		return
	}

	e.publish(ctx, speech.Status{State: speech.Speaking, ID: req.ID})
	playStart := time.Now()
	err = e.player.Play(playCtx, path)
	play := time.Since(playStart)
	removeArtifact(path)

	cancelled := e.isCancelled()
	e.metrics.PlaybackDuration.Record(ctx, play.Seconds(),
		metric.WithAttributes(attribute.Bool("cancelled", cancelled)))

	switch {
	case cancelled:
		log.Info("tts engine: cancelled during playback", "synth", synth, "play", play)
		e.publish(ctx, speech.Status{State: speech.Cancelled, ID: req.ID})
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "playback failed")
		log.Error("tts engine: playback failed", "err", err, "synth", synth, "play", play)
		e.publish(ctx, speech.Status{State: speech.Error, ID: req.ID, Reason: ReasonPlaybackFailed})
	default:
		log.Info("tts engine: finished", "synth", synth, "play", play, "total", synth+play)
		e.publish(ctx, speech.Status{State: speech.Done, ID: req.ID})
	}
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// publish sends a status update. It survives cancellation of ctx so that a
// request interrupted by shutdown still reports its outcome.
func (e *Engine) publish(ctx context.Context, st speech.Status) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusPublishTimeout)
	defer cancel()
	if err := e.bus.Publish(pctx, e.topics.Status, st.Marshal(), bus.WithQoS(speech.StatusQoS)); err != nil {
		slog.Warn("tts engine: status publish failed", "id", st.ID, "state", st.State, "err", err)
		return
	}
	e.metrics.RecordTTSStatus(pctx, string(st.State))
}

func removeArtifact(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("tts engine: remove artifact", "path", path, "err", err)
	}
}
