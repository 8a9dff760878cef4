// Package client is the speaking side of the speech protocol. A [Client]
// publishes one say request per utterance, follows the engine's status
// reports for that id and blocks its caller for the length of the turn.
//
// While the engine plays, the client either listens for the wake word and
// cancels the request when it fires (barge-in), or keeps capture muted until
// the request ends. When the message channel is down the text goes to a
// local speaker instead, so output never fails silently.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/duplex"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/speech"
)

// ErrNoOutput is returned by [Client.Speak] when neither the message channel
// nor a local speaker took the text.
var ErrNoOutput = errors.New("speech client: no output path available")

// BackendFIFO is the local backend name whose Speak returns before playback
// ends.
const BackendFIFO = "fifo"

// Outcome summarises how a turn ended.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeLocal       Outcome = "local"
)

// Result describes one spoken turn.
type Result struct {
	// ID is the request id, or a local- id for the fallback path.
	ID       string
	Outcome  Outcome
	Estimate time.Duration

	// Via names the local backend used, if any.
	Via string
}

// Config tunes the client. Zero fields take the defaults noted.
type Config struct {
	// WordsPerMinute drives the duration estimate. Default: 185.
	WordsPerMinute int

	// PunctPause is added per sentence terminator, half of it per clause
	// separator. Default: 180ms.
	PunctPause time.Duration

	// MinEstimate floors the estimate used for waiting. Default: 600ms.
	MinEstimate time.Duration

	// SpeakingWait bounds the wait for SPEAKING. Default: 5s.
	SpeakingWait time.Duration

	// TurnFloor and TurnMargin bound the whole turn at
	// max(TurnFloor, 2·estimate + TurnMargin). Defaults: 6s and 2s.
	TurnFloor  time.Duration
	TurnMargin time.Duration

	// PublishTimeout bounds each publish. Default: 2s.
	PublishTimeout time.Duration

	// PollInterval is the pause between barge-in polls. Default: 20ms.
	PollInterval time.Duration

	// Settle is waited after a turn before the final bookkeeping.
	// Default: 100ms.
	Settle time.Duration

	// Cooldown keeps capture muted after a turn without barge-in.
	// Default: 500ms; negative disables it.
	Cooldown time.Duration

	// BargeIn enables wake-word interruption during playback.
	BargeIn bool

	// Voice is sent with every request when set.
	Voice string
}

func (c Config) withDefaults() Config {
	if c.WordsPerMinute <= 0 {
		c.WordsPerMinute = 185
	}
	if c.PunctPause <= 0 {
		c.PunctPause = 180 * time.Millisecond
	}
	if c.MinEstimate <= 0 {
		c.MinEstimate = 600 * time.Millisecond
	}
	if c.SpeakingWait <= 0 {
		c.SpeakingWait = 5 * time.Second
	}
	if c.TurnFloor <= 0 {
		c.TurnFloor = 6 * time.Second
	}
	if c.TurnMargin <= 0 {
		c.TurnMargin = 2 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.Settle <= 0 {
		c.Settle = 100 * time.Millisecond
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	} else if c.Cooldown == 0 {
		c.Cooldown = 500 * time.Millisecond
	}
	return c
}

// Hooks are notified about the talking animation. TalkStart and TalkStop
// are called exactly once each per id, in that order, or not at all.
type Hooks struct {
	TalkStart func(id string)
	TalkStop  func(id string)
	Error     func(id, reason string)
}

// Capture is the part of the capture stage the client drives.
type Capture interface {
	Flush()
	SetListen(on bool)
	Listening() bool
}

// Detector is the part of the wake-word detector the client drives.
type Detector interface {
	Reset()
	Poll(ctx context.Context) (bool, error)
	DisarmAfterSpeech()
}

// LocalSpeaker speaks text without the message channel and names the
// backend that took it.
type LocalSpeaker interface {
	SpeakVia(ctx context.Context, text string) (string, error)
}

// Option configures a [Client].
type Option func(*Client)

// WithHooks sets the animation hooks.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// WithCapture sets the capture stage flushed and muted around turns.
func WithCapture(cp Capture) Option {
	return func(c *Client) { c.capture = cp }
}

// WithDetector sets the wake-word detector used for barge-in and re-arming.
func WithDetector(d Detector) Option {
	return func(c *Client) { c.detector = d }
}

// WithLocal sets the fallback speaker.
func WithLocal(ls LocalSpeaker) Option {
	return func(c *Client) { c.local = ls }
}

// WithBreaker replaces the circuit breaker guarding the publish path.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithIDGenerator replaces the request id generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Client) { c.newID = gen }
}

// tracked is the client's view of one request.
type tracked struct {
	state    speech.State
	speaking chan struct{} // closed at SPEAKING or any terminal state
	done     chan struct{} // closed at the terminal state
	talking  bool
	stopped  bool
}

func (t *tracked) advance(to speech.State) {
	t.state = to
	if to == speech.Speaking || to.Terminal() {
		closeOnce(t.speaking)
	}
	if to.Terminal() {
		closeOnce(t.done)
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Client speaks through the engine. Speak is meant to be called from one
// control goroutine; status handling runs on the bus's goroutine.
type Client struct {
	bus      bus.Bus
	topics   speech.Topics
	gate     *duplex.Gate
	hooks    Hooks
	capture  Capture
	detector Detector
	local    LocalSpeaker
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	newID    func() string

	mu    sync.Mutex
	cfg   Config
	track map[string]*tracked
}

// New returns a Client publishing on topics through b. gate is the shared
// half-duplex state.
func New(b bus.Bus, topics speech.Topics, gate *duplex.Gate, cfg Config, opts ...Option) *Client {
	c := &Client{
		bus:    b,
		topics: topics,
		gate:   gate,
		cfg:    cfg.withDefaults(),
		track:  make(map[string]*tracked),
		newID:  newRequestID,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "speech-publish",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Start subscribes to the status topic. With the MQTT bus the subscription
// is renewed on every reconnect.
func (c *Client) Start() error {
	if err := c.bus.Subscribe(c.topics.Status, speech.StatusQoS, c.HandleStatus); err != nil {
		return fmt.Errorf("speech client: subscribe %s: %w", c.topics.Status, err)
	}
	return nil
}

// Config returns the current tuning.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetWordsPerMinute retunes the duration estimate.
func (c *Client) SetWordsPerMinute(wpm int) {
	if wpm <= 0 {
		return
	}
	c.mu.Lock()
	c.cfg.WordsPerMinute = wpm
	c.mu.Unlock()
}

// Estimate returns the expected speaking time of text under the current
// tuning.
func (c *Client) Estimate(text string) time.Duration {
	cfg := c.Config()
	return Estimate(text, cfg.WordsPerMinute, cfg.PunctPause)
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// EstimateSeconds estimates speaking time: words at wpm (never slower than
// 60), punct per sentence terminator, punct/2 per clause separator, plus a
// fixed 0.2 s.
func EstimateSeconds(text string, wpm int, punct time.Duration) float64 {
	words := max(1, len(wordPattern.FindAllStringIndex(text, -1)))
	base := float64(words) * 60 / float64(max(60, wpm))
	terminators := strings.Count(text, ".") + strings.Count(text, "!") +
		strings.Count(text, "?") + strings.Count(text, "…")
	separators := strings.Count(text, ",") + strings.Count(text, ";") + strings.Count(text, ":")
	p := punct.Seconds()
	return base + float64(terminators)*p + float64(separators)*p/2 + 0.2
}

// Estimate is [EstimateSeconds] as a duration.
func Estimate(text string, wpm int, punct time.Duration) time.Duration {
	return time.Duration(EstimateSeconds(text, wpm, punct) * float64(time.Second))
}

// HandleStatus is the status topic handler. Reports for ids this client did
// not publish, presence reports and backward transitions are ignored.
func (c *Client) HandleStatus(msg bus.Message) {
	st, err := speech.ParseStatus(msg.Payload)
	if err != nil {
		slog.Debug("speech client: bad status payload", "err", err)
		return
	}
	if st.State.Presence() {
		slog.Info("speech client: engine presence", "state", st.State)
		return
	}
	if st.ID == "" {
		return
	}

	c.mu.Lock()
	t, ok := c.track[st.ID]
	if !ok || !speech.CanAdvance(t.state, st.State) {
		c.mu.Unlock()
		return
	}
	prev := t.state
	t.advance(st.State)
	var start, stop bool
	switch st.State {
	case speech.Speaking:
		start = c.markTalkingLocked(t)
	case speech.Done, speech.Cancelled:
		stop = c.markStoppedLocked(t)
	case speech.Error:
		start = c.markTalkingLocked(t)
		stop = c.markStoppedLocked(t)
	}
	c.mu.Unlock()

	slog.Debug("speech client: status", "id", st.ID, "from", prev, "to", st.State)
	if start && c.hooks.TalkStart != nil {
		c.hooks.TalkStart(st.ID)
	}
	if st.State == speech.Error {
		slog.Warn("speech client: engine reported error", "id", st.ID, "reason", st.Reason)
		if c.hooks.Error != nil {
			c.hooks.Error(st.ID, st.Reason)
		}
	}
	if stop && c.hooks.TalkStop != nil {
		c.hooks.TalkStop(st.ID)
	}
}

func (c *Client) markTalkingLocked(t *tracked) bool {
	if t.talking {
		return false
	}
	t.talking = true
	return true
}

func (c *Client) markStoppedLocked(t *tracked) bool {
	if !t.talking || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// ensureTalking fires TalkStart for id unless it already ran.
func (c *Client) ensureTalking(id string) {
	c.mu.Lock()
	t, ok := c.track[id]
	start := ok && c.markTalkingLocked(t)
	c.mu.Unlock()
	if start && c.hooks.TalkStart != nil {
		c.hooks.TalkStart(id)
	}
}

// stopTalking fires TalkStop for id if TalkStart ran and TalkStop did not.
func (c *Client) stopTalking(id string) {
	c.mu.Lock()
	t, ok := c.track[id]
	stop := ok && c.markStoppedLocked(t)
	c.mu.Unlock()
	if stop && c.hooks.TalkStop != nil {
		c.hooks.TalkStop(id)
	}
}

// State returns the last state seen for a request that is still tracked.
func (c *Client) State(id string) (speech.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.track[id]
	if !ok {
		return "", false
	}
	return t.state, true
}

// Tracked returns the ids of requests in flight.
func (c *Client) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.track))
	for id := range c.track {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Speak says text and returns when the turn is over. The speaking flag on
// the gate is set for the duration; without barge-in capture is muted too.
func (c *Client) Speak(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}
	cfg := c.Config()

	c.gate.SetSpeaking(true)
	defer c.gate.SetSpeaking(false)
	if !cfg.BargeIn {
		restore := c.gate.Mute()
		defer restore()
	}

	turnStart := time.Now()
	est := max(cfg.MinEstimate, Estimate(text, cfg.WordsPerMinute, cfg.PunctPause))
	id, err := c.publish(ctx, cfg, text, est)
	if err != nil {
		slog.Warn("speech client: message channel unavailable, speaking locally", "err", err)
		res, lerr := c.speakLocal(ctx, cfg, text)
		c.recordTurn(ctx, turnStart, res.Outcome)
		return res, lerr
	}

	res := c.follow(ctx, cfg, id, est)
	c.recordTurn(ctx, turnStart, res.Outcome)
	return res, nil
}

func (c *Client) recordTurn(ctx context.Context, start time.Time, o Outcome) {
	if o == "" {
		return
	}
	c.metrics.SpeechTurnDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(o))))
}

// publish registers a new id and sends the say request through the breaker.
func (c *Client) publish(ctx context.Context, cfg Config, text string, est time.Duration) (string, error) {
	id := c.newID()
	req := speech.Request{ID: id, Text: text, Voice: cfg.Voice}

	c.mu.Lock()
	c.track[id] = &tracked{
		speaking: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.mu.Unlock()

	err := c.breaker.Execute(func() error {
		if !c.bus.Connected() {
			return bus.ErrNotConnected
		}
		pctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
		defer cancel()
		return c.bus.Publish(pctx, c.topics.Say, req.Marshal(), bus.WithQoS(speech.CommandQoS))
	})
	if err != nil {
		c.untrack(id)
		return "", err
	}
	slog.Info("speech client: request sent", "id", id, "chars", len(text), "estimate", est)
	return id, nil
}

func (c *Client) untrack(id string) {
	c.mu.Lock()
	delete(c.track, id)
	c.mu.Unlock()
}

// follow tracks a published request until it ends.
func (c *Client) follow(ctx context.Context, cfg Config, id string, est time.Duration) Result {
	ctx, span := observe.StartSpeechSpan(ctx, "tts.client.speak", id)
	defer span.End()
	log := observe.Logger(ctx)

	c.mu.Lock()
	t := c.track[id]
	c.mu.Unlock()
	defer c.untrack(id)

	res := Result{ID: id, Estimate: est}

	// Synthesis takes a while; the animation starts when the engine speaks
	// or when SpeakingWait runs out, whichever is first.
	if !waitClosed(ctx, t.speaking, cfg.SpeakingWait) && ctx.Err() == nil {
		log.Debug("speech client: no SPEAKING yet, starting animation anyway")
	}
	c.ensureTalking(id)

	turn := max(cfg.TurnFloor, 2*est+cfg.TurnMargin)
	// A muted capture delivers no hops, so there is nothing to watch.
	if cfg.BargeIn && c.capture != nil && c.detector != nil && c.capture.Listening() {
		res.Outcome = c.watchBargeIn(ctx, cfg, id, t, turn)
	} else if waitClosed(ctx, t.done, turn) {
		res.Outcome = outcomeOf(c.stateOf(id))
	} else {
		res.Outcome = OutcomeTimeout
		if ctx.Err() == nil {
			log.Warn("speech client: status timeout, waiting out the estimate", "estimate", est)
			sleep(ctx, est)
		}
	}

	sleep(ctx, cfg.Settle)
	c.stopTalking(id)
	log.Debug("speech client: turn over", "outcome", res.Outcome)
	return res
}

// watchBargeIn polls the detector until the request ends, the turn limit
// passes or the wake word fires. Each poll runs under a context that ends
// with the turn, so a starved capture cannot hold the caller past it.
func (c *Client) watchBargeIn(ctx context.Context, cfg Config, id string, t *tracked, turn time.Duration) Outcome {
	c.capture.Flush()
	c.detector.Reset()

	pctx, cancel := context.WithTimeout(ctx, turn)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-pctx.Done():
		}
	}()

	for {
		if o, over := c.turnOver(pctx, id, t); over {
			return o
		}

		hit, err := c.detector.Poll(pctx)
		if err != nil {
			if pctx.Err() != nil {
				continue
			}
			slog.Warn("speech client: barge-in poll failed", "id", id, "err", err)
		}
		if hit {
			slog.Info("speech client: barge-in, cancelling", "id", id)
			c.metrics.BargeIns.Add(ctx, 1)
			if err := c.Cancel(ctx, id); err != nil {
				slog.Warn("speech client: cancel publish failed", "id", id, "err", err)
			}
			c.stopTalking(id)
			return OutcomeInterrupted
		}

		select {
		case <-pctx.Done():
		case <-time.After(cfg.PollInterval):
		}
	}
}

// turnOver reports how the turn ended once t is terminal or pctx is done.
// A terminal state wins over an expired deadline.
func (c *Client) turnOver(pctx context.Context, id string, t *tracked) (Outcome, bool) {
	select {
	case <-t.done:
		return outcomeOf(c.stateOf(id)), true
	default:
	}
	if pctx.Err() != nil {
		return OutcomeTimeout, true
	}
	return "", false
}

// Cancel asks the engine to stop id. An empty id cancels whatever is
// active.
func (c *Client) Cancel(ctx context.Context, id string) error {
	cfg := c.Config()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.PublishTimeout)
	defer cancel()
	payload := speech.CancelRequest{ID: id, Text: "STOP"}.Marshal()
	if err := c.bus.Publish(pctx, c.topics.Cancel, payload, bus.WithQoS(speech.CommandQoS)); err != nil {
		return fmt.Errorf("speech client: cancel %s: %w", id, err)
	}
	return nil
}

func (c *Client) stateOf(id string) speech.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.track[id]; ok {
		return t.state
	}
	return ""
}

func outcomeOf(s speech.State) Outcome {
	switch s {
	case speech.Done:
		return OutcomeDone
	case speech.Cancelled:
		return OutcomeCancelled
	case speech.Error:
		return OutcomeError
	}
	return OutcomeTimeout
}

// speakLocal hands text to the local speaker, bracketed by the animation
// hooks.
func (c *Client) speakLocal(ctx context.Context, cfg Config, text string) (Result, error) {
	if c.local == nil {
		return Result{}, ErrNoOutput
	}
	id := "local-" + c.newID()
	c.mu.Lock()
	c.track[id] = &tracked{speaking: make(chan struct{}), done: make(chan struct{})}
	c.mu.Unlock()
	defer c.untrack(id)

	c.ensureTalking(id)
	defer c.stopTalking(id)

	via, err := c.local.SpeakVia(ctx, text)
	if err != nil {
		if c.hooks.Error != nil {
			c.hooks.Error(id, err.Error())
		}
		return Result{ID: id}, fmt.Errorf("%w: %w", ErrNoOutput, err)
	}
	c.metrics.LocalFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", via)))

	est := Estimate(text, cfg.WordsPerMinute, cfg.PunctPause)
	if via == BackendFIFO && !cfg.BargeIn {
		sleep(ctx, est)
	}
	slog.Info("speech client: spoke locally", "via", via, "chars", len(text))
	return Result{ID: id, Outcome: OutcomeLocal, Estimate: est, Via: via}, nil
}

// SpeakAndRearm speaks text and prepares listening for the next turn.
// Without barge-in, capture stays muted for the turn plus the cooldown and
// is flushed before it reopens. The detector is always disarmed briefly so
// the tail of the playback cannot trigger it.
func (c *Client) SpeakAndRearm(ctx context.Context, text string) (Result, error) {
	cfg := c.Config()
	if !cfg.BargeIn {
		c.gate.SetListen(false)
		if c.capture != nil {
			c.capture.SetListen(false)
			c.capture.Flush()
		}
	}
	defer func() {
		if cfg.BargeIn {
			if c.detector != nil {
				c.detector.DisarmAfterSpeech()
			}
			return
		}
		c.gate.SetListen(false)
		sleep(ctx, cfg.Cooldown)
		if c.capture != nil {
			c.capture.Flush()
		}
		if c.detector != nil {
			c.detector.DisarmAfterSpeech()
		}
		c.gate.SetListen(true)
		if c.capture != nil {
			c.capture.SetListen(true)
		}
	}()
	return c.Speak(ctx, text)
}

// waitClosed waits up to d for ch to close and reports whether it did.
func waitClosed(ctx context.Context, ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
