package client_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/bus"
	"github.com/MrWong99/murmur/internal/bus/memory"
	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/duplex"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/internal/speech"
	"github.com/MrWong99/murmur/internal/speech/client"
	"github.com/MrWong99/murmur/internal/speech/engine"
	"github.com/MrWong99/murmur/internal/wakeword"
	audiomock "github.com/MrWong99/murmur/pkg/audio/mock"
	"github.com/MrWong99/murmur/pkg/provider/tts/fifo"
	"github.com/MrWong99/murmur/pkg/provider/tts/mock"
	wwmock "github.com/MrWong99/murmur/pkg/provider/wakeword/mock"
)

// fastConfig keeps turns short.
func fastConfig() client.Config {
	return client.Config{
		SpeakingWait: time.Second,
		PollInterval: 5 * time.Millisecond,
		Settle:       time.Millisecond,
		Cooldown:     time.Millisecond,
	}
}

type hookLog struct {
	mu     sync.Mutex
	events []string
}

func (h *hookLog) hooks() client.Hooks {
	return client.Hooks{
		TalkStart: func(id string) { h.add("start:" + id) },
		TalkStop:  func(id string) { h.add("stop:" + id) },
		Error:     func(id, reason string) { h.add("error:" + id + ":" + reason) },
	}
}

func (h *hookLog) add(e string) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *hookLog) get() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.events)
}

type fakeCapture struct {
	mu      sync.Mutex
	flushes int
	listen  []bool
}

func (c *fakeCapture) Flush() {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
}

func (c *fakeCapture) SetListen(on bool) {
	c.mu.Lock()
	c.listen = append(c.listen, on)
	c.mu.Unlock()
}

func (c *fakeCapture) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listen) == 0 || c.listen[len(c.listen)-1]
}

type fakeDetector struct {
	mu       sync.Mutex
	hitAfter int // 0 never fires
	polls    int
	resets   int
	disarms  int
}

func (d *fakeDetector) Reset() {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
}

func (d *fakeDetector) Poll(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	return d.hitAfter > 0 && d.polls >= d.hitAfter, nil
}

func (d *fakeDetector) DisarmAfterSpeech() {
	d.mu.Lock()
	d.disarms++
	d.mu.Unlock()
}

func startEngine(t *testing.T, b *memory.Bus, topics speech.Topics, p *mock.Player) {
	t.Helper()
	e := engine.New(b, topics, &mock.Renderer{Dir: t.TempDir()}, p)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// scriptEngine answers every say request with the given states.
func scriptEngine(t *testing.T, b *memory.Bus, topics speech.Topics, reason string, states ...speech.State) {
	t.Helper()
	err := b.Subscribe(topics.Say, 1, func(m bus.Message) {
		req, err := speech.ParseRequest(m.Payload, time.Now())
		if err != nil {
			t.Errorf("bad say payload: %v", err)
			return
		}
		for _, s := range states {
			st := speech.Status{State: s, ID: req.ID}
			if s == speech.Error {
				st.Reason = reason
			}
			_ = b.Publish(context.Background(), topics.Status, st.Marshal())
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEstimateSeconds(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		wpm   int
		punct time.Duration
		want  float64
	}{
		{name: "two sentences", text: "Hallo. Wie geht es dir?", wpm: 185, punct: 180 * time.Millisecond, want: 5*60.0/185 + 0.36 + 0.2},
		{name: "clause separators count half", text: "Hallo, Welt!", wpm: 185, punct: 180 * time.Millisecond, want: 2*60.0/185 + 0.18 + 0.09 + 0.2},
		{name: "no words counts one", text: "...", wpm: 185, punct: 0, want: 60.0/185 + 0.2},
		{name: "rate floored at 60", text: "eins zwei", wpm: 30, punct: 0, want: 2.2},
		{name: "umlauts are word characters", text: "Grüße aus Köln", wpm: 60, punct: 0, want: 3.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := client.EstimateSeconds(tt.text, tt.wpm, tt.punct)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EstimateSeconds(%q) = %.6f, want %.6f", tt.text, got, tt.want)
			}
		})
	}

	got := client.EstimateSeconds("Hallo. Wie geht es dir?", 185, 180*time.Millisecond)
	if math.Abs(got-2.1816) > 0.0001 {
		t.Errorf("literal scenario = %.6f, want ≈2.1816", got)
	}
}

func TestClient_SetWordsPerMinute(t *testing.T) {
	c := client.New(memory.New(), speech.NewTopics(""), duplex.New(), client.Config{})
	before := c.Estimate("eins zwei drei")
	c.SetWordsPerMinute(370)
	after := c.Estimate("eins zwei drei")
	if after >= before {
		t.Errorf("estimate did not shrink: before %v after %v", before, after)
	}
	c.SetWordsPerMinute(0)
	if c.Config().WordsPerMinute != 370 {
		t.Errorf("non-positive rate applied: %d", c.Config().WordsPerMinute)
	}
}

func TestSpeak_FullCycleThroughEngine(t *testing.T) {
	b := memory.New()
	topics := speech.NewTopics("test/tts")
	player := &mock.Player{PlayDuration: 30 * time.Millisecond}
	startEngine(t, b, topics, player)

	var hooks hookLog
	gate := duplex.New()
	c := client.New(b, topics, gate, fastConfig(), client.WithHooks(hooks.hooks()))
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	res, err := c.Speak(context.Background(), "Hallo. Wie geht es dir?")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Outcome != client.OutcomeDone {
		t.Errorf("outcome = %q, want done", res.Outcome)
	}
	if len(res.ID) != 12 {
		t.Errorf("id %q, want 12 hex chars", res.ID)
	}
	want := []string{"start:" + res.ID, "stop:" + res.ID}
	if got := hooks.get(); !slices.Equal(got, want) {
		t.Errorf("hooks = %v, want %v", got, want)
	}
	if player.Plays() != 1 {
		t.Errorf("plays = %d, want 1", player.Plays())
	}
	if gate.Speaking() || !gate.Listening() {
		t.Errorf("gate after turn: speaking=%v listening=%v", gate.Speaking(), gate.Listening())
	}
	if ids := c.Tracked(); len(ids) != 0 {
		t.Errorf("still tracking %v", ids)
	}
}

func TestSpeak_MutesWithoutBargeIn(t *testing.T) {
	b := memory.New()
	topics := speech.NewTopics("")
	gate := duplex.New()

	var listening, speaking bool
	err := b.Subscribe(topics.Say, 1, func(bus.Message) {
		listening, speaking = gate.Listening(), gate.Speaking()
	})
	if err != nil {
		t.Fatal(err)
	}
	scriptEngine(t, b, topics, "", speech.Start, speech.Speaking, speech.Done)

	c := client.New(b, topics, gate, fastConfig())
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Speak(context.Background(), "Hallo"); err != nil {
		t.Fatal(err)
	}
	if listening || !speaking {
		t.Errorf("during turn: listening=%v speaking=%v, want false/true", listening, speaking)
	}
	if !gate.Listening() {
		t.Error("listening not restored")
	}
}

func TestSpeak_StatusHandlingIsIdempotent(t *testing.T) {
	tests := []struct {
		name        string
		states      []speech.State
		reason      string
		wantOutcome client.Outcome
		wantHooks   func(id string) []string
	}{
		{
			name:        "duplicates and backward steps ignored",
			states:      []speech.State{speech.Start, speech.Speaking, speech.Start, speech.Speaking, speech.Done, speech.Done, speech.Cancelled},
			wantOutcome: client.OutcomeDone,
			wantHooks:   func(id string) []string { return []string{"start:" + id, "stop:" + id} },
		},
		{
			name:        "cancelled during synthesis",
			states:      []speech.State{speech.Start, speech.Cancelled},
			wantOutcome: client.OutcomeCancelled,
			wantHooks:   func(id string) []string { return []string{"start:" + id, "stop:" + id} },
		},
		{
			name:        "error reports reason",
			states:      []speech.State{speech.Start, speech.Error},
			reason:      "playback_failed",
			wantOutcome: client.OutcomeError,
			wantHooks: func(id string) []string {
				return []string{"start:" + id, "error:" + id + ":playback_failed", "stop:" + id}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New()
			topics := speech.NewTopics("")
			scriptEngine(t, b, topics, tt.reason, tt.states...)

			var hooks hookLog
			c := client.New(b, topics, duplex.New(), fastConfig(), client.WithHooks(hooks.hooks()))
			if err := c.Start(); err != nil {
				t.Fatal(err)
			}
			res, err := c.Speak(context.Background(), "Guten Tag")
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", res.Outcome, tt.wantOutcome)
			}
			if got, want := hooks.get(), tt.wantHooks(res.ID); !slices.Equal(got, want) {
				t.Errorf("hooks = %v, want %v", got, want)
			}
		})
	}
}

func TestSpeak_IgnoresForeignStatus(t *testing.T) {
	b := memory.New()
	topics := speech.NewTopics("")
	var hooks hookLog
	c := client.New(b, topics, duplex.New(), fastConfig(), client.WithHooks(hooks.hooks()))
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{
		`{"id":"someone-else","state":"SPEAKING"}`,
		`{"state":"READY"}`,
		`not json`,
	} {
		_ = b.Publish(context.Background(), topics.Status, []byte(p))
	}
	if got := hooks.get(); len(got) != 0 {
		t.Errorf("hooks fired for foreign status: %v", got)
	}
}

func TestSpeak_TimeoutFallsBackToEstimate(t *testing.T) {
	b := memory.New()
	topics := speech.NewTopics("")
	// Nobody answers.
	var hooks hookLog
	cfg := fastConfig()
	cfg.SpeakingWait = 20 * time.Millisecond
	cfg.TurnFloor = 50 * time.Millisecond
	cfg.TurnMargin = time.Millisecond
	cfg.MinEstimate = time.Millisecond
	cfg.WordsPerMinute = 6000
	c := client.New(b, topics, duplex.New(), cfg, client.WithHooks(hooks.hooks()))

	start := time.Now()
	res, err := c.Speak(context.Background(), "Hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != client.OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", res.Outcome)
	}
	// turn limit 2·est+margin, then the estimate itself
	if elapsed := time.Since(start); elapsed < 3*res.Estimate {
		t.Errorf("returned after %v, want at least %v", elapsed, 3*res.Estimate)
	}
	want := []string{"start:" + res.ID, "stop:" + res.ID}
	if got := hooks.get(); !slices.Equal(got, want) {
		t.Errorf("hooks = %v, want %v", got, want)
	}
}

func TestSpeak_BargeInCancelsPlayback(t *testing.T) {
	b := memory.New()
	topics := speech.NewTopics("")
	player := &mock.Player{PlayDuration: 5 * time.Second}
	startEngine(t, b, topics, player)

	var hooks hookLog
	capture := &fakeCapture{}
	detector := &fakeDetector{hitAfter: 3}
	cfg := fastConfig()
	cfg.BargeIn = true
	gate := duplex.New()
	c := client.New(b, topics, gate, cfg,
		client.WithHooks(hooks.hooks()),
		client.WithCapture(capture),
		client.WithDetector(detector))
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res, err := c.Speak(context.Background(), "Das ist ein sehr langer Satz.")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != client.OutcomeInterrupted {
		t.Fatalf("outcome = %q, want interrupted", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("barge-in took %v", elapsed)
	}
	if capture.flushes != 1 || detector.resets != 1 {
		t.Errorf("flushes=%d resets=%d, want 1/1", capture.flushes, detector.resets)
	}

	cancels := b.Published(topics.Cancel)
	if len(cancels) != 1 || speech.ParseCancel(cancels[0].Payload) != res.ID {
		t.Fatalf("cancel messages = %v, want one for %s", cancels, res.ID)
	}
	if !strings.Contains(string(cancels[0].Payload), `"STOP"`) {
		t.Errorf("cancel payload %s lacks STOP", cancels[0].Payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var cancelledSeen bool
		for _, m := range b.Published(topics.Status) {
			st, _ := speech.ParseStatus(m.Payload)
			if st.ID == res.ID && st.State == speech.Cancelled {
				cancelledSeen = true
			}
		}
		if cancelledSeen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never reported CANCELLED")
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := []string{"start:" + res.ID, "stop:" + res.ID}
	if got := hooks.get(); !slices.Equal(got, want) {
		t.Errorf("hooks = %v, want %v", got, want)
	}
	if !gate.Listening() {
		t.Error("barge-in turn must not mute capture")
	}
}

func TestSpeak_LocalFallback(t *testing.T) {
	tests := []struct {
		name    string
		fifoErr error
		wantVia string
	}{
		{name: "fifo reader present", wantVia: "fifo"},
		{name: "no fifo reader", fifoErr: fifo.ErrUnavailable, wantVia: "oneshot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New()
			b.SetConnected(false)

			fifoSpeaker := &mock.Speaker{Err: tt.fifoErr}
			oneshot := &mock.Speaker{}
			local := resilience.NewSpeakerFallback(fifoSpeaker, client.BackendFIFO, resilience.FallbackConfig{})
			local.AddFallback("oneshot", oneshot)

			var hooks hookLog
			cfg := fastConfig()
			cfg.BargeIn = true // no estimate sleep after the fifo write
			c := client.New(b, speech.NewTopics(""), duplex.New(), cfg,
				client.WithHooks(hooks.hooks()), client.WithLocal(local))

			res, err := c.Speak(context.Background(), "Hallo Welt")
			if err != nil {
				t.Fatalf("Speak: %v", err)
			}
			if res.Outcome != client.OutcomeLocal || res.Via != tt.wantVia {
				t.Errorf("result = %+v, want local via %s", res, tt.wantVia)
			}
			if !strings.HasPrefix(res.ID, "local-") {
				t.Errorf("id = %q, want local- prefix", res.ID)
			}
			want := []string{"start:" + res.ID, "stop:" + res.ID}
			if got := hooks.get(); !slices.Equal(got, want) {
				t.Errorf("hooks = %v, want %v", got, want)
			}
			if len(b.Published("")) != 0 {
				t.Error("published while disconnected")
			}
		})
	}
}

func TestSpeak_NoOutputPath(t *testing.T) {
	b := memory.New()
	b.SetConnected(false)
	c := client.New(b, speech.NewTopics(""), duplex.New(), fastConfig())
	if _, err := c.Speak(context.Background(), "Hallo"); !errors.Is(err, client.ErrNoOutput) {
		t.Fatalf("err = %v, want ErrNoOutput", err)
	}
}

func TestSpeak_BreakerSkipsDeadChannel(t *testing.T) {
	b := memory.New()
	b.SetConnected(false)
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "publish", MaxFailures: 2, ResetTimeout: time.Hour,
	})
	local := resilience.NewSpeakerFallback(&mock.Speaker{}, "oneshot", resilience.FallbackConfig{})
	c := client.New(b, speech.NewTopics(""), duplex.New(), fastConfig(),
		client.WithBreaker(cb), client.WithLocal(local))

	for range 2 {
		if _, err := c.Speak(context.Background(), "Hallo"); err != nil {
			t.Fatal(err)
		}
	}
	if cb.State() != resilience.StateOpen {
		t.Fatalf("breaker = %v, want open", cb.State())
	}

	// The channel comes back but the breaker still routes locally.
	b.SetConnected(true)
	res, err := c.Speak(context.Background(), "Hallo")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != client.OutcomeLocal {
		t.Errorf("outcome = %q, want local while breaker is open", res.Outcome)
	}
	if len(b.Published("")) != 0 {
		t.Error("published through an open breaker")
	}
}

func TestSpeak_EmptyTextIsNoop(t *testing.T) {
	b := memory.New()
	var hooks hookLog
	c := client.New(b, speech.NewTopics(""), duplex.New(), fastConfig(), client.WithHooks(hooks.hooks()))
	res, err := c.Speak(context.Background(), "  \n")
	if err != nil || res.Outcome != "" {
		t.Errorf("Speak(blank) = %+v, %v", res, err)
	}
	if len(b.Published("")) != 0 || len(hooks.get()) != 0 {
		t.Error("blank text produced output")
	}
}

func TestSpeakAndRearm(t *testing.T) {
	tests := []struct {
		name       string
		bargeIn    bool
		wantListen []bool
		wantFlush  int
	}{
		{name: "half duplex", bargeIn: false, wantListen: []bool{false, true}, wantFlush: 2},
		{name: "barge-in", bargeIn: true, wantListen: nil, wantFlush: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New()
			topics := speech.NewTopics("")
			gate := duplex.New()
			var listenDuringTurn bool
			err := b.Subscribe(topics.Say, 1, func(bus.Message) { listenDuringTurn = gate.Listening() })
			if err != nil {
				t.Fatal(err)
			}
			scriptEngine(t, b, topics, "", speech.Start, speech.Speaking, speech.Done)

			capture := &fakeCapture{}
			detector := &fakeDetector{}
			cfg := fastConfig()
			cfg.BargeIn = tt.bargeIn
			c := client.New(b, topics, gate, cfg, client.WithCapture(capture), client.WithDetector(detector))
			if err := c.Start(); err != nil {
				t.Fatal(err)
			}

			res, err := c.SpeakAndRearm(context.Background(), "Alles klar.")
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != client.OutcomeDone {
				t.Errorf("outcome = %q, want done", res.Outcome)
			}
			if listenDuringTurn == !tt.bargeIn {
				t.Errorf("listening during turn = %v", listenDuringTurn)
			}
			if !gate.Listening() {
				t.Error("listening not restored")
			}
			if !slices.Equal(capture.listen, tt.wantListen) {
				t.Errorf("capture listen calls = %v, want %v", capture.listen, tt.wantListen)
			}
			if capture.flushes != tt.wantFlush {
				t.Errorf("flushes = %d, want %d", capture.flushes, tt.wantFlush)
			}
			if detector.disarms != 1 {
				t.Errorf("disarms = %d, want 1", detector.disarms)
			}
		})
	}
}

// liveListener is a running capture on a silent source with a detector
// reading from it.
func liveListener(t *testing.T, gate *duplex.Gate) (*capture.Capture, *wakeword.Detector, *wwmock.Model) {
	t.Helper()
	cp := capture.New(&audiomock.Source{Rate: 16000}, gate)
	if err := cp.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cp.Stop() })
	model := &wwmock.Model{Key: "wake"}
	det, err := wakeword.New(cp, model, wakeword.Config{Key: "wake"})
	if err != nil {
		t.Fatal(err)
	}
	return cp, det, model
}

func TestSpeak_BargeInWithStarvedCapture(t *testing.T) {
	tests := []struct {
		name        string
		muted       bool
		engine      bool
		turnFloor   time.Duration
		wantOutcome client.Outcome
		within      time.Duration
	}{
		// DONE ends the turn long before the floor.
		{name: "capture muted", muted: true, engine: true, turnFloor: 5 * time.Second, wantOutcome: client.OutcomeDone, within: 1500 * time.Millisecond},
		{name: "no audio arriving", engine: true, turnFloor: 5 * time.Second, wantOutcome: client.OutcomeDone, within: 1500 * time.Millisecond},
		// Without an engine the turn bound still applies.
		{name: "no audio and no engine", turnFloor: 300 * time.Millisecond, wantOutcome: client.OutcomeTimeout, within: 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := memory.New()
			topics := speech.NewTopics("")
			if tt.engine {
				startEngine(t, b, topics, &mock.Player{PlayDuration: 100 * time.Millisecond})
			}
			gate := duplex.New()
			cp, det, model := liveListener(t, gate)
			if tt.muted {
				cp.SetListen(false)
			}

			cfg := fastConfig()
			cfg.BargeIn = true
			cfg.WordsPerMinute = 1000
			cfg.PunctPause = time.Millisecond
			cfg.MinEstimate = time.Millisecond
			cfg.SpeakingWait = 50 * time.Millisecond
			cfg.TurnFloor = tt.turnFloor
			cfg.TurnMargin = 10 * time.Millisecond
			c := client.New(b, topics, gate, cfg, client.WithCapture(cp), client.WithDetector(det))
			if err := c.Start(); err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			start := time.Now()
			res, err := c.Speak(ctx, "Ja?")
			elapsed := time.Since(start)
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", res.Outcome, tt.wantOutcome)
			}
			if elapsed > tt.within || ctx.Err() != nil {
				t.Errorf("Speak returned after %v, want within %v", elapsed, tt.within)
			}
			if tt.muted && model.Calls() != 0 {
				t.Errorf("muted capture was polled %d times", model.Calls())
			}
			if got := c.Tracked(); len(got) != 0 {
				t.Errorf("still tracking %v", got)
			}
		})
	}
}
