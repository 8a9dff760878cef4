package wakeword_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/wakeword"
	"github.com/MrWong99/murmur/pkg/provider/wakeword/mock"
)

const hop = 160 * time.Millisecond

// hopReader returns silent audio and advances a fake clock by one hop per
// read.
type hopReader struct {
	mu    sync.Mutex
	rate  int
	now   time.Time
	sizes []int
}

func newHopReader(rate int) *hopReader {
	return &hopReader{rate: rate, now: time.Unix(1_700_000_000, 0)}
}

func (r *hopReader) SampleRate() int { return r.rate }

func (r *hopReader) ReadBytes(ctx context.Context, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, n)
	r.now = r.now.Add(hop)
	return make([]byte, n), nil
}

func (r *hopReader) clock() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *hopReader) advance(d time.Duration) {
	r.mu.Lock()
	r.now = r.now.Add(d)
	r.mu.Unlock()
}

func testConfig() wakeword.Config {
	c := wakeword.DefaultConfig()
	c.Key = "wake"
	c.Threshold = 0.5
	return c
}

func newDetector(t *testing.T, r *hopReader, m *mock.Model) *wakeword.Detector {
	t.Helper()
	d, err := wakeword.New(r, m, testConfig(), wakeword.WithClock(r.clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestNew_HopGeometry(t *testing.T) {
	tests := []struct {
		rate    int
		wantHop int
	}{
		{16000, 2560},
		{48000, 7680},
		{44100, 7056},
	}
	for _, tc := range tests {
		r := newHopReader(tc.rate)
		d := newDetector(t, r, &mock.Model{})
		if got := d.HopSamples(); got != tc.wantHop {
			t.Errorf("rate %d: HopSamples = %d, want %d", tc.rate, got, tc.wantHop)
		}
		if got := d.WindowSamples(); got != 12800 {
			t.Errorf("rate %d: WindowSamples = %d, want 12800", tc.rate, got)
		}
	}
}

func TestNew_ProbesKey(t *testing.T) {
	r := newHopReader(16000)
	m := &mock.Model{Key: "hey_murmur", Script: []float64{0, 0.9}}
	cfg := testConfig()
	cfg.Key = ""
	d, err := wakeword.New(r, m, cfg, wakeword.WithClock(r.clock))
	if err != nil {
		t.Fatal(err)
	}
	if m.Calls() != 1 || m.Windows[0] != 12800 {
		t.Fatalf("probe calls = %d windows = %v", m.Calls(), m.Windows)
	}
	if err := d.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestWait_PrimesThenTriggersOnRisingEdge(t *testing.T) {
	r := newHopReader(16000)
	m := &mock.Model{Script: []float64{0.1, 0.2, 0.7}}
	d := newDetector(t, r, m)

	if err := d.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Calls() != 3 {
		t.Errorf("predictions = %d, want 3", m.Calls())
	}
	if len(r.sizes) != 4+3 {
		t.Errorf("reads = %d, want 7", len(r.sizes))
	}
	for _, n := range r.sizes {
		if n != 2560*2 {
			t.Fatalf("read size = %d, want %d", n, 2560*2)
		}
	}
	if d.State() != wakeword.Suppressed {
		t.Errorf("State = %v, want suppressed", d.State())
	}
	if !d.LastTrigger().Equal(r.clock()) {
		t.Errorf("LastTrigger = %v, want %v", d.LastTrigger(), r.clock())
	}
}

func TestWait_RearmRequiresDeadlineAndLowRun(t *testing.T) {
	r := newHopReader(16000)
	script := []float64{
		// First wait: fires on the second hop.
		0.1, 0.9,
		// Second wait starts 4 priming hops (640ms) after the trigger, so
		// the next five hops fall inside the 1.5s gap. Highs are ignored.
		0.9, 0.9, 0.1, 0.9, 0.9,
		// Past the deadline: two lows, a mid-level reset, three lows re-arm.
		0.1, 0.1, 0.4, 0.1, 0.1, 0.1,
		// Rising edge fires.
		0.9,
	}
	m := &mock.Model{Script: script}
	d := newDetector(t, r, m)
	ctx := context.Background()

	if err := d.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	first := d.LastTrigger()
	if err := d.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Calls() != len(script) {
		t.Fatalf("predictions = %d, want %d", m.Calls(), len(script))
	}
	if gap := d.LastTrigger().Sub(first); gap < 1500*time.Millisecond {
		t.Errorf("second trigger after %v, want at least the minimum gap", gap)
	}
}

func TestWait_HeldHighDoesNotRetrigger(t *testing.T) {
	r := newHopReader(16000)
	// Already above on the first scored hop after DisarmAfterSpeech expires:
	// re-arming needs a low run, and after that an edge.
	m := &mock.Model{Script: []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.1, 0.1, 0.1, 0.9}}
	d := newDetector(t, r, m)
	d.DisarmAfterSpeech()
	if d.State() != wakeword.Suppressed {
		t.Fatalf("State = %v, want suppressed", d.State())
	}

	if err := d.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Calls() != 9 {
		t.Errorf("predictions = %d, want 9", m.Calls())
	}
}

func TestWait_ModelErrorScoresZero(t *testing.T) {
	r := newHopReader(16000)
	m := &mock.Model{
		Script: []float64{0, 0.9},
		Err:    errors.New("onnx exploded"),
		ErrAt:  func(call int) bool { return call == 0 },
	}
	d := newDetector(t, r, m)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Calls() != 2 {
		t.Errorf("predictions = %d, want 2", m.Calls())
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	r := newHopReader(16000)
	d := newDetector(t, r, &mock.Model{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
}

func TestCheck_SingleGatedHop(t *testing.T) {
	r := newHopReader(16000)
	m := &mock.Model{Script: []float64{0.1, 0.9, 0.9}}
	d := newDetector(t, r, m)
	ctx := context.Background()

	want := []bool{false, true, false}
	for i, w := range want {
		got, err := d.Check(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Errorf("check %d = %v, want %v", i, got, w)
		}
	}
	if len(r.sizes) != 3 {
		t.Errorf("reads = %d, want one per check without priming", len(r.sizes))
	}
	if d.State() != wakeword.Suppressed {
		t.Errorf("State = %v, want suppressed", d.State())
	}
}

func TestPoll_RawThreshold(t *testing.T) {
	r := newHopReader(16000)
	m := &mock.Model{Script: []float64{0.2, 0.6, 0.6}}
	d := newDetector(t, r, m)
	d.DisarmAfterSpeech()
	ctx := context.Background()

	want := []bool{false, true, true}
	for i, w := range want {
		got, err := d.Poll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Errorf("poll %d = %v, want %v", i, got, w)
		}
	}
	if len(r.sizes) != 3 {
		t.Errorf("reads = %d, want one per poll", len(r.sizes))
	}
}

func TestStateTransitions(t *testing.T) {
	r := newHopReader(16000)
	d := newDetector(t, r, &mock.Model{})
	if d.State() != wakeword.Armed {
		t.Fatalf("initial State = %v", d.State())
	}
	d.DisarmAfterSpeech()
	if d.State() != wakeword.Suppressed {
		t.Fatalf("after disarm State = %v", d.State())
	}
	r.advance(time.Second)
	if d.State() != wakeword.Rearming {
		t.Fatalf("after deadline State = %v", d.State())
	}
	d.Reset()
	if d.State() != wakeword.Armed {
		t.Fatalf("after Reset State = %v", d.State())
	}
}

func TestSetThreshold(t *testing.T) {
	r := newHopReader(16000)
	d := newDetector(t, r, &mock.Model{})
	d.SetThreshold(0.8)
	if d.Threshold() != 0.8 {
		t.Errorf("Threshold = %v", d.Threshold())
	}
	d.SetThreshold(0)
	d.SetThreshold(1.5)
	if d.Threshold() != 0.8 {
		t.Errorf("out-of-range values changed threshold to %v", d.Threshold())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[wakeword.State]string{
		wakeword.Armed:      "armed",
		wakeword.Suppressed: "suppressed",
		wakeword.Rearming:   "rearming",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
