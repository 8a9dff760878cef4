package capture_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/capture"
	"github.com/MrWong99/murmur/internal/duplex"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/audio/mock"
)

func newStarted(t *testing.T, opts ...capture.Option) (*capture.Capture, *mock.Source, *duplex.Gate) {
	t.Helper()
	src := &mock.Source{Rate: 16000}
	gate := duplex.New()
	c := capture.New(src, gate, opts...)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c, src, gate
}

func seq(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(start + i)
	}
	return b
}

func TestReadBytes_RoundTripWithResidual(t *testing.T) {
	c, src, _ := newStarted(t)
	ctx := context.Background()

	var pushed []byte
	for i, n := range []int{7, 13, 1, 64, 3, 20} {
		p := seq(i*31, n)
		pushed = append(pushed, p...)
		src.Push(p)
	}

	var got []byte
	for _, n := range []int{5, 10, 2, 40, 51} {
		b, err := c.ReadBytes(ctx, n)
		if err != nil {
			t.Fatalf("ReadBytes(%d): %v", n, err)
		}
		if len(b) != n {
			t.Fatalf("ReadBytes(%d) returned %d bytes", n, len(b))
		}
		got = append(got, b...)
	}
	if !bytes.Equal(got, pushed[:len(got)]) {
		t.Fatal("concatenated reads differ from pushed bytes")
	}
	if rest := c.Buffered(); rest != len(pushed)-len(got) {
		t.Errorf("Buffered = %d, want %d", rest, len(pushed)-len(got))
	}
}

func TestPush_DroppedWhileMuted(t *testing.T) {
	tests := []struct {
		name  string
		mute  func(c *capture.Capture, g *duplex.Gate)
		want  int
		drops int64
	}{
		{"listening", func(*capture.Capture, *duplex.Gate) {}, 8, 0},
		{"local mute", func(c *capture.Capture, _ *duplex.Gate) { c.SetListen(false) }, 0, 2},
		{"global mute", func(_ *capture.Capture, g *duplex.Gate) { g.SetListen(false) }, 0, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, src, gate := newStarted(t)
			tc.mute(c, gate)
			src.Push(seq(0, 4))
			src.Push(seq(4, 4))
			if got := c.Buffered(); got != tc.want {
				t.Errorf("Buffered = %d, want %d", got, tc.want)
			}
			if got := c.Dropped(); got != tc.drops {
				t.Errorf("Dropped = %d, want %d", got, tc.drops)
			}
		})
	}
}

func TestFlush_DiscardsQueueAndResidual(t *testing.T) {
	c, src, _ := newStarted(t)
	ctx := context.Background()

	src.Push(seq(0, 10))
	if _, err := c.ReadBytes(ctx, 3); err != nil {
		t.Fatal(err)
	}
	src.Push(seq(10, 10))
	c.Flush()
	if c.Buffered() != 0 || c.Len() != 0 {
		t.Fatalf("after Flush: Buffered=%d Len=%d", c.Buffered(), c.Len())
	}

	src.Push(seq(100, 4))
	b, err := c.ReadBytes(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, seq(100, 4)) {
		t.Errorf("read after flush returned stale bytes: %v", b)
	}
}

func TestReadBytes_BlocksUntilAvailable(t *testing.T) {
	c, src, _ := newStarted(t)

	done := make(chan []byte, 1)
	go func() {
		b, _ := c.ReadBytes(context.Background(), 6)
		done <- b
	}()

	src.Push(seq(0, 2))
	select {
	case <-done:
		t.Fatal("ReadBytes returned before enough data was pushed")
	case <-time.After(20 * time.Millisecond):
	}
	src.Push(seq(2, 4))
	select {
	case b := <-done:
		if !bytes.Equal(b, seq(0, 6)) {
			t.Errorf("got %v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadBytes did not return after data arrived")
	}
}

func TestReadBytes_ContextDeadline(t *testing.T) {
	c, _, _ := newStarted(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.ReadBytes(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestReadBytes_AfterStop(t *testing.T) {
	c, _, _ := newStarted(t)
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadBytes(context.Background(), 2); !errors.Is(err, capture.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRead_NormalizedFloats(t *testing.T) {
	c, src, _ := newStarted(t)
	src.Push(audio.Int16ToBytes([]int16{16384, -16384, 0}))
	got, err := c.Read(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0.5, -0.5, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLevel(t *testing.T) {
	c, src, _ := newStarted(t)
	if _, ok := c.Level(); ok {
		t.Fatal("Level reported ok before any audio")
	}
	full := make([]int16, 1600)
	for i := range full {
		if i%2 == 0 {
			full[i] = 16384
		} else {
			full[i] = -16384
		}
	}
	src.Push(audio.Int16ToBytes(full))
	db, ok := c.Level()
	if !ok {
		t.Fatal("Level not ok after audio")
	}
	if db > -6 || db < -6.1 {
		t.Errorf("Level = %.3f dBFS, want about -6.02", db)
	}
}

func TestStart_Error(t *testing.T) {
	src := &mock.Source{Rate: 16000, StartErr: errors.New("no device")}
	c := capture.New(src, duplex.New())
	if err := c.Start(); err == nil {
		t.Fatal("expected start error")
	}
	if c.Running() {
		t.Error("Running after failed Start")
	}
}
