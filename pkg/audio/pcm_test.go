package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestPCM16ToFloat32(t *testing.T) {
	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, 16384, -32768}))
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat32_OddByte(t *testing.T) {
	got := audio.PCM16ToFloat32([]byte{1, 2, 3})
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestFloat32ToInt16_Clamps(t *testing.T) {
	got := audio.Float32ToInt16([]float32{2, -2, 0.5})
	want := []int16{32767, -32768, 16383}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestInt16RoundTrip(t *testing.T) {
	in := []int16{1, -1, 32767, -32768}
	got := audio.BytesToInt16(audio.Int16ToBytes(in))
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestApplyGain(t *testing.T) {
	s := []float32{0.1, 0.9}
	audio.ApplyGain(s, 20) // x10
	if math.Abs(float64(s[0])-1.0) > 1e-5 {
		t.Errorf("s[0] = %v, want 1.0", s[0])
	}
	if s[1] != 1 {
		t.Errorf("s[1] = %v, want clipped 1", s[1])
	}
}

func TestNewResampler(t *testing.T) {
	tests := []struct {
		src, dst   int
		up, down   int
		identity   bool
		hopIn      int
		wantHopOut int
	}{
		{16000, 16000, 1, 1, true, 2560, 2560},
		{48000, 16000, 1, 3, false, 7680, 2560},
		{44100, 16000, 160, 441, false, 7056, 2560},
		{0, 16000, 1, 1, true, 100, 100},
	}
	for _, tc := range tests {
		r := audio.NewResampler(tc.src, tc.dst)
		if r.Up != tc.up || r.Down != tc.down {
			t.Errorf("%d->%d: got %d/%d, want %d/%d", tc.src, tc.dst, r.Up, r.Down, tc.up, tc.down)
		}
		if r.Identity() != tc.identity {
			t.Errorf("%d->%d: Identity() = %v", tc.src, tc.dst, r.Identity())
		}
		if got := r.OutputLen(tc.hopIn); got != tc.wantHopOut {
			t.Errorf("%d->%d: OutputLen(%d) = %d, want %d", tc.src, tc.dst, tc.hopIn, got, tc.wantHopOut)
		}
	}
}

func TestResampler_Downsample(t *testing.T) {
	r := audio.NewResampler(48000, 16000)
	in := make([]int16, 300)
	for i := range in {
		in[i] = int16(i)
	}
	out := r.Process(in)
	if len(out) != 100 {
		t.Fatalf("len = %d, want 100", len(out))
	}
	for i, v := range out {
		if int(v) != i*3 {
			t.Fatalf("out[%d] = %d, want %d", i, v, i*3)
		}
	}
}

func TestResampler_Upsample(t *testing.T) {
	r := audio.NewResampler(8000, 16000)
	out := r.Process([]int16{0, 100})
	want := []int16{0, 50, 100, 100}
	if len(out) != len(want) {
		t.Fatalf("len = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestDBFS(t *testing.T) {
	if got := audio.DBFS(0); got != audio.SilenceFloorDB {
		t.Errorf("DBFS(0) = %v, want floor", got)
	}
	if got := audio.DBFS(1); got != 0 {
		t.Errorf("DBFS(1) = %v, want 0", got)
	}
	if got := audio.DBFS(0.5); math.Abs(got+6.0206) > 0.001 {
		t.Errorf("DBFS(0.5) = %v, want ~-6.02", got)
	}
}

func TestRMS16(t *testing.T) {
	got := audio.RMS16(samplesToBytes([]int16{1000, -1000, 1000, -1000}))
	if got != 1000 {
		t.Errorf("RMS16 = %v, want 1000", got)
	}
}

func TestFrameDuration(t *testing.T) {
	f := audio.Frame{PCM: make([]byte, 960), SampleRate: 16000}
	if f.Samples() != 480 {
		t.Errorf("Samples = %d, want 480", f.Samples())
	}
	if f.Duration() != 30*time.Millisecond {
		t.Errorf("Duration = %v, want 30ms", f.Duration())
	}
	if got := audio.SamplesFor(160*time.Millisecond, 48000); got != 7680 {
		t.Errorf("SamplesFor = %d, want 7680", got)
	}
}

func TestEncodeWAV(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3})
	wav := audio.EncodeWAV(pcm, 16000)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
}

func TestParseWAV(t *testing.T) {
	pcm := make([]byte, 32000)
	info, err := audio.ParseWAV(audio.EncodeWAV(pcm, 16000))
	if err != nil {
		t.Fatal(err)
	}
	if info.DataOffset != 44 || info.DataSize != len(pcm) || info.SampleRate != 16000 ||
		info.Channels != 1 || info.Bits != 16 {
		t.Fatalf("info = %+v", info)
	}
	if info.Duration() != time.Second {
		t.Errorf("Duration = %v, want 1s", info.Duration())
	}

	// A LIST chunk with an odd size sits between fmt and data.
	wav := audio.EncodeWAV(pcm[:4], 22050)
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)
	info, err = audio.ParseWAV(withList)
	if err != nil {
		t.Fatal(err)
	}
	if info.DataOffset != 44+len(list) || info.SampleRate != 22050 {
		t.Errorf("info = %+v", info)
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	for name, data := range map[string][]byte{
		"short":   []byte("RIFF"),
		"no wave": []byte("RIFF\x00\x00\x00\x00WAVX"),
		"no data": audio.EncodeWAV(nil, 16000)[:36],
	} {
		if _, err := audio.ParseWAV(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
