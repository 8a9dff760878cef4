// Package audio holds the PCM primitives shared by the capture, wake-word,
// endpointing and playback stages of murmur.
//
// All audio inside the process is mono, 16-bit signed little-endian PCM. A
// [Source] delivers raw device blocks; everything downstream slices those
// blocks into fixed-size frames or hops as it needs.
//
// This package lives under pkg/ because device backends ([Source]
// implementations) are expected to live outside the core tree.
package audio

import "time"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Frame is one contiguous block of mono PCM16 audio.
type Frame struct {
	// PCM holds little-endian int16 samples.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples in f.
func (f Frame) Samples() int {
	return len(f.PCM) / BytesPerSample
}

// Duration returns the playback length of f. Zero when SampleRate is unset.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(f.Samples(), f.SampleRate)
}

// SamplesDuration converts a sample count at rate into a wall-clock duration.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// SamplesFor returns the number of samples covering d at rate, rounded down.
func SamplesFor(d time.Duration, rate int) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}
