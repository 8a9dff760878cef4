package audio

import "math"

// SilenceFloorDB is reported for digital silence instead of -Inf.
const SilenceFloorDB = -120.0

// RMS returns the root-mean-square of samples in [-1, 1] units.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMS16 returns the root-mean-square of little-endian PCM16 bytes in raw
// sample units (0..32767).
func RMS16(pcm []byte) float64 {
	s := BytesToInt16(pcm)
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(s)))
}

// DBFS converts a full-scale RMS value to decibels, floored at
// [SilenceFloorDB].
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return SilenceFloorDB
	}
	db := 20 * math.Log10(rms)
	if db < SilenceFloorDB {
		return SilenceFloorDB
	}
	return db
}
