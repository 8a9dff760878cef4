package audio

import (
	"encoding/binary"
	"math"
)

// pcmScale maps int16 samples onto [-1, 1).
const pcmScale = 32768.0

// BytesToInt16 decodes little-endian PCM16 bytes. A trailing odd byte is
// ignored.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM16 bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCM16ToFloat32 decodes little-endian PCM16 bytes into floats in [-1, 1)
// (sample / 32768).
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out
}

// Float32ToInt16 scales floats by 32767 and clamps them to the int16 range.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		out[i] = clamp16(float64(v) * 32767)
	}
	return out
}

// ApplyGain multiplies samples in place by the linear factor for gainDB,
// clipping to [-1, 1]. A zero gain is a no-op.
func ApplyGain(samples []float32, gainDB float64) {
	if gainDB == 0 {
		return
	}
	g := float32(math.Pow(10, gainDB/20))
	for i, v := range samples {
		v *= g
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = v
	}
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
