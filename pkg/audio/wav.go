package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

// EncodeWAV wraps mono PCM16 data in a RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels = 1
		bits     = 16
	)
	byteRate := sampleRate * channels * bits / 8
	blockAlign := channels * bits / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// WAVInfo is the format metadata read from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset int // byte offset of the first sample
	DataSize   int // length of the data chunk, clamped to the buffer
	SampleRate int
	Channels   int
	Bits       int
}

// Duration returns the playback length of the data chunk.
func (i WAVInfo) Duration() time.Duration {
	frame := i.Channels * i.Bits / 8
	if frame <= 0 || i.SampleRate <= 0 {
		return 0
	}
	return time.Duration(i.DataSize/frame) * time.Second / time.Duration(i.SampleRate)
}

// ParseWAV walks the chunks of a RIFF/WAVE container and returns the format
// from its "fmt " chunk and the location of its "data" chunk. Chunks are
// word-aligned, so odd sizes are padded by one byte.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: wav too short")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: not a RIFF/WAVE container")
	}

	var info WAVInfo
	foundFmt := false
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size >= 16 && offset+8+16 <= len(wav) {
				f := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
				info.Bits = int(binary.LittleEndian.Uint16(f[14:16]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("audio: wav data chunk before fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataSize = min(size, len(wav)-info.DataOffset)
			return info, nil
		}

		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: wav missing data chunk")
}
