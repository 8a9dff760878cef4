package audio

// Source is a running input device. Start begins delivering raw PCM16 blocks
// to onData from a device-owned goroutine; onData must not block. Block sizes
// are chosen by the device and vary between calls.
type Source interface {
	// Start opens the device and starts streaming. Calling Start twice
	// returns an error.
	Start(onData func(pcm []byte)) error

	// Stop halts streaming and releases the device. Stop is idempotent.
	Stop() error

	// SampleRate is the rate of the delivered blocks in Hz.
	SampleRate() int
}
