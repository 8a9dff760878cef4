// Package duplex holds the process-wide half-duplex state shared by the
// capture stage and the speech client. A single [Gate] is created at startup
// and handed to every component that either listens or speaks.
package duplex

import "sync"

// Gate is the shared listen/speak switch. The zero value is not usable; call
// [New].
type Gate struct {
	mu        sync.Mutex
	listening bool
	speaking  bool
}

// New returns a Gate that is listening and not speaking.
func New() *Gate {
	return &Gate{listening: true}
}

// SetListen enables or disables global capture.
func (g *Gate) SetListen(on bool) {
	g.mu.Lock()
	g.listening = on
	g.mu.Unlock()
}

// Listening reports whether global capture is enabled.
func (g *Gate) Listening() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listening
}

// SetSpeaking marks whether speech output is in progress.
func (g *Gate) SetSpeaking(on bool) {
	g.mu.Lock()
	g.speaking = on
	g.mu.Unlock()
}

// Speaking reports whether speech output is in progress.
func (g *Gate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speaking
}

// Mute disables global capture and returns a func that restores the previous
// listen state.
func (g *Gate) Mute() (restore func()) {
	g.mu.Lock()
	prev := g.listening
	g.listening = false
	g.mu.Unlock()
	return func() { g.SetListen(prev) }
}
