// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script speech decisions frame by frame and inspect the
// frames that were submitted.
//
// Example:
//
//	sess := &mock.Session{Script: []bool{false, true, true, true}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds the decision for each successive IsSpeech call. Once
	// exhausted, Default is returned.
	Script []bool

	// Default is returned after Script runs out.
	Default bool

	// Classify, if set, decides instead of Script/Default.
	Classify func(frame []byte) bool

	// Err, if non-nil, is returned by IsSpeech.
	Err error

	// Frames records a copy of every frame passed to IsSpeech.
	Frames [][]byte

	// ResetCalls and CloseCalls count Reset and Close invocations.
	ResetCalls int
	CloseCalls int
}

// IsSpeech records the frame and returns the next scripted decision.
func (s *Session) IsSpeech(frame []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.Err != nil {
		return false, s.Err
	}
	if s.Classify != nil {
		return s.Classify(frame), nil
	}
	i := len(s.Frames) - 1
	if i < len(s.Script) {
		return s.Script[i], nil
	}
	return s.Default, nil
}

// Reset increments ResetCalls.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
}

// Close increments CloseCalls.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// Calls returns how many frames have been classified.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
