package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/provider/vad"
	"github.com/MrWong99/murmur/pkg/provider/wakeword"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	vad       map[string]func(VADConfig) (vad.Engine, error)
	wakeword  map[string]func(WakewordConfig) (wakeword.Model, error)
	renderers map[string]func(TTSConfig) (tts.Renderer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:       make(map[string]func(VADConfig) (vad.Engine, error)),
		wakeword:  make(map[string]func(WakewordConfig) (wakeword.Model, error)),
		renderers: make(map[string]func(TTSConfig) (tts.Renderer, error)),
	}
}

// RegisterVAD registers a VAD classifier factory under name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterWakeword registers a wake-word model factory under name.
func (r *Registry) RegisterWakeword(name string, factory func(WakewordConfig) (wakeword.Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wakeword[name] = factory
}

// RegisterRenderer registers a speech renderer factory under name.
func (r *Registry) RegisterRenderer(name string, factory func(TTSConfig) (tts.Renderer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[name] = factory
}

// CreateVAD instantiates the classifier named by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateWakeword instantiates the model named by cfg.Backend.
func (r *Registry) CreateWakeword(cfg WakewordConfig) (wakeword.Model, error) {
	r.mu.RLock()
	factory, ok := r.wakeword[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wakeword/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateRenderer instantiates the renderer named by cfg.Renderer.
func (r *Registry) CreateRenderer(cfg TTSConfig) (tts.Renderer, error) {
	r.mu.RLock()
	factory, ok := r.renderers[cfg.Renderer]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: renderer/%q", ErrBackendNotRegistered, cfg.Renderer)
	}
	return factory(cfg)
}

// Names returns the sorted registered names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"vad":      sortedKeys(r.vad),
		"wakeword": sortedKeys(r.wakeword),
		"renderer": sortedKeys(r.renderers),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
