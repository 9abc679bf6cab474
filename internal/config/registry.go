package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/postvoz/pkg/audio"
	"github.com/MrWong99/postvoz/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and device names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	s2s      map[string]func(ProviderEntry) (s2s.Provider, error)
	capture  map[string]func(CaptureConfig) (audio.CaptureOpener, error)
	playback map[string]func(PlaybackConfig) (audio.OutputOpener, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:      make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		capture:  make(map[string]func(CaptureConfig) (audio.CaptureOpener, error)),
		playback: make(map[string]func(PlaybackConfig) (audio.OutputOpener, error)),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterCapture registers a capture device factory under name.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.CaptureOpener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers an output device factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(PlaybackConfig) (audio.OutputOpener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateS2S instantiates an S2S provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates a capture opener using the factory registered under cfg.Device.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureOpener, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// CreatePlayback instantiates an output opener using the factory registered under cfg.Device.
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (audio.OutputOpener, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// S2SNames returns the registered S2S provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
