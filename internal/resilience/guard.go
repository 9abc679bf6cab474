package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/postvoz/pkg/provider/s2s"
)

var _ s2s.Provider = (*guardedProvider)(nil)

// guardedProvider routes Connect through a breaker.
type guardedProvider struct {
	s2s.Provider
	breaker *Breaker
}

// GuardS2S returns a provider whose Connect calls go through b. Capabilities
// are passed through unchanged.
func GuardS2S(p s2s.Provider, b *Breaker) s2s.Provider {
	return &guardedProvider{Provider: p, breaker: b}
}

func (g *guardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var h s2s.SessionHandle
	err := g.breaker.Execute(func() error {
		var err error
		h, err = g.Provider.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Breakers keeps one [Breaker] per provider name so that state survives
// across sessions.
type Breakers struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers returns an empty set. cfg is the template for every breaker;
// its Name is replaced by the provider name.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *Breakers) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[name]
	if !ok {
		cfg := s.cfg
		cfg.Name = name
		b = NewBreaker(cfg)
		s.m[name] = b
	}
	return b
}

// States reports the state of every breaker created so far.
func (s *Breakers) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.m))
	for name, b := range s.m {
		out[name] = b.State()
	}
	return out
}
