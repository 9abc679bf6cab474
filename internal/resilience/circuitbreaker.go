// Package resilience guards speech providers against hammering an endpoint
// that keeps refusing connections.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). [GuardS2S] wraps an s2s.Provider so that
// Connect goes through a breaker; [Breakers] keeps one breaker per provider
// name across sessions. Nothing here retries: an open breaker only makes a
// doomed start fail at once.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker is open
// and the cooldown has not elapsed.
var ErrCircuitOpen = errors.New("provider unavailable after repeated connection failures, try again later")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a single probe call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for zero-valued [BreakerConfig] fields.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
)

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log messages, usually the provider name.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: [DefaultMaxFailures].
	MaxFailures int

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default: [DefaultCooldown].
	Cooldown time.Duration

	// Logger receives state transitions. Default: [slog.Default].
	Logger *slog.Logger

	// now is overridden by tests.
	now func() time.Time
}

// Breaker implements the circuit breaker pattern for connection attempts.
// Cancelled attempts are neither successes nor failures.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	log         *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewBreaker creates a [Breaker]. Zero-value config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		log:         cfg.Logger,
		now:         cfg.now,
	}
}

// Execute runs fn if the breaker allows it. While open it returns
// [ErrCircuitOpen] without calling fn. In half-open only one call runs at a
// time; concurrent callers are rejected.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.log.Info("circuit breaker half-open, probing", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probeActive {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probeActive = true
	}
	probing := b.state == StateHalfOpen
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probing {
		b.probeActive = false
	}
	switch {
	case err == nil:
		b.recordSuccess(probing)
	case errors.Is(err, context.Canceled):
		// The caller gave up; the endpoint told us nothing.
	default:
		b.recordFailure(probing)
	}
	return err
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probing bool) {
	if probing {
		b.open()
		b.log.Warn("circuit breaker re-opened, probe failed", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.open()
		b.log.Warn("circuit breaker opened",
			"name", b.name,
			"consecutive_failures", b.failures,
			"cooldown", b.cooldown)
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probing bool) {
	if probing {
		b.log.Info("circuit breaker closed, probe succeeded", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.maxFailures
}

// State returns the current [State]. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition happens on the next
// Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeActive = false
	b.log.Info("circuit breaker manually reset", "name", b.name)
}
