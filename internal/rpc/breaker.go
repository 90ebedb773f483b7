package rpc

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's current disposition toward its target.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// MinSamples is the minimum number of recorded outcomes before the
	// error ratio is evaluated at all.
	MinSamples int

	// ErrorThreshold is the rolling error ratio (0..1) that opens the
	// circuit once MinSamples is met.
	ErrorThreshold float64

	// Cooldown is how long the circuit stays open before a single probe
	// call is allowed through.
	Cooldown time.Duration

	// WindowSize bounds the rolling outcome window. Defaults to
	// 4×MinSamples when zero.
	WindowSize int
}

// Breaker is a process-wide circuit breaker for one RPC target. All state
// transitions happen under a single mutex so every concurrent caller observes
// them immediately.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	window   []bool // true = failure
	openedAt time.Time
	probing  bool

	now    func() time.Time
	logger *slog.Logger
}

// NewBreaker creates a breaker named for its RPC target.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 4 * cfg.MinSamples
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "breaker", "target", name),
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen when
// the circuit is open, or when it is half-open and the probe slot is already
// taken. A nil return from a half-open breaker grants the single probe; the
// caller must report the outcome via Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: let exactly one probe through.
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, probing")
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call outcome.
func (b *Breaker) Success() { b.record(false) }

// Failure records a failed call outcome.
func (b *Breaker) Failure() { b.record(true) }

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if failed {
			b.trip()
		} else {
			b.reset()
		}
		return
	}

	b.window = append(b.window, failed)
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}

	if b.state == StateClosed && len(b.window) >= b.cfg.MinSamples {
		failures := 0
		for _, f := range b.window {
			if f {
				failures++
			}
		}
		ratio := float64(failures) / float64(len(b.window))
		if ratio >= b.cfg.ErrorThreshold {
			b.trip()
		}
	}
}

// trip opens the circuit. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.window = nil
	b.logger.Warn("circuit opened", "cooldown", b.cfg.Cooldown)
}

// reset closes the circuit. Caller holds b.mu.
func (b *Breaker) reset() {
	b.state = StateClosed
	b.window = nil
	b.logger.Info("circuit closed")
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
