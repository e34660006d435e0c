// Package resilience protects callers from a failing remote dependency.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// After MaxFailures consecutive failures it opens and rejects calls with
// [ErrOpen] until ResetTimeout has passed; then it lets HalfOpenMax probe
// calls through and closes again once they all succeed.
//
// [GuardEvaluator] puts a Breaker in front of a scoring service so a dead
// endpoint costs the learner no more than one timeout per reset window.
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

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
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

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	// Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 1m.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed after the reset
	// timeout. Default: 1.
	HalfOpenMax int

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Breaker is a circuit breaker. Construct with [NewBreaker].
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          cfg.Now,
	}
}

// Do runs fn unless the breaker is open. A cancelled ctx does not count as
// a failure of the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.succeedLocked(probe)
	case ctx.Err() != nil:
		if probe {
			b.probes--
		}
	default:
		b.failLocked(probe)
	}
	return err
}

// admit decides whether a call may go ahead and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.probes, b.successes = 0, 0
		slog.Info("resilience: breaker half-open", "name", b.name)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.halfOpenMax {
			return false, ErrOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) failLocked(probe bool) {
	if probe {
		b.state = StateOpen
		b.openedAt = b.now()
		slog.Warn("resilience: breaker re-opened", "name", b.name)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
		slog.Warn("resilience: breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

func (b *Breaker) succeedLocked(probe bool) {
	b.failures = 0
	if !probe {
		return
	}
	b.successes++
	if b.successes >= b.halfOpenMax {
		b.state = StateClosed
		b.probes, b.successes = 0, 0
		slog.Info("resilience: breaker closed", "name", b.name)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports half-open; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.probes, b.successes = 0, 0, 0
}
