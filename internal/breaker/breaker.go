// Package breaker implements a circuit breaker guarding calls to the
// session backend. After a configured number of consecutive failures the
// breaker opens and fails fast; once a cooldown window elapses it half-opens
// and admits exactly one probe call to test recovery.
//
// Breakers are explicitly constructed and dependency-injected; there is no
// package-level instance. A process typically holds one long-lived breaker
// shared by everything that talks to the same backend.
package breaker

import (
	"sync"
	"time"

	"github.com/rjwalters/loom/internal/errors"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls immediately until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe call to test recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker settings, applied by New when the corresponding option is
// zero.
const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second
)

// ErrOpen is returned when the breaker rejects a call without forwarding it
// to the backend. Callers can distinguish "backend refused" from "breaker
// refused" by checking for this sentinel.
var ErrOpen = errors.New("circuit breaker is open")

// Options configures a Breaker.
type Options struct {
	// Threshold is the number of consecutive failures that opens the
	// breaker. Defaults to DefaultThreshold.
	Threshold int
	// Cooldown is how long the breaker stays open before half-opening.
	// Defaults to DefaultCooldown.
	Cooldown time.Duration
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
	// ShouldTrip decides whether a failure counts against the breaker.
	// Failures it rejects are treated as proof the backend answered and are
	// recorded like successes: the consecutive-failure count resets and a
	// half-open probe closes the breaker. Defaults to counting every
	// failure.
	ShouldTrip func(error) bool
}

// Breaker is a thread-safe circuit breaker. All state transitions happen
// atomically under one mutex, so a burst of simultaneous failures cannot
// overshoot the open threshold through lost updates.
type Breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	threshold  int
	cooldown   time.Duration
	now        func() time.Time
	shouldTrip func(error) bool
}

// New creates a Breaker with the given options.
func New(opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ShouldTrip == nil {
		opts.ShouldTrip = func(error) bool { return true }
	}
	return &Breaker{
		state:      StateClosed,
		threshold:  opts.Threshold,
		cooldown:   opts.Cooldown,
		now:        opts.Now,
		shouldTrip: opts.ShouldTrip,
	}
}

// State returns the breaker's current state, applying the open-to-half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// CanAttempt reports whether a call would currently be admitted. It does
// not reserve the half-open probe slot; use Execute for that.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.probing
	default:
		return false
	}
}

// Execute runs fn through the breaker. While open it returns ErrOpen
// without invoking fn; otherwise fn's error is returned unchanged, so the
// breaker never swallows the underlying failure. In the half-open state
// exactly one concurrent caller is admitted as the probe; the rest receive
// ErrOpen.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	err := fn()
	// A failure the predicate rejects is a single-resource fault: the
	// backend answered, so for breaker purposes the call counts as healthy.
	b.record(err == nil || !b.shouldTrip(err))
	return err
}

// Do runs fn through breaker b and returns its value. It exists because Go
// methods cannot carry their own type parameters.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var result T
	err := b.Execute(func() error {
		var ferr error
		result, ferr = fn()
		return ferr
	})
	return result, err
}

// acquire admits the caller or rejects with ErrOpen, reserving the probe
// slot when half-open.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return ErrOpen
	}
}

// record applies a call outcome. Call outcomes are the sole mutators of
// breaker state.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.probing = false
		b.openedAt = time.Time{}
		return
	}

	switch b.state {
	case StateHalfOpen:
		// Probe failed: back to open with a fresh cooldown window.
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
	default:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
}

// maybeHalfOpen transitions Open to HalfOpen once the cooldown has elapsed.
// Callers must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
}
