// Package breaker implements a failure-rate circuit breaker that gates one
// outbound operation kind.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

// State is the breaker gate state.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen matches every short-circuit rejection via errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is passed to the fallback when the gate refuses a call.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit breaker %s, retry after %s", e.Name, e.State, e.RetryAfter)
}

// Retryable is always true: a short-circuit is a transient condition.
func (e *OpenError) Retryable() bool { return true }

// RetryDelay returns the remaining cooldown estimate.
func (e *OpenError) RetryDelay() time.Duration { return e.RetryAfter }

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Fallback runs instead of the operation when the gate is closed to traffic.
type Fallback func(ctx context.Context, cause *OpenError) (domain.Result, error)

// Execution is the tagged result of Execute.
type Execution struct {
	Result domain.Result
	Err    error
	Class  domain.Class
	// FallbackUsed is set when the operation was not attempted.
	FallbackUsed bool
}

// Snapshot is a point-in-time view for operators.
type Snapshot struct {
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Failures  int           `json:"failures"`
	Successes int           `json:"successes"`
	OpenedAt  time.Time     `json:"opened_at,omitempty"`
	Cooldown  time.Duration `json:"cooldown"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	outcomes      []bool // ring buffer, true = failure
	next          int
	samples       int
	failures      int
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// New returns a closed breaker.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.normalized()
	return &Breaker{
		name:     name,
		cfg:      cfg,
		outcomes: make([]bool, cfg.Window),
		cooldown: cfg.Cooldown,
	}
}

// Name returns the protected operation kind.
func (b *Breaker) Name() string { return b.name }

// Execute runs op when the gate permits it and classifies the outcome with
// the configured classifier. When the gate refuses, fallback runs instead
// and the execution is tagged FallbackUsed. Permanent and canceled outcomes
// never move the trip counters.
func (b *Breaker) Execute(ctx context.Context, op domain.Operation, fallback Fallback) Execution {
	trial, openErr, notify := b.acquire()
	notify()
	if openErr != nil {
		if fallback == nil {
			return Execution{Err: openErr, Class: domain.ClassTransient, FallbackUsed: true}
		}
		result, err := fallback(ctx, openErr)
		return Execution{Result: result, Err: err, Class: b.cfg.Classify(err), FallbackUsed: true}
	}

	result, err := op(ctx)
	class := b.cfg.Classify(err)
	b.record(class, trial)()
	return Execution{Result: result, Err: err, Class: class}
}

// State reports the current state. An open breaker whose cooldown elapsed
// reports half-open even before the next call promotes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.cfg.Now().Before(b.openedAt.Add(b.cooldown)) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns counters and timing for operators.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:      b.name,
		State:     state.String(),
		Failures:  b.failures,
		Successes: b.samples - b.failures,
		Cooldown:  b.cooldown,
	}
	if state != StateClosed {
		snap.OpenedAt = b.openedAt
	}
	return snap
}

// Reset forces the breaker closed and clears its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.clearWindow()
	b.cooldown = b.cfg.Cooldown
	b.trialInFlight = false
	notify := b.transition(StateClosed, from)
	b.mu.Unlock()
	notify()
}

func (b *Breaker) acquire() (trial bool, openErr *OpenError, notify func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	notify = func() {}

	now := b.cfg.Now()
	if b.state == StateOpen {
		reopenAt := b.openedAt.Add(b.cooldown)
		if now.Before(reopenAt) {
			return false, &OpenError{Name: b.name, State: StateOpen, RetryAfter: reopenAt.Sub(now)}, notify
		}
		notify = b.transition(StateHalfOpen, StateOpen)
	}
	if b.state == StateHalfOpen {
		if b.trialInFlight {
			return false, &OpenError{Name: b.name, State: StateHalfOpen}, notify
		}
		b.trialInFlight = true
		return true, nil, notify
	}
	return false, nil, notify
}

func (b *Breaker) record(class domain.Class, trial bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if b.state != StateHalfOpen {
			return func() {}
		}
		switch class {
		case domain.ClassSuccess, domain.ClassPermanent:
			// The service answered; a rejected request is still a healthy one.
			b.clearWindow()
			b.cooldown = b.cfg.Cooldown
			return b.transition(StateClosed, StateHalfOpen)
		case domain.ClassTransient:
			b.cooldown *= 2
			if b.cooldown > b.cfg.MaxCooldown {
				b.cooldown = b.cfg.MaxCooldown
			}
			b.openedAt = b.cfg.Now()
			return b.transition(StateOpen, StateHalfOpen)
		default:
			return func() {}
		}
	}

	if b.state != StateClosed {
		return func() {}
	}
	switch class {
	case domain.ClassSuccess:
		b.push(false)
	case domain.ClassTransient:
		b.push(true)
	default:
		return func() {}
	}
	if b.samples >= b.cfg.MinSamples && float64(b.failures)/float64(b.samples) >= b.cfg.FailureRatio {
		b.openedAt = b.cfg.Now()
		return b.transition(StateOpen, StateClosed)
	}
	return func() {}
}

func (b *Breaker) push(failure bool) {
	if b.samples == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.samples++
	}
	b.outcomes[b.next] = failure
	if failure {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *Breaker) clearWindow() {
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next = 0
	b.samples = 0
	b.failures = 0
}

// transition must be called with mu held; the returned func runs the state
// change hook and must be called after mu is released.
func (b *Breaker) transition(to, from State) func() {
	b.state = to
	if to == from || b.cfg.OnStateChange == nil {
		return func() {}
	}
	hook, name := b.cfg.OnStateChange, b.name
	return func() { hook(name, from, to) }
}
