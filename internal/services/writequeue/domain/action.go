// Package domain defines the queued action model and the failure taxonomy
// shared by the store, the breaker and the dispatcher.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a queued action.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in-flight"
	StatusSucceeded       Status = "succeeded"
	StatusFailedPermanent Status = "failed-permanent"
	StatusFailedRetrying  Status = "failed-retrying"
)

// Due reports whether an action in this state may be picked up by a dispatcher.
func (s Status) Due() bool {
	return s == StatusPending || s == StatusFailedRetrying
}

// Active reports whether the state counts toward the caller-visible queue depth.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInFlight || s == StatusFailedRetrying
}

// Terminal reports whether no further transition may happen without an
// explicit operator action.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedPermanent
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusPending, StatusInFlight, StatusSucceeded, StatusFailedPermanent, StatusFailedRetrying:
		return status, nil
	default:
		return "", fmt.Errorf("invalid action status %q", value)
	}
}

// Priority orders actions inside the store; higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch {
	case p > PriorityNormal:
		return "high"
	case p < PriorityNormal:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps "low", "normal" and "high" to priorities. Empty input is
// normal.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority %q", value)
	}
}

// FailureReason separates giving up from being rejected.
type FailureReason string

const (
	FailureNone      FailureReason = ""
	FailureExhausted FailureReason = "exhausted"
	FailureRejected  FailureReason = "rejected"
)

// DefaultMaxRetries applies when Options.MaxRetries is zero.
const DefaultMaxRetries = 3

// Options tunes one enqueued action.
type Options struct {
	Priority Priority
	// MaxRetries caps retries after the first attempt. Zero selects
	// DefaultMaxRetries; a negative value allows a single attempt.
	MaxRetries int
	// NotBefore delays the first dispatch.
	NotBefore time.Time
	// ID reuses an id chosen by the caller, typically the one already sent as
	// the idempotency key of a direct attempt. Empty generates a new id.
	ID string
}

// ResolvedMaxRetries returns the effective retry cap.
func (o Options) ResolvedMaxRetries() int {
	switch {
	case o.MaxRetries < 0:
		return 0
	case o.MaxRetries == 0:
		return DefaultMaxRetries
	default:
		return o.MaxRetries
	}
}

// Action is one queued mutating operation awaiting execution or retry.
type Action struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Priority      Priority        `json:"priority"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Status        Status          `json:"status"`
	LastError     string          `json:"last_error,omitempty"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
}

// Clone returns a copy that shares no memory with a.
func (a Action) Clone() Action {
	if a.Payload != nil {
		a.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	return a
}

// AttemptsExhausted reports whether another transient failure would exceed
// the retry cap.
func (a Action) AttemptsExhausted() bool {
	return a.Attempts > a.MaxRetries
}

// Result is what a successful operation reports back to the caller.
type Result struct {
	ResourceID string          `json:"resource_id,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Operation performs one outbound call.
type Operation func(ctx context.Context) (Result, error)

// Outcome is the classified result of one attempt.
type Outcome struct {
	Class      Class
	Err        error
	Result     Result
	RetryAfter time.Duration
}

// Succeeded builds a success outcome.
func Succeeded(result Result) Outcome {
	return Outcome{Class: ClassSuccess, Result: result}
}

// FailedTransient builds a retryable failure outcome.
func FailedTransient(err error, retryAfter time.Duration) Outcome {
	return Outcome{Class: ClassTransient, Err: err, RetryAfter: retryAfter}
}

// FailedPermanent builds a non-retryable failure outcome.
func FailedPermanent(err error) Outcome {
	return Outcome{Class: ClassPermanent, Err: err}
}

// ErrorText returns the outcome error message, or "".
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
