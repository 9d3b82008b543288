// Package queue is the durable, priority-ordered store of pending actions.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/magickw/linkDAO-sub002/internal/platform/errors"
	"github.com/magickw/linkDAO-sub002/internal/platform/id"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/backoff"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/storage"
)

// DefaultLeaseTTL bounds how long a claim stays exclusive when LeaseTTL is
// unset.
const DefaultLeaseTTL = time.Minute

// Config wires the store's collaborators.
type Config struct {
	Snapshots storage.SnapshotStore
	Backoff   backoff.Policy
	// LeaseTTL is how long a MarkInFlight claim holds. An in-flight action
	// whose lease expired without a recorded outcome becomes claimable again.
	// It must outlast the longest dispatch call.
	LeaseTTL time.Duration
	Now      func() time.Time
	NewID    func() (string, error)
	Logf     func(format string, args ...any)
}

// Store keeps actions in memory and writes the whole set through to the
// snapshot store on every mutation. A mutation whose write fails is not
// applied.
type Store struct {
	snapshots storage.SnapshotStore
	backoff   backoff.Policy
	leaseTTL  time.Duration
	now       func() time.Time
	newID     func() (string, error)
	logf      func(format string, args ...any)

	mu      sync.Mutex
	actions map[string]domain.Action
}

// Open loads the persisted queue. An unreadable or version-mismatched
// snapshot is logged and replaced by an empty queue. Actions persisted as
// in-flight belonged to a process that died mid-call; they become due again
// without consuming an attempt.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	s := &Store{
		snapshots: cfg.Snapshots,
		backoff:   cfg.Backoff,
		leaseTTL:  cfg.LeaseTTL,
		now:       cfg.Now,
		newID:     cfg.NewID,
		logf:      cfg.Logf,
		actions:   make(map[string]domain.Action),
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = id.NewID
	}
	if s.logf == nil {
		s.logf = log.Printf
	}
	if s.leaseTTL <= 0 {
		s.leaseTTL = DefaultLeaseTTL
	}

	snapshot, err := s.snapshots.LoadSnapshot(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if snapshot.SchemaVersion != SchemaVersion {
		s.logf("writequeue: discarding queue snapshot with schema version %d (want %d)", snapshot.SchemaVersion, SchemaVersion)
		return s, nil
	}
	actions, skipped, err := decodeSnapshot(snapshot.Body)
	if err != nil {
		s.logf("writequeue: discarding unreadable queue snapshot: %v", err)
		return s, nil
	}
	if skipped > 0 {
		s.logf("writequeue: skipped %d invalid actions in queue snapshot", skipped)
	}

	recovered := 0
	for _, action := range actions {
		if action.Status == domain.StatusInFlight {
			action.Status = releasedStatus(action)
			action.NextAttemptAt = s.now()
			recovered++
		}
		s.actions[action.ID] = action
	}
	if recovered > 0 {
		s.logf("writequeue: recovered %d actions left in flight", recovered)
		s.mu.Lock()
		err := s.persistLocked(ctx, s.actions)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Enqueue creates a pending action and returns its id. A payload that cannot
// be JSON-encoded is rejected and nothing is stored.
func (s *Store) Enqueue(ctx context.Context, kind string, payload any, opts domain.Options) (string, error) {
	action, err := s.newAction(kind, payload, opts)
	if err != nil {
		return "", err
	}
	if err := s.insert(ctx, action); err != nil {
		return "", err
	}
	return action.ID, nil
}

// EnqueueFailed stores an action whose first attempt already failed
// transiently outside the queue, so that attempt counts toward its cap and
// its first retry waits out the backoff.
func (s *Store) EnqueueFailed(ctx context.Context, kind string, payload any, opts domain.Options, cause error) (string, error) {
	action, err := s.newAction(kind, payload, opts)
	if err != nil {
		return "", err
	}
	action.Status = domain.StatusInFlight
	s.applyTransient(&action, domain.FailedTransient(cause, domain.RetryAfterOf(cause)))
	if err := s.insert(ctx, action); err != nil {
		return "", err
	}
	return action.ID, nil
}

// Defer returns an in-flight action that was never attempted to the due set,
// not before retryAfter has elapsed. It does not consume an attempt.
func (s *Store) Defer(ctx context.Context, id string, retryAfter time.Duration) (bool, error) {
	if retryAfter <= 0 {
		retryAfter = s.backoff.Ceiling(1)
	}
	deferred := false
	err := s.mutate(ctx, func(actions map[string]domain.Action) error {
		action, ok := actions[id]
		if !ok || action.Status != domain.StatusInFlight {
			return errNoChange
		}
		now := s.now()
		action.Status = releasedStatus(action)
		action.NextAttemptAt = now.Add(retryAfter)
		action.UpdatedAt = now
		actions[id] = action
		deferred = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return deferred, nil
}

// Due returns a snapshot of dispatchable actions whose NextAttemptAt is not
// after now, highest priority first, oldest first within a priority. In-flight
// actions whose lease expired are included.
func (s *Store) Due(now time.Time) []domain.Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]domain.Action, 0, len(s.actions))
	for _, action := range s.actions {
		if claimable(action, now) {
			due = append(due, action.Clone())
		}
	}
	sortActions(due)
	return due
}

// MarkInFlight claims a due action for one dispatch attempt and leases it for
// LeaseTTL. It returns false when the action is gone, held under a live
// lease, terminal, or not yet due. An expired lease means the previous holder
// never recorded an outcome; the action is claimed again without consuming
// an attempt.
func (s *Store) MarkInFlight(ctx context.Context, id string) (bool, error) {
	claimed := false
	err := s.mutate(ctx, func(actions map[string]domain.Action) error {
		now := s.now()
		action, ok := actions[id]
		if !ok || !claimable(action, now) {
			return errNoChange
		}
		if action.Status == domain.StatusInFlight {
			s.logf("writequeue: reclaiming action %s (%s) after its lease expired", action.ID, action.Kind)
		}
		action.Status = domain.StatusInFlight
		action.NextAttemptAt = now.Add(s.leaseTTL)
		action.UpdatedAt = now
		actions[id] = action
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// RecordOutcome applies the result of an attempt to an in-flight action and
// returns the action as it stands afterwards. It reports false, changing
// nothing, when the action is absent or not in flight: a cancelled action's
// late result is discarded and terminal actions are never mutated.
func (s *Store) RecordOutcome(ctx context.Context, id string, outcome domain.Outcome) (domain.Action, bool, error) {
	var updated domain.Action
	applied := false
	err := s.mutate(ctx, func(actions map[string]domain.Action) error {
		action, ok := actions[id]
		if !ok || action.Status != domain.StatusInFlight {
			return errNoChange
		}
		switch outcome.Class {
		case domain.ClassSuccess:
			action.Attempts++
			action.Status = domain.StatusSucceeded
			action.LastError = ""
			action.UpdatedAt = s.now()
			delete(actions, id)
		case domain.ClassTransient:
			s.applyTransient(&action, outcome)
			actions[id] = action
		case domain.ClassPermanent:
			action.Attempts++
			action.Status = domain.StatusFailedPermanent
			action.FailureReason = domain.FailureRejected
			action.LastError = outcome.ErrorText()
			action.UpdatedAt = s.now()
			actions[id] = action
		case domain.ClassCanceled:
			now := s.now()
			action.Status = releasedStatus(action)
			action.NextAttemptAt = now
			action.UpdatedAt = now
			actions[id] = action
		default:
			return fmt.Errorf("record outcome for %s: unknown class %v", id, outcome.Class)
		}
		updated = action.Clone()
		applied = true
		return nil
	})
	if err != nil {
		return domain.Action{}, false, err
	}
	return updated, applied, nil
}

// Release returns an in-flight action to the due set without consuming an
// attempt.
func (s *Store) Release(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.RecordOutcome(ctx, id, domain.Outcome{Class: domain.ClassCanceled})
	return ok, err
}

// Cancel removes the action unconditionally. Removing an absent action is a
// no-op.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.mutate(ctx, func(actions map[string]domain.Action) error {
		if _, ok := actions[id]; !ok {
			return errNoChange
		}
		delete(actions, id)
		return nil
	})
}

// Clear drops a failed-permanent action after the caller has surfaced it.
func (s *Store) Clear(ctx context.Context, id string) error {
	return s.mutate(ctx, func(actions map[string]domain.Action) error {
		action, ok := actions[id]
		if !ok {
			return apperrors.WithMetadata(apperrors.CodeActionNotFound, "action not found", map[string]string{"id": id})
		}
		if action.Status != domain.StatusFailedPermanent {
			return apperrors.WithMetadata(apperrors.CodeActionStateConflict,
				fmt.Sprintf("action %s is %s, not %s", id, action.Status, domain.StatusFailedPermanent),
				map[string]string{"id": id, "status": string(action.Status)})
		}
		delete(actions, id)
		return nil
	})
}

// Requeue resets a failed-permanent action to pending with a fresh attempt
// budget.
func (s *Store) Requeue(ctx context.Context, id string) error {
	return s.mutate(ctx, func(actions map[string]domain.Action) error {
		action, ok := actions[id]
		if !ok {
			return apperrors.WithMetadata(apperrors.CodeActionNotFound, "action not found", map[string]string{"id": id})
		}
		if action.Status != domain.StatusFailedPermanent {
			return apperrors.WithMetadata(apperrors.CodeActionStateConflict,
				fmt.Sprintf("action %s is %s, not %s", id, action.Status, domain.StatusFailedPermanent),
				map[string]string{"id": id, "status": string(action.Status)})
		}
		now := s.now()
		action.Status = domain.StatusPending
		action.Attempts = 0
		action.NextAttemptAt = now
		action.LastError = ""
		action.FailureReason = domain.FailureNone
		action.UpdatedAt = now
		actions[id] = action
		return nil
	})
}

// Size is the caller-visible queue depth: pending, in-flight and retrying
// actions.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, action := range s.actions {
		if action.Status.Active() {
			n++
		}
	}
	return n
}

// Get returns one action by id.
func (s *Store) Get(id string) (domain.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[id]
	if !ok {
		return domain.Action{}, false
	}
	return action.Clone(), true
}

// List returns every stored action, failed-permanent included, in dispatch
// order.
func (s *Store) List() []domain.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]domain.Action, 0, len(s.actions))
	for _, action := range s.actions {
		all = append(all, action.Clone())
	}
	sortActions(all)
	return all
}

// errNoChange aborts a mutation without error and without a write.
var errNoChange = errors.New("no change")

func (s *Store) mutate(ctx context.Context, apply func(map[string]domain.Action) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]domain.Action, len(s.actions)+1)
	for k, v := range s.actions {
		next[k] = v
	}
	if err := apply(next); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return err
	}
	s.actions = next
	return nil
}

func (s *Store) persistLocked(ctx context.Context, actions map[string]domain.Action) error {
	ordered := make([]domain.Action, 0, len(actions))
	for _, action := range actions {
		ordered = append(ordered, action)
	}
	sortActions(ordered)
	body, err := encodeSnapshot(ordered)
	if err != nil {
		return err
	}
	if err := s.snapshots.SaveSnapshot(ctx, storage.Snapshot{
		SchemaVersion: SchemaVersion,
		Body:          body,
		UpdatedAt:     s.now(),
	}); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "persist queue", err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, action domain.Action) error {
	return s.mutate(ctx, func(actions map[string]domain.Action) error {
		if _, exists := actions[action.ID]; exists {
			return apperrors.WithMetadata(apperrors.CodeActionStateConflict,
				fmt.Sprintf("action %s already exists", action.ID), map[string]string{"id": action.ID})
		}
		actions[action.ID] = action
		return nil
	})
}

func (s *Store) newAction(kind string, payload any, opts domain.Options) (domain.Action, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return domain.Action{}, apperrors.New(apperrors.CodeInvalidArgument, "action kind is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Action{}, apperrors.Wrap(apperrors.CodePayloadEncoding, fmt.Sprintf("encode %s payload: %v", kind, err), err)
	}
	actionID := strings.TrimSpace(opts.ID)
	if actionID == "" {
		actionID, err = s.newID()
		if err != nil {
			return domain.Action{}, fmt.Errorf("generate action id: %w", err)
		}
	}
	now := s.now()
	next := now
	if opts.NotBefore.After(now) {
		next = opts.NotBefore
	}
	return domain.Action{
		ID:            actionID,
		Kind:          kind,
		Payload:       body,
		Priority:      opts.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxRetries:    opts.ResolvedMaxRetries(),
		NextAttemptAt: next,
		Status:        domain.StatusPending,
	}, nil
}

func (s *Store) applyTransient(action *domain.Action, outcome domain.Outcome) {
	now := s.now()
	action.Attempts++
	action.LastError = outcome.ErrorText()
	action.UpdatedAt = now
	if action.AttemptsExhausted() {
		action.Status = domain.StatusFailedPermanent
		action.FailureReason = domain.FailureExhausted
		return
	}
	delay := s.backoff.NextDelay(action.Attempts)
	if outcome.RetryAfter > delay {
		delay = outcome.RetryAfter
	}
	action.Status = domain.StatusFailedRetrying
	action.NextAttemptAt = now.Add(delay)
}

// claimable reports whether action may be claimed at now: due and scheduled,
// or in flight under an expired lease.
func claimable(action domain.Action, now time.Time) bool {
	if action.NextAttemptAt.After(now) {
		return false
	}
	return action.Status.Due() || action.Status == domain.StatusInFlight
}

func releasedStatus(action domain.Action) domain.Status {
	if action.Attempts > 0 {
		return domain.StatusFailedRetrying
	}
	return domain.StatusPending
}

func sortActions(actions []domain.Action) {
	sort.Slice(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
