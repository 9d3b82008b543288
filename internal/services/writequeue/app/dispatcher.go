package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/breaker"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/connectivity"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	tracerName          = "github.com/magickw/linkDAO-sub002/internal/services/writequeue/app"
)

// Attempt outcome values stored in the attempt history.
const (
	AttemptSucceeded = "succeeded"
	AttemptRetry     = "retry"
	AttemptExhausted = "exhausted"
	AttemptRejected  = "rejected"
	AttemptDeferred  = "deferred"
	AttemptReleased  = "released"
	AttemptDiscarded = "discarded"
)

// Attempt is one dispatch decision reported to the attempt recorder.
type Attempt struct {
	ActionID  string
	Kind      string
	Outcome   string
	Attempt   int
	Error     string
	CreatedAt time.Time
}

// AttemptRecorder persists dispatch attempt history.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// Config controls dispatcher loop behavior.
type Config struct {
	PollInterval time.Duration
	Now          func() time.Time
	Logf         func(format string, args ...any)
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// TickReport counts what one tick did.
type TickReport struct {
	Due       int
	Succeeded int
	Retrying  int
	Failed    int
	Deferred  int
	Skipped   int
}

func (r *TickReport) add(other TickReport) {
	r.Due += other.Due
	r.Succeeded += other.Succeeded
	r.Retrying += other.Retrying
	r.Failed += other.Failed
	r.Deferred += other.Deferred
	r.Skipped += other.Skipped
}

// Dispatcher drives queued actions to completion.
type Dispatcher struct {
	store    *queue.Store
	registry *Registry
	breakers *breaker.Set
	conn     connectivity.Source
	hub      *Hub
	recorder AttemptRecorder
	cfg      Config
	tracer   trace.Tracer
}

// NewDispatcher wires a dispatcher. hub and recorder may be nil.
func NewDispatcher(
	store *queue.Store,
	registry *Registry,
	breakers *breaker.Set,
	conn connectivity.Source,
	hub *Hub,
	recorder AttemptRecorder,
	cfg Config,
) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		breakers: breakers,
		conn:     conn,
		hub:      hub,
		recorder: recorder,
		cfg:      cfg.normalized(),
		tracer:   otel.Tracer(tracerName),
	}
}

// Run ticks every poll interval and on every reconnect until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if d.conn != nil {
		wake = d.conn.Wake()
	}
	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.cfg.Logf("writequeue: dispatch tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Tick dispatches every due action once. Kinds run concurrently; actions of
// one kind run in dispatch order, one at a time. While offline it does
// nothing.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	if d.conn != nil && !d.conn.Online() {
		return TickReport{}, nil
	}
	due := d.store.Due(d.cfg.Now())
	if len(due) == 0 {
		return TickReport{}, nil
	}

	byKind := make(map[string][]domain.Action)
	order := make([]string, 0)
	for _, action := range due {
		if _, ok := byKind[action.Kind]; !ok {
			order = append(order, action.Kind)
		}
		byKind[action.Kind] = append(byKind[action.Kind], action)
	}

	var (
		mu     sync.Mutex
		report = TickReport{Due: len(due)}
		g      errgroup.Group
	)
	for _, kind := range order {
		actions := byKind[kind]
		g.Go(func() error {
			var local TickReport
			defer func() {
				mu.Lock()
				report.add(local)
				mu.Unlock()
			}()
			for _, action := range actions {
				if ctx.Err() != nil {
					return nil
				}
				if err := d.dispatch(ctx, action, &local); err != nil {
					return fmt.Errorf("dispatch %s %s: %w", action.Kind, action.ID, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return report, err
}

func (d *Dispatcher) dispatch(ctx context.Context, action domain.Action, report *TickReport) error {
	claimed, err := d.store.MarkInFlight(ctx, action.ID)
	if err != nil {
		return err
	}
	if !claimed {
		report.Skipped++
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "writequeue.dispatch", trace.WithAttributes(
		attribute.String("writequeue.action_id", action.ID),
		attribute.String("writequeue.kind", action.Kind),
		attribute.Int("writequeue.attempt", action.Attempts+1),
	))
	defer span.End()

	handler, err := d.registry.Lookup(action.Kind)
	if err != nil {
		// Persisted by a build that knew this kind; nothing can replay it now.
		span.SetStatus(codes.Error, err.Error())
		return d.settle(ctx, action, domain.FailedPermanent(err), report)
	}

	exec := d.breakers.For(action.Kind).Execute(ctx, handler.operation(action), stillUnavailable)
	span.SetAttributes(
		attribute.String("writequeue.class", exec.Class.String()),
		attribute.Bool("writequeue.fallback_used", exec.FallbackUsed),
	)
	if exec.Err != nil {
		span.RecordError(exec.Err)
	}

	// The call has happened; its outcome is persisted even during shutdown.
	persistCtx := context.WithoutCancel(ctx)

	if exec.FallbackUsed {
		retryAfter := domain.RetryAfterOf(exec.Err)
		deferred, err := d.store.Defer(persistCtx, action.ID, retryAfter)
		if err != nil {
			return err
		}
		if deferred {
			report.Deferred++
			d.record(persistCtx, action, AttemptDeferred, exec.Err)
		}
		return nil
	}

	if exec.Class == domain.ClassCanceled {
		if _, err := d.store.Release(persistCtx, action.ID); err != nil {
			return err
		}
		d.record(persistCtx, action, AttemptReleased, exec.Err)
		return nil
	}

	outcome := domain.Outcome{Class: exec.Class, Err: exec.Err, Result: exec.Result}
	if exec.Class == domain.ClassTransient {
		outcome.RetryAfter = domain.RetryAfterOf(exec.Err)
	}
	if exec.Class != domain.ClassSuccess {
		span.SetStatus(codes.Error, outcome.ErrorText())
	}
	return d.settle(persistCtx, action, outcome, report)
}

// settle applies outcome unless the action was cancelled while the call was
// outstanding.
func (d *Dispatcher) settle(ctx context.Context, action domain.Action, outcome domain.Outcome, report *TickReport) error {
	if _, ok := d.store.Get(action.ID); !ok {
		report.Skipped++
		d.record(ctx, action, AttemptDiscarded, outcome.Err)
		return nil
	}
	updated, applied, err := d.store.RecordOutcome(ctx, action.ID, outcome)
	if err != nil {
		return err
	}
	if !applied {
		report.Skipped++
		d.record(ctx, action, AttemptDiscarded, outcome.Err)
		return nil
	}

	switch updated.Status {
	case domain.StatusSucceeded:
		report.Succeeded++
		d.recordAction(ctx, updated, AttemptSucceeded)
	case domain.StatusFailedRetrying:
		report.Retrying++
		d.recordAction(ctx, updated, AttemptRetry)
	case domain.StatusFailedPermanent:
		report.Failed++
		if updated.FailureReason == domain.FailureExhausted {
			d.recordAction(ctx, updated, AttemptExhausted)
		} else {
			d.recordAction(ctx, updated, AttemptRejected)
		}
		d.cfg.Logf("writequeue: action %s (%s) failed permanently after %d attempts: %s",
			updated.ID, updated.Kind, updated.Attempts, updated.LastError)
	}
	if d.hub != nil {
		d.hub.Publish(notificationFor(updated, outcome.Result, d.cfg.Now()))
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, action domain.Action, outcome string, cause error) {
	text := ""
	if cause != nil {
		text = cause.Error()
	}
	d.recordAttempt(ctx, Attempt{
		ActionID:  action.ID,
		Kind:      action.Kind,
		Outcome:   outcome,
		Attempt:   action.Attempts,
		Error:     text,
		CreatedAt: d.cfg.Now(),
	})
}

func (d *Dispatcher) recordAction(ctx context.Context, action domain.Action, outcome string) {
	d.recordAttempt(ctx, Attempt{
		ActionID:  action.ID,
		Kind:      action.Kind,
		Outcome:   outcome,
		Attempt:   action.Attempts,
		Error:     action.LastError,
		CreatedAt: d.cfg.Now(),
	})
}

func (d *Dispatcher) recordAttempt(ctx context.Context, attempt Attempt) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordAttempt(ctx, attempt); err != nil {
		d.cfg.Logf("writequeue: record attempt for %s: %v", attempt.ActionID, err)
	}
}

// stillUnavailable keeps a queued action queued when its breaker refuses.
func stillUnavailable(_ context.Context, cause *breaker.OpenError) (domain.Result, error) {
	return domain.Result{}, cause
}
