package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	apperrors "github.com/magickw/linkDAO-sub002/internal/platform/errors"
	"github.com/magickw/linkDAO-sub002/internal/platform/id"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/breaker"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/connectivity"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Submission statuses returned by Submit.
const (
	SubmissionSucceeded = "succeeded"
	SubmissionQueued    = "queued"
	SubmissionFailed    = "failed"
)

// Submission is the caller-visible result of Submit.
type Submission struct {
	Status   string        `json:"status"`
	ActionID string        `json:"action_id,omitempty"`
	Result   domain.Result `json:"result"`
	// Err is the rejection cause when Status is failed, or the transient
	// cause when the action was queued after a failed direct attempt.
	Err error `json:"-"`
}

// SubmitterConfig tunes the submitter.
type SubmitterConfig struct {
	Now   func() time.Time
	NewID func() (string, error)
	Logf  func(format string, args ...any)
}

func (c SubmitterConfig) normalized() SubmitterConfig {
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.NewID == nil {
		c.NewID = id.NewID
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Submitter is the caller-facing entry point: it tries an action directly and
// falls back to the durable queue when the backend cannot take it now.
type Submitter struct {
	store    *queue.Store
	registry *Registry
	breakers *breaker.Set
	conn     connectivity.Source
	hub      *Hub
	cfg      SubmitterConfig
	tracer   trace.Tracer
}

// NewSubmitter wires a submitter. conn nil means always online.
func NewSubmitter(
	store *queue.Store,
	registry *Registry,
	breakers *breaker.Set,
	conn connectivity.Source,
	hub *Hub,
	cfg SubmitterConfig,
) *Submitter {
	if hub == nil {
		hub = NewHub(0, cfg.Logf)
	}
	return &Submitter{
		store:    store,
		registry: registry,
		breakers: breakers,
		conn:     conn,
		hub:      hub,
		cfg:      cfg.normalized(),
		tracer:   otel.Tracer(tracerName),
	}
}

// Submit performs or queues one action. Unregistered kinds and unencodable
// payloads are rejected before anything is attempted or stored.
func (s *Submitter) Submit(ctx context.Context, kind string, payload any, opts domain.Options) (Submission, error) {
	handler, err := s.registry.Lookup(kind)
	if err != nil {
		return Submission{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Submission{}, apperrors.Wrap(apperrors.CodePayloadEncoding, fmt.Sprintf("encode %s payload: %v", kind, err), err)
	}
	if opts.ID == "" {
		opts.ID, err = s.cfg.NewID()
		if err != nil {
			return Submission{}, fmt.Errorf("generate action id: %w", err)
		}
	}

	ctx, span := s.tracer.Start(ctx, "writequeue.submit", trace.WithAttributes(
		attribute.String("writequeue.action_id", opts.ID),
		attribute.String("writequeue.kind", kind),
	))
	defer span.End()

	if s.conn != nil && !s.conn.Online() {
		span.SetAttributes(attribute.Bool("writequeue.offline", true))
		return s.enqueue(ctx, kind, body, opts, nil)
	}

	now := s.cfg.Now()
	action := domain.Action{
		ID:            opts.ID,
		Kind:          kind,
		Payload:       body,
		Priority:      opts.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxRetries:    opts.ResolvedMaxRetries(),
		NextAttemptAt: now,
		Status:        domain.StatusInFlight,
	}

	var queued *Submission
	fallback := func(ctx context.Context, cause *breaker.OpenError) (domain.Result, error) {
		deferredOpts := opts
		if cause.RetryAfter > 0 {
			deferredOpts.NotBefore = s.cfg.Now().Add(cause.RetryAfter)
		}
		submission, err := s.enqueue(ctx, kind, body, deferredOpts, cause)
		if err != nil {
			return domain.Result{}, err
		}
		queued = &submission
		return domain.Result{}, nil
	}

	exec := s.breakers.For(kind).Execute(ctx, handler.operation(action), fallback)
	span.SetAttributes(
		attribute.String("writequeue.class", exec.Class.String()),
		attribute.Bool("writequeue.fallback_used", exec.FallbackUsed),
	)

	if exec.FallbackUsed {
		if exec.Err != nil {
			span.SetStatus(codes.Error, exec.Err.Error())
			return Submission{}, exec.Err
		}
		return *queued, nil
	}

	switch exec.Class {
	case domain.ClassSuccess:
		return Submission{Status: SubmissionSucceeded, ActionID: action.ID, Result: exec.Result}, nil
	case domain.ClassPermanent:
		span.SetStatus(codes.Error, exec.Err.Error())
		s.hub.Publish(Notification{
			ActionID: action.ID,
			Kind:     kind,
			Status:   NotifyFailed,
			Attempts: 1,
			Error:    exec.Err.Error(),
			Reason:   string(domain.FailureRejected),
			At:       s.cfg.Now(),
		})
		return Submission{Status: SubmissionFailed, ActionID: action.ID, Err: exec.Err}, nil
	case domain.ClassCanceled:
		return Submission{}, exec.Err
	default:
		queuedID, err := s.store.EnqueueFailed(ctx, kind, json.RawMessage(body), opts, exec.Err)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Submission{}, err
		}
		// A zero retry budget exhausts on the direct attempt; the action is
		// kept as failed-permanent for inspection but never dispatched.
		if action, ok := s.store.Get(queuedID); ok && action.Status == domain.StatusFailedPermanent {
			span.SetStatus(codes.Error, exec.Err.Error())
			s.hub.Publish(notificationFor(action, domain.Result{}, s.cfg.Now()))
			return Submission{Status: SubmissionFailed, ActionID: queuedID, Err: exec.Err}, nil
		}
		s.publishQueued(queuedID)
		return Submission{Status: SubmissionQueued, ActionID: queuedID, Err: exec.Err}, nil
	}
}

// Cancel removes a queued action. A result that arrives later for it is
// discarded.
func (s *Submitter) Cancel(ctx context.Context, id string) error {
	action, ok := s.store.Get(id)
	if err := s.store.Cancel(ctx, id); err != nil {
		return err
	}
	if ok {
		s.hub.Publish(Notification{ActionID: id, Kind: action.Kind, Status: NotifyCancelled, At: s.cfg.Now()})
	}
	return nil
}

// QueueSize is the number of actions still waiting to complete.
func (s *Submitter) QueueSize() int {
	return s.store.Size()
}

// Subscribe streams notifications for queued actions.
func (s *Submitter) Subscribe() (<-chan Notification, func()) {
	return s.hub.Subscribe()
}

func (s *Submitter) enqueue(ctx context.Context, kind string, body []byte, opts domain.Options, cause error) (Submission, error) {
	queuedID, err := s.store.Enqueue(ctx, kind, json.RawMessage(body), opts)
	if err != nil {
		return Submission{}, err
	}
	s.publishQueued(queuedID)
	return Submission{Status: SubmissionQueued, ActionID: queuedID, Err: cause}, nil
}

func (s *Submitter) publishQueued(id string) {
	action, ok := s.store.Get(id)
	if !ok {
		return
	}
	n := notificationFor(action, domain.Result{}, s.cfg.Now())
	n.Status = NotifyQueued
	s.hub.Publish(n)
}
