package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/magickw/linkDAO-sub002/internal/platform/errors"
	"github.com/magickw/linkDAO-sub002/internal/platform/timeouts"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

// ReplayFunc performs the outbound call for one action. It is used both for
// the direct attempt and for every queued retry, so it must be safe to repeat.
type ReplayFunc func(ctx context.Context, action domain.Action) (domain.Result, error)

// Handler is the registered behavior of one action kind.
type Handler struct {
	Replay ReplayFunc
	// Timeout bounds a single call. Zero uses timeouts.Dispatch.
	Timeout time.Duration
}

func (h Handler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return timeouts.Dispatch
	}
	return h.Timeout
}

// operation binds the handler to one action under the per-kind timeout.
func (h Handler) operation(action domain.Action) domain.Operation {
	return func(ctx context.Context) (domain.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, h.timeout())
		defer cancel()
		return h.Replay(callCtx, action)
	}
}

// Registry maps action kinds to handlers. The submitter and the dispatcher
// share one registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for kind.
func (r *Registry) Register(kind string, handler Handler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("action kind is required")
	}
	if handler.Replay == nil {
		return fmt.Errorf("register %s: replay func is required", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	return nil
}

// Lookup returns kind's handler, or an unregistered-kind error.
func (r *Registry) Lookup(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[strings.TrimSpace(kind)]
	if !ok {
		return Handler{}, apperrors.WithMetadata(apperrors.CodeUnregisteredKind,
			fmt.Sprintf("no handler registered for action kind %q", kind), map[string]string{"kind": kind})
	}
	return handler, nil
}

// Kinds returns the registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
