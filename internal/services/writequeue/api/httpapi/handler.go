// Package httpapi exposes the submission facade and operator controls over
// HTTP, plus a websocket stream of action notifications.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/websocket"

	apperrors "github.com/magickw/linkDAO-sub002/internal/platform/errors"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/app"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/breaker"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/storage"
)

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
	maxRequestBody      = 1 << 20
)

// Service is the caller-facing facade.
type Service interface {
	Submit(ctx context.Context, kind string, payload any, opts domain.Options) (app.Submission, error)
	Cancel(ctx context.Context, id string) error
	QueueSize() int
	Subscribe() (<-chan app.Notification, func())
}

// Queue is the operator view of the action store.
type Queue interface {
	Get(id string) (domain.Action, bool)
	List() []domain.Action
	Requeue(ctx context.Context, id string) error
	Clear(ctx context.Context, id string) error
}

// Breakers is the operator view of the per-kind breakers.
type Breakers interface {
	Snapshots() []breaker.Snapshot
	Reset(kind string) bool
}

// Deps are the handler's collaborators. Attempts may be nil.
type Deps struct {
	Service  Service
	Queue    Queue
	Breakers Breakers
	Attempts storage.AttemptStore
}

type handler struct {
	deps Deps
}

// NewHandler builds the writequeue HTTP routes.
func NewHandler(deps Deps) http.Handler {
	h := &handler{deps: deps}
	r := chi.NewRouter()
	r.Get("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Route("/actions", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/", h.listActions)
		r.Get("/{id}", h.getAction)
		r.Delete("/{id}", h.cancelAction)
		r.Post("/{id}/requeue", h.requeueAction)
		r.Post("/{id}/clear", h.clearAction)
	})
	r.Get("/queue/size", h.queueSize)
	r.Get("/breakers", h.listBreakers)
	r.Post("/breakers/{kind}/reset", h.resetBreaker)
	r.Get("/attempts", h.listAttempts)
	r.Handle("/ws", websocket.Handler(h.stream))
	return r
}

// SubmitRequest is the POST /actions body.
type SubmitRequest struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority string          `json:"priority,omitempty"`
	// MaxRetries caps retries after the first attempt. Omitted uses the
	// default of 3; 0 allows only the first attempt.
	MaxRetries *int       `json:"max_retries,omitempty"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
}

// SubmitResponse is the POST /actions result.
type SubmitResponse struct {
	Status   string        `json:"status"`
	ActionID string        `json:"action_id,omitempty"`
	Result   domain.Result `json:"result"`
	// Code is CIRCUIT_OPEN when the action was queued without an attempt
	// because its kind's breaker refused traffic.
	Code  apperrors.Code `json:"code,omitempty"`
	Error string         `json:"error,omitempty"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid JSON body"))
		return
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, err.Error()))
		return
	}
	opts := domain.Options{Priority: priority}
	if req.MaxRetries != nil {
		switch {
		case *req.MaxRetries < 0:
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "max_retries must not be negative"))
			return
		case *req.MaxRetries == 0:
			opts.MaxRetries = -1
		default:
			opts.MaxRetries = *req.MaxRetries
		}
	}
	if req.NotBefore != nil {
		opts.NotBefore = req.NotBefore.UTC()
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	submission, err := h.deps.Service.Submit(r.Context(), strings.TrimSpace(req.Kind), payload, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := SubmitResponse{Status: submission.Status, ActionID: submission.ActionID, Result: submission.Result}
	if submission.Err != nil {
		resp.Error = submission.Err.Error()
		if errors.Is(submission.Err, breaker.ErrOpen) {
			resp.Code = apperrors.CodeCircuitOpen
		}
	}
	status := http.StatusOK
	switch submission.Status {
	case app.SubmissionQueued:
		status = http.StatusAccepted
	case app.SubmissionFailed:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (h *handler) listActions(w http.ResponseWriter, r *http.Request) {
	var filter domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := domain.ParseStatus(raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, err.Error()))
			return
		}
		filter = parsed
	}
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))

	items := make([]domain.Action, 0)
	for _, action := range h.deps.Queue.List() {
		if filter != "" && action.Status != filter {
			continue
		}
		if kind != "" && action.Kind != kind {
			continue
		}
		items = append(items, action)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *handler) getAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action, ok := h.deps.Queue.Get(id)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeActionNotFound, "action not found"))
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (h *handler) cancelAction(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) requeueAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Queue.Requeue(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	action, _ := h.deps.Queue.Get(id)
	writeJSON(w, http.StatusOK, action)
}

func (h *handler) clearAction(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Queue.Clear(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) queueSize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"size": h.deps.Service.QueueSize()})
}

func (h *handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": h.deps.Breakers.Snapshots()})
}

func (h *handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if !h.deps.Breakers.Reset(kind) {
		writeError(w, apperrors.WithMetadata(apperrors.CodeActionNotFound, "no breaker for kind", map[string]string{"kind": kind}))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Attempts == nil {
		writeError(w, apperrors.New(apperrors.CodeStoreUnavailable, "attempt history is not configured"))
		return
	}
	limit := defaultAttemptLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxAttemptLimit)
	}
	attempts, err := h.deps.Attempts.ListAttempts(r.Context(), r.URL.Query().Get("action_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]attemptView, 0, len(attempts))
	for _, attempt := range attempts {
		items = append(items, attemptView{
			ActionID:  attempt.ActionID,
			Kind:      attempt.Kind,
			Outcome:   attempt.Outcome,
			Attempt:   attempt.Attempt,
			LastError: attempt.LastError,
			CreatedAt: attempt.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type attemptView struct {
	ActionID  string    `json:"action_id"`
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// stream pushes every notification to the websocket until the peer leaves.
func (h *handler) stream(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	notifications, unsubscribe := h.deps.Service.Subscribe()
	defer unsubscribe()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = io.Copy(io.Discard, conn)
	}()

	encoder := json.NewEncoder(conn)
	for {
		select {
		case <-gone:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if err := encoder.Encode(n); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: string(apperrors.CodeUnknown), Error: err.Error()})
		return
	}
	if d := appErr.RetryDelay(); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.Round(time.Second)/time.Second)))
	}
	writeJSON(w, httpStatus(appErr.Code), errorResponse{Code: string(appErr.Code), Error: appErr.Error()})
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidArgument, apperrors.CodePayloadEncoding, apperrors.CodeUnregisteredKind:
		return http.StatusBadRequest
	case apperrors.CodeActionNotFound:
		return http.StatusNotFound
	case apperrors.CodeActionStateConflict:
		return http.StatusConflict
	case apperrors.CodeStoreUnavailable, apperrors.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
