package app

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

// Caller-visible notification statuses.
const (
	NotifySucceeded       = "succeeded"
	NotifyQueued          = "queued"
	NotifyRetrying        = "retrying"
	NotifyFailed          = "failed"
	NotifyFailedPermanent = "failed-permanent"
	NotifyCancelled       = "cancelled"
)

const defaultSubscriberBuffer = 32

// Notification reports one state change of a submitted action.
type Notification struct {
	ActionID   string          `json:"action_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
}

// Hub fans notifications out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the notification.
type Hub struct {
	buffer int
	logf   func(format string, args ...any)

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
}

// NewHub returns a hub whose subscribers buffer up to buffer notifications.
func NewHub(buffer int, logf func(format string, args ...any)) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Hub{buffer: buffer, logf: logf, subs: make(map[int]chan Notification)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes
// the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Notification, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Publish delivers n to every subscriber that has room.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logf("writequeue: subscriber %d lagging, dropped %s notification for %s", id, n.Status, n.ActionID)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func notificationFor(action domain.Action, result domain.Result, at time.Time) Notification {
	n := Notification{
		ActionID: action.ID,
		Kind:     action.Kind,
		Attempts: action.Attempts,
		Error:    action.LastError,
		Reason:   string(action.FailureReason),
		At:       at,
	}
	switch action.Status {
	case domain.StatusSucceeded:
		n.Status = NotifySucceeded
		n.ResourceID = result.ResourceID
		n.Result = result.Body
	case domain.StatusFailedPermanent:
		n.Status = NotifyFailedPermanent
	case domain.StatusFailedRetrying:
		n.Status = NotifyRetrying
	default:
		n.Status = NotifyQueued
	}
	return n
}
