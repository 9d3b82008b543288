// Package storage defines the durable records behind the action queue.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNoSnapshot is returned by LoadSnapshot when nothing was ever saved.
var ErrNoSnapshot = errors.New("no queue snapshot")

// Snapshot is the single persisted record holding the whole queue.
type Snapshot struct {
	SchemaVersion int
	Body          []byte
	UpdatedAt     time.Time
}

// SnapshotStore persists the encoded queue as one record.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}

// AttemptRecord is one durable dispatch attempt outcome.
type AttemptRecord struct {
	ID        int64
	ActionID  string
	Kind      string
	Outcome   string
	Attempt   int
	LastError string
	CreatedAt time.Time
}

// AttemptStore persists dispatch attempt history.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt AttemptRecord) error
	ListAttempts(ctx context.Context, actionID string, limit int) ([]AttemptRecord, error)
}
