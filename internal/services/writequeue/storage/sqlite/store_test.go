package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/storage"
)

func TestLoadSnapshotEmpty(t *testing.T) {
	store := openTempStore(t)

	_, err := store.LoadSnapshot(context.Background())
	if !errors.Is(err, storage.ErrNoSnapshot) {
		t.Fatalf("load snapshot err = %v, want %v", err, storage.ErrNoSnapshot)
	}
}

func TestSaveSnapshotReplacesRecord(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	if err := store.SaveSnapshot(context.Background(), storage.Snapshot{SchemaVersion: 1, Body: []byte("first"), UpdatedAt: now}); err != nil {
		t.Fatalf("save first snapshot: %v", err)
	}
	if err := store.SaveSnapshot(context.Background(), storage.Snapshot{SchemaVersion: 2, Body: []byte("second"), UpdatedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("save second snapshot: %v", err)
	}

	got, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if got.SchemaVersion != 2 || string(got.Body) != "second" {
		t.Fatalf("snapshot = (%d, %q), want (2, %q)", got.SchemaVersion, got.Body, "second")
	}
	if !got.UpdatedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("updated at = %v, want %v", got.UpdatedAt, now.Add(time.Second))
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writequeue.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := first.SaveSnapshot(context.Background(), storage.Snapshot{SchemaVersion: 1, Body: []byte{0xa1}}); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	got, err := second.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(got.Body) != 1 || got.Body[0] != 0xa1 {
		t.Fatalf("body = %v, want [0xa1]", got.Body)
	}
}

func TestRecordAndListAttempts(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	records := []storage.AttemptRecord{
		{ActionID: "act-1", Kind: "create-post", Outcome: "transient", Attempt: 1, LastError: "503", CreatedAt: now},
		{ActionID: "act-2", Kind: "create-post", Outcome: "succeeded", Attempt: 1, CreatedAt: now.Add(time.Second)},
		{ActionID: "act-1", Kind: "create-post", Outcome: "succeeded", Attempt: 2, CreatedAt: now.Add(time.Minute)},
	}
	for _, record := range records {
		if err := store.RecordAttempt(context.Background(), record); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	all, err := store.ListAttempts(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("attempts len = %d, want 3", len(all))
	}
	if all[0].ActionID != "act-1" || all[0].Attempt != 2 {
		t.Fatalf("newest attempt = %+v, want act-1 attempt 2", all[0])
	}

	forAction, err := store.ListAttempts(context.Background(), "act-1", 10)
	if err != nil {
		t.Fatalf("list attempts for action: %v", err)
	}
	if len(forAction) != 2 {
		t.Fatalf("attempts for act-1 = %d, want 2", len(forAction))
	}
	if forAction[1].LastError != "503" {
		t.Fatalf("oldest attempt error = %q, want %q", forAction[1].LastError, "503")
	}
}

func TestRecordAttemptValidation(t *testing.T) {
	store := openTempStore(t)

	if err := store.RecordAttempt(context.Background(), storage.AttemptRecord{}); err == nil {
		t.Fatal("expected validation error for empty attempt")
	}
	if _, err := store.ListAttempts(context.Background(), "", 0); err == nil {
		t.Fatal("expected validation error for zero limit")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "writequeue.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
