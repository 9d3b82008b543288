package queue

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
)

// SchemaVersion tags the persisted snapshot layout. Snapshots with any other
// version are discarded on load.
const SchemaVersion = 1

type snapshotRecord struct {
	SchemaVersion int            `cbor:"1,keyasint"`
	Actions       []actionRecord `cbor:"2,keyasint"`
}

type actionRecord struct {
	ID            string `cbor:"1,keyasint"`
	Kind          string `cbor:"2,keyasint"`
	Payload       []byte `cbor:"3,keyasint"`
	Priority      int    `cbor:"4,keyasint"`
	CreatedAt     int64  `cbor:"5,keyasint"`
	UpdatedAt     int64  `cbor:"6,keyasint"`
	Attempts      int    `cbor:"7,keyasint"`
	MaxRetries    int    `cbor:"8,keyasint"`
	NextAttemptAt int64  `cbor:"9,keyasint"`
	Status        string `cbor:"10,keyasint"`
	LastError     string `cbor:"11,keyasint,omitempty"`
	FailureReason string `cbor:"12,keyasint,omitempty"`
}

func encodeSnapshot(actions []domain.Action) ([]byte, error) {
	record := snapshotRecord{
		SchemaVersion: SchemaVersion,
		Actions:       make([]actionRecord, 0, len(actions)),
	}
	for _, action := range actions {
		record.Actions = append(record.Actions, actionRecord{
			ID:            action.ID,
			Kind:          action.Kind,
			Payload:       action.Payload,
			Priority:      int(action.Priority),
			CreatedAt:     action.CreatedAt.UnixNano(),
			UpdatedAt:     action.UpdatedAt.UnixNano(),
			Attempts:      action.Attempts,
			MaxRetries:    action.MaxRetries,
			NextAttemptAt: action.NextAttemptAt.UnixNano(),
			Status:        string(action.Status),
			LastError:     action.LastError,
			FailureReason: string(action.FailureReason),
		})
	}
	body, err := cbor.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode queue snapshot: %w", err)
	}
	return body, nil
}

// decodeSnapshot returns the valid actions in body. Entries that fail
// validation are reported in skipped and left out.
func decodeSnapshot(body []byte) (actions []domain.Action, skipped int, err error) {
	var record snapshotRecord
	if err := cbor.Unmarshal(body, &record); err != nil {
		return nil, 0, fmt.Errorf("decode queue snapshot: %w", err)
	}
	if record.SchemaVersion != SchemaVersion {
		return nil, 0, fmt.Errorf("queue snapshot schema version %d, want %d", record.SchemaVersion, SchemaVersion)
	}

	actions = make([]domain.Action, 0, len(record.Actions))
	for _, r := range record.Actions {
		status, err := domain.ParseStatus(r.Status)
		if err != nil || r.ID == "" || r.Kind == "" || status == domain.StatusSucceeded {
			skipped++
			continue
		}
		actions = append(actions, domain.Action{
			ID:            r.ID,
			Kind:          r.Kind,
			Payload:       r.Payload,
			Priority:      domain.Priority(r.Priority),
			CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
			UpdatedAt:     time.Unix(0, r.UpdatedAt).UTC(),
			Attempts:      r.Attempts,
			MaxRetries:    r.MaxRetries,
			NextAttemptAt: time.Unix(0, r.NextAttemptAt).UTC(),
			Status:        status,
			LastError:     r.LastError,
			FailureReason: domain.FailureReason(r.FailureReason),
		})
	}
	return actions, skipped, nil
}
