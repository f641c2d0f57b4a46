package pairing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pairsync/pairsync/internal/notice"
)

// Status is the service's one-word answer to "is sync running".
type Status int

const (
	// StatusInactive means no session is running.
	StatusInactive Status = iota
	// StatusActive means a session is running and handling batches.
	StatusActive
	// StatusPaused means a session is running but reconciliation is held
	// back, either by a pausing notice or by an unexpected failure.
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusActive:
		return "ACTIVE"
	case StatusPaused:
		return "PAUSED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is a point-in-time summary of the service, derived on demand from
// the active session. Nothing here is stored; ask again for fresh values.
type State struct {
	Status Status

	// TaskID identifies the active session's task. Zero when inactive.
	TaskID uuid.UUID

	// Notices are the conditions carried by the session's most recent
	// update message. Empty when the last batch was clean.
	Notices []notice.Notice

	// LastBatchAt is when the session last finished handling a batch.
	// Zero before the first batch completes.
	LastBatchAt time.Time
}
