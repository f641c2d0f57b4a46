package scheduler

import (
	"errors"
	"strings"

	"github.com/pairsync/pairsync/internal/notice"
)

// Shutdown sequencing errors returned by WaitForFinalBatch.
var (
	// ErrNotStopping means the stop flag was not set before waiting for
	// the final batch.
	ErrNotStopping = errors.New("stop flag not set before waiting for final batch")

	// ErrStillRunning means the scheduler mutex could not be acquired
	// before the deadline, so a batch may still be in flight.
	ErrStillRunning = errors.New("final batch may still be running")
)

// NoticesError carries notices a reconciler discovered while it was already
// handling a batch. The scheduler merges them with the polled notices and
// takes the pause path instead of treating the failure as unexpected.
type NoticesError struct {
	Notices []notice.Notice
}

func (e *NoticesError) Error() string {
	return strings.Join(notice.Reasons(e.Notices), ", AND ")
}
