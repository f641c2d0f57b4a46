package pairing

import "errors"

// ErrTransitionInProgress is returned when a sync transition is requested
// while another one is still running. Transitions are rejected rather than
// queued; the caller retries once the first transition settles.
var ErrTransitionInProgress = errors.New("another sync transition is already in progress")

// ErrNoActiveSession is returned by UnsyncFromTask when there is nothing to
// stop. Callers unwinding on a best-effort basis treat it as success.
var ErrNoActiveSession = errors.New("no active sync session")

// ErrTaskAlreadySynced is returned when SyncToTask targets the task that is
// already active. Re-syncing in place is not a transition; the caller must
// unsync first if it wants a fresh session.
var ErrTaskAlreadySynced = errors.New("task is already being synced")
