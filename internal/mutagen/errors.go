package mutagen

import (
	"errors"
	"fmt"
)

// Common errors returned by daemon operations.
var (
	// ErrSessionNotFound indicates the daemon no longer knows the session.
	ErrSessionNotFound = errors.New("sync session not found")

	// ErrDaemonUnavailable indicates the daemon could not be reached at all.
	ErrDaemonUnavailable = errors.New("sync daemon unavailable")
)

// SessionError describes a failed daemon session operation with everything
// needed to debug it from a single log line.
type SessionError struct {
	Op      string
	Session string
	Mode    string
	Alpha   string
	Beta    string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("mutagen %s failed for session %s (%s, %s -> %s): %v",
		e.Op, e.Session, e.Mode, e.Alpha, e.Beta, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
