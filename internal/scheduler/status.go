package scheduler

// Status is the scheduler's lifecycle state, derived on demand from its
// batch and notice bookkeeping.
type Status int

const (
	// StatusIdle means nothing is buffered and nothing is pending.
	StatusIdle Status = iota
	// StatusHandlingPending means a batch is waiting out its debounce
	// window or being handled right now.
	StatusHandlingPending
	// StatusPausedOnNotice means handling is paused on conditions the
	// reconcilers knowingly reported.
	StatusPausedOnNotice
	// StatusPausedOnError means handling is paused after an unexpected
	// reconciler failure.
	StatusPausedOnError
	// StatusStopping means the shared stop flag has been set.
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusHandlingPending:
		return "HANDLING_PENDING"
	case StatusPausedOnNotice:
		return "PAUSED_ON_KNOWN_NOTICE"
	case StatusPausedOnError:
		return "PAUSED_ON_UNEXPECTED_EXCEPTION"
	case StatusStopping:
		return "STOPPING"
	default:
		return "unknown"
	}
}

// IsActive reports whether the scheduler is handling or ready to handle
// new batches.
func (s Status) IsActive() bool {
	return s == StatusIdle || s == StatusHandlingPending
}

// IsPaused reports whether handling is paused for any reason.
func (s Status) IsPaused() bool {
	return s == StatusPausedOnNotice || s == StatusPausedOnError
}
