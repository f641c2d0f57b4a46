package scheduler

import (
	"sync/atomic"
	"time"
)

// lockPollInterval paces the TryLock loops used wherever lock acquisition
// must lose races against shutdown instead of queueing behind a busy batch.
const lockPollInterval = 10 * time.Millisecond

// Stop is the shared shutdown flag for one sync session. It is set once and
// never cleared. Every path that acquires the scheduler mutex checks it
// first, so shutdown always wins the race against newly arriving work.
type Stop struct {
	flag atomic.Bool
}

// Set marks the session as stopping.
func (s *Stop) Set() {
	s.flag.Store(true)
}

// IsSet reports whether the session is stopping.
func (s *Stop) IsSet() bool {
	return s.flag.Load()
}

// lockUnlessStopping acquires the scheduler mutex, giving up if the stop
// flag is set before the lock becomes available. Returns true when the lock
// is held and the caller must unlock.
func (s *Scheduler) lockUnlessStopping() bool {
	for {
		if s.stop.IsSet() {
			return false
		}
		if s.mu.TryLock() {
			return true
		}
		time.Sleep(lockPollInterval)
	}
}
