package scheduler

import (
	"fmt"
	"time"
)

// Default debounce tuning. One quiet Debounce window closes a batch; a busy
// stream of events can defer it no further than MaxDebounce past its first
// event.
const (
	DefaultDebounce    = 250 * time.Millisecond
	DefaultMaxDebounce = 2 * time.Second
)

// debounce tracks the deferral window of the batch currently buffering.
// The scheduler's timer is armed from this bookkeeping; all fields are
// guarded by the scheduler mutex.
//
// pending stays true from the first buffered event until the batch fully
// resolves, including across pause retries, so retries never count as new
// batches.
type debounce struct {
	pending bool
	first   time.Time
	latest  time.Time
	bounces int
}

// noteEvent records an event arrival. It reports whether this event opened
// a new batch and whether the timer should be (re)armed. Once total
// deferral exceeds maxDeferral the already-armed timer is left to fire on
// schedule and the arrival is not recorded.
func (d *debounce) noteEvent(now time.Time, maxDeferral time.Duration) (isNewBatch, rearm bool) {
	if !d.pending {
		d.restart(now)
		return true, true
	}
	if now.Sub(d.first) > maxDeferral {
		return false, false
	}
	d.latest = now
	d.bounces++
	return false, true
}

// restart opens a fresh deferral window while keeping the batch pending.
// Used after a pause so the notice check repeats one debounce period later.
func (d *debounce) restart(now time.Time) {
	d.pending = true
	d.first = now
	d.latest = now
	d.bounces++
}

// clear resets the window after a completed batch.
func (d *debounce) clear() {
	*d = debounce{}
}

func (d *debounce) totalElapsed(now time.Time) time.Duration {
	if d.first.IsZero() {
		return 0
	}
	return now.Sub(d.first)
}

func (d *debounce) sinceLastEvent(now time.Time) time.Duration {
	if d.latest.IsZero() {
		return 0
	}
	return now.Sub(d.latest)
}

func (d *debounce) describe(now time.Time) string {
	state := "clear"
	if d.pending {
		state = "pending"
	}
	return fmt.Sprintf("debounce(state=%s, total_elapsed=%s, since_last_event=%s, bounces=%d)",
		state, d.totalElapsed(now).Round(time.Millisecond), d.sinceLastEvent(now).Round(time.Millisecond), d.bounces)
}
