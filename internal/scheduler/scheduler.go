// Package scheduler debounces filesystem change events into path batches
// and dispatches them to registered reconcilers, pausing whenever any
// reconciler reports a condition that needs the user's attention.
//
// One mutex guards all scheduler state. The shared stop flag is checked
// before every lock acquisition, so shutdown is never queued behind new
// work; a caller that holds the mutex after the flag is set has proven the
// scheduler quiescent.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pairsync/pairsync/internal/notice"
)

// failureReasonLimit caps the synthetic notice built from an unexpected
// reconciler error; command output wrapped into errors can be huge.
const failureReasonLimit = 300

// Reconciler handles one concern's share of each path batch.
// Implementations must tolerate redelivery of the same paths: a paused
// batch stays buffered and is dispatched again on every retry until it
// succeeds.
type Reconciler interface {
	// Tag identifies the reconciler in batches, notices, and logs. Tags
	// must be unique within one scheduler.
	Tag() string

	// IsRelevantPath reports whether a changed path belongs in this
	// reconciler's batch.
	IsRelevantPath(path string) bool

	// LocalWatchDirs lists the local directory trees whose events feed
	// this reconciler.
	LocalWatchDirs() []string

	// EnvWatchDirs lists the directory trees inside the environment whose
	// events feed this reconciler.
	EnvWatchDirs() []string

	// Notices reports current conditions. It is polled before every
	// dispatch, even when this reconciler's batch is empty. A failure to
	// compute notices should be reported as a pausing notice rather than
	// swallowed.
	Notices() []notice.Notice

	// HandlePathChanges reconciles a batch of relevant paths. Returning a
	// NoticesError pauses the scheduler on the carried notices; any other
	// error pauses it as an unexpected failure.
	HandlePathChanges(paths []string) error
}

// Hooks are the batch lifecycle callbacks. They run with the scheduler
// mutex held, so they must not call back into the scheduler; keep them to
// message sending and bookkeeping. Nil hooks are skipped.
type Hooks struct {
	// OnPending fires when an event opens a new batch.
	OnPending func(description string)

	// OnCompleted fires when a batch resolves with no pausing notices.
	// isResumption is true when the scheduler was paused before this
	// batch.
	OnCompleted func(description string, warnings []notice.Notice, isResumption bool)

	// OnPaused fires every time a batch check finds pausing notices,
	// including repeated retries of the same pause.
	OnPaused func(description string, warnings, pauses []notice.Notice)
}

// Config tunes the scheduler.
type Config struct {
	// Debounce is the quiet period after the most recent buffered event
	// before a batch fires. Zero means DefaultDebounce.
	Debounce time.Duration

	// MaxDebounce caps how far a busy stream of events can defer a batch
	// past its first event. Zero means DefaultMaxDebounce.
	MaxDebounce time.Duration

	// Logger receives scheduler diagnostics. Nil means a stderr logger.
	Logger *log.Logger
}

// Scheduler buffers changed paths into per-reconciler batches and flushes
// them together after a debounce window.
type Scheduler struct {
	debounceWindow time.Duration
	maxDeferral    time.Duration
	logger         *log.Logger
	hooks          Hooks
	stop           *Stop
	reconcilers    []Reconciler

	mu          sync.Mutex
	batches     map[string]map[string]struct{}
	deb         debounce
	timer       *time.Timer
	lastNotices []notice.Notice
	lastFailure *failure
}

// failure remembers the most recent unexpected reconciler error so repeats
// are logged quietly instead of at full severity every retry.
type failure struct {
	tag     string
	message string
}

// New builds a scheduler over the given reconcilers. Reconcilers are
// dispatched in registration order, so order them by dependency: git head
// sync must run before file content sync.
func New(cfg Config, reconcilers []Reconciler, hooks Hooks, stop *Stop) (*Scheduler, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxDebounce <= 0 {
		cfg.MaxDebounce = DefaultMaxDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	if stop == nil {
		stop = &Stop{}
	}
	batches := make(map[string]map[string]struct{}, len(reconcilers))
	for _, r := range reconcilers {
		if _, ok := batches[r.Tag()]; ok {
			return nil, fmt.Errorf("duplicate reconciler tag %q", r.Tag())
		}
		batches[r.Tag()] = make(map[string]struct{})
	}
	return &Scheduler{
		debounceWindow: cfg.Debounce,
		maxDeferral:    cfg.MaxDebounce,
		logger:         cfg.Logger,
		hooks:          hooks,
		stop:           stop,
		reconcilers:    reconcilers,
		batches:        batches,
	}, nil
}

// OnPaths buffers changed paths from either watcher stream. Paths no
// reconciler claims are dropped. The first relevant path of a new batch
// arms the debounce timer and fires the pending hook; later arrivals push
// the timer out until the deferral ceiling is reached.
func (s *Scheduler) OnPaths(paths ...string) {
	if !s.lockUnlessStopping() {
		return
	}
	defer s.mu.Unlock()

	relevant := false
	for _, path := range paths {
		for _, r := range s.reconcilers {
			if !r.IsRelevantPath(path) {
				continue
			}
			s.batches[r.Tag()][path] = struct{}{}
			relevant = true
		}
	}
	if !relevant {
		return
	}

	isNewBatch, rearm := s.deb.noteEvent(time.Now(), s.maxDeferral)
	if rearm {
		s.armTimerLocked()
	}
	if isNewBatch && s.hooks.OnPending != nil {
		description := fmt.Sprintf("New batch pending (changed_path_count=%d)", s.uniquePathCountLocked())
		s.hooks.OnPending(description)
	}
}

// Status reports the scheduler's current state. It takes the mutex, so it
// may briefly block while a batch is being handled.
func (s *Scheduler) Status() Status {
	if s.stop.IsSet() {
		return StatusStopping
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// WatchRoots returns every reconciler's local watch dirs with exact
// duplicates removed. Nested dirs are kept: a ref directory sits inside a
// repo tree the watcher otherwise skips, so collapsing it into the repo
// root would leave it unwatched. The watcher folds overlapping trees
// itself where that is safe.
func (s *Scheduler) WatchRoots() []string {
	var dirs []string
	seen := make(map[string]struct{})
	for _, r := range s.reconcilers {
		for _, dir := range r.LocalWatchDirs() {
			if _, ok := seen[dir]; ok {
				continue
			}
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// EnvWatchDirs returns every reconciler's environment-side watch dirs.
func (s *Scheduler) EnvWatchDirs() []string {
	var dirs []string
	for _, r := range s.reconcilers {
		dirs = append(dirs, r.EnvWatchDirs()...)
	}
	return dirs
}

// WaitForFinalBatch blocks until the scheduler has gone quiet. The stop
// flag must already be set; both OnPaths and the timer give up when they
// see it, so acquiring the mutex here proves no further batch can start.
// Returns ErrStillRunning when the deadline passes with the mutex still
// held, meaning the final batch may not have flushed.
func (s *Scheduler) WaitForFinalBatch(timeout time.Duration) error {
	if !s.stop.IsSet() {
		return ErrNotStopping
	}
	deadline := time.Now().Add(timeout)
	for {
		if s.mu.TryLock() {
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			s.logger.Printf("WARNING: scheduler still busy after %s, final batch may not have flushed", timeout)
			return ErrStillRunning
		}
		time.Sleep(lockPollInterval)
	}
}

// Describe renders the scheduler's full state for status output. It waits
// for the mutex unless the session is stopping.
func (s *Scheduler) Describe() string {
	if !s.lockUnlessStopping() {
		return "scheduler: unable to acquire lock to describe current state"
	}
	defer s.mu.Unlock()

	buffer, err := json.MarshalIndent(s.batchSnapshotLocked(), "", "    ")
	if err != nil {
		buffer = []byte(fmt.Sprintf("%q", err.Error()))
	}
	noticesLine := "none"
	if described := notice.DescribeAll(s.lastNotices); len(described) > 0 {
		sort.Strings(described)
		noticesLine = strings.Join(described, "; ")
	}
	lines := []string{
		fmt.Sprintf("scheduler (status=%s):", s.statusLocked()),
		fmt.Sprintf("buffered unique paths: %d", s.uniquePathCountLocked()),
		fmt.Sprintf("buffer state: %s", buffer),
		fmt.Sprintf("notices: %s", noticesLine),
		s.deb.describe(time.Now()),
	}
	if s.lastFailure != nil {
		lines = append(lines, fmt.Sprintf("last failure: %s: %s", s.lastFailure.tag, s.lastFailure.message))
	}
	return strings.Join(lines, "\n")
}

// fire runs in the timer goroutine when a debounce window closes.
func (s *Scheduler) fire() {
	if !s.lockUnlessStopping() {
		return
	}
	defer s.mu.Unlock()
	s.runBatchLocked()
}

func (s *Scheduler) runBatchLocked() {
	if !s.deb.pending && s.lastFailure == nil && !notice.HasPausing(s.lastNotices) {
		// stale timer fire after the batch already resolved
		return
	}
	priorStatus := s.statusLocked()

	polled := s.pollNoticesLocked()
	s.lastNotices = polled
	if notice.HasPausing(polled) {
		s.pauseLocked()
		return
	}
	if s.stop.IsSet() {
		return
	}

	// Once dispatch begins the stop flag is ignored until every batch has
	// run, so the git heads and the file tree always move as a unit.
	for _, r := range s.reconcilers {
		batch := s.batches[r.Tag()]
		if len(batch) == 0 {
			continue
		}
		paths := sortedKeys(batch)
		s.logger.Printf("%s handling %d paths (debounced by %s)",
			r.Tag(), len(paths), s.deb.totalElapsed(time.Now()).Round(time.Millisecond))
		if err := r.HandlePathChanges(paths); err != nil {
			var noticesErr *NoticesError
			if errors.As(err, &noticesErr) {
				s.lastNotices = append(s.lastNotices, noticesErr.Notices...)
				notice.Sort(s.lastNotices)
				s.pauseLocked()
			} else {
				s.failLocked(r.Tag(), err)
			}
			return
		}
	}

	if s.hooks.OnCompleted != nil {
		description := completionDescription(priorStatus, s.uniquePathCountLocked())
		_, warnings := notice.Partition(s.lastNotices)
		s.hooks.OnCompleted(description, warnings, priorStatus.IsPaused())
	}
	s.resetLocked()
}

// pauseLocked reports the current pausing notices and re-arms the timer so
// the check repeats one debounce window later. Batches stay buffered.
func (s *Scheduler) pauseLocked() {
	described := notice.DescribeAll(s.lastNotices)
	sort.Strings(described)
	if len(described) == 1 {
		s.logger.Printf("sync paused due to notice: %s", described[0])
	} else {
		s.logger.Printf("sync paused due to notices:\n * %s", strings.Join(described, "\n * "))
	}

	pauses, warnings := notice.Partition(s.lastNotices)
	if s.hooks.OnPaused != nil {
		description := fmt.Sprintf("Paused due to notices (pending_reconciler_tags=%v)", s.pendingTagsLocked())
		s.hooks.OnPaused(description, warnings, pauses)
	}
	s.deb.restart(time.Now())
	s.armTimerLocked()
}

// failLocked escalates an unexpected reconciler error into a synthetic
// pausing notice. The first occurrence logs at full severity; identical
// repeats, which paused reconcilers tend to produce every retry, log
// quietly.
func (s *Scheduler) failLocked(tag string, err error) {
	reason := truncate(fmt.Sprintf("%s processing failure: %v", tag, err), failureReasonLimit)
	s.lastNotices = append(s.lastNotices, notice.Pause(tag, reason))
	s.pauseLocked()
	if s.lastFailure == nil || s.lastFailure.tag != tag || s.lastFailure.message != err.Error() {
		s.lastFailure = &failure{tag: tag, message: err.Error()}
		s.logger.Printf("WARNING: sync paused due to unexpected failure: %s", reason)
	} else {
		s.logger.Printf("sync paused, unexpected failure continues: %s", reason)
	}
}

func (s *Scheduler) pollNoticesLocked() []notice.Notice {
	var polled []notice.Notice
	for _, r := range s.reconcilers {
		polled = append(polled, r.Notices()...)
	}
	notice.Sort(polled)
	return polled
}

func (s *Scheduler) statusLocked() Status {
	switch {
	case s.stop.IsSet():
		return StatusStopping
	case s.lastFailure != nil:
		return StatusPausedOnError
	case notice.HasPausing(s.lastNotices):
		return StatusPausedOnNotice
	case s.deb.pending:
		return StatusHandlingPending
	default:
		return StatusIdle
	}
}

func (s *Scheduler) armTimerLocked() {
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounceWindow, s.fire)
		return
	}
	s.timer.Stop()
	s.timer.Reset(s.debounceWindow)
}

func (s *Scheduler) resetLocked() {
	s.deb.clear()
	s.lastFailure = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	for tag := range s.batches {
		s.batches[tag] = make(map[string]struct{})
	}
}

// pendingTagsLocked returns, in registration order, the tags that still
// have buffered work.
func (s *Scheduler) pendingTagsLocked() []string {
	var tags []string
	for _, r := range s.reconcilers {
		if len(s.batches[r.Tag()]) > 0 {
			tags = append(tags, r.Tag())
		}
	}
	return tags
}

func (s *Scheduler) uniquePathCountLocked() int {
	seen := make(map[string]struct{})
	for _, batch := range s.batches {
		for path := range batch {
			seen[path] = struct{}{}
		}
	}
	return len(seen)
}

func (s *Scheduler) batchSnapshotLocked() map[string][]string {
	snapshot := make(map[string][]string, len(s.batches))
	for tag, batch := range s.batches {
		snapshot[tag] = sortedKeys(batch)
	}
	return snapshot
}

func completionDescription(prior Status, changedPathCount int) string {
	switch prior {
	case StatusPausedOnNotice:
		return fmt.Sprintf("Resuming after resolving known notices (changed_path_count=%d)", changedPathCount)
	case StatusPausedOnError:
		return fmt.Sprintf("Resuming after resolving unexpected exceptions (changed_path_count=%d)", changedPathCount)
	default:
		return fmt.Sprintf("Sending update local sync message (changed_path_count=%d)", changedPathCount)
	}
}

// IsPathUnderAny reports whether path equals or sits below any of roots.
func IsPathUnderAny(path string, roots []string) bool {
	for _, root := range roots {
		if IsPathUnder(path, root) {
			return true
		}
	}
	return false
}

// IsPathUnder reports whether path equals root or sits below it.
func IsPathUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
