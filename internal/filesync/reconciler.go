// Package filesync keeps file contents equal between the local working tree
// and the sandbox working tree by flushing a managed mutagen session whenever
// either side reports changes.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pairsync/pairsync/internal/gitsync"
	"github.com/pairsync/pairsync/internal/mutagen"
	"github.com/pairsync/pairsync/internal/notice"
	"github.com/pairsync/pairsync/internal/scheduler"
)

// Tag identifies the file content reconciler in batches and notices.
const Tag = "local_filetree_sync"

// Config assembles a Reconciler.
type Config struct {
	// Session is the continuous two-way session carrying file contents.
	Session *mutagen.Session

	// Guard blocks flushes while the local repository is mid-operation or
	// off the sync branch.
	Guard *gitsync.StateGuard

	// Stop is the session's shared shutdown flag. A flush failure after it
	// is set is treated as a teardown race, not an error.
	Stop *scheduler.Stop

	Logger *log.Logger
}

// Reconciler is the scheduler-facing wrapper around the content session.
//
// Both working trees are watched, so every flush echoes back as one more
// batch of events from the side the flush wrote to. The echo batch flushes
// an already-converged session and goes quiet, at the cost of one spurious
// completion message per real batch.
type Reconciler struct {
	session *mutagen.Session
	guard   *gitsync.StateGuard
	stop    *scheduler.Stop
	logger  *log.Logger
	ctx     context.Context

	roots    []string
	excluded []string
}

// NewReconciler builds the reconciler over an already-configured session.
// ctx bounds the daemon commands issued for batches and notice polls, so it
// should outlive the sync session rather than be canceled at stop: the final
// flush must be allowed to finish.
func NewReconciler(ctx context.Context, cfg Config) (*Reconciler, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[filesync] ", log.LstdFlags)
	}
	stop := cfg.Stop
	if stop == nil {
		stop = &scheduler.Stop{}
	}

	roots := []string{cfg.Session.LocalPath, cfg.Session.RemotePath()}
	var excluded []string
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("sync root %s must be absolute", root)
		}
		for _, sub := range mutagen.FixedExclusions {
			excluded = append(excluded, filepath.Join(root, sub))
		}
	}

	return &Reconciler{
		session:  cfg.Session,
		guard:    cfg.Guard,
		stop:     stop,
		logger:   logger,
		ctx:      ctx,
		roots:    roots,
		excluded: excluded,
	}, nil
}

func (r *Reconciler) Tag() string { return Tag }

func (r *Reconciler) LocalWatchDirs() []string {
	return []string{r.session.LocalPath}
}

func (r *Reconciler) EnvWatchDirs() []string {
	return []string{r.session.RemotePath()}
}

// IsRelevantPath claims paths under either working tree, except the roots
// themselves and anything in an excluded subtree. Watchers fire an event for
// the root directory alongside every nested change; the nested event is the
// one that carries information.
func (r *Reconciler) IsRelevantPath(path string) bool {
	for _, root := range r.roots {
		if path == root {
			return false
		}
	}
	if !scheduler.IsPathUnderAny(path, r.roots) {
		return false
	}
	return !scheduler.IsPathUnderAny(path, r.excluded)
}

// Notices surfaces git-state blockers plus whatever the daemon reports about
// the session itself: unresolved conflicts ride along as warnings, halts and
// session errors pause sync.
func (r *Reconciler) Notices() []notice.Notice {
	notices := r.guard.Notices()

	state, err := r.session.Inspect(r.ctx)
	if err != nil {
		// A vanished session is the flush path's problem: the next batch
		// recreates it instead of pausing sync here.
		if errors.Is(err, mutagen.ErrSessionNotFound) {
			return notices
		}
		return append(notices, notice.Pause(Tag, "cannot inspect sync session: "+firstLine(err.Error())))
	}

	if len(state.Conflicts) > 0 {
		notices = append(notices, notice.Warning(Tag, describeConflicts(state.Conflicts)))
	}
	if state.Paused {
		notices = append(notices, notice.Pause(Tag, fmt.Sprintf("sync session %s was paused outside of pairsync (resume it to continue)", r.session.Name)))
	}
	if state.Halted() {
		notices = append(notices, notice.Pause(Tag, "sync session halted: "+state.Status))
	}
	if state.LastError != "" {
		notices = append(notices, notice.Pause(Tag, "sync session error: "+firstLine(state.LastError)))
	}
	return notices
}

// HandlePathChanges flushes the session so both trees converge on the batch's
// changes. Which side a path came from does not matter; one flush moves
// everything pending in both directions.
func (r *Reconciler) HandlePathChanges(paths []string) error {
	if err := r.guard.Validate(); err != nil {
		return err
	}
	return r.flushWithResurrection()
}

// flushWithResurrection flushes the session, and if the daemon has lost it,
// starts it back up and flushes again. The session is ours: nothing else is
// allowed to kill it, so a missing session means something external
// interfered, not that sync should stay down.
func (r *Reconciler) flushWithResurrection() error {
	start := time.Now()
	err := r.session.Flush(r.ctx)
	if err == nil {
		return nil
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	running := r.session.IsRunning(r.ctx)
	if r.stop.IsSet() {
		// Almost certainly a race with teardown: the session owner has
		// taken control, so report and get out of its way.
		r.logger.Printf("WARNING: flush failed during shutdown (elapsed=%s, session_running=%v): %v", elapsed, running, err)
		return nil
	}
	r.logger.Printf("flush failed (elapsed=%s, session_running=%v): %v", elapsed, running, err)

	if running {
		// The daemon still lists the session yet the flush failed. No
		// theory of the state, so surface it.
		return err
	}

	r.logger.Printf("session %s is gone, recreating it", r.session.Name)
	if err := r.session.Create(r.ctx); err != nil {
		return err
	}
	// If this flush fails too the scheduler pauses, and the buffered batch
	// retries the whole sequence every window.
	return r.session.Flush(r.ctx)
}

// describeConflicts summarizes unresolved conflict roots. The session runs
// two-way-resolved, so anything listed is waiting on the next cycle to
// resolve in the local side's favor.
func describeConflicts(conflicts []mutagen.Conflict) string {
	roots := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		roots = append(roots, c.Root)
	}
	sort.Strings(roots)
	const limit = 5
	if len(roots) > limit {
		roots = append(roots[:limit], fmt.Sprintf("and %d more", len(roots)-limit))
	}
	return fmt.Sprintf("%d conflicted paths resolving in favor of the local tree: %s",
		len(conflicts), strings.Join(roots, ", "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
