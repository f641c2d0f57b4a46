// Package pairing owns the top-level sync service: at most one active
// session per process, the transition choreography into and out of a task,
// and the scans that clean up daemon sessions left behind by an unclean
// shutdown.
//
// Transitions (SyncToTask, UnsyncFromTask) are serialized by a non-blocking
// lock: a second transition arriving while one runs is rejected with
// ErrTransitionInProgress rather than queued, because by the time it would
// run the world it was requested against may no longer exist.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairsync/pairsync/internal/config"
	"github.com/pairsync/pairsync/internal/env"
	"github.com/pairsync/pairsync/internal/git"
	"github.com/pairsync/pairsync/internal/mutagen"
	"github.com/pairsync/pairsync/internal/protocol"
	"github.com/pairsync/pairsync/internal/session"
)

// Config carries the service's dependencies.
type Config struct {
	// DataDir is the service's private state directory: the mutagen
	// install, the project registry, and the exclusivity lock all live
	// under it.
	DataDir string

	// Registry tracks which projects this installation has synced. Nil
	// means open the default registry inside DataDir.
	Registry *config.Registry

	// Messenger receives every lifecycle message the service and its
	// sessions emit.
	Messenger protocol.Messenger

	// Telemetry receives counting events alongside the messages. Nil
	// disables recording.
	Telemetry protocol.Telemetry

	// Debounce and MaxDebounce tune each session's batch scheduler. Zero
	// means the scheduler defaults.
	Debounce    time.Duration
	MaxDebounce time.Duration

	// SkipDirs are extra directory names the sessions' watchers ignore.
	SkipDirs []string

	// RunnerFor builds the daemon command runner for a snapshot guard. Nil
	// means the exec-backed mutagen runner; tests substitute a recording
	// fake so no daemon command ever leaves the process.
	RunnerFor func(guard *sync.RWMutex) mutagen.Runner

	Logger *log.Logger
}

// Service is the single-session pairing service. Build with New, arm with
// Start, transition with SyncToTask and UnsyncFromTask, release with Stop.
// All methods are safe for concurrent use.
type Service struct {
	dataDir     string
	registry    *config.Registry
	messenger   protocol.Messenger
	telemetry   protocol.Telemetry
	debounce    time.Duration
	maxDebounce time.Duration
	skipDirs    []string

	runnerFor func(guard *sync.RWMutex) mutagen.Runner
	logger    *log.Logger

	// transition serializes sync transitions end to end. Always acquired
	// with TryLock: a losing caller gets ErrTransitionInProgress instead
	// of blocking behind a transition that may take many seconds.
	transition sync.Mutex

	// mu guards the fields below. Held only for field access, never
	// across git or daemon commands.
	mu            sync.Mutex
	active        *activeSync
	lock          *config.Lock
	daemonStarted bool
}

// activeSync pairs the running session with the repo it operates on, so the
// exit choreography does not have to reopen it.
type activeSync struct {
	sess *session.Session
	repo *git.Repo
}

// Request names everything SyncToTask needs to start syncing one task.
type Request struct {
	TaskID    uuid.UUID
	ProjectID uuid.UUID

	// RepoPath is the local clone of the project's repository.
	RepoPath string

	// Environment is the agent's side of the sync.
	Environment env.Environment

	// SyncBranch is the branch the agent works on; it becomes the local
	// checkout for the duration of the session.
	SyncBranch string
}

// New builds a stopped service.
func New(cfg Config) (*Service, error) {
	if cfg.DataDir == "" || cfg.Messenger == nil {
		return nil, errors.New("pairing service requires a data dir and a messenger")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[pairing] ", log.LstdFlags)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = config.NewRegistry(cfg.DataDir)
	}
	runnerFor := cfg.RunnerFor
	if runnerFor == nil {
		runnerFor = func(guard *sync.RWMutex) mutagen.Runner {
			return mutagen.NewRunner(cfg.DataDir, guard, logger)
		}
	}
	return &Service{
		dataDir:     cfg.DataDir,
		registry:    registry,
		messenger:   cfg.Messenger,
		telemetry:   cfg.Telemetry,
		debounce:    cfg.Debounce,
		maxDebounce: cfg.MaxDebounce,
		skipDirs:    cfg.SkipDirs,
		runnerFor:   runnerFor,
		logger:      logger,
	}, nil
}

// Start readies the service: take the data directory lock, verify the
// mutagen binary, and terminate daemon sessions left behind by an unclean
// previous shutdown. No task is synced until SyncToTask.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Printf("starting local sync service")

	lock, err := config.AcquireLock(s.dataDir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lock = lock
	s.mu.Unlock()

	runner := s.runnerFor(nil)
	if err := mutagen.EnsureBinary(ctx, runner); err != nil {
		s.releaseLock()
		return err
	}
	s.cleanupDanglingSessions(ctx, runner)
	return nil
}

// Stop unwinds the service: unsync the active task, then stop the private
// daemon if this process ever started one. Cleanup failures are logged
// rather than returned, because at shutdown there is nobody left to retry.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Printf("stopping local sync service")

	if err := s.UnsyncFromTask(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
		s.logger.Printf("WARNING: failed to cleanly unsync during shutdown: %v", err)
	}

	s.mu.Lock()
	daemonStarted := s.daemonStarted
	s.mu.Unlock()

	if daemonStarted {
		runner := s.runnerFor(nil)
		s.cleanupDanglingSessions(ctx, runner)
		mutagen.StopDaemon(ctx, runner, s.dataDir, s.logger)
	}

	s.releaseLock()
	return nil
}

// SyncToTask starts syncing the requested task, first unsyncing whatever
// task was active. When the previous task belongs to the same project the
// repo stays on the sync branch through the handoff and the new session
// inherits the original branch recorded when the project was first synced;
// unsyncing the last task of a project is what restores that branch.
//
// A refusal because the local repo is unsafe to sync returns the session's
// *StartupBlockedError untouched, with the repo exactly as the user left
// it. Requesting the task that is already active returns
// ErrTaskAlreadySynced.
func (s *Service) SyncToTask(ctx context.Context, req Request) error {
	if !s.transition.TryLock() {
		return fmt.Errorf("cannot sync to task %s: %w", req.TaskID, ErrTransitionInProgress)
	}
	defer s.transition.Unlock()

	repo, err := git.Open(req.RepoPath)
	if err != nil {
		return fmt.Errorf("failed to open repo at %s: %w", req.RepoPath, err)
	}

	s.mu.Lock()
	previous := s.active
	s.mu.Unlock()

	switching := false
	var prevInfo session.Info
	if previous != nil {
		prevInfo = previous.sess.Info()
		if prevInfo.TaskID == req.TaskID {
			return fmt.Errorf("cannot sync to task %s: %w", req.TaskID, ErrTaskAlreadySynced)
		}
		switching = prevInfo.ProjectID == req.ProjectID
		if err := s.unsyncActive(ctx, unsyncOptions{switchingToTask: switching}); err != nil && !errors.Is(err, ErrNoActiveSession) {
			s.logger.Printf("WARNING: failed to cleanly unsync previous task %s: %v", prevInfo.TaskID, err)
		}
	}

	s.send(protocol.SetupStarted{Header: protocol.NewHeader(protocol.KindSetupStarted, req.TaskID)})

	runner := s.runnerFor(req.Environment.SnapshotGuard())
	s.terminateStraySessions(ctx, runner, req.ProjectID)

	var info session.Info
	if switching {
		info = prevInfo.NextFor(req.TaskID, req.SyncBranch)
	} else {
		originalBranch, err := repo.CurrentBranch()
		if err != nil {
			return fmt.Errorf("failed to read current branch of %s: %w", req.RepoPath, err)
		}
		info = session.NewInfo(req.TaskID, req.ProjectID, req.SyncBranch, originalBranch)
	}

	if err := s.registry.Upsert(req.ProjectID, repo.Root()); err != nil {
		s.logger.Printf("WARNING: failed to record project %s in registry: %v", req.ProjectID, err)
	}

	sess, err := session.New(session.Config{
		Info:        info,
		LocalRepo:   repo,
		Environment: req.Environment,
		Runner:      runner,
		Messenger:   s.messenger,
		Telemetry:   s.telemetry,
		Debounce:    s.debounce,
		MaxDebounce: s.maxDebounce,
		SkipDirs:    s.skipDirs,
		Logger:      s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build session for task %s: %w", req.TaskID, err)
	}

	if err := sess.Start(ctx); err != nil {
		s.logger.Printf("failed to start sync for task %s: %v", req.TaskID, err)
		if sess.MutatedRepo() {
			s.cleanupAfterFailedStart(repo, info)
		}
		var blocked *session.StartupBlockedError
		if errors.As(err, &blocked) {
			return err
		}
		return fmt.Errorf("failed to start sync for task %s: %w", req.TaskID, err)
	}

	s.mu.Lock()
	s.active = &activeSync{sess: sess, repo: repo}
	s.daemonStarted = true
	s.mu.Unlock()

	s.logger.Printf("successfully enabled sync for task %s", req.TaskID)
	return nil
}

// UnsyncFromTask stops the active session and restores the repo to the
// branch recorded when its project was first synced. Returns
// ErrNoActiveSession when there is nothing to stop.
func (s *Service) UnsyncFromTask(ctx context.Context) error {
	if !s.transition.TryLock() {
		return fmt.Errorf("cannot unsync: %w", ErrTransitionInProgress)
	}
	defer s.transition.Unlock()
	return s.unsyncActive(ctx, unsyncOptions{})
}

type unsyncOptions struct {
	// switchingToTask means another task of the same project starts
	// immediately after: skip the checkout back to the original branch,
	// the next session re-targets the tree anyway.
	switchingToTask bool
}

// unsyncActive stops the active session and runs the exit choreography.
// Caller must hold the transition lock.
//
// The slot is cleared before stopping, so even a failed stop never leaves a
// half-dead session reachable. A paused session or a repo caught mid-merge
// is left exactly as it stands; regular exits reset the tree and check out
// the original branch. Disabled is sent whenever the session itself stopped,
// even if the git restoration after it failed.
func (s *Service) unsyncActive(ctx context.Context, opts unsyncOptions) error {
	active := s.takeActive()
	if active == nil {
		return ErrNoActiveSession
	}
	info := active.sess.Info()

	reason := "stopping active sync"
	if opts.switchingToTask {
		reason = "switching to a new task"
	}
	s.logger.Printf("stopping active sync for task %s: %s", info.TaskID, reason)

	// Read before Stop: stopping tears the scheduler down and with it the
	// pause bookkeeping.
	paused := active.sess.Status().IsPaused()

	if err := active.sess.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop session for task %s: %w", info.TaskID, err)
	}

	if paused {
		s.logger.Printf("unsyncing from paused task %s and leaving local state as-is for inspection", info.TaskID)
		s.sendDisabled(info.TaskID, reason)
		return nil
	}

	if err := s.restoreRepo(active.repo, info, opts.switchingToTask); err != nil {
		s.sendDisabled(info.TaskID, reason)
		return err
	}

	s.sendDisabled(info.TaskID, reason)
	return nil
}

// restoreRepo returns the working tree to the user: discard the sync
// residue and, unless another task of the same project takes over, check
// out the branch that was current before the project was first synced.
//
// A tree caught mid-merge, mid-rebase, or mid-cherry-pick is left alone: a
// hard reset would strand the operation halfway, which is worse than
// leaving the sync branch checked out.
func (s *Service) restoreRepo(repo *git.Repo, info session.Info, switching bool) error {
	status, err := repo.CurrentStatus()
	if err != nil {
		return &session.CleanupError{TaskID: info.TaskID, Step: "git_status", Err: err}
	}
	if status.InProgress() {
		s.logger.Printf("unexpected git state (%s): unsyncing from task %s and leaving state as-is",
			strings.Join(inProgressOps(status), ", "), info.TaskID)
		return nil
	}

	if err := repo.ResetHard("HEAD"); err != nil {
		return &session.CleanupError{TaskID: info.TaskID, Step: "git_reset", Err: err}
	}
	if err := repo.CleanUntracked(); err != nil {
		return &session.CleanupError{TaskID: info.TaskID, Step: "git_clean", Err: err}
	}
	if switching {
		return nil
	}
	if err := repo.Checkout(info.OriginalBranch); err != nil {
		return &session.CleanupError{TaskID: info.TaskID, Step: "git_checkout", Err: err}
	}
	return nil
}

func inProgressOps(status git.Status) []string {
	var ops []string
	if status.Merging {
		ops = append(ops, "merge")
	}
	if status.Rebasing {
		ops = append(ops, "rebase")
	}
	if status.CherryPicking {
		ops = append(ops, "cherry-pick")
	}
	return ops
}

// cleanupAfterFailedStart restores the repo after a startup failure that
// happened once the session had already moved the tree. No Disabled is
// sent: the sync never enabled, so a disabled message would be misleading.
// Session.Start already terminated any daemon session it created.
func (s *Service) cleanupAfterFailedStart(repo *git.Repo, info session.Info) {
	if err := s.restoreRepo(repo, info, false); err != nil {
		s.logger.Printf("WARNING: failed to clean up after startup error for task %s: %v", info.TaskID, err)
		return
	}
	s.logger.Printf("sync cleanup completed for task %s after startup error", info.TaskID)
}

// terminateStraySessions force-terminates daemon sessions already carrying
// the project's prefix. An existing session here means a previous process
// died without cleaning up; syncing on top of it would fight the stray over
// the same tree.
func (s *Service) terminateStraySessions(ctx context.Context, runner mutagen.Runner, projectID uuid.UUID) {
	prefix := session.ProjectSessionPrefix(projectID)
	names, err := mutagen.ListSessionNames(ctx, runner, prefix)
	if err != nil {
		if !errors.Is(err, mutagen.ErrDaemonUnavailable) {
			s.logger.Printf("WARNING: failed to scan for stray sessions of project %s: %v", projectID, err)
		}
		return
	}
	for _, name := range names {
		s.logger.Printf("WARNING: LOCAL_SYNC_STATE_MISMATCH in project %s: terminating stray session %s", projectID, name)
		if err := mutagen.TerminateSession(ctx, runner, name); err != nil {
			s.logger.Printf("WARNING: failed to terminate stray session %s: %v", name, err)
		}
	}
}

// cleanupDanglingSessions terminates sessions left behind by an unclean
// shutdown. The scan is scoped to projects the registry knows: a pairsync
// name prefix alone is not proof of ownership, since another installation
// sharing the daemon uses the same naming scheme.
func (s *Service) cleanupDanglingSessions(ctx context.Context, runner mutagen.Runner) {
	names, err := mutagen.ListSessionNames(ctx, runner, session.SessionPrefix)
	if err != nil {
		if !errors.Is(err, mutagen.ErrDaemonUnavailable) {
			s.logger.Printf("WARNING: failed to scan for dangling sessions: %v", err)
		}
		return
	}
	if len(names) == 0 {
		return
	}

	known := s.registry.KnownProjects()
	for _, name := range names {
		if !ownedByAny(name, known) {
			s.logger.Printf("leaving unrecognized session %s alone", name)
			continue
		}
		s.logger.Printf("cleaning up dangling session %s", name)
		if err := mutagen.TerminateSession(ctx, runner, name); err != nil {
			s.logger.Printf("WARNING: failed to terminate dangling session %s: %v", name, err)
		}
	}
}

func ownedByAny(name string, projects []uuid.UUID) bool {
	for _, id := range projects {
		if strings.HasPrefix(name, session.ProjectSessionPrefix(id)) {
			return true
		}
	}
	return false
}

// State summarizes the service for status displays.
func (s *Service) State() State {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil {
		return State{Status: StatusInactive}
	}

	snap := active.sess.Snapshot()
	state := State{
		TaskID:      active.sess.Info().TaskID,
		Notices:     snap.Notices,
		LastBatchAt: snap.LastBatchAt,
	}
	switch status := active.sess.Status(); {
	case status.IsPaused():
		state.Status = StatusPaused
	case status.IsActive():
		state.Status = StatusActive
	default:
		state.Status = StatusInactive
	}
	return state
}

// IsTaskSynced reports whether taskID is the active task.
func (s *Service) IsTaskSynced(taskID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.sess.Info().TaskID == taskID
}

// CurrentTaskID returns the active task, if any.
func (s *Service) CurrentTaskID() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return uuid.UUID{}, false
	}
	return s.active.sess.Info().TaskID, true
}

// takeActive swaps the slot to nil and returns what it held.
func (s *Service) takeActive() *activeSync {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.active
	s.active = nil
	return active
}

func (s *Service) releaseLock() {
	s.mu.Lock()
	lock := s.lock
	s.lock = nil
	s.mu.Unlock()
	if err := lock.Release(); err != nil {
		s.logger.Printf("WARNING: failed to release data dir lock: %v", err)
	}
}

func (s *Service) sendDisabled(taskID uuid.UUID, reason string) {
	s.send(protocol.Disabled{
		Header: protocol.NewHeader(protocol.KindDisabled, taskID),
		Reason: reason,
	})
}

// send delivers a service-level message and records its telemetry event.
// Failures are logged: messaging must not break a transition that already
// did real work.
func (s *Service) send(msg protocol.Message) {
	head := msg.Head()
	if err := s.messenger.Send(msg); err != nil {
		s.logger.Printf("WARNING: failed to send %s message: %v", head.Kind, err)
	}
	if s.telemetry == nil {
		return
	}
	if event := protocol.EventFor(head.Kind); event != "" {
		s.telemetry.Record(event, head.TaskID)
	}
}
