package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pairsync/pairsync/internal/env"
	"github.com/pairsync/pairsync/internal/filesync"
	"github.com/pairsync/pairsync/internal/git"
	"github.com/pairsync/pairsync/internal/gitsync"
	"github.com/pairsync/pairsync/internal/mutagen"
	"github.com/pairsync/pairsync/internal/protocol"
	"github.com/pairsync/pairsync/internal/scheduler"
	"github.com/pairsync/pairsync/internal/watcher"
)

// watchBinary is the executable launched inside the environment to stream
// file events back over the tunnel. The same binary serves both sides: its
// hidden watch command prints events as JSON lines.
const watchBinary = "pairsync"

const (
	// finalBatchTimeout bounds how long shutdown waits for an in-flight
	// batch before terminating the daemon session anyway. A clean final
	// flush is worth waiting for, but the user may be stopping the session
	// precisely because it is wedged or syncing something huge.
	finalBatchTimeout = 15 * time.Second

	// joinTimeout bounds each watcher join during shutdown.
	joinTimeout = 5 * time.Second
)

// Config assembles a Session.
type Config struct {
	Info        Info
	LocalRepo   *git.Repo
	Environment env.Environment

	// Runner executes daemon commands, already bound to the private data
	// directory and the environment's snapshot guard.
	Runner mutagen.Runner

	Messenger protocol.Messenger

	// Telemetry is optional; nil records nothing.
	Telemetry protocol.Telemetry

	// Debounce and MaxDebounce tune the batch scheduler. Zero means the
	// scheduler defaults.
	Debounce    time.Duration
	MaxDebounce time.Duration

	// SkipDirs are extra directory names both watchers ignore, on top of
	// the watcher defaults.
	SkipDirs []string

	Logger *log.Logger
}

// Session owns every background resource tied to one sync: the continuous
// daemon session, the local watcher, the environment watch process with its
// tunnel, and the scheduler driving reconciliation. Build with New, arm with
// Start, release with Stop. Start and Stop are called by one goroutine (the
// service's transition path); only the state accessors are safe to call
// concurrently.
type Session struct {
	info        Info
	repo        *git.Repo
	environment env.Environment
	runner      mutagen.Runner
	messenger   *messenger
	stop        *scheduler.Stop
	logger      *log.Logger

	debounce    time.Duration
	maxDebounce time.Duration
	skipDirs    []string

	finalBatchWait time.Duration
	joinWait       time.Duration

	// runCtx bounds the daemon commands issued by steady-state
	// reconciliation and the environment watch process. Deliberately not
	// the startup context: canceling startup must not be able to cancel a
	// later final flush.
	runCtx context.Context

	content   *mutagen.Session
	scheduler *scheduler.Scheduler
	local     *watcher.Watcher
	tunnel    *watcher.Tunnel
	watchProc env.Process

	localPumpDone  chan struct{}
	tunnelPumpDone chan struct{}

	startedAt   time.Time
	mutatedRepo bool
}

// New builds an unstarted session.
func New(cfg Config) (*Session, error) {
	if cfg.LocalRepo == nil || cfg.Environment == nil || cfg.Runner == nil || cfg.Messenger == nil {
		return nil, errors.New("session requires a repo, an environment, a runner, and a messenger")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	stop := &scheduler.Stop{}
	return &Session{
		info:           cfg.Info,
		repo:           cfg.LocalRepo,
		environment:    cfg.Environment,
		runner:         cfg.Runner,
		messenger:      newMessenger(cfg.Info.TaskID, cfg.Messenger, cfg.Telemetry, stop, logger),
		stop:           stop,
		logger:         logger,
		debounce:       cfg.Debounce,
		maxDebounce:    cfg.MaxDebounce,
		skipDirs:       cfg.SkipDirs,
		finalBatchWait: finalBatchTimeout,
		joinWait:       joinTimeout,
		runCtx:         context.Background(),
		localPumpDone:  make(chan struct{}),
		tunnelPumpDone: make(chan struct{}),
	}, nil
}

// Info returns the session's identity.
func (s *Session) Info() Info { return s.info }

// StartedAt returns when startup completed, or the zero time before then.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Status reports the scheduler's current status. Only meaningful after
// Start has returned nil.
func (s *Session) Status() scheduler.Status {
	if s.scheduler == nil {
		return scheduler.StatusStopping
	}
	return s.scheduler.Status()
}

// Snapshot returns the messenger's record of the most recent message.
func (s *Session) Snapshot() Snapshot { return s.messenger.snapshot() }

// MutatedRepo reports whether startup got far enough to move the local repo:
// mirror, checkout, or content overwrite. A failed Start on a session that
// never touched the repo needs no git restoration afterwards.
func (s *Session) MutatedRepo() bool { return s.mutatedRepo }

// Describe renders the scheduler's state for diagnostics.
func (s *Session) Describe() string {
	if s.scheduler == nil {
		return "session not started"
	}
	return s.scheduler.Describe()
}

// Start runs the startup sequence: validate that syncing is safe, mirror the
// agent's history onto the local branch, run the one-shot content overwrite,
// create the continuous session, and arm the watchers and the scheduler.
// Each phase is announced with a progress message before it begins, so a
// crash localizes to the last announced step.
//
// A refusal because the local repo is unsafe to sync returns a
// *StartupBlockedError. Any failure after the continuous daemon session was
// created terminates it before returning, so no daemon session outlives a
// failed start.
func (s *Session) Start(ctx context.Context) error {
	s.messenger.setupProgress(protocol.StepValidateGitStateSafety)
	branchSync, err := gitsync.NewBranchReconciler(s.repo, s.environment, s.info.SyncBranch, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open branch sync for %s: %w", s.info.SyncBranch, err)
	}
	if err := validateSafeToSync(branchSync, s.repo); err != nil {
		return err
	}
	s.mutatedRepo = true

	s.messenger.setupProgress(protocol.StepMirrorAgentIntoLocalRepo)
	if err := s.mirrorAndCheckout(branchSync); err != nil {
		return err
	}
	guard := gitsync.NewStateGuard(s.repo, s.info.SyncBranch)

	if err := mutagen.OverwriteOnce(ctx, mutagen.SessionConfig{
		Name:         s.info.SyncName + "-init",
		LocalPath:    s.repo.Root(),
		RemoteURL:    s.environment.RepoURLForDaemon(),
		Runner:       s.runner,
		IgnoreSource: s.ignoredPaths,
		Logger:       s.logger,
	}); err != nil {
		return fmt.Errorf("failed to overwrite local tree from environment: %w", err)
	}

	s.messenger.setupProgress(protocol.StepBeginTwoWayControlledSync)
	s.content = mutagen.NewSession(mutagen.SessionConfig{
		Name:         s.info.SyncName,
		LocalPath:    s.repo.Root(),
		RemoteURL:    s.environment.RepoURLForDaemon(),
		Mode:         mutagen.ModeTwoWayUserWins,
		Runner:       s.runner,
		IgnoreSource: s.ignoredPaths,
		Logger:       s.logger,
	})

	if err := s.startContinuousSync(ctx, branchSync, guard); err != nil {
		s.logger.Printf("terminating sync session %s after failed start: %v", s.info.SyncName, err)
		if terr := s.content.Terminate(ctx); terr != nil {
			s.logger.Printf("WARNING: failed to terminate session %s while unwinding: %v", s.info.SyncName, terr)
		}
		return err
	}

	s.startedAt = time.Now()
	s.messenger.setupComplete()
	s.logger.Printf("started sync for task %s on branch %s", s.info.TaskID, s.info.SyncBranch)
	return nil
}

// mirrorAndCheckout brings the local sync branch onto the agent's head, and
// checks it out when the session moves the user off their original branch.
// Validation already proved the mirror is a fast-forward or a no-op, so no
// local commits are at risk.
func (s *Session) mirrorAndCheckout(branchSync *gitsync.BranchReconciler) error {
	if err := branchSync.MirrorAgentIntoLocal(); err != nil {
		return fmt.Errorf("failed to mirror agent history onto %s: %w", s.info.SyncBranch, err)
	}
	if !s.info.SwitchingBranches() {
		return nil
	}
	if err := s.repo.Checkout(s.info.SyncBranch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", s.info.SyncBranch, err)
	}
	return nil
}

// startContinuousSync creates the continuous daemon session and wires up
// everything that keeps it fed: the scheduler over both reconcilers, the
// local watcher, and the environment watch process with its tunnel. The
// scheduler exists before either event source starts, so no early event is
// dropped.
func (s *Session) startContinuousSync(ctx context.Context, branchSync *gitsync.BranchReconciler, guard *gitsync.StateGuard) error {
	if err := s.content.Create(ctx); err != nil {
		return err
	}
	if err := s.content.Flush(ctx); err != nil {
		return err
	}

	contentSync, err := filesync.NewReconciler(s.runCtx, filesync.Config{
		Session: s.content,
		Guard:   guard,
		Stop:    s.stop,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}

	s.scheduler, err = scheduler.New(scheduler.Config{
		Debounce:    s.debounce,
		MaxDebounce: s.maxDebounce,
		Logger:      s.logger,
	}, []scheduler.Reconciler{branchSync, contentSync}, s.messenger.hooks(), s.stop)
	if err != nil {
		return err
	}

	s.local, err = watcher.New(s.skipNames()...)
	if err != nil {
		return fmt.Errorf("failed to create local watcher: %w", err)
	}
	if err := s.local.Start(s.scheduler.WatchRoots()...); err != nil {
		return fmt.Errorf("failed to start local watcher: %w", err)
	}

	s.watchProc, err = s.startEnvWatcher(s.scheduler.EnvWatchDirs())
	if err != nil {
		if werr := s.local.Stop(); werr != nil {
			s.logger.Printf("WARNING: failed to stop local watcher while unwinding: %v", werr)
		}
		return err
	}
	s.tunnel = watcher.NewTunnel(s.watchProc.Stdout(), s.logger)
	s.tunnel.Start()

	go s.pumpLocal()
	go s.pumpTunnel()
	return nil
}

// startEnvWatcher launches the in-environment watcher process whose stdout
// carries file events back over the tunnel. Runs under the session's
// long-lived context so it survives the startup call.
func (s *Session) startEnvWatcher(dirs []string) (env.Process, error) {
	args := []string{"watch"}
	for _, dir := range dirs {
		args = append(args, "--root", dir)
	}
	for _, name := range s.skipDirs {
		args = append(args, "--skip", name)
	}
	proc, err := s.environment.StartProcess(s.runCtx, watchBinary, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start environment watcher: %w", err)
	}
	return proc, nil
}

// skipNames expands the configured extra skips into a full skip set for the
// local watcher. Empty means the watcher's own defaults.
func (s *Session) skipNames() []string {
	if len(s.skipDirs) == 0 {
		return nil
	}
	return append(append([]string(nil), watcher.DefaultSkipDirs...), s.skipDirs...)
}

// ignoredPaths feeds the repo's current git ignores into the daemon
// sessions' exclusion lists. A listing failure degrades to the fixed
// exclusions only.
func (s *Session) ignoredPaths() []string {
	paths, err := s.repo.IgnoredPaths()
	if err != nil {
		s.logger.Printf("WARNING: failed to list git-ignored paths: %v", err)
		return nil
	}
	return paths
}

// pumpLocal feeds local watcher events into the scheduler until the watcher
// closes its channels.
func (s *Session) pumpLocal() {
	defer close(s.localPumpDone)
	events, errs := s.local.Events(), s.local.Errors()
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.scheduler.OnPaths(ev.Path)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Printf("WARNING: local watcher error: %v", err)
		}
	}
}

// pumpTunnel feeds environment events into the scheduler until the tunnel
// stream ends. Paths arrive rooted at the environment's repo path, which is
// where the reconcilers expect them.
func (s *Session) pumpTunnel() {
	defer close(s.tunnelPumpDone)
	for ev := range s.tunnel.Events() {
		s.scheduler.OnPaths(ev.Path)
	}
}

// Stop shuts the session down: set the stop flag, wait for the scheduler to
// prove no batch is in flight, terminate the daemon session, then stop and
// join the local watcher and the tunnel. Both joining within joinTimeout is
// the only success; anything else returns a *CleanupError, because a leaked
// watcher or daemon session corrupts the next session's startup checks.
func (s *Session) Stop(ctx context.Context) error {
	s.stop.Set()

	if err := s.scheduler.WaitForFinalBatch(s.finalBatchWait); err != nil {
		s.logger.Printf("WARNING: terminating %s without proof the final batch flushed: %v", s.info.SyncName, err)
	}

	termErr := s.content.Terminate(ctx)
	if termErr != nil {
		s.logger.Printf("WARNING: failed to terminate sync session %s: %v", s.info.SyncName, termErr)
	}
	// Watchers are stopped even when termination failed: leaked goroutines
	// would wedge the process, while a leaked daemon session is at least
	// visible to the stray-session scan.
	watchErr := s.stopWatchers()

	if termErr != nil {
		return &CleanupError{TaskID: s.info.TaskID, Step: "mutagen_termination", Err: termErr}
	}
	return watchErr
}

// stopWatchers stops the local watcher and the environment tunnel and joins
// both pumps.
func (s *Session) stopWatchers() error {
	var stuck []string

	// Closing the watcher closes its event channels, which ends the local
	// pump. Stop blocks on the watcher's own goroutine, so run it to the
	// side and bound the wait.
	watcherClosed := make(chan error, 1)
	go func() { watcherClosed <- s.local.Stop() }()
	select {
	case err := <-watcherClosed:
		if err != nil {
			s.logger.Printf("WARNING: local watcher stopped with error: %v", err)
		}
		if !waitClosed(s.localPumpDone, s.joinWait) {
			stuck = append(stuck, "local watcher")
		}
	case <-time.After(s.joinWait):
		stuck = append(stuck, "local watcher")
	}

	// Killing the watch process ends the stream, which ends the tunnel
	// reader and with it the tunnel pump.
	s.tunnel.MarkStopping()
	if err := s.watchProc.Kill(); err != nil {
		s.logger.Printf("WARNING: failed to kill environment watch process: %v", err)
	}
	if err := s.tunnel.Wait(s.joinWait); err != nil || !waitClosed(s.tunnelPumpDone, s.joinWait) {
		stuck = append(stuck, "environment tunnel")
	}

	if len(stuck) == 0 {
		return nil
	}
	return &CleanupError{
		TaskID: s.info.TaskID,
		Step:   "watcher_cleanup",
		Err:    fmt.Errorf("%s did not stop cleanly", strings.Join(stuck, " and ")),
	}
}

func waitClosed(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
