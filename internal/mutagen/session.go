package mutagen

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Mode selects how a session resolves its two sides.
type Mode int

const (
	// ModeOverwriteLocal makes the local tree an exact replica of the
	// sandbox (one-way-replica with the sandbox as alpha).
	ModeOverwriteLocal Mode = iota
	// ModeTwoWayUserWins syncs both ways with the local side as alpha, so
	// the user wins every conflict including deletions (two-way-resolved).
	ModeTwoWayUserWins
)

func (m Mode) String() string {
	switch m {
	case ModeOverwriteLocal:
		return "overwrite_local"
	case ModeTwoWayUserWins:
		return "two_way_user_wins"
	default:
		return "unknown"
	}
}

// syncMode is the --sync-mode argument for m.
func (m Mode) syncMode() string {
	if m == ModeOverwriteLocal {
		return "one-way-replica"
	}
	return "two-way-resolved"
}

// FixedExclusions are directory trees never carried by content sync,
// regardless of what the repo's ignore files say. Git state moves through
// branch sync instead.
var FixedExclusions = []string{".git", "node_modules", ".venv", "build", "dist", ".claude"}

const (
	createAttempts       = 3
	defaultCreateBackoff = time.Second
	maxCreateBackoff     = 10 * time.Second
)

// SessionConfig carries everything needed to build a Session.
type SessionConfig struct {
	Name      string
	LocalPath string
	RemoteURL string
	Mode      Mode
	Runner    Runner

	// IgnoreSource returns extra ignore patterns sourced at create time,
	// typically the local repo's git-ignored paths. Optional.
	IgnoreSource func() []string

	// RetryBackoff overrides the initial create retry backoff. Zero means
	// the default.
	RetryBackoff time.Duration

	Logger *log.Logger
}

// Session is one named daemon sync between the local tree and the sandbox.
// It remembers the last action it attempted so that repeated creates and
// shutdown-order races degrade gracefully instead of erroring.
type Session struct {
	Name      string
	LocalPath string
	RemoteURL string
	Mode      Mode

	runner  Runner
	ignores func() []string
	backoff time.Duration
	logger  *log.Logger

	mu         sync.Mutex
	lastAction string
}

// NewSession builds a session handle. Nothing talks to the daemon until
// Create.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[mutagen] ", log.LstdFlags)
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultCreateBackoff
	}
	return &Session{
		Name:      cfg.Name,
		LocalPath: cfg.LocalPath,
		RemoteURL: cfg.RemoteURL,
		Mode:      cfg.Mode,
		runner:    cfg.Runner,
		ignores:   cfg.IgnoreSource,
		backoff:   backoff,
		logger:    logger,
	}
}

// RemotePath is the path component of the remote URL: the sandbox working
// tree as seen from inside the sandbox.
func (s *Session) RemotePath() string {
	if i := strings.LastIndex(s.RemoteURL, ":"); i >= 0 {
		return s.RemoteURL[i+1:]
	}
	return s.RemoteURL
}

// endpoints returns the alpha and beta sides for the session's mode.
func (s *Session) endpoints() (alpha, beta string) {
	if s.Mode == ModeOverwriteLocal {
		return s.RemoteURL, s.LocalPath
	}
	return s.LocalPath, s.RemoteURL
}

func (s *Session) ignorePatterns() []string {
	patterns := make([]string, 0, len(FixedExclusions))
	for _, dir := range FixedExclusions {
		patterns = append(patterns, dir+"/**")
	}
	if s.ignores != nil {
		patterns = append(patterns, s.ignores()...)
	}
	return patterns
}

// trackAction records the action about to be attempted and returns the
// previous one.
func (s *Session) trackAction(action string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.lastAction
	s.lastAction = action
	return previous
}

// Inspect returns the daemon's current view of this session.
func (s *Session) Inspect(ctx context.Context) (*SessionState, error) {
	return InspectSession(ctx, s.runner, s.Name)
}

// IsRunning reports whether the daemon currently lists this session.
func (s *Session) IsRunning(ctx context.Context) bool {
	names, err := ListSessionNames(ctx, s.runner, s.Name)
	if err != nil {
		return false
	}
	for _, n := range names {
		if n == s.Name {
			return true
		}
	}
	return false
}

// Create registers the session with the daemon, retrying transient failures
// with exponential backoff. A repeated Create while the session is already
// running is a no-op; after a Terminate it starts the session again.
func (s *Session) Create(ctx context.Context) error {
	switch s.trackAction("create") {
	case "create", "flush":
		if s.IsRunning(ctx) {
			s.logger.Printf("WARNING: repeated create for running session %s, leaving it be", s.Name)
			return nil
		}
		s.logger.Printf("WARNING: repeated create for %s but session is gone, recreating", s.Name)
	}

	alpha, beta := s.endpoints()
	args := []string{
		"sync", "create",
		"--watch-mode", "no-watch",
		"--name", s.Name,
		"--sync-mode", s.Mode.syncMode(),
		"--ignore-vcs",
	}
	for _, p := range s.ignorePatterns() {
		args = append(args, "--ignore", p)
	}
	args = append(args, alpha, beta)

	var err error
	backoff := s.backoff
	for attempt := 1; attempt <= createAttempts; attempt++ {
		if _, err = s.runner.Run(ctx, 0, args...); err == nil {
			return nil
		}
		if attempt < createAttempts {
			s.logger.Printf("WARNING: create attempt %d/%d for %s failed: %v", attempt, createAttempts, s.Name, err)
			time.Sleep(backoff)
			if backoff *= 2; backoff > maxCreateBackoff {
				backoff = maxCreateBackoff
			}
		}
	}
	return &SessionError{Op: "create", Session: s.Name, Mode: s.Mode.syncMode(), Alpha: alpha, Beta: beta, Err: err}
}

// Flush forces a full synchronization cycle and blocks until it completes.
// A flush against a session the daemon no longer knows wraps
// ErrSessionNotFound.
func (s *Session) Flush(ctx context.Context) error {
	s.trackAction("flush")
	if _, err := s.runner.Run(ctx, 0, "sync", "flush", s.Name); err != nil {
		if strings.Contains(err.Error(), "unable to locate requested sessions") {
			err = ErrSessionNotFound
		}
		alpha, beta := s.endpoints()
		return &SessionError{Op: "flush", Session: s.Name, Mode: s.Mode.syncMode(), Alpha: alpha, Beta: beta, Err: err}
	}
	return nil
}

// Terminate removes the session from the daemon. A session that was never
// created is skipped, and one the daemon no longer knows is not an error.
func (s *Session) Terminate(ctx context.Context) error {
	if previous := s.trackAction("terminate"); previous == "" {
		return nil
	}
	return TerminateSession(ctx, s.runner, s.Name)
}

// OverwriteOnce makes cfg.LocalPath an exact replica of cfg.RemoteURL using
// a throwaway one-way session, terminated no matter how the flush went.
func OverwriteOnce(ctx context.Context, cfg SessionConfig) error {
	cfg.Mode = ModeOverwriteLocal
	session := NewSession(cfg)
	if err := session.Create(ctx); err != nil {
		return err
	}
	defer func() {
		if err := session.Terminate(ctx); err != nil {
			session.logger.Printf("WARNING: failed to terminate one-shot session %s: %v", session.Name, err)
		}
	}()
	return session.Flush(ctx)
}
