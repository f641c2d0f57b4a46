package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Blocker names a condition that prevents a session from starting.
type Blocker string

const (
	// BlockerDirtyState means the local checkout has uncommitted changes,
	// untracked files, or an operation like a merge in progress.
	BlockerDirtyState Blocker = "USER_GIT_STATE_DIRTY"

	// BlockerLocalAhead means the local branch has commits the agent does
	// not, which the initial mirror would clobber.
	BlockerLocalAhead Blocker = "USER_BRANCH_AHEAD_OF_AGENT"

	// BlockerDiverged means local and agent histories share no
	// fast-forward relationship in either direction.
	BlockerDiverged Blocker = "BRANCHES_DIVERGED"
)

// StartupBlockedError is the expected refusal to start a session: the
// user's repo is in a state where syncing would lose work. The message is
// written for the user and lists every blocker found, so one round-trip
// surfaces all of them.
type StartupBlockedError struct {
	Message  string
	Blockers []Blocker
	Branch   string
}

func (e *StartupBlockedError) Error() string {
	return e.Message
}

// newStartupBlockedError composites the per-blocker messages into a
// single user-facing refusal.
func newStartupBlockedError(messages []string, blockers []Blocker, branch string) *StartupBlockedError {
	return &StartupBlockedError{
		Message:  "Cannot start Pairing Mode: " + strings.Join(messages, "Also: "),
		Blockers: blockers,
		Branch:   branch,
	}
}

// CleanupError reports a teardown step that failed while stopping a
// session or restoring the user's working tree afterwards. Step is a
// stable identifier like "mutagen_termination" or "git_checkout".
type CleanupError struct {
	TaskID uuid.UUID
	Step   string
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("sync cleanup step %s failed for task %s: %v", e.Step, e.TaskID, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
