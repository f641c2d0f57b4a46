package gitsync

import (
	"fmt"

	"github.com/pairsync/pairsync/internal/git"
	"github.com/pairsync/pairsync/internal/notice"
	"github.com/pairsync/pairsync/internal/scheduler"
)

// GuardTag identifies the git state guard in notices.
const GuardTag = "local_git_state_guardian"

// StateGuard pauses file content sync while the local repository is in the
// middle of a multi-step git operation or off the sync branch, where a flush
// would mix half-applied state into the other side.
//
// Not foolproof: a flush can still race an operation that starts after the
// check. It closes the common cases.
//
// Working tree cleanliness is checked once at session startup, not here. A
// per-batch dirty check would pause on every uncommitted edit and break the
// guarantee that reset --mixed leaves staged and unstaged files on disk.
type StateGuard struct {
	repo   *git.Repo
	branch string
}

// NewStateGuard builds a guard over the user's repository for branch.
func NewStateGuard(repo *git.Repo, branch string) *StateGuard {
	return &StateGuard{repo: repo, branch: branch}
}

// Blockers lists the current conditions that make content sync unsafe.
func (g *StateGuard) Blockers() []string {
	var blockers []string
	inMultiStepOp := false
	if g.repo.RebaseInProgress() {
		inMultiStepOp = true
		blockers = append(blockers, "rebase is in progress (finish or abort to resume)")
	}
	if g.repo.MergeInProgress() {
		inMultiStepOp = true
		blockers = append(blockers, "merge is in progress (finish or abort to resume)")
	}
	if g.repo.CherryPickInProgress() {
		inMultiStepOp = true
		blockers = append(blockers, "cherry-pick is in progress (finish or abort to resume)")
	}
	current, err := g.repo.CurrentBranch()
	if err != nil {
		blockers = append(blockers, fmt.Sprintf("git state cannot be read (%s)", firstLine(err.Error())))
		return blockers
	}
	if current == "" {
		// A multi-step op detaches HEAD itself; only report the detachment
		// when nothing above explains it.
		if !inMultiStepOp {
			blockers = append(blockers, fmt.Sprintf("detached HEAD state (switch back to `%s` to resume)", g.branch))
		}
		return blockers
	}
	if current != g.branch {
		blockers = append(blockers, fmt.Sprintf("switched to `%s` (switch back to `%s` to resume)", current, g.branch))
	}
	return blockers
}

// Notices converts the current blockers into pausing notices.
func (g *StateGuard) Notices() []notice.Notice {
	var notices []notice.Notice
	for _, reason := range g.Blockers() {
		notices = append(notices, notice.Pause(GuardTag, "cannot sync filetree while "+reason))
	}
	return notices
}

// Validate returns a NoticesError when any blocker is present, for callers
// that need a hard stop rather than a poll result.
func (g *StateGuard) Validate() error {
	if notices := g.Notices(); len(notices) > 0 {
		return &scheduler.NoticesError{Notices: notices}
	}
	return nil
}
