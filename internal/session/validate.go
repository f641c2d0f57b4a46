package session

import (
	"fmt"

	"github.com/pairsync/pairsync/internal/git"
	"github.com/pairsync/pairsync/internal/gitsync"
)

// validateSafeToSync refuses to start a session when mirroring the agent's
// history or overwriting the local tree would destroy local work:
//
//  1. the user's branch is ahead of the agent's (their commits would be
//     clobbered by the mirror),
//  2. the two histories have diverged,
//  3. the local checkout is dirty in any way.
//
// All failed checks composite into one *StartupBlockedError so the user
// resolves everything in a single round-trip. A git failure while checking
// is returned as a plain error, not a blocker.
func validateSafeToSync(branchSync *gitsync.BranchReconciler, repo *git.Repo) error {
	branch := branchSync.Branch()
	var messages []string
	var blockers []Blocker

	equal, err := branchSync.HeadsEqual()
	if err != nil {
		return fmt.Errorf("failed to compare %s heads: %w", branch, err)
	}
	agentAhead, err := branchSync.AgentAheadOfLocal()
	if err != nil {
		return fmt.Errorf("failed to compare %s heads: %w", branch, err)
	}
	if !equal && !agentAhead {
		localAhead, err := branchSync.LocalAheadOfAgent()
		if err != nil {
			return fmt.Errorf("failed to compare %s heads: %w", branch, err)
		}
		if localAhead {
			messages = append(messages, fmt.Sprintf("Must push to agent: There are local commits to %s that would be lost.", branch))
			blockers = append(blockers, BlockerLocalAhead)
		} else {
			messages = append(messages, fmt.Sprintf("Must merge into agent: local and agent histories have diverged for %s.", branch))
			blockers = append(blockers, BlockerDiverged)
		}
	}

	status, err := repo.CurrentStatus()
	if err != nil {
		return fmt.Errorf("failed to read local git status: %w", err)
	}
	if !status.Clean() {
		messages = append(messages,
			"Local git state must be pristine with no in-progress operations or untracked files.\nCurrent status:\n"+status.Describe())
		blockers = append(blockers, BlockerDirtyState)
	}

	if len(blockers) == 0 {
		return nil
	}
	return newStartupBlockedError(messages, blockers, branch)
}
