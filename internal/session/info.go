// Package session runs one pairing session end to end: it validates that
// syncing is safe, mirrors the agent's history into the local repo, starts
// the mutagen daemon session, and feeds local and environment file events
// into the batch scheduler until stopped.
package session

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionPrefix begins every mutagen session name this program creates,
// so dangling sessions can be found and terminated by prefix.
const SessionPrefix = "pairsync-"

// SyncNameFor returns the mutagen session name for a task.
func SyncNameFor(projectID, taskID uuid.UUID) string {
	return fmt.Sprintf("pairsync-%s-%s", projectID, taskID)
}

// ProjectSessionPrefix returns the session name prefix shared by every
// task of one project. Cleanup scans are scoped to this prefix so that
// sessions belonging to other projects are left alone.
func ProjectSessionPrefix(projectID uuid.UUID) string {
	return fmt.Sprintf("pairsync-%s-", projectID)
}

// Info identifies one pairing session and the branches it moves between.
type Info struct {
	TaskID    uuid.UUID
	ProjectID uuid.UUID

	// SyncName is the mutagen session name, derived from the project and
	// task IDs.
	SyncName string

	// SyncBranch is the branch the agent works on and the session keeps
	// mirrored locally.
	SyncBranch string

	// OriginalBranch is the branch the user had checked out before the
	// session started. It is restored when the session is unsynced, unless
	// the user was already on the sync branch.
	OriginalBranch string
}

// NewInfo builds the identity of a fresh session for a task.
func NewInfo(taskID, projectID uuid.UUID, syncBranch, originalBranch string) Info {
	return Info{
		TaskID:         taskID,
		ProjectID:      projectID,
		SyncName:       SyncNameFor(projectID, taskID),
		SyncBranch:     syncBranch,
		OriginalBranch: originalBranch,
	}
}

// NextFor builds the identity of the session that replaces this one when
// switching to another task in the same project. OriginalBranch carries
// forward, so unsyncing the new session still restores the branch the user
// was on before any of it started.
func (i Info) NextFor(taskID uuid.UUID, syncBranch string) Info {
	return Info{
		TaskID:         taskID,
		ProjectID:      i.ProjectID,
		SyncName:       SyncNameFor(i.ProjectID, taskID),
		SyncBranch:     syncBranch,
		OriginalBranch: i.OriginalBranch,
	}
}

// SwitchingBranches reports whether the session moved the user off the
// branch they originally had checked out.
func (i Info) SwitchingBranches() bool {
	return i.OriginalBranch != i.SyncBranch
}
