package git

import (
	"errors"
	"strings"
)

// Common errors returned by git operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, git.ErrFetchRejected) {
//	    // The histories diverged; a fetch cannot fast-forward.
//	}
var (
	// ErrNotRepo indicates the path is not inside a git repository.
	ErrNotRepo = errors.New("not a git repository")

	// ErrRefNotFound indicates a revision could not be resolved.
	ErrRefNotFound = errors.New("ref not found")

	// ErrFetchRejected indicates a fetch refused to move a ref because the
	// update is not a fast-forward.
	ErrFetchRejected = errors.New("fetch rejected")
)

// IsLockContention reports whether an error looks like transient index.lock
// contention from a concurrent git process. Safe to retry after a short
// backoff.
func IsLockContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "index.lock") ||
		strings.Contains(msg, "shallow.lock") ||
		strings.Contains(msg, "Another git process seems to be running")
}
