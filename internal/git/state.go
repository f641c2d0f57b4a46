package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HasChanges reports whether the working tree has uncommitted changes,
// including untracked files. Untracked files count because a one-way mirror
// of the sandbox would destroy them.
func (r *Repo) HasChanges() (bool, error) {
	output, err := r.Exec("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// The in-progress checks below inspect the git directory on the local
// filesystem, so they are only meaningful for repositories opened with local
// exec.

// RebaseInProgress reports whether a rebase is underway.
func (r *Repo) RebaseInProgress() bool {
	return r.gitDirEntryExists("rebase-merge") || r.gitDirEntryExists("rebase-apply")
}

// MergeInProgress reports whether a merge is underway.
func (r *Repo) MergeInProgress() bool {
	return r.gitDirEntryExists("MERGE_HEAD")
}

// CherryPickInProgress reports whether a cherry-pick is underway.
func (r *Repo) CherryPickInProgress() bool {
	return r.gitDirEntryExists("CHERRY_PICK_HEAD")
}

func (r *Repo) gitDirEntryExists(name string) bool {
	_, err := os.Stat(filepath.Join(r.gitDir, name))
	return err == nil
}

// Status summarizes the working tree: file-change counts plus whatever
// multi-step operation is underway.
type Status struct {
	Unstaged  int
	Staged    int
	Untracked int
	Deleted   int
	Ignored   int

	Merging       bool
	Rebasing      bool
	CherryPicking bool
}

// Clean reports whether the tree is safe to reset and mirror over: no
// changed, staged, deleted, or untracked files and no operation underway.
// Ignored files do not count.
func (s Status) Clean() bool {
	return s.Unstaged == 0 && s.Staged == 0 && s.Deleted == 0 && s.Untracked == 0 &&
		!s.Merging && !s.Rebasing && !s.CherryPicking
}

// InProgress reports whether a multi-step git operation is underway. A hard
// reset during one of these would strand the repository halfway through the
// operation, so teardown leaves such trees alone.
func (s Status) InProgress() bool {
	return s.Merging || s.Rebasing || s.CherryPicking
}

// Describe renders the status the way it appears in startup refusals.
func (s Status) Describe() string {
	var ops []string
	if s.Merging {
		ops = append(ops, "merge in progress")
	}
	if s.Rebasing {
		ops = append(ops, "rebase in progress")
	}
	if s.CherryPicking {
		ops = append(ops, "cherry-pick in progress")
	}
	opsLine := "no operations in progress"
	if len(ops) > 0 {
		opsLine = strings.Join(ops, ", ")
	}
	return opsLine + ", \n" + s.describeFiles()
}

func (s Status) describeFiles() string {
	if s.Unstaged == 0 && s.Staged == 0 && s.Deleted == 0 && s.Untracked == 0 {
		return "no changed or unstaged files"
	}
	var lines []string
	for _, group := range []struct {
		count int
		name  string
	}{
		{s.Unstaged, "unstaged"},
		{s.Staged, "staged"},
		{s.Untracked, "untracked"},
		{s.Deleted, "deleted"},
	} {
		if group.count == 0 {
			continue
		}
		plural := ""
		if group.count > 1 {
			plural = "s"
		}
		lines = append(lines, fmt.Sprintf("%d %s file%s", group.count, group.name, plural))
	}
	return strings.Join(lines, "\n")
}

// CurrentStatus counts working-tree changes from a NUL-delimited porcelain
// status. Renames are disabled so every entry is a single XY-prefixed path.
// The operation flags come from the git directory, so this is only
// meaningful for repositories opened with local exec.
func (r *Repo) CurrentStatus() (Status, error) {
	output, err := r.Exec("status", "--porcelain=v1", "-z", "--no-renames",
		"--ignored=traditional", "--untracked-files=all")
	if err != nil {
		return Status{}, err
	}
	status := parseStatusCounts(string(output))
	status.Merging = r.MergeInProgress()
	status.Rebasing = r.RebaseInProgress()
	status.CherryPicking = r.CherryPickInProgress()
	return status, nil
}

// parseStatusCounts tallies the XY columns of porcelain v1 entries. A file
// can land in more than one bucket: a staged deletion counts as both staged
// and deleted.
func parseStatusCounts(output string) Status {
	var s Status
	for _, entry := range strings.Split(output, "\x00") {
		if len(entry) < 2 {
			continue
		}
		x, y := entry[0], entry[1]
		if x == 'D' || y == 'D' {
			s.Deleted++
		}
		if y != ' ' && y != '?' && y != '!' {
			s.Unstaged++
		}
		switch {
		case x == '?' || y == '?':
			s.Untracked++
		case x == '!' || y == '!':
			s.Ignored++
		case x != ' ':
			s.Staged++
		}
	}
	return s
}

// IgnoredPaths returns the paths git currently ignores, via
// `git status --ignored=matching --porcelain`. The output format is close
// enough to mutagen's ignore syntax to pass through directly.
func (r *Repo) IgnoredPaths() ([]string, error) {
	output, err := r.Exec("status", "--ignored=matching", "--porcelain")
	if err != nil {
		return nil, err
	}
	var patterns []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if strings.HasPrefix(line, "!! ") {
			patterns = append(patterns, line[3:])
		}
	}
	return patterns, nil
}
