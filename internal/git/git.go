// Package git provides a thin wrapper over the git CLI for the operations
// local sync needs: ref inspection, fetch-based branch movement, and
// working-tree state checks.
//
// Commands run through an ExecFunc so the same wrapper drives both the
// user's repository (local subprocess) and the sandbox clone (exec through
// the environment). All paths returned by a Repo are valid on whatever
// machine its ExecFunc executes against.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecFunc runs git with the given arguments in dir and returns the combined
// output. Implementations return the raw process error; Repo wraps it with
// the command line and output.
type ExecFunc func(ctx context.Context, dir string, args ...string) ([]byte, error)

// LocalExec runs git as a local subprocess.
func LocalExec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Repo is a handle on one git repository, bare or not.
type Repo struct {
	root   string
	gitDir string
	run    ExecFunc
}

// Open resolves the repository containing path using local subprocess exec.
func Open(path string) (*Repo, error) {
	return OpenVia(LocalExec, path)
}

// OpenVia resolves the repository containing path, running every git command
// through run.
func OpenVia(run ExecFunc, path string) (*Repo, error) {
	r := &Repo{root: path, run: run}

	out, err := r.Exec("rev-parse", "--absolute-git-dir")
	if err != nil {
		if strings.Contains(err.Error(), "not a git repository") {
			return nil, fmt.Errorf("%w: %s", ErrNotRepo, path)
		}
		return nil, err
	}
	r.gitDir = strings.TrimSpace(string(out))

	// Bare repositories have no toplevel; leave root at the given path.
	if out, err := r.Exec("rev-parse", "--show-toplevel"); err == nil {
		if top := strings.TrimSpace(string(out)); top != "" {
			r.root = top
		}
	}
	return r, nil
}

// Root returns the working tree root (the repository path itself for bare
// repositories).
func (r *Repo) Root() string { return r.root }

// GitDir returns the absolute git directory.
func (r *Repo) GitDir() string { return r.gitDir }

// RefsDir returns the directory holding loose branch head refs.
func (r *Repo) RefsDir() string {
	return filepath.Join(r.gitDir, "refs", "heads")
}

// RefPath returns the loose ref file for a local branch head. Callers watch
// this path for branch movement; packed refs make it briefly absent, which
// readers must tolerate.
func (r *Repo) RefPath(branch string) string {
	return filepath.Join(r.RefsDir(), branch)
}

// Exec runs git with args in the repository root.
func (r *Repo) Exec(args ...string) ([]byte, error) {
	return r.ExecContext(context.Background(), args...)
}

// ExecContext runs git with args in the repository root, honoring ctx.
func (r *Repo) ExecContext(ctx context.Context, args ...string) ([]byte, error) {
	output, err := r.run(ctx, r.root, args...)
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\n%s", strings.Join(args, " "), err, string(output))
	}
	return output, nil
}

// CurrentBranch returns the checked-out branch name, or "" when HEAD is
// detached.
func (r *Repo) CurrentBranch() (string, error) {
	output, err := r.Exec("symbolic-ref", "--short", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "not a symbolic ref") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// BranchExists reports whether a local branch head exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.Exec("show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CommitHash resolves a revision to its full commit hash.
func (r *Repo) CommitHash(rev string) (string, error) {
	output, err := r.Exec("rev-parse", "--verify", rev)
	if err != nil {
		if strings.Contains(err.Error(), "Needed a single revision") ||
			strings.Contains(err.Error(), "unknown revision") {
			return "", fmt.Errorf("%w: %s", ErrRefNotFound, rev)
		}
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// IsAncestor reports whether ancestor is an ancestor of descendant. A commit
// is considered its own ancestor.
func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	output, err := r.run(context.Background(), r.root, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor failed: %w\n%s", err, string(output))
}

// CountCommits returns the number of commits reachable from to but not from
// from, i.e. `git rev-list --count from..to`.
func (r *Repo) CountCommits(from, to string) (int, error) {
	output, err := r.Exec("rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%d", &n); err != nil {
		return 0, fmt.Errorf("failed to parse rev-list count %q: %w", string(output), err)
	}
	return n, nil
}

// FetchBranch fetches branch from url into the same-named local branch head.
// updateHeadOK permits moving the currently checked-out branch; callers that
// pass true must reset the working tree themselves afterwards.
func (r *Repo) FetchBranch(url, branch string, updateHeadOK bool) error {
	args := []string{"fetch", "--show-forced-updates"}
	if updateHeadOK {
		args = append(args, "--update-head-ok")
	}
	args = append(args, url, branch+":"+branch)
	if _, err := r.Exec(args...); err != nil {
		if strings.Contains(err.Error(), "[rejected]") {
			return fmt.Errorf("%w: %s", ErrFetchRejected, err)
		}
		return err
	}
	return nil
}

// ResetMixed resets the index to rev while keeping working tree contents.
func (r *Repo) ResetMixed(rev string) error {
	_, err := r.Exec("reset", "--mixed", rev)
	return err
}

// ResetHard resets the index and working tree to rev.
func (r *Repo) ResetHard(rev string) error {
	_, err := r.Exec("reset", "--hard", rev)
	return err
}

// CleanUntracked removes untracked files and directories.
func (r *Repo) CleanUntracked() error {
	_, err := r.Exec("clean", "-fd")
	return err
}

// Checkout switches the working tree to branch.
func (r *Repo) Checkout(branch string) error {
	_, err := r.Exec("checkout", branch)
	return err
}
