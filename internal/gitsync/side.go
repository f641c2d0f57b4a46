package gitsync

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pairsync/pairsync/internal/env"
	"github.com/pairsync/pairsync/internal/git"
)

// Side is one repository taking part in branch sync: the user's working
// copy or the agent's sandbox clone. Both expose the same operations and
// differ only in how their files are inspected and how commits from the
// other side are taken in.
type Side struct {
	label  string
	branch string
	repo   *git.Repo
	url    string // how git on the other side addresses this repository
	files  env.Environment
	agent  bool
	logger *log.Logger
}

func newLocalSide(repo *git.Repo, branch string, logger *log.Logger) *Side {
	return &Side{
		label:  "local",
		branch: branch,
		repo:   repo,
		url:    repo.Root(),
		files:  env.NewLocal(repo.Root()),
		logger: logger,
	}
}

func newAgentSide(environment env.Environment, branch string, logger *log.Logger) (*Side, error) {
	repo, err := git.OpenVia(environment.GitExec, environment.RepoPath())
	if err != nil {
		return nil, fmt.Errorf("opening agent repo: %w", err)
	}
	return &Side{
		label:  "agent",
		branch: branch,
		repo:   repo,
		url:    environment.RepoURLForGit(),
		files:  environment,
		agent:  true,
		logger: logger,
	}, nil
}

// URL is how git on the other side addresses this repository.
func (s *Side) URL() string { return s.url }

// Branch returns the branch being synced.
func (s *Side) Branch() string { return s.branch }

// RefPath is the loose ref file for the sync branch on this side's machine.
func (s *Side) RefPath() string { return s.repo.RefPath(s.branch) }

// RefsDir is the directory watched for ref updates on this side's machine.
func (s *Side) RefsDir() string { return s.repo.RefsDir() }

// HeadCommit resolves the sync branch's current commit hash.
func (s *Side) HeadCommit() (string, error) {
	return s.repo.CommitHash(s.headRef())
}

// IsChildOf reports whether the sync branch head descends from commit. Any
// git failure reads as not a child.
func (s *Side) IsChildOf(commit string) bool {
	ok, err := s.repo.IsAncestor(commit, s.headRef())
	return err == nil && ok
}

func (s *Side) headRef() string { return "refs/heads/" + s.branch }

func (s *Side) readRef() (string, error) {
	content, err := s.files.ReadFile(s.RefPath())
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// branchExists asks git rather than checking the loose ref file, so a
// packed ref (fresh clones, post-gc repos) does not read as a deleted
// branch.
func (s *Side) branchExists() bool { return s.repo.BranchExists(s.branch) }

func (s *Side) refMTime() (time.Time, error) { return s.files.MTime(s.RefPath()) }

func (s *Side) checkedOut() (bool, error) {
	current, err := s.repo.CurrentBranch()
	if err != nil {
		return false, err
	}
	return current == s.branch, nil
}

// FetchAndResetMixed brings this side's branch up to the other side's head.
// The fetch moves the ref; reset --mixed then aligns HEAD and the index while
// leaving working tree files alone, so content sync alone decides what files
// change. The reset is skipped when the branch is not checked out here or
// when the user switched branches while the fetch ran.
func (s *Side) FetchAndResetMixed(from *Side) error {
	headBefore, err := s.HeadCommit()
	if err != nil {
		return err
	}
	isCheckedOut, err := s.checkedOut()
	if err != nil {
		return err
	}
	if !isCheckedOut {
		s.logger.Printf("%s repo is not on %s, only fetching", s.label, s.branch)
	}
	if err := s.intakeCommits(from, isCheckedOut); err != nil {
		return err
	}
	if !isCheckedOut {
		return nil
	}
	headAfter, err := s.HeadCommit()
	if err != nil {
		return err
	}
	if headAfter == headBefore {
		return nil
	}
	stillCheckedOut, err := s.checkedOut()
	if err != nil {
		return err
	}
	if !stillCheckedOut {
		s.logger.Printf("%s repo switched branches during fetch, skipping reset", s.label)
		return nil
	}
	return s.repo.ResetMixed(s.headRef())
}

func (s *Side) intakeCommits(from *Side, updateHeadOK bool) error {
	if !s.agent {
		return s.repo.FetchBranch(from.url, s.branch, updateHeadOK)
	}
	return s.intakeViaTempBranch(from, updateHeadOK)
}

// intakeViaTempBranch lands the other side's commits in the agent clone. The
// agent's git cannot reach back into the user's machine and a direct push to
// a checked-out branch would be refused, so commits travel through a
// throwaway branch: push to it, fetch it into the sync branch from inside
// the clone, delete it.
func (s *Side) intakeViaTempBranch(from *Side, updateHeadOK bool) error {
	temp := uuid.NewString()
	if _, err := from.repo.Exec("push", s.url, from.headRef()+":refs/heads/"+temp); err != nil {
		return err
	}
	defer func() {
		if _, err := s.repo.Exec("branch", "-D", temp); err != nil {
			s.logger.Printf("WARNING: failed to delete temp sync branch %s: %v", temp, err)
		}
	}()
	args := []string{"fetch", "--show-forced-updates"}
	if updateHeadOK {
		args = append(args, "--update-head-ok")
	}
	args = append(args, ".", temp+":"+s.headRef())
	_, err := s.repo.Exec(args...)
	return err
}
