// Package gitsync keeps one branch's commit graph consistent between the
// user's repository and the agent's sandbox clone.
//
// The branch reconciler watches the two loose ref files for the sync branch
// and reacts when their contents diverge. Heads only ever move by fetch plus
// reset --mixed, so working tree files are never clobbered by a history
// update; any state that cannot be reconciled without losing commits pauses
// sync instead of guessing.
package gitsync

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pairsync/pairsync/internal/env"
	"github.com/pairsync/pairsync/internal/git"
	"github.com/pairsync/pairsync/internal/notice"
	"github.com/pairsync/pairsync/internal/scheduler"
)

// Tag identifies the branch reconciler in batches and notices.
const Tag = "local_git_sync"

const (
	lockRetryAttempts       = 3
	defaultLockRetryBackoff = 100 * time.Millisecond

	// suspiciousEventThreshold flags a watcher that keeps reporting ref
	// events that never coincide with a ref content change.
	suspiciousEventThreshold = 100000
)

// BranchReconciler keeps the sync branch's head consistent between the two
// repositories. Methods are serialized by the scheduler's mutex; the
// reconciler holds no lock of its own.
type BranchReconciler struct {
	branch string
	local  *Side
	agent  *Side
	logger *log.Logger

	lockRetryBackoff time.Duration

	lastSeenRefContents map[string]string
	eventsSinceChange   int
}

// NewBranchReconciler opens the agent clone through environment, makes sure
// both repositories have a watchable loose ref for branch, and seeds the ref
// content cache. The local repository gains the branch by fetching it from
// the agent when it does not exist yet.
func NewBranchReconciler(localRepo *git.Repo, environment env.Environment, branch string, logger *log.Logger) (*BranchReconciler, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[gitsync] ", log.LstdFlags)
	}
	agent, err := newAgentSide(environment, branch, logger)
	if err != nil {
		return nil, err
	}
	local := newLocalSide(localRepo, branch, logger)
	if !localRepo.BranchExists(branch) {
		if err := localRepo.FetchBranch(agent.url, branch, false); err != nil {
			return nil, fmt.Errorf("likely invalid branch: failed to ensure %s has a ref for %s from agent repo %s: %w",
				local.url, branch, agent.url, err)
		}
	}
	r := &BranchReconciler{
		branch:              branch,
		local:               local,
		agent:               agent,
		logger:              logger,
		lockRetryBackoff:    defaultLockRetryBackoff,
		lastSeenRefContents: make(map[string]string),
	}
	// Seed from rev-parse, not the ref file: a fresh clone keeps its refs
	// packed and the loose file appears only on the first real update.
	for _, s := range []*Side{local, agent} {
		head, err := s.HeadCommit()
		if err != nil {
			return nil, fmt.Errorf("%s repo has no usable ref for %s: %w", s.label, branch, err)
		}
		r.lastSeenRefContents[s.RefPath()] = head + "\n"
	}
	return r, nil
}

// Local returns the user-side repository handle.
func (r *BranchReconciler) Local() *Side { return r.local }

// Agent returns the sandbox-side repository handle.
func (r *BranchReconciler) Agent() *Side { return r.agent }

// Branch returns the branch being synced.
func (r *BranchReconciler) Branch() string { return r.branch }

func (r *BranchReconciler) Tag() string { return Tag }

func (r *BranchReconciler) LocalWatchDirs() []string {
	return []string{r.local.RefsDir()}
}

func (r *BranchReconciler) EnvWatchDirs() []string {
	return []string{r.agent.RefsDir()}
}

// IsRelevantPath reports whether path is one of the two watched ref files
// and the ref contents actually differ. Events with identical contents are
// dropped so the clone's own post-sync ref churn cannot retrigger a batch.
func (r *BranchReconciler) IsRelevantPath(path string) bool {
	if path != r.local.RefPath() && path != r.agent.RefPath() {
		return false
	}
	if r.cachedRefContent(r.local) == r.cachedRefContent(r.agent) {
		r.trackSuspiciousEvents()
		return false
	}
	return true
}

// cachedRefContent reads a side's ref file, falling back to the last seen
// content while the file is briefly absent during an atomic ref update.
func (r *BranchReconciler) cachedRefContent(s *Side) string {
	content, err := s.readRef()
	if err != nil {
		return r.lastSeenRefContents[s.RefPath()]
	}
	if r.lastSeenRefContents[s.RefPath()] != content {
		r.lastSeenRefContents[s.RefPath()] = content
		r.eventsSinceChange = 0
	}
	return content
}

func (r *BranchReconciler) trackSuspiciousEvents() {
	r.eventsSinceChange++
	if r.eventsSinceChange%suspiciousEventThreshold == 0 {
		r.logger.Printf("WARNING: SUSPICIOUS_LOCAL_SYNC_STATE: %d git ref events without any ref content change", r.eventsSinceChange)
	}
}

// Notices reports the current head relationship as pausing notices. The
// agent being ahead is free to take (the local side fast-forwards); local
// commits the agent lacks are never silently discarded, so both local-ahead
// and diverged states pause until the user resolves them.
func (r *BranchReconciler) Notices() []notice.Notice {
	if n, ok := r.missingRefNotice(); ok {
		return []notice.Notice{n}
	}
	localHead, err := r.local.HeadCommit()
	if err != nil {
		return []notice.Notice{r.stateUnknownNotice(err)}
	}
	agentHead, err := r.agent.HeadCommit()
	if err != nil {
		return []notice.Notice{r.stateUnknownNotice(err)}
	}
	switch {
	case localHead == agentHead:
		return nil
	case r.agent.IsChildOf(localHead):
		return nil
	case r.local.IsChildOf(agentHead):
		return []notice.Notice{notice.Pause(Tag, "must push local commits, they would be lost")}
	default:
		return []notice.Notice{notice.Pause(Tag,
			fmt.Sprintf("local head@%.8s and agent head@%.8s require manual merging", localHead, agentHead))}
	}
}

func (r *BranchReconciler) missingRefNotice() (notice.Notice, bool) {
	var missing []string
	for _, s := range []*Side{r.local, r.agent} {
		if !s.branchExists() {
			missing = append(missing, s.RefPath())
		}
	}
	if len(missing) == 0 {
		return notice.Notice{}, false
	}
	reason := fmt.Sprintf("ref for %s missing in repo %s", r.branch, missing[0])
	if len(missing) == 2 {
		reason += " and " + missing[1]
	}
	return notice.Pause(Tag, reason), true
}

func (r *BranchReconciler) stateUnknownNotice(err error) notice.Notice {
	return notice.Pause(Tag, "cannot determine branch sync state: "+firstLine(err.Error()))
}

// HandlePathChanges runs a head sync for the batch. When both ref files
// changed inside one debounce window the likelier-newer side, by ref file
// mtime, drives the direction. Git failures are converted into the current
// pausing notices when any apply, so a divergence discovered mid-sync pauses
// the batch instead of failing it.
func (r *BranchReconciler) HandlePathChanges(paths []string) error {
	synced, err := r.SyncHeads(r.pickChangedPath(paths))
	if err != nil {
		var noticesErr *scheduler.NoticesError
		if errors.As(err, &noticesErr) {
			return err
		}
		notices := r.Notices()
		if notice.HasPausing(notices) {
			return &scheduler.NoticesError{Notices: notices}
		}
		return err
	}
	if synced && len(paths) > 1 {
		return r.verifyConverged()
	}
	return nil
}

// SyncHeads reconciles the two heads after changedPath moved, fetching into
// the repository on the other side. It reports whether a sync ran; equal
// heads skip without mutating anything.
func (r *BranchReconciler) SyncHeads(changedPath string) (bool, error) {
	if n, ok := r.missingRefNotice(); ok {
		return false, &scheduler.NoticesError{Notices: []notice.Notice{n}}
	}
	localHead, err := r.local.HeadCommit()
	if err != nil {
		return false, err
	}
	agentHead, err := r.agent.HeadCommit()
	if err != nil {
		return false, err
	}
	summary := headSummary(localHead, agentHead)
	if localHead == agentHead {
		r.logger.Printf("head commits equal despite change signal in %s, skipping sync (%s)", changedPath, summary)
		return false, nil
	}
	switch changedPath {
	case r.local.RefPath():
		r.logger.Printf("local change triggered head sync on %s (%s)", r.branch, summary)
		err = r.fetchAndResetWithReverseRetry(r.agent, r.local)
	case r.agent.RefPath():
		r.logger.Printf("agent change triggered head sync on %s (%s)", r.branch, summary)
		err = r.fetchAndResetWithReverseRetry(r.local, r.agent)
	default:
		return false, fmt.Errorf("%s: unexpected changed path %s (should be impossible)", Tag, changedPath)
	}
	if err != nil {
		return false, err
	}
	if after, err := r.summarizeHeads(); err == nil {
		r.logger.Printf("head sync complete: %s", after)
	}
	return true, nil
}

// pickChangedPath chooses which event path drives the sync direction. With
// both ref paths in the batch the newer ref file wins: it is the side that
// most recently moved.
func (r *BranchReconciler) pickChangedPath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	hasLocal, hasAgent := false, false
	for _, p := range paths {
		switch p {
		case r.local.RefPath():
			hasLocal = true
		case r.agent.RefPath():
			hasAgent = true
		}
	}
	if !hasLocal || !hasAgent {
		return paths[0]
	}
	localMTime, localErr := r.local.refMTime()
	agentMTime, agentErr := r.agent.refMTime()
	if localErr != nil || agentErr != nil {
		return paths[0]
	}
	if agentMTime.After(localMTime) {
		return r.agent.RefPath()
	}
	return r.local.RefPath()
}

func (r *BranchReconciler) verifyConverged() error {
	localHead, err := r.local.HeadCommit()
	if err != nil {
		return err
	}
	agentHead, err := r.agent.HeadCommit()
	if err != nil {
		return err
	}
	if localHead != agentHead {
		return fmt.Errorf("heads still differ after syncing both ref changes (%s)", headSummary(localHead, agentHead))
	}
	return nil
}

// fetchAndResetWithReverseRetry moves to's head onto from's, and on failure
// tries the opposite direction: exactly one of the two succeeds whenever one
// side is a plain fast-forward of the other, regardless of which ref file
// happened to report the event. Both directions retry transient git lock
// contention.
func (r *BranchReconciler) fetchAndResetWithReverseRetry(to, from *Side) error {
	err := r.withLockRetry(func() error { return to.FetchAndResetMixed(from) })
	if err == nil {
		return nil
	}
	r.logger.Printf("sync from %s repo into %s repo failed, attempting reverse direction: %s",
		from.label, to.label, firstLine(err.Error()))
	if err := r.withLockRetry(func() error { return from.FetchAndResetMixed(to) }); err != nil {
		return err
	}
	r.logger.Printf("completed reverse fetch and reset from %s repo into %s repo", to.label, from.label)
	return nil
}

func (r *BranchReconciler) withLockRetry(op func() error) error {
	var err error
	for attempt := 1; attempt <= lockRetryAttempts; attempt++ {
		err = op()
		if err == nil || !git.IsLockContention(err) {
			return err
		}
		if attempt < lockRetryAttempts {
			r.logger.Printf("git lock contention, retrying: %s", firstLine(err.Error()))
			time.Sleep(r.lockRetryBackoff)
		}
	}
	return err
}

// HeadsEqual reports whether both sides point at the same commit.
func (r *BranchReconciler) HeadsEqual() (bool, error) {
	localHead, err := r.local.HeadCommit()
	if err != nil {
		return false, err
	}
	agentHead, err := r.agent.HeadCommit()
	if err != nil {
		return false, err
	}
	return localHead == agentHead, nil
}

// LocalAheadOfAgent reports whether the local branch contains the agent
// head. True also when the heads are equal.
func (r *BranchReconciler) LocalAheadOfAgent() (bool, error) {
	agentHead, err := r.agent.HeadCommit()
	if err != nil {
		return false, err
	}
	return r.local.IsChildOf(agentHead), nil
}

// AgentAheadOfLocal reports whether the agent branch contains the local
// head. True also when the heads are equal.
func (r *BranchReconciler) AgentAheadOfLocal() (bool, error) {
	localHead, err := r.local.HeadCommit()
	if err != nil {
		return false, err
	}
	return r.agent.IsChildOf(localHead), nil
}

// MirrorAgentIntoLocal brings the local branch onto the agent's current
// state, the session startup step that guarantees content sync begins from
// matching histories.
func (r *BranchReconciler) MirrorAgentIntoLocal() error {
	return r.local.FetchAndResetMixed(r.agent)
}

func (r *BranchReconciler) summarizeHeads() (string, error) {
	localHead, err := r.local.HeadCommit()
	if err != nil {
		return "", err
	}
	agentHead, err := r.agent.HeadCommit()
	if err != nil {
		return "", err
	}
	return headSummary(localHead, agentHead), nil
}

func headSummary(localHead, agentHead string) string {
	return fmt.Sprintf("local@%.8s agent@%.8s", localHead, agentHead)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
