package filesync

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pairsync/pairsync/internal/git"
	"github.com/pairsync/pairsync/internal/gitsync"
	"github.com/pairsync/pairsync/internal/mutagen"
	"github.com/pairsync/pairsync/internal/notice"
	"github.com/pairsync/pairsync/internal/scheduler"
)

// fakeRunner records every daemon command and answers through a pluggable
// handler.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(args []string) ([]byte, error)
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(args)
	}
	return nil, nil
}

// commandVerbs reduces the recorded commands to their leading two words, so
// tests can assert sequences like "sync flush" without repeating full
// argument lists.
func (f *fakeRunner) commandVerbs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	verbs := make([]string, len(f.calls))
	for i, c := range f.calls {
		verbs[i] = strings.Join(c[:2], " ")
	}
	return verbs
}

// listResponse answers both list forms: the json inspection template and the
// name-extraction template behind IsRunning. Returns ok=false for anything
// that is not a list command.
func listResponse(args []string, stateJSON, names string) (out []byte, err error, ok bool) {
	if args[0] != "sync" || args[1] != "list" {
		return nil, nil, false
	}
	if args[3] == "{{json .}}" {
		return []byte(stateJSON), nil, true
	}
	return []byte(names), nil, true
}

const healthyState = `[{"identifier":"sync_x","name":"pairsync-proj-task","paused":false,"status":"watching"}]`

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates a repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "--initial-branch", "main")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")
	writeFile(t, dir, "README.md", "hello\n")
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newReconciler builds a reconciler whose guard watches a fresh repository
// on main and whose session talks to fake.
func newReconciler(t *testing.T, fake *fakeRunner, stop *scheduler.Stop) (*Reconciler, string) {
	t.Helper()
	localDir := initRepo(t)
	repo, err := git.Open(localDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	session := mutagen.NewSession(mutagen.SessionConfig{
		Name:         "pairsync-proj-task",
		LocalPath:    localDir,
		RemoteURL:    "/sandbox/repo",
		Mode:         mutagen.ModeTwoWayUserWins,
		Runner:       fake,
		RetryBackoff: time.Millisecond,
		Logger:       quietLogger(),
	})
	r, err := NewReconciler(context.Background(), Config{
		Session: session,
		Guard:   gitsync.NewStateGuard(repo, "main"),
		Stop:    stop,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewReconciler() failed: %v", err)
	}
	return r, localDir
}

// TestNewReconcilerRejectsRelativeRoot verifies that a session with a
// relative root cannot produce a working exclusion filter.
func TestNewReconcilerRejectsRelativeRoot(t *testing.T) {
	session := mutagen.NewSession(mutagen.SessionConfig{
		Name:      "pairsync-proj-task",
		LocalPath: "relative/repo",
		RemoteURL: "/sandbox/repo",
		Runner:    &fakeRunner{},
		Logger:    quietLogger(),
	})
	_, err := NewReconciler(context.Background(), Config{Session: session, Logger: quietLogger()})
	if err == nil || !strings.Contains(err.Error(), "must be absolute") {
		t.Errorf("NewReconciler() = %v, want absolute-root error", err)
	}
}

// TestWatchDirs verifies that each side's working tree root is watched on
// the matching side.
func TestWatchDirs(t *testing.T) {
	r, localDir := newReconciler(t, &fakeRunner{}, nil)

	if dirs := r.LocalWatchDirs(); len(dirs) != 1 || dirs[0] != localDir {
		t.Errorf("LocalWatchDirs() = %v, want [%s]", dirs, localDir)
	}
	if dirs := r.EnvWatchDirs(); len(dirs) != 1 || dirs[0] != "/sandbox/repo" {
		t.Errorf("EnvWatchDirs() = %v, want [/sandbox/repo]", dirs)
	}
}

// TestIsRelevantPath verifies the multi-root filter: paths must sit under
// one of the two working trees, the roots themselves do not count, and the
// fixed exclusions are filtered on both sides.
func TestIsRelevantPath(t *testing.T) {
	r, localDir := newReconciler(t, &fakeRunner{}, nil)

	tests := []struct {
		path     string
		relevant bool
	}{
		{localDir, false},
		{"/sandbox/repo", false},
		{filepath.Join(localDir, "src", "main.go"), true},
		{"/sandbox/repo/src/main.go", true},
		{filepath.Join(localDir, ".git", "HEAD"), false},
		{filepath.Join(localDir, ".venv", "bin", "python"), false},
		{"/sandbox/repo/node_modules/left-pad/index.js", false},
		{"/somewhere/else.txt", false},
	}
	for _, tt := range tests {
		if got := r.IsRelevantPath(tt.path); got != tt.relevant {
			t.Errorf("IsRelevantPath(%q) = %v, want %v", tt.path, got, tt.relevant)
		}
	}
}

// TestNoticesHealthySession verifies a clean repository and a watching
// session produce no notices.
func TestNoticesHealthySession(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		out, err, _ := listResponse(args, healthyState, "pairsync-proj-task\n")
		return out, err
	}
	r, _ := newReconciler(t, fake, nil)

	if notices := r.Notices(); len(notices) != 0 {
		t.Errorf("Notices() = %v, want none", notices)
	}
}

// TestNoticesDaemonConditions verifies how the daemon's session state maps
// onto notices: conflicts warn, everything else about a sick session pauses.
func TestNoticesDaemonConditions(t *testing.T) {
	tests := []struct {
		name     string
		state    string
		wantKind notice.Kind
		wantSub  string
	}{
		{
			name:     "externally paused",
			state:    `[{"name":"pairsync-proj-task","paused":true,"status":"paused"}]`,
			wantKind: notice.KindPause,
			wantSub:  "paused outside of pairsync",
		},
		{
			name:     "safety halt",
			state:    `[{"name":"pairsync-proj-task","status":"halted-on-root-emptied"}]`,
			wantKind: notice.KindPause,
			wantSub:  "sync session halted: halted-on-root-emptied",
		},
		{
			name:     "session error",
			state:    `[{"name":"pairsync-proj-task","status":"watching","lastError":"unable to connect to beta"}]`,
			wantKind: notice.KindPause,
			wantSub:  "sync session error: unable to connect to beta",
		},
		{
			name:     "unresolved conflicts",
			state:    `[{"name":"pairsync-proj-task","status":"watching","conflicts":[{"root":"src/app.go"},{"root":"docs/a.md"}]}]`,
			wantKind: notice.KindWarning,
			wantSub:  "2 conflicted paths resolving in favor of the local tree: docs/a.md, src/app.go",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRunner{}
			fake.handle = func(args []string) ([]byte, error) {
				out, err, _ := listResponse(args, tt.state, "pairsync-proj-task\n")
				return out, err
			}
			r, _ := newReconciler(t, fake, nil)

			notices := r.Notices()
			if len(notices) != 1 {
				t.Fatalf("Notices() = %v, want exactly one", notices)
			}
			if notices[0].Kind != tt.wantKind {
				t.Errorf("notice kind = %v, want %v", notices[0].Kind, tt.wantKind)
			}
			if notices[0].SourceTag != Tag {
				t.Errorf("notice tag = %q, want %q", notices[0].SourceTag, Tag)
			}
			if !strings.Contains(notices[0].Reason, tt.wantSub) {
				t.Errorf("notice reason = %q, want substring %q", notices[0].Reason, tt.wantSub)
			}
		})
	}
}

// TestNoticesSessionGone verifies that a session the daemon no longer lists
// does not pause sync: the next batch resurrects it instead.
func TestNoticesSessionGone(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		out, err, _ := listResponse(args, `[]`, "")
		return out, err
	}
	r, _ := newReconciler(t, fake, nil)

	if notices := r.Notices(); len(notices) != 0 {
		t.Errorf("Notices() = %v, want none", notices)
	}
}

// TestNoticesInspectFailure verifies that a daemon that cannot be queried at
// all surfaces as a pausing notice instead of being swallowed.
func TestNoticesInspectFailure(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		return nil, errors.New("mutagen sync list failed: unable to connect to daemon")
	}
	r, _ := newReconciler(t, fake, nil)

	notices := r.Notices()
	if len(notices) != 1 || notices[0].Kind != notice.KindPause {
		t.Fatalf("Notices() = %v, want one pause", notices)
	}
	if !strings.Contains(notices[0].Reason, "cannot inspect sync session") {
		t.Errorf("notice reason = %q, want inspect failure", notices[0].Reason)
	}
}

// TestNoticesGuardBlocker verifies git-state blockers surface through the
// reconciler with the guardian's tag.
func TestNoticesGuardBlocker(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		out, err, _ := listResponse(args, healthyState, "pairsync-proj-task\n")
		return out, err
	}
	r, localDir := newReconciler(t, fake, nil)
	writeFile(t, localDir, ".git/MERGE_HEAD", strings.Repeat("a", 40)+"\n")

	notices := r.Notices()
	if len(notices) != 1 || notices[0].Kind != notice.KindPause {
		t.Fatalf("Notices() = %v, want one pause", notices)
	}
	if notices[0].SourceTag != gitsync.GuardTag {
		t.Errorf("notice tag = %q, want %q", notices[0].SourceTag, gitsync.GuardTag)
	}
	if !strings.Contains(notices[0].Reason, "merge is in progress") {
		t.Errorf("notice reason = %q, want merge blocker", notices[0].Reason)
	}
}

// TestHandlePathChangesFlushes verifies the happy path: one flush, no
// resurrection traffic.
func TestHandlePathChangesFlushes(t *testing.T) {
	fake := &fakeRunner{}
	r, localDir := newReconciler(t, fake, nil)

	err := r.HandlePathChanges([]string{filepath.Join(localDir, "src", "main.go")})
	if err != nil {
		t.Fatalf("HandlePathChanges() failed: %v", err)
	}
	verbs := fake.commandVerbs()
	if len(verbs) != 1 || verbs[0] != "sync flush" {
		t.Errorf("commands = %v, want [sync flush]", verbs)
	}
}

// TestHandlePathChangesGuardBlocked verifies a mid-merge repository turns
// the batch into a NoticesError before any daemon traffic happens.
func TestHandlePathChangesGuardBlocked(t *testing.T) {
	fake := &fakeRunner{}
	r, localDir := newReconciler(t, fake, nil)
	writeFile(t, localDir, ".git/MERGE_HEAD", strings.Repeat("a", 40)+"\n")

	err := r.HandlePathChanges([]string{filepath.Join(localDir, "src", "main.go")})
	var noticesErr *scheduler.NoticesError
	if !errors.As(err, &noticesErr) {
		t.Fatalf("HandlePathChanges() = %v, want NoticesError", err)
	}
	if len(noticesErr.Notices) != 1 || !strings.Contains(noticesErr.Notices[0].Reason, "merge is in progress") {
		t.Errorf("notices = %v, want merge blocker", noticesErr.Notices)
	}
	if len(fake.commandVerbs()) != 0 {
		t.Errorf("commands = %v, want none", fake.commandVerbs())
	}
}

// TestFlushResurrection verifies that a flush against a vanished session
// recreates it and flushes again.
func TestFlushResurrection(t *testing.T) {
	fake := &fakeRunner{}
	flushes := 0
	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && args[1] == "flush" {
			if flushes++; flushes == 1 {
				return nil, errors.New("mutagen sync flush failed: exit status 1\nunable to locate requested sessions")
			}
			return nil, nil
		}
		out, err, _ := listResponse(args, `[]`, "")
		return out, err
	}
	r, localDir := newReconciler(t, fake, nil)

	err := r.HandlePathChanges([]string{filepath.Join(localDir, "src", "main.go")})
	if err != nil {
		t.Fatalf("HandlePathChanges() failed: %v", err)
	}

	// Flush fails, IsRunning checks twice (once here, once inside the
	// repeated-create guard), then the session is recreated and flushed.
	want := []string{"sync flush", "sync list", "sync list", "sync create", "sync flush"}
	if got := fake.commandVerbs(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

// TestFlushErrorSessionStillRunning verifies that a flush failure with the
// session still listed propagates instead of recreating anything.
func TestFlushErrorSessionStillRunning(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && args[1] == "flush" {
			return nil, errors.New("mutagen sync flush failed: exit status 1")
		}
		out, err, _ := listResponse(args, healthyState, "pairsync-proj-task\n")
		return out, err
	}
	r, localDir := newReconciler(t, fake, nil)

	err := r.HandlePathChanges([]string{filepath.Join(localDir, "src", "main.go")})
	var sessionErr *mutagen.SessionError
	if !errors.As(err, &sessionErr) || sessionErr.Op != "flush" {
		t.Fatalf("HandlePathChanges() = %v, want flush SessionError", err)
	}
	for _, verb := range fake.commandVerbs() {
		if verb == "sync create" {
			t.Errorf("commands = %v, want no create", fake.commandVerbs())
		}
	}
}

// TestFlushErrorDuringShutdown verifies that a flush failure after the stop
// flag is set is treated as a teardown race and absorbed.
func TestFlushErrorDuringShutdown(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && args[1] == "flush" {
			return nil, errors.New("mutagen sync flush failed: exit status 1")
		}
		out, err, _ := listResponse(args, `[]`, "")
		return out, err
	}
	stop := &scheduler.Stop{}
	r, localDir := newReconciler(t, fake, stop)
	stop.Set()

	if err := r.HandlePathChanges([]string{filepath.Join(localDir, "src", "main.go")}); err != nil {
		t.Fatalf("HandlePathChanges() = %v, want nil during shutdown", err)
	}
	for _, verb := range fake.commandVerbs() {
		if verb == "sync create" {
			t.Errorf("commands = %v, want no create", fake.commandVerbs())
		}
	}
}

// TestFlushResurrectionCreateFails verifies that a failed recreation
// surfaces the create error so the scheduler can pause on it.
func TestFlushResurrectionCreateFails(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && (args[1] == "flush" || args[1] == "create") {
			return nil, errors.New("mutagen sync " + args[1] + " failed: exit status 1")
		}
		out, err, _ := listResponse(args, `[]`, "")
		return out, err
	}
	r, localDir := newReconciler(t, fake, nil)

	err := r.HandlePathChanges([]string{filepath.Join(localDir, "src", "main.go")})
	var sessionErr *mutagen.SessionError
	if !errors.As(err, &sessionErr) || sessionErr.Op != "create" {
		t.Fatalf("HandlePathChanges() = %v, want create SessionError", err)
	}
}
