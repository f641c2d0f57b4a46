package mutagen

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner records every command and answers through a pluggable handler.
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

func (f *fakeRunner) commandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.calls))
	for i, c := range f.calls {
		lines[i] = strings.Join(c, " ")
	}
	return lines
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testSession(r Runner, mode Mode) *Session {
	return NewSession(SessionConfig{
		Name:         "pairsync-proj-task",
		LocalPath:    "/home/user/repo",
		RemoteURL:    "/sandbox/repo",
		Mode:         mode,
		Runner:       r,
		IgnoreSource: func() []string { return []string{"ignored.log"} },
		RetryBackoff: time.Millisecond,
		Logger:       quietLogger(),
	})
}

// TestCreateArgs verifies the full create command line, including ignore
// assembly and the alpha/beta ordering for both modes.
func TestCreateArgs(t *testing.T) {
	tests := []struct {
		mode  Mode
		alpha string
		beta  string
		sync  string
	}{
		{ModeOverwriteLocal, "/sandbox/repo", "/home/user/repo", "one-way-replica"},
		{ModeTwoWayUserWins, "/home/user/repo", "/sandbox/repo", "two-way-resolved"},
	}

	for _, tt := range tests {
		fake := &fakeRunner{}
		s := testSession(fake, tt.mode)

		if err := s.Create(context.Background()); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}

		want := "sync create --watch-mode no-watch --name pairsync-proj-task" +
			" --sync-mode " + tt.sync + " --ignore-vcs" +
			" --ignore .git/** --ignore node_modules/** --ignore .venv/**" +
			" --ignore build/** --ignore dist/** --ignore .claude/**" +
			" --ignore ignored.log " + tt.alpha + " " + tt.beta

		lines := fake.commandLines()
		if len(lines) != 1 || lines[0] != want {
			t.Errorf("mode %v create command =\n%q\nwant\n%q", tt.mode, lines, want)
		}
	}
}

// TestCreateDoubleTap verifies that a repeated create leaves a running
// session alone but recreates a vanished one.
func TestCreateDoubleTap(t *testing.T) {
	listed := true
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && args[1] == "list" {
			if listed {
				return []byte("pairsync-proj-task\n"), nil
			}
			return []byte(""), nil
		}
		return nil, nil
	}

	s := testSession(fake, ModeTwoWayUserWins)

	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("first Create() failed: %v", err)
	}

	// Second create while listed: list only, no second sync create.
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("second Create() failed: %v", err)
	}
	creates := 0
	for _, line := range fake.commandLines() {
		if strings.HasPrefix(line, "sync create") {
			creates++
		}
	}
	if creates != 1 {
		t.Errorf("create command ran %d times, want 1", creates)
	}

	// Third create after the daemon lost the session: recreate.
	listed = false
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("third Create() failed: %v", err)
	}
	creates = 0
	for _, line := range fake.commandLines() {
		if strings.HasPrefix(line, "sync create") {
			creates++
		}
	}
	if creates != 2 {
		t.Errorf("create command ran %d times after loss, want 2", creates)
	}
}

// TestCreateAfterTerminateRestarts verifies the restart path.
func TestCreateAfterTerminateRestarts(t *testing.T) {
	fake := &fakeRunner{}
	s := testSession(fake, ModeTwoWayUserWins)

	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() failed: %v", err)
	}
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create() after Terminate() failed: %v", err)
	}

	creates := 0
	for _, line := range fake.commandLines() {
		if strings.HasPrefix(line, "sync create") {
			creates++
		}
	}
	if creates != 2 {
		t.Errorf("create command ran %d times, want 2", creates)
	}
}

// TestCreateRetries verifies bounded retry with eventual SessionError.
func TestCreateRetries(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && args[1] == "create" {
			return nil, errors.New("mutagen sync create failed: exit status 1")
		}
		return nil, nil
	}

	s := testSession(fake, ModeTwoWayUserWins)
	err := s.Create(context.Background())

	var sessionErr *SessionError
	if !errors.As(err, &sessionErr) {
		t.Fatalf("Create() error = %v, want SessionError", err)
	}
	if sessionErr.Op != "create" {
		t.Errorf("SessionError.Op = %q, want create", sessionErr.Op)
	}

	attempts := 0
	for _, line := range fake.commandLines() {
		if strings.HasPrefix(line, "sync create") {
			attempts++
		}
	}
	if attempts != createAttempts {
		t.Errorf("create attempted %d times, want %d", attempts, createAttempts)
	}
}

// TestFlush verifies the flush command and its error classification.
func TestFlush(t *testing.T) {
	fake := &fakeRunner{}
	s := testSession(fake, ModeTwoWayUserWins)

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	lines := fake.commandLines()
	if len(lines) != 1 || lines[0] != "sync flush pairsync-proj-task" {
		t.Errorf("flush command = %q, want sync flush pairsync-proj-task", lines)
	}

	fake.handle = func(args []string) ([]byte, error) {
		return nil, errors.New("mutagen sync flush failed: exit status 1\nunable to locate requested sessions")
	}
	err := s.Flush(context.Background())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Flush() on missing session = %v, want ErrSessionNotFound", err)
	}
	var sessionErr *SessionError
	if !errors.As(err, &sessionErr) || sessionErr.Op != "flush" {
		t.Errorf("Flush() error = %v, want SessionError with Op=flush", err)
	}
}

// TestTerminate verifies skip-if-uncreated and missing-session tolerance.
func TestTerminate(t *testing.T) {
	fake := &fakeRunner{}
	s := testSession(fake, ModeTwoWayUserWins)

	// Never created: no daemon call at all.
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() failed: %v", err)
	}
	if len(fake.commandLines()) != 0 {
		t.Errorf("Terminate() of uncreated session ran %v, want nothing", fake.commandLines())
	}

	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && args[1] == "terminate" {
			return nil, errors.New("mutagen sync terminate failed: unable to locate requested sessions")
		}
		return nil, nil
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Errorf("Terminate() of missing session = %v, want nil", err)
	}
}

// TestOverwriteOnce verifies the one-shot mirror sequence, including
// termination when the flush fails.
func TestOverwriteOnce(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		if args[0] == "sync" && args[1] == "flush" {
			return nil, errors.New("mutagen sync flush failed: exit status 1")
		}
		return nil, nil
	}

	err := OverwriteOnce(context.Background(), SessionConfig{
		Name:         "pairsync-proj-task-init",
		LocalPath:    "/home/user/repo",
		RemoteURL:    "/sandbox/repo",
		Runner:       fake,
		RetryBackoff: time.Millisecond,
		Logger:       quietLogger(),
	})
	if err == nil {
		t.Fatal("OverwriteOnce() = nil, want flush error")
	}

	var seq []string
	for _, line := range fake.commandLines() {
		switch {
		case strings.HasPrefix(line, "sync create"):
			seq = append(seq, "create")
		case strings.HasPrefix(line, "sync flush"):
			seq = append(seq, "flush")
		case strings.HasPrefix(line, "sync terminate"):
			seq = append(seq, "terminate")
		}
	}
	want := "create flush terminate"
	if got := strings.Join(seq, " "); got != want {
		t.Errorf("OverwriteOnce() sequence = %q, want %q", got, want)
	}

	// One-shot mirrors always run one-way-replica with the sandbox as alpha.
	for _, line := range fake.commandLines() {
		if strings.HasPrefix(line, "sync create") {
			if !strings.Contains(line, "--sync-mode one-way-replica") {
				t.Errorf("one-shot create = %q, want one-way-replica", line)
			}
			if !strings.HasSuffix(line, "/sandbox/repo /home/user/repo") {
				t.Errorf("one-shot create = %q, want sandbox as alpha", line)
			}
		}
	}
}

// TestListSessionNames verifies template output parsing and prefix
// filtering.
func TestListSessionNames(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		return []byte("pairsync-a-1\nother-session\npairsync-b-2\n\n"), nil
	}

	names, err := ListSessionNames(context.Background(), fake, "pairsync-")
	if err != nil {
		t.Fatalf("ListSessionNames() failed: %v", err)
	}
	if len(names) != 2 || names[0] != "pairsync-a-1" || names[1] != "pairsync-b-2" {
		t.Errorf("ListSessionNames() = %v, want [pairsync-a-1 pairsync-b-2]", names)
	}

	lines := fake.commandLines()
	want := `sync list --template {{range .}}{{.Name}}{{"\n"}}{{end}}`
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("list command = %q, want %q", lines, want)
	}
}

// TestListSessionNamesDaemonDown verifies the unavailable sentinel.
func TestListSessionNamesDaemonDown(t *testing.T) {
	fake := &fakeRunner{}
	fake.handle = func(args []string) ([]byte, error) {
		return nil, errors.New("mutagen sync list failed: unable to connect to daemon")
	}

	_, err := ListSessionNames(context.Background(), fake, "pairsync-")
	if !errors.Is(err, ErrDaemonUnavailable) {
		t.Errorf("ListSessionNames() = %v, want ErrDaemonUnavailable", err)
	}
}

// TestEnsureBinary verifies the minimum version gate.
func TestEnsureBinary(t *testing.T) {
	tests := []struct {
		output  string
		wantErr bool
	}{
		{"0.18.1\n", false},
		{MinVersion + "\n", false},
		{"0.12.0\n", true},
		{"flagrantly not a version\n", true},
	}

	for _, tt := range tests {
		fake := &fakeRunner{}
		fake.handle = func(args []string) ([]byte, error) {
			return []byte(tt.output), nil
		}
		err := EnsureBinary(context.Background(), fake)
		if (err != nil) != tt.wantErr {
			t.Errorf("EnsureBinary() with %q = %v, wantErr %v", strings.TrimSpace(tt.output), err, tt.wantErr)
		}
	}
}

// TestRemotePath verifies extraction of the path component from transport
// URLs.
func TestRemotePath(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"/sandbox/repo", "/sandbox/repo"},
		{"dev@host:/srv/repo", "/srv/repo"},
	}

	for _, tt := range tests {
		s := NewSession(SessionConfig{Name: "pairsync-x", RemoteURL: tt.url, Logger: quietLogger()})
		if got := s.RemotePath(); got != tt.expected {
			t.Errorf("RemotePath(%q) = %q, want %q", tt.url, got, tt.expected)
		}
	}
}
