package env

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Local is an Environment backed by a directory on this machine.
type Local struct {
	root  string
	guard sync.RWMutex
}

// NewLocal creates an environment rooted at an existing local directory.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) RepoPath() string         { return l.root }
func (l *Local) RepoURLForDaemon() string { return l.root }
func (l *Local) RepoURLForGit() string    { return l.root }

func (l *Local) GitExec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

func (l *Local) StartProcess(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = l.root
	// Own process group so Kill reaches any children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &localProcess{cmd: cmd, stdout: stdout}, nil
}

func (l *Local) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (l *Local) MTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (l *Local) SnapshotGuard() *sync.RWMutex {
	return &l.guard
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }

func (p *localProcess) Wait() error { return p.cmd.Wait() }

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the whole group.
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return p.cmd.Process.Kill()
	}
	return nil
}
