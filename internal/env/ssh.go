package env

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SSH is an Environment reached over ssh. host is in [user@]host form, path
// is the absolute repo path on that host, and keyPath (optional) is a
// dedicated private key so the environment never touches the user's agent.
type SSH struct {
	host    string
	path    string
	keyPath string
	guard   sync.RWMutex
}

// NewSSH creates an ssh-backed environment.
func NewSSH(host, path, keyPath string) *SSH {
	return &SSH{host: host, path: path, keyPath: keyPath}
}

func (s *SSH) RepoPath() string { return s.path }

// RepoURLForDaemon uses the daemon's ssh transport form [user@]host:path.
func (s *SSH) RepoURLForDaemon() string { return s.host + ":" + s.path }

func (s *SSH) RepoURLForGit() string { return "ssh://" + s.host + s.path }

func (s *SSH) sshArgv(remoteCommand string) []string {
	args := []string{"-o", "BatchMode=yes"}
	if s.keyPath != "" {
		args = append(args, "-i", s.keyPath, "-o", "IdentitiesOnly=yes")
	}
	return append(args, s.host, remoteCommand)
}

func (s *SSH) GitExec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	parts := []string{"git", "-C", shellQuote(dir)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	cmd := exec.CommandContext(ctx, "ssh", s.sshArgv(strings.Join(parts, " "))...)
	return cmd.CombinedOutput()
}

func (s *SSH) StartProcess(ctx context.Context, name string, args ...string) (Process, error) {
	parts := []string{shellQuote(name)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	cmd := exec.CommandContext(ctx, "ssh", s.sshArgv(strings.Join(parts, " "))...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &sshProcess{cmd: cmd, stdout: stdout}, nil
}

func (s *SSH) ReadFile(path string) ([]byte, error) {
	cmd := exec.Command("ssh", s.sshArgv("cat "+shellQuote(path))...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s over ssh: %w", path, err)
	}
	return out, nil
}

func (s *SSH) MTime(path string) (time.Time, error) {
	cmd := exec.Command("ssh", s.sshArgv("stat -c %Y "+shellQuote(path))...)
	out, err := cmd.Output()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat %s over ssh: %w", path, err)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse mtime of %s: %w", path, err)
	}
	return time.Unix(secs, 0), nil
}

func (s *SSH) SnapshotGuard() *sync.RWMutex {
	return &s.guard
}

type sshProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }

func (p *sshProcess) Wait() error { return p.cmd.Wait() }

func (p *sshProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return p.cmd.Process.Kill()
	}
	return nil
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
