// Package env abstracts the sandbox environment holding the agent's copy of
// the repository.
//
// Local sync needs five things from an environment: the repo path inside it,
// transport URLs for git and for the file sync daemon, command execution
// (one-shot git calls and a long-running watcher process), and small file
// reads for ref inspection. Local is the shipped implementation; SSH covers
// sandboxes reached over ssh with a dedicated key.
package env

import (
	"context"
	"io"
	"sync"
	"time"
)

// Process is a long-running command started inside the environment.
type Process interface {
	// Stdout streams the process output.
	Stdout() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process and any children it spawned.
	Kill() error
}

// Environment is the sandbox holding the agent's working copy.
type Environment interface {
	// RepoPath is the working tree path inside the environment. Paths
	// reported by environment watch processes are rooted here.
	RepoPath() string

	// RepoURLForDaemon is the transport URL handed to the file sync daemon.
	RepoURLForDaemon() string

	// RepoURLForGit is the URL git uses to fetch from the environment repo.
	RepoURLForGit() string

	// GitExec runs git inside the environment in the given directory and
	// returns combined output. The signature matches git.ExecFunc.
	GitExec(ctx context.Context, dir string, args ...string) ([]byte, error)

	// StartProcess launches a long-running command inside the environment.
	StartProcess(ctx context.Context, name string, args ...string) (Process, error)

	// ReadFile reads a file from inside the environment.
	ReadFile(path string) ([]byte, error)

	// MTime returns a file's modification time inside the environment.
	MTime(path string) (time.Time, error)

	// SnapshotGuard serializes file sync commands against environment
	// snapshot operations. Hold the read side while running daemon commands.
	SnapshotGuard() *sync.RWMutex
}
