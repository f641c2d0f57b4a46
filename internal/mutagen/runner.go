// Package mutagen manages the external file sync daemon sessions that carry
// file contents between the local repo and the sandbox.
//
// Everything goes through the mutagen CLI. A private data directory keeps
// our daemon (and its SSH configuration) away from any mutagen daemon the
// user already runs, since MUTAGEN_SSH_PATH affects a whole daemon rather
// than one session.
package mutagen

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Runner executes mutagen CLI commands and returns combined output. The
// exec-backed implementation adds the data-directory environment overrides;
// tests substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error)
}

// NewRunner returns the exec-backed runner. dataDir hosts the private daemon
// state; guard, when non-nil, is held (read side) for the duration of every
// command so environment snapshots never race a sync.
func NewRunner(dataDir string, guard *sync.RWMutex, logger *log.Logger) Runner {
	if logger == nil {
		logger = log.New(os.Stderr, "[mutagen] ", log.LstdFlags)
	}
	return &execRunner{dataDir: dataDir, guard: guard, logger: logger}
}

type execRunner struct {
	dataDir string
	guard   *sync.RWMutex
	logger  *log.Logger
}

func (r *execRunner) Run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "mutagen", args...)
	cmd.Env = append(os.Environ(),
		"MUTAGEN_DATA_DIRECTORY="+filepath.Join(r.dataDir, "mutagen"),
		"MUTAGEN_SSH_PATH="+filepath.Join(r.dataDir, "ssh"),
	)

	if r.guard != nil {
		r.guard.RLock()
		defer r.guard.RUnlock()
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("mutagen %s failed: %w\n%s", strings.Join(args, " "), err, string(output))
	}
	return output, nil
}
