package mutagen

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Daemon commands that hang are worse than ones that fail; list and
// terminate get a short leash.
const daemonCommandTimeout = 5 * time.Second

// MinVersion is the oldest daemon version the session flags here are tested
// against.
const MinVersion = "0.16.0"

// ListSessionNames returns the names of daemon sessions starting with
// prefix, via the list command's go-template output.
func ListSessionNames(ctx context.Context, r Runner, prefix string) ([]string, error) {
	const nameTemplate = `{{range .}}{{.Name}}{{"\n"}}{{end}}`
	output, err := r.Run(ctx, daemonCommandTimeout, "sync", "list", "--template", nameTemplate)
	if err != nil {
		if strings.Contains(err.Error(), "unable to connect to daemon") {
			return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		name := strings.TrimSpace(line)
		if name != "" && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// SessionState is the slice of the daemon's view of one session that sync
// acts on.
type SessionState struct {
	Name      string     `json:"name"`
	Paused    bool       `json:"paused"`
	Status    string     `json:"status"`
	LastError string     `json:"lastError"`
	Conflicts []Conflict `json:"conflicts"`
}

// Conflict is one path the daemon could not reconcile on its own.
type Conflict struct {
	Root string `json:"root"`
}

// Halted reports whether the daemon has stopped syncing the session for a
// safety reason (root deleted, emptied, or type-changed) and will not resume
// on its own.
func (s *SessionState) Halted() bool {
	return strings.HasPrefix(s.Status, "halted")
}

// InspectSession returns the daemon's state for the named session, or
// ErrSessionNotFound if the daemon does not list it.
func InspectSession(ctx context.Context, r Runner, name string) (*SessionState, error) {
	output, err := r.Run(ctx, daemonCommandTimeout, "sync", "list", "--template", "{{json .}}")
	if err != nil {
		if strings.Contains(err.Error(), "unable to connect to daemon") {
			return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
		}
		return nil, err
	}

	var states []SessionState
	if err := json.Unmarshal(output, &states); err != nil {
		return nil, fmt.Errorf("unparseable session list output: %w", err)
	}
	for i := range states {
		if states[i].Name == name {
			return &states[i], nil
		}
	}
	return nil, fmt.Errorf("session %s: %w", name, ErrSessionNotFound)
}

// TerminateSession terminates a session by name. A session the daemon no
// longer knows about is not an error.
func TerminateSession(ctx context.Context, r Runner, name string) error {
	if _, err := r.Run(ctx, daemonCommandTimeout, "sync", "terminate", name); err != nil {
		if strings.Contains(err.Error(), "unable to locate requested sessions") {
			return nil
		}
		return fmt.Errorf("failed to terminate session %s: %w", name, err)
	}
	return nil
}

// StopDaemon stops the private daemon. Best effort: a failure only costs an
// idle background process, so it logs the manual remediation command instead
// of escalating.
func StopDaemon(ctx context.Context, r Runner, dataDir string, logger *log.Logger) {
	if _, err := r.Run(ctx, daemonCommandTimeout, "daemon", "stop"); err != nil {
		logger.Printf("WARNING: mutagen daemon stop failed (harmless): %v", err)
		logger.Printf("To stop it manually, run: MUTAGEN_DATA_DIRECTORY=%s mutagen daemon stop",
			filepath.Join(dataDir, "mutagen"))
	}
}

// EnsureBinary verifies the mutagen binary is reachable and at least
// MinVersion.
func EnsureBinary(ctx context.Context, r Runner) error {
	output, err := r.Run(ctx, daemonCommandTimeout, "version")
	if err != nil {
		return fmt.Errorf("mutagen binary unavailable: %w", err)
	}

	version := strings.TrimSpace(string(output))
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = strings.TrimSpace(version[:i])
	}
	if !semver.IsValid("v" + version) {
		return fmt.Errorf("unexpected mutagen version output %q", version)
	}
	if semver.Compare("v"+version, "v"+MinVersion) < 0 {
		return fmt.Errorf("mutagen %s is too old, need at least %s", version, MinVersion)
	}
	return nil
}
