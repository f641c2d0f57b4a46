package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// RegistryFile is the project registry file name inside the data dir.
const RegistryFile = "projects.toml"

// Registry records the projects this installation has ever synced, keyed by
// project ID. Dangling-session cleanup is scoped to registered projects so
// it never terminates daemon sessions belonging to an installation it does
// not manage.
//
// The file is rewritten whole on every update. A missing or corrupt file
// reads as empty, which makes scoped cleanup touch nothing.
type Registry struct {
	path string
	mu   sync.Mutex
}

// RegistryEntry is one registered project.
type RegistryEntry struct {
	RepoPath     string    `toml:"repo_path"`
	LastSyncedAt time.Time `toml:"last_synced_at"`
}

type registryFile struct {
	Projects map[string]RegistryEntry `toml:"projects"`
}

// NewRegistry returns the registry stored under dataDir. The file is not
// touched until the first read or write.
func NewRegistry(dataDir string) *Registry {
	return &Registry{path: filepath.Join(dataDir, RegistryFile)}
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

func (r *Registry) read() registryFile {
	var file registryFile
	if _, err := toml.DecodeFile(r.path, &file); err != nil {
		return registryFile{Projects: map[string]RegistryEntry{}}
	}
	if file.Projects == nil {
		file.Projects = map[string]RegistryEntry{}
	}
	return file
}

// KnownProjects returns the IDs of every registered project, sorted for
// deterministic cleanup order. Keys that don't parse as UUIDs are skipped.
func (r *Registry) KnownProjects() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	file := r.read()
	ids := make([]uuid.UUID, 0, len(file.Projects))
	for key := range file.Projects {
		id, err := uuid.Parse(key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// RepoPathFor returns the recorded repo path for a project.
func (r *Registry) RepoPathFor(projectID uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.read().Projects[projectID.String()]
	if !ok {
		return "", false
	}
	return entry.RepoPath, true
}

// Upsert registers a project, or refreshes its repo path and sync time.
func (r *Registry) Upsert(projectID uuid.UUID, repoPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file := r.read()
	file.Projects[projectID.String()] = RegistryEntry{
		RepoPath:     repoPath,
		LastSyncedAt: time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("failed to write project registry: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(file); err != nil {
		return fmt.Errorf("failed to encode project registry: %w", err)
	}
	return nil
}
