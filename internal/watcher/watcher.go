// Package watcher provides file system watching for the local side of a
// sync session, plus the tunnel that carries events from a watcher process
// running inside the sandbox.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file change.
type Event struct {
	Path string
	Op   Op
}

// Op represents the file operation type.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseOp maps the wire form back to an Op. Unknown strings decode as
// OpModify, the most conservative interpretation.
func ParseOp(s string) Op {
	switch s {
	case "create":
		return OpCreate
	case "delete":
		return OpDelete
	default:
		return OpModify
	}
}

// Watcher monitors directory trees for file changes. Unlike raw fsnotify it
// is recursive: every subdirectory is watched, minus the skip set, and
// directories created while running are picked up as they appear.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	skip    map[string]bool
}

// DefaultSkipDirs are directory names never worth watching: either too
// churny to be useful or covered by a dedicated watch of their own (.git ref
// directories are registered explicitly).
var DefaultSkipDirs = []string{".git", "node_modules", ".venv", "build", "dist", ".claude"}

// New creates a new Watcher. skipDirs defaults to DefaultSkipDirs when
// empty.
func New(skipDirs ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if len(skipDirs) == 0 {
		skipDirs = DefaultSkipDirs
	}
	skip := make(map[string]bool, len(skipDirs))
	for _, name := range skipDirs {
		skip[name] = true
	}

	return &Watcher{
		watcher: w,
		events:  make(chan Event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		skip:    skip,
	}, nil
}

// Start begins watching the given directory trees. A tree nested inside
// another requested tree is folded into the outer watch unless it sits
// behind a skipped directory name: a ref dir under .git keeps its own walk
// so the skip set cannot hide it.
func (w *Watcher) Start(dirs ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, dir := range w.planRoots(dirs) {
		if err := w.addTree(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// planRoots orders the requested dirs shallow-first and drops any dir an
// earlier walk already covers.
func (w *Watcher) planRoots(dirs []string) []string {
	ordered := append([]string(nil), dirs...)
	sort.Slice(ordered, func(i, j int) bool {
		ci := strings.Count(ordered[i], string(filepath.Separator))
		cj := strings.Count(ordered[j], string(filepath.Separator))
		if ci != cj {
			return ci < cj
		}
		return ordered[i] < ordered[j]
	})
	var roots []string
	for _, dir := range ordered {
		if w.covered(dir, roots) {
			continue
		}
		roots = append(roots, dir)
	}
	return roots
}

// covered reports whether a walk of one of roots reaches dir: it must sit
// at or below a root with no skipped name on the path between them.
func (w *Watcher) covered(dir string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if rel == "." {
			return true
		}
		behindSkip := false
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if w.skip[part] {
				behindSkip = true
				break
			}
		}
		if !behindSkip {
			return true
		}
	}
	return false
}

// addTree registers dir and all its non-skipped subdirectories.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish mid-walk; only the root itself is fatal.
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skip[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Stop stops watching and closes the event channels.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	w.running = false

	return err
}

// Events returns the channel of file events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// processEvents handles events from fsnotify and converts them.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Newly created directories need their own watches before
			// anything inside them can be seen.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !w.skip[filepath.Base(event.Name)] {
						_ = w.addTree(event.Name)
					}
				}
			}

			if fe, relevant := convertEvent(event); relevant {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to an Event. Chmod-only events are
// dropped: they carry no content change and editors emit them constantly.
func convertEvent(event fsnotify.Event) (Event, bool) {
	var op Op
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		// Rename means the file left this path; treat as delete.
		op = OpDelete
	default:
		return Event{}, false
	}

	return Event{Path: event.Name, Op: op}, true
}
