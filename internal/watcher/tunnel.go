package watcher

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// WireEvent is the JSON-lines form events take crossing the tunnel from the
// sandbox watcher process. The op strings are Op.String() values.
type WireEvent struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// Wire converts an event to its tunnel form.
func (e Event) Wire() WireEvent {
	return WireEvent{Path: e.Path, Op: e.Op.String()}
}

// Event converts a wire event back to an Event.
func (we WireEvent) Event() Event {
	return Event{Path: we.Path, Op: ParseOp(we.Op)}
}

// ErrTunnelStillRunning reports that the tunnel goroutine did not exit
// within the allowed wait.
var ErrTunnelStillRunning = errors.New("tunnel reader still running")

// Tunnel decodes file events streamed line-by-line from a watcher process
// running inside the environment and republishes them locally. The caller
// owns the process: killing it closes the stream, which ends the tunnel.
type Tunnel struct {
	reader   io.Reader
	events   chan Event
	done     chan struct{}
	stopping atomic.Bool
	logger   *log.Logger
}

// NewTunnel wraps the stdout of an environment watcher process.
func NewTunnel(r io.Reader, logger *log.Logger) *Tunnel {
	if logger == nil {
		logger = log.New(os.Stderr, "[tunnel] ", log.LstdFlags)
	}
	return &Tunnel{
		reader: r,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the reader goroutine.
func (t *Tunnel) Start() {
	go t.run()
}

func (t *Tunnel) run() {
	defer close(t.done)
	defer close(t.events)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var we WireEvent
		if err := json.Unmarshal(line, &we); err != nil {
			t.logger.Printf("WARNING: dropping malformed tunnel line: %v", err)
			continue
		}
		select {
		case t.events <- we.Event():
		default:
			// The scheduler only needs one event per path per batch; under
			// event storms dropping is safer than blocking the reader.
			t.logger.Printf("WARNING: tunnel event buffer full, dropping %s", we.Path)
		}
	}
	if err := scanner.Err(); err != nil && !t.stopping.Load() {
		t.logger.Printf("WARNING: tunnel stream ended with error: %v", err)
	}
}

// Events returns the channel of decoded events. Closed when the stream
// ends.
func (t *Tunnel) Events() <-chan Event {
	return t.events
}

// MarkStopping quiets end-of-stream logging during a deliberate shutdown.
// Call before killing the watcher process.
func (t *Tunnel) MarkStopping() {
	t.stopping.Store(true)
}

// Wait blocks until the reader goroutine exits or the timeout elapses.
func (t *Tunnel) Wait(timeout time.Duration) error {
	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		return ErrTunnelStillRunning
	}
}
