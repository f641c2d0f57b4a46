// Package journal persists the sync protocol message stream and telemetry
// events in a local SQLite database.
//
// The journal is the shipped implementation of protocol.Messenger and
// protocol.Telemetry: every lifecycle message a session emits is appended to
// the messages table, and the status command reads the same file back to
// answer "what is sync doing" without talking to a running process.
//
// The database runs embedded with WAL mode, so a status command can read
// while a running service writes.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pairsync/pairsync/internal/protocol"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultFile is the journal's file name inside the data directory.
const DefaultFile = "journal.db"

// DefaultPath returns the journal location for a data directory.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, DefaultFile)
}

// Journal wraps the SQLite connection holding the message and telemetry
// tables. Build with Open; the caller must Close when done.
type Journal struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

var (
	_ protocol.Messenger = (*Journal)(nil)
	_ protocol.Telemetry = (*Journal)(nil)
)

// Open opens (creating if needed) the journal database at path and ensures
// the schema exists. The parent directory is created if missing.
func Open(path string, logger *log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[journal] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	j := &Journal{conn: conn, path: path, logger: logger}

	// WAL keeps the status command readable while the service writes.
	if _, err := j.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := j.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := j.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := j.initSchema(context.Background()); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file location.
func (j *Journal) Path() string { return j.path }

// Close checkpoints the WAL and closes the connection. Safe to call twice.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		j.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}
	if err := j.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal database: %w", err)
	}
	j.conn = nil
	return nil
}

// initSchema creates the tables if they don't exist. Idempotent.
func (j *Journal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		task_id TEXT NOT NULL,
		sent_at TEXT NOT NULL,
		body TEXT NOT NULL  -- full message as JSON
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		task_id TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id);
	CREATE INDEX IF NOT EXISTS idx_messages_kind ON messages(kind);
	CREATE INDEX IF NOT EXISTS idx_telemetry_event ON telemetry(event);
	`
	if _, err := j.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Send appends one protocol message. The full message is stored as JSON next
// to the indexed header columns, so new message fields never need a
// migration.
func (j *Journal) Send(msg protocol.Message) error {
	head := msg.Head()
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", head.Kind, err)
	}
	_, err = j.conn.Exec(
		`INSERT INTO messages (kind, task_id, sent_at, body) VALUES (?, ?, ?, ?)`,
		string(head.Kind),
		head.TaskID.String(),
		head.SentAt.Format(time.RFC3339Nano),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to persist %s message: %w", head.Kind, err)
	}
	return nil
}

// Record appends one telemetry event. Telemetry is best-effort: a write
// failure is logged, never surfaced, because analytics must not be able to
// break a sync transition.
func (j *Journal) Record(event string, taskID uuid.UUID) {
	_, err := j.conn.Exec(
		`INSERT INTO telemetry (event, task_id, recorded_at) VALUES (?, ?, ?)`,
		event,
		taskID.String(),
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		j.logger.Printf("WARNING: failed to record telemetry event %s: %v", event, err)
	}
}

// Entry is one persisted message read back from the journal.
type Entry struct {
	Kind   protocol.Kind
	TaskID uuid.UUID
	SentAt time.Time
	Body   json.RawMessage
}

// Recent returns up to limit messages, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.conn.QueryContext(ctx,
		`SELECT kind, task_id, sent_at, body FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LastForTask returns the most recent message for a task, or sql.ErrNoRows
// when the task has no messages.
func (j *Journal) LastForTask(ctx context.Context, taskID uuid.UUID) (Entry, error) {
	rows, err := j.conn.QueryContext(ctx,
		`SELECT kind, task_id, sent_at, body FROM messages WHERE task_id = ? ORDER BY id DESC LIMIT 1`,
		taskID.String())
	if err != nil {
		return Entry{}, fmt.Errorf("failed to query last message for task %s: %w", taskID, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, sql.ErrNoRows
	}
	return entries[0], nil
}

// MessageCount returns the total number of persisted messages.
func (j *Journal) MessageCount(ctx context.Context) (int, error) {
	var count int
	if err := j.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// EventCount returns the total number of recorded telemetry events.
func (j *Journal) EventCount(ctx context.Context) (int, error) {
	var count int
	if err := j.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM telemetry").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count telemetry events: %w", err)
	}
	return count, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			kind, taskID, sentAt string
			body                 string
		)
		if err := rows.Scan(&kind, &taskID, &sentAt, &body); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		entry := Entry{Kind: protocol.Kind(kind), Body: json.RawMessage(body)}
		if id, err := uuid.Parse(taskID); err == nil {
			entry.TaskID = id
		}
		if t, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			entry.SentAt = t
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return entries, nil
}
