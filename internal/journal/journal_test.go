package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pairsync/pairsync/internal/protocol"
)

// testJournalPath returns a temporary path for test databases
func testJournalPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "journal.db")
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// TestOpen_CreatesSchemaAndParentDir tests that Open builds the database,
// its parent directory, and both tables.
func TestOpen_CreatesSchemaAndParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "journal.db")
	j, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	for _, table := range []string{"messages", "telemetry"} {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := j.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

// TestOpen_Idempotent tests that reopening an existing journal succeeds and
// keeps its contents.
func TestOpen_Idempotent(t *testing.T) {
	path := testJournalPath(t)
	taskID := uuid.New()

	j, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	msg := protocol.SetupStarted{Header: protocol.NewHeader(protocol.KindSetupStarted, taskID)}
	if err := j.Send(msg); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	j2, err := Open(path, quietLogger())
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer j2.Close()

	count, err := j2.MessageCount(context.Background())
	if err != nil {
		t.Fatalf("MessageCount() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("MessageCount() = %d, want 1", count)
	}
}

// TestSend_RoundTrip tests that a sent message reads back with its kind,
// task, and payload intact.
func TestSend_RoundTrip(t *testing.T) {
	j, err := Open(testJournalPath(t), quietLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	taskID := uuid.New()
	sent := protocol.UpdatePaused{
		Header:      protocol.NewHeader(protocol.KindUpdatePaused, taskID),
		Description: "Sending update local sync message",
		Warnings:    []string{"warning from local_filetree_sync: conflicts present"},
		Pauses:      []string{"pause from local_git_sync: branches diverged"},
	}
	if err := j.Send(sent); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	entries, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Recent() returned %d entries, want 1", len(entries))
	}

	entry := entries[0]
	if entry.Kind != protocol.KindUpdatePaused {
		t.Errorf("Kind = %q, want %q", entry.Kind, protocol.KindUpdatePaused)
	}
	if entry.TaskID != taskID {
		t.Errorf("TaskID = %s, want %s", entry.TaskID, taskID)
	}
	if entry.SentAt.IsZero() {
		t.Error("SentAt is zero")
	}

	var decoded protocol.UpdatePaused
	if err := json.Unmarshal(entry.Body, &decoded); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if decoded.Description != sent.Description {
		t.Errorf("Description = %q, want %q", decoded.Description, sent.Description)
	}
	if len(decoded.Pauses) != 1 || decoded.Pauses[0] != sent.Pauses[0] {
		t.Errorf("Pauses = %v, want %v", decoded.Pauses, sent.Pauses)
	}
}

// TestRecent_NewestFirst tests that Recent orders messages newest first and
// honors the limit.
func TestRecent_NewestFirst(t *testing.T) {
	j, err := Open(testJournalPath(t), quietLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	taskID := uuid.New()
	kinds := []protocol.Kind{
		protocol.KindSetupStarted,
		protocol.KindSetupAndEnabled,
		protocol.KindUpdateCompleted,
	}
	if err := j.Send(protocol.SetupStarted{Header: protocol.NewHeader(kinds[0], taskID)}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := j.Send(protocol.SetupAndEnabled{Header: protocol.NewHeader(kinds[1], taskID)}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := j.Send(protocol.UpdateCompleted{Header: protocol.NewHeader(kinds[2], taskID)}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	entries, err := j.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Recent(2) returned %d entries, want 2", len(entries))
	}
	if entries[0].Kind != protocol.KindUpdateCompleted {
		t.Errorf("entries[0].Kind = %q, want %q", entries[0].Kind, protocol.KindUpdateCompleted)
	}
	if entries[1].Kind != protocol.KindSetupAndEnabled {
		t.Errorf("entries[1].Kind = %q, want %q", entries[1].Kind, protocol.KindSetupAndEnabled)
	}
}

// TestLastForTask tests per-task lookup and the no-rows case.
func TestLastForTask(t *testing.T) {
	j, err := Open(testJournalPath(t), quietLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	taskA := uuid.New()
	taskB := uuid.New()

	if err := j.Send(protocol.SetupStarted{Header: protocol.NewHeader(protocol.KindSetupStarted, taskA)}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := j.Send(protocol.Disabled{Header: protocol.NewHeader(protocol.KindDisabled, taskA), Reason: "stopping active sync"}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	entry, err := j.LastForTask(ctx, taskA)
	if err != nil {
		t.Fatalf("LastForTask() failed: %v", err)
	}
	if entry.Kind != protocol.KindDisabled {
		t.Errorf("Kind = %q, want %q", entry.Kind, protocol.KindDisabled)
	}

	if _, err := j.LastForTask(ctx, taskB); err != sql.ErrNoRows {
		t.Errorf("LastForTask() for unknown task = %v, want sql.ErrNoRows", err)
	}
}

// TestRecord_Telemetry tests that telemetry events are persisted and counted.
func TestRecord_Telemetry(t *testing.T) {
	j, err := Open(testJournalPath(t), quietLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	taskID := uuid.New()
	j.Record(protocol.EventSetupStarted, taskID)
	j.Record(protocol.EventDisabled, taskID)

	count, err := j.EventCount(context.Background())
	if err != nil {
		t.Fatalf("EventCount() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("EventCount() = %d, want 2", count)
	}

	var event, recordedAt string
	row := j.conn.QueryRow(`SELECT event, recorded_at FROM telemetry ORDER BY id LIMIT 1`)
	if err := row.Scan(&event, &recordedAt); err != nil {
		t.Fatalf("failed to read telemetry row: %v", err)
	}
	if event != protocol.EventSetupStarted {
		t.Errorf("event = %q, want %q", event, protocol.EventSetupStarted)
	}
	if _, err := time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		t.Errorf("recorded_at %q is not RFC3339: %v", recordedAt, err)
	}
}

// TestClose_Twice tests that closing an already closed journal is a no-op.
func TestClose_Twice(t *testing.T) {
	j, err := Open(testJournalPath(t), quietLogger())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("first Close() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
