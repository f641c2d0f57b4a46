package session

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pairsync/pairsync/internal/notice"
	"github.com/pairsync/pairsync/internal/protocol"
	"github.com/pairsync/pairsync/internal/scheduler"
)

// messenger turns scheduler lifecycle callbacks and startup phases into
// protocol messages, and remembers the most recent one so the service can
// derive user-facing state. The hook methods run under the scheduler mutex;
// the setup methods run on the transition goroutine before the scheduler
// exists. Snapshot is the only concurrent reader, hence the small mutex.
type messenger struct {
	taskID    uuid.UUID
	sink      protocol.Messenger
	telemetry protocol.Telemetry
	stop      *scheduler.Stop
	logger    *log.Logger

	mu          sync.Mutex
	lastKind    protocol.Kind
	lastNotices []notice.Notice
	lastBatchAt time.Time
}

// Snapshot is the messenger's record of the most recent message.
type Snapshot struct {
	// LastKind is the kind of the last message sent, or empty before the
	// first send.
	LastKind protocol.Kind

	// Notices carried by the last update message. Empty after any other
	// message kind.
	Notices []notice.Notice

	// LastBatchAt is when the most recent batch completed.
	LastBatchAt time.Time
}

func newMessenger(taskID uuid.UUID, sink protocol.Messenger, telemetry protocol.Telemetry, stop *scheduler.Stop, logger *log.Logger) *messenger {
	return &messenger{
		taskID:    taskID,
		sink:      sink,
		telemetry: telemetry,
		stop:      stop,
		logger:    logger,
	}
}

// hooks adapts the messenger to the scheduler's lifecycle callbacks.
func (m *messenger) hooks() scheduler.Hooks {
	return scheduler.Hooks{
		OnPending:   m.onPending,
		OnCompleted: m.onCompleted,
		OnPaused:    m.onPaused,
	}
}

func (m *messenger) setupProgress(step protocol.SetupStep) {
	m.send(&protocol.SetupProgress{
		Header:   protocol.NewHeader(protocol.KindSetupProgress, m.taskID),
		NextStep: step,
	}, nil)
}

func (m *messenger) setupComplete() {
	m.send(&protocol.SetupAndEnabled{
		Header: protocol.NewHeader(protocol.KindSetupAndEnabled, m.taskID),
	}, nil)
}

func (m *messenger) onPending(description string) {
	m.send(&protocol.UpdatePending{
		Header:      protocol.NewHeader(protocol.KindUpdatePending, m.taskID),
		Description: description,
	}, nil)
}

func (m *messenger) onCompleted(description string, warnings []notice.Notice, isResumption bool) {
	m.logger.Printf("%s", description)
	m.send(&protocol.UpdateCompleted{
		Header:       protocol.NewHeader(protocol.KindUpdateCompleted, m.taskID),
		Description:  description,
		Warnings:     notice.DescribeAll(warnings),
		IsResumption: isResumption,
	}, warnings)
}

func (m *messenger) onPaused(description string, warnings, pauses []notice.Notice) {
	notices := make([]notice.Notice, 0, len(pauses)+len(warnings))
	notices = append(notices, pauses...)
	notices = append(notices, warnings...)
	m.send(&protocol.UpdatePaused{
		Header:      protocol.NewHeader(protocol.KindUpdatePaused, m.taskID),
		Description: description,
		Warnings:    notice.DescribeAll(warnings),
		Pauses:      notice.DescribeAll(pauses),
	}, notices)
}

// send delivers one message, records its telemetry event, and remembers it
// as the session's latest. Nothing goes out once shutdown has begun; the
// disabled message is the service's to send, after teardown finishes.
// Delivery failures are logged rather than propagated: sync must not stop
// because the journal is unwritable.
func (m *messenger) send(msg protocol.Message, notices []notice.Notice) {
	head := msg.Head()
	if m.stop.IsSet() {
		m.logger.Printf("not sending %s message, sync session is stopping", head.Kind)
		return
	}
	if err := m.sink.Send(msg); err != nil {
		m.logger.Printf("WARNING: failed to deliver %s message: %v", head.Kind, err)
	}
	if event := protocol.EventFor(head.Kind); event != "" && m.telemetry != nil {
		m.telemetry.Record(event, head.TaskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKind = head.Kind
	m.lastNotices = notices
	if head.Kind == protocol.KindUpdateCompleted {
		m.lastBatchAt = head.SentAt
	}
}

func (m *messenger) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		LastKind:    m.lastKind,
		Notices:     append([]notice.Notice(nil), m.lastNotices...),
		LastBatchAt: m.lastBatchAt,
	}
}
