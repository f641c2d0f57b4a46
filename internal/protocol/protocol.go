// Package protocol defines the messages a sync session emits about its own
// lifecycle and the collaborator interfaces that carry them.
//
// Messages are the only way session state reaches the outside world: the
// service derives its user-facing state from the last message sent, and the
// journal persists every message for the status command. Kind strings are
// stable wire identifiers; do not rename them.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies a message type on the wire.
type Kind string

const (
	KindSetupStarted    Kind = "setup_started"
	KindSetupProgress   Kind = "setup_progress"
	KindSetupAndEnabled Kind = "setup_and_enabled"
	KindUpdatePending   Kind = "update_pending"
	KindUpdateCompleted Kind = "update_completed"
	KindUpdatePaused    Kind = "update_paused"
	KindDisabled        Kind = "disabled"
)

// SetupStep identifies the startup phase announced by a progress message,
// always sent before the phase begins so a crash localizes to the last
// announced step.
type SetupStep string

const (
	StepValidateGitStateSafety    SetupStep = "VALIDATE_GIT_STATE_SAFETY"
	StepMirrorAgentIntoLocalRepo  SetupStep = "MIRROR_AGENT_INTO_LOCAL_REPO"
	StepBeginTwoWayControlledSync SetupStep = "BEGIN_TWO_WAY_CONTROLLED_SYNC"
)

// Header carries the fields every message shares. Embedding Header gives a
// message type the Message interface for free.
type Header struct {
	Kind   Kind      `json:"kind"`
	TaskID uuid.UUID `json:"task_id"`
	SentAt time.Time `json:"sent_at"`
}

// Head returns the shared header.
func (h Header) Head() Header { return h }

// NewHeader stamps a header for a message being sent now.
func NewHeader(kind Kind, taskID uuid.UUID) Header {
	return Header{Kind: kind, TaskID: taskID, SentAt: time.Now()}
}

// Message is any protocol message.
type Message interface {
	Head() Header
}

// SetupStarted is sent once when a session begins starting up.
type SetupStarted struct {
	Header
}

// SetupProgress announces the next startup step.
type SetupProgress struct {
	Header
	NextStep SetupStep `json:"next_step"`
}

// SetupAndEnabled is sent once startup has fully completed and continuous
// reconciliation is armed.
type SetupAndEnabled struct {
	Header
}

// UpdatePending is sent when the first relevant change of a batch arrives.
type UpdatePending struct {
	Header
	Description string `json:"description"`
}

// UpdateCompleted is sent after a batch has been fully handled. IsResumption
// marks the first completion after a paused period.
type UpdateCompleted struct {
	Header
	Description  string   `json:"description"`
	Warnings     []string `json:"warnings,omitempty"`
	IsResumption bool     `json:"is_resumption,omitempty"`
}

// UpdatePaused is sent when handling is blocked on pausing notices. Pauses is
// never empty.
type UpdatePaused struct {
	Header
	Description string   `json:"description"`
	Warnings    []string `json:"warnings,omitempty"`
	Pauses      []string `json:"pauses"`
}

// Disabled is sent after the session has fully stopped.
type Disabled struct {
	Header
	Reason string `json:"reason,omitempty"`
}

// Messenger delivers messages to whatever surface presents them to the user.
type Messenger interface {
	Send(Message) error
}

// Telemetry records usage events for sync lifecycle transitions.
type Telemetry interface {
	Record(event string, taskID uuid.UUID)
}

// Telemetry event names recorded per message kind. Progress and pending
// messages are deliberately unrecorded: they fire far too often to be useful.
const (
	EventSetupStarted    = "local_sync_setup_started"
	EventEnabled         = "local_sync_enabled"
	EventUpdateCompleted = "local_sync_update_completed"
	EventPaused          = "local_sync_paused"
	EventDisabled        = "local_sync_disabled"
)

// EventFor maps a message kind to its telemetry event name. The empty string
// means the kind is not recorded.
func EventFor(k Kind) string {
	switch k {
	case KindSetupStarted:
		return EventSetupStarted
	case KindSetupAndEnabled:
		return EventEnabled
	case KindUpdateCompleted:
		return EventUpdateCompleted
	case KindUpdatePaused:
		return EventPaused
	case KindDisabled:
		return EventDisabled
	default:
		return ""
	}
}
