package session

import "time"

// EventKind names what happened in an emitted event.
type EventKind string

const (
	EventTurnStarted         EventKind = "turn.started"
	EventTurnCompleted       EventKind = "turn.completed"
	EventTurnAborted         EventKind = "turn.aborted"
	EventMessageAppended     EventKind = "message.appended"
	EventMessageUpdated      EventKind = "message.updated"
	EventPhaseChanged        EventKind = "phase.changed"
	EventApprovalRequested   EventKind = "approval.requested"
	EventApprovalResolved    EventKind = "approval.resolved"
	EventTokensUpdated       EventKind = "tokens.updated"
	EventDiffUpdated         EventKind = "diff.updated"
	EventPlanUpdated         EventKind = "plan.updated"
	EventMetadataChanged     EventKind = "metadata.changed"
	EventSessionEnded        EventKind = "session.ended"
	EventSessionError        EventKind = "session.error"
	EventCompactionCompleted EventKind = "compaction.completed"
	EventUndoCompleted       EventKind = "undo.completed"
	EventRollbackCompleted   EventKind = "rollback.completed"
)

// Event is the unit stored in the per-session event log and delivered
// to subscribers. Revision is assigned by the transition function;
// within one session revisions are strictly increasing with no gaps.
type Event struct {
	Revision  uint64    `json:"revision"`
	SessionID string    `json:"sessionId"`
	Kind      EventKind `json:"kind"`
	At        time.Time `json:"at"`

	// Optional payload fields, populated per Kind.
	Phase     *Phase           `json:"phase,omitempty"`
	Message   *Message         `json:"message,omitempty"`
	Usage     *TokenUsage      `json:"usage,omitempty"`
	Meta      *Metadata        `json:"meta,omitempty"`
	Diff      *DiffSnapshot    `json:"diff,omitempty"`
	Plan      *PlanSnapshot    `json:"plan,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Decision  ApprovalDecision `json:"decision,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Error     string           `json:"error,omitempty"`
}
