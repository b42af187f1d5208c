// Package protocol defines the WebSocket wire format between the hub
// and its clients: a typed envelope, per-type payloads, and client
// message validation.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"sessionhub/internal/session"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionSnapshot = "session.snapshot"
	TypeSessionEvents   = "session.events"
	TypeSessionCreated  = "session.created"
	TypeListUpdate      = "list.update"
	TypeError           = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate    = "session.create"
	TypeSessionCommand   = "session.command"
	TypeSessionSubscribe = "session.subscribe"
	TypeListSubscribe    = "list.subscribe"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSessionEnded    = "SESSION_ENDED"
	ErrSessionBusy     = "SESSION_BUSY"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrResyncRequired  = "RESYNC_REQUIRED"
	ErrCreateFailed    = "CREATE_FAILED"
	ErrMaxSessions     = "MAX_SESSIONS"
)

// Session command names carried by session.command payloads.
const (
	CmdSend        = "send"
	CmdSteer       = "steer"
	CmdApprove     = "approve"
	CmdAnswer      = "answer"
	CmdInterrupt   = "interrupt"
	CmdRename      = "rename"
	CmdReconfigure = "reconfigure"
	CmdCompact     = "compact"
	CmdUndo        = "undo"
	CmdRollback    = "rollback"
	CmdEnd         = "end"
	CmdResume      = "resume"
)

// Server → Client payloads.

// SessionSnapshotPayload carries a full state snapshot. Sent on
// subscribe when replay is impossible, and as the created response.
type SessionSnapshotPayload struct {
	SessionID string        `json:"sessionId"`
	State     session.State `json:"state"`
}

// SessionEventsPayload carries an ordered batch of revision-tagged
// events: the replay window on subscribe, then live singletons.
type SessionEventsPayload struct {
	SessionID string          `json:"sessionId"`
	Events    []session.Event `json:"events"`
}

type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

// ListUpdatePayload carries summaries for every live session.
type ListUpdatePayload struct {
	Sessions []session.Summary `json:"sessions"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	ProjectPath    string `json:"projectPath"`
	Model          string `json:"model,omitempty"`
	Name           string `json:"name,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxMode    string `json:"sandboxMode,omitempty"`
}

// SessionCommandPayload is one client command aimed at a session. The
// Command field selects which of the optional fields apply.
type SessionCommandPayload struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`

	Text           string `json:"text,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Decision       string `json:"decision,omitempty"`
	Answer         string `json:"answer,omitempty"`
	Name           string `json:"name,omitempty"`
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxMode    string `json:"sandboxMode,omitempty"`
	Target         string `json:"target,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type SessionSubscribePayload struct {
	SessionID     string `json:"sessionId"`
	SinceRevision uint64 `json:"sinceRevision,omitempty"`
}

type ListSubscribePayload struct{}
