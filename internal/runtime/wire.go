package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	"sessionhub/internal/session"
)

// wireEvent is one line of the runtime's stdout stream.
type wireEvent struct {
	Type string `json:"type"`

	Reason       string          `json:"reason,omitempty"`
	Message      *wireMessage    `json:"message,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	ApprovalType string          `json:"approvalType,omitempty"`
	Amendment    string          `json:"amendment,omitempty"`
	Usage        *wireUsage      `json:"usage,omitempty"`
	Name         string          `json:"name,omitempty"`
	Error        string          `json:"error,omitempty"`
	ChangedFiles int             `json:"changedFiles,omitempty"`
	Paths        []string        `json:"paths,omitempty"`
	Plan         []wirePlanStep  `json:"plan,omitempty"`
}

type wireMessage struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
	ToolName string `json:"toolName,omitempty"`
}

type wireUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cacheRead"`
	CacheCreation int64 `json:"cacheCreation"`
}

type wirePlanStep struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

func (u *wireUsage) usage() session.TokenUsage {
	return session.TokenUsage{
		Input:         u.Input,
		Output:        u.Output,
		CacheRead:     u.CacheRead,
		CacheCreation: u.CacheCreation,
	}
}

func (m *wireMessage) message(now time.Time) session.Message {
	kind := session.MessageKind(m.Kind)
	if kind == "" {
		kind = session.KindText
	}
	return session.Message{
		ID:        m.ID,
		Role:      session.MessageRole(m.Role),
		Kind:      kind,
		Content:   m.Content,
		ToolName:  m.ToolName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DecodeEvent parses one stdout line into a session input. now stamps
// messages that arrive without their own timestamps.
func DecodeEvent(line []byte, now time.Time) (session.Input, error) {
	var ev wireEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}

	switch ev.Type {
	case "turn_started":
		return session.TurnStarted{}, nil
	case "turn_completed":
		var usage *session.TokenUsage
		if ev.Usage != nil {
			u := ev.Usage.usage()
			usage = &u
		}
		return session.TurnCompleted{Usage: usage}, nil
	case "turn_aborted":
		return session.TurnAborted{Reason: ev.Reason}, nil
	case "message_created":
		if ev.Message == nil || ev.Message.ID == "" {
			return nil, fmt.Errorf("message_created without a message id")
		}
		return session.MessageCreated{Message: ev.Message.message(now)}, nil
	case "message_updated":
		if ev.Message == nil || ev.Message.ID == "" {
			return nil, fmt.Errorf("message_updated without a message id")
		}
		return session.MessageUpdated{Message: ev.Message.message(now)}, nil
	case "approval_requested":
		if ev.RequestID == "" {
			return nil, fmt.Errorf("approval_requested without a request id")
		}
		return session.ApprovalRequested{
			RequestID:         ev.RequestID,
			Type:              session.ApprovalType(ev.ApprovalType),
			ProposedAmendment: ev.Amendment,
		}, nil
	case "tokens_updated":
		if ev.Usage == nil {
			return nil, fmt.Errorf("tokens_updated without usage")
		}
		return session.TokensUpdated{Usage: ev.Usage.usage()}, nil
	case "diff_updated":
		return session.DiffUpdated{Diff: session.DiffSnapshot{
			ChangedFiles: ev.ChangedFiles,
			Paths:        ev.Paths,
			UpdatedAt:    now,
		}}, nil
	case "plan_updated":
		steps := make([]session.PlanStep, len(ev.Plan))
		for i, s := range ev.Plan {
			steps[i] = session.PlanStep{Title: s.Title, Status: s.Status}
		}
		return session.PlanUpdated{Plan: session.PlanSnapshot{
			Steps:     steps,
			UpdatedAt: now,
		}}, nil
	case "name_updated":
		return session.NameUpdated{Name: ev.Name}, nil
	case "session_ended":
		return session.SessionEnded{Reason: ev.Reason}, nil
	case "compaction_completed":
		return session.CompactionCompleted{Err: ev.Error}, nil
	case "undo_completed":
		return session.UndoCompleted{Err: ev.Error}, nil
	case "rollback_completed":
		return session.RollbackCompleted{Err: ev.Error}, nil
	case "error":
		return session.Errored{Reason: ev.Error}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// wireCommand is one line written to the runtime's stdin.
type wireCommand struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	Decision       string `json:"decision,omitempty"`
	Answer         string `json:"answer,omitempty"`
	Name           string `json:"name,omitempty"`
	Model          string `json:"model,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	SandboxMode    string `json:"sandboxMode,omitempty"`
	Target         string `json:"target,omitempty"`
}

func encodeCall(call session.RuntimeCall) (wireCommand, error) {
	switch call := call.(type) {
	case session.SendMessageCall:
		return wireCommand{Type: "send_message", Text: call.Text}, nil
	case session.SteerCall:
		return wireCommand{Type: "steer", Text: call.Text}, nil
	case session.ApproveCall:
		return wireCommand{
			Type:      "approve",
			RequestID: call.RequestID,
			Decision:  string(call.Decision),
		}, nil
	case session.AnswerCall:
		return wireCommand{Type: "answer", RequestID: call.RequestID, Answer: call.Answer}, nil
	case session.InterruptCall:
		return wireCommand{Type: "interrupt"}, nil
	case session.RenameCall:
		return wireCommand{Type: "rename", Name: call.Name}, nil
	case session.ReconfigureCall:
		return wireCommand{
			Type:           "reconfigure",
			Model:          call.Model,
			ApprovalPolicy: string(call.ApprovalPolicy),
			SandboxMode:    call.SandboxMode,
		}, nil
	case session.CompactCall:
		return wireCommand{Type: "compact"}, nil
	case session.UndoCall:
		return wireCommand{Type: "undo"}, nil
	case session.RollbackCall:
		return wireCommand{Type: "rollback", Target: call.Target}, nil
	case session.ShutdownCall:
		return wireCommand{Type: "shutdown"}, nil
	default:
		return wireCommand{}, fmt.Errorf("unknown runtime call %T", call)
	}
}
