package protocol

import (
	"encoding/json"
	"fmt"

	"sessionhub/internal/session"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:    true,
	TypeSessionCommand:   true,
	TypeSessionSubscribe: true,
	TypeListSubscribe:    true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil && msg.Type != TypeListSubscribe {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.ProjectPath == "" {
			return nil, fmt.Errorf("missing required field 'projectPath' in %s payload", msg.Type)
		}

	case TypeSessionCommand:
		var p SessionCommandPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if _, err := p.ClientInput(); err != nil {
			return nil, err
		}

	case TypeSessionSubscribe:
		var p SessionSubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// ClientInput converts a validated command payload into the session
// input it names.
func (p *SessionCommandPayload) ClientInput() (session.ClientInput, error) {
	switch p.Command {
	case CmdSend:
		if p.Text == "" {
			return nil, fmt.Errorf("command %q requires 'text'", p.Command)
		}
		return session.UserSentMessage{Text: p.Text}, nil

	case CmdSteer:
		if p.Text == "" {
			return nil, fmt.Errorf("command %q requires 'text'", p.Command)
		}
		return session.UserSteered{Text: p.Text}, nil

	case CmdApprove:
		if p.RequestID == "" {
			return nil, fmt.Errorf("command %q requires 'requestId'", p.Command)
		}
		switch d := session.ApprovalDecision(p.Decision); d {
		case session.DecisionApproved, session.DecisionApprovedForSession,
			session.DecisionDenied, session.DecisionAbort:
			return session.UserApproved{RequestID: p.RequestID, Decision: d}, nil
		default:
			return nil, fmt.Errorf("unknown approval decision %q", p.Decision)
		}

	case CmdAnswer:
		if p.RequestID == "" {
			return nil, fmt.Errorf("command %q requires 'requestId'", p.Command)
		}
		return session.UserAnswered{RequestID: p.RequestID, Answer: p.Answer}, nil

	case CmdInterrupt:
		return session.UserInterrupted{}, nil

	case CmdRename:
		if p.Name == "" {
			return nil, fmt.Errorf("command %q requires 'name'", p.Command)
		}
		return session.UserRenamed{Name: p.Name}, nil

	case CmdReconfigure:
		if p.Model == "" && p.ApprovalPolicy == "" && p.SandboxMode == "" {
			return nil, fmt.Errorf("command %q requires at least one config field", p.Command)
		}
		return session.UserChangedConfig{
			Model:          p.Model,
			ApprovalPolicy: session.ApprovalPolicy(p.ApprovalPolicy),
			SandboxMode:    p.SandboxMode,
		}, nil

	case CmdCompact:
		return session.UserCompacted{}, nil

	case CmdUndo:
		return session.UserUndid{}, nil

	case CmdRollback:
		if p.Target == "" {
			return nil, fmt.Errorf("command %q requires 'target'", p.Command)
		}
		return session.UserRolledBack{Target: p.Target}, nil

	case CmdEnd:
		return session.UserEnded{Reason: p.Reason}, nil

	case CmdResume:
		return session.Resumed{}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", p.Command)
	}
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message, sessionID string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}
