package session

import "time"

// PhaseKind discriminates the four work phases a session can be in.
type PhaseKind string

const (
	PhaseIdle             PhaseKind = "idle"
	PhaseWorking          PhaseKind = "working"
	PhaseAwaitingApproval PhaseKind = "awaiting_approval"
	PhaseEnded            PhaseKind = "ended"
)

// Phase is the state-machine state of a session. Kind selects the
// variant; the remaining fields are populated only for the variant
// that carries them.
type Phase struct {
	Kind PhaseKind `json:"kind"`

	// Populated when Kind == PhaseAwaitingApproval.
	RequestID         string       `json:"requestId,omitempty"`
	ApprovalType      ApprovalType `json:"approvalType,omitempty"`
	ProposedAmendment string       `json:"proposedAmendment,omitempty"`

	// Populated when Kind == PhaseEnded.
	EndReason string `json:"endReason,omitempty"`
}

// ApprovalType classifies what kind of action an approval request guards.
type ApprovalType string

const (
	ApprovalExec     ApprovalType = "exec"
	ApprovalEdit     ApprovalType = "edit"
	ApprovalPlan     ApprovalType = "plan"
	ApprovalQuestion ApprovalType = "question"
)

// ApprovalDecision is the user's answer to an approval request.
type ApprovalDecision string

const (
	DecisionApproved           ApprovalDecision = "approved"
	DecisionApprovedForSession ApprovalDecision = "approved_for_session"
	DecisionDenied             ApprovalDecision = "denied"
	DecisionAbort              ApprovalDecision = "abort"
	DecisionAnswered           ApprovalDecision = "answered"
)

// Resumes returns true when the decision lets the agent keep working.
func (d ApprovalDecision) Resumes() bool {
	return d == DecisionApproved || d == DecisionApprovedForSession || d == DecisionAnswered
}

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// MessageKind identifies what a message carries.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindToolCall   MessageKind = "tool_call"
	KindToolResult MessageKind = "tool_result"
)

// Message is one entry in a session's conversation.
type Message struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	ToolName  string      `json:"toolName,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// TokenUsage holds the session's accumulated token counters.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheRead     int64 `json:"cacheRead"`
	CacheCreation int64 `json:"cacheCreation"`
}

// ApprovalPolicy controls how eagerly the runtime asks for approval.
type ApprovalPolicy string

const (
	PolicyAlwaysAsk ApprovalPolicy = "always_ask"
	PolicyAutoEdit  ApprovalPolicy = "auto_edit"
	PolicyFullAuto  ApprovalPolicy = "full_auto"
)

// Metadata holds the slow-changing descriptive fields of a session.
type Metadata struct {
	Provider       string         `json:"provider"`
	ProjectPath    string         `json:"projectPath"`
	Model          string         `json:"model"`
	Name           string         `json:"name,omitempty"`
	ApprovalPolicy ApprovalPolicy `json:"approvalPolicy"`
	SandboxMode    string         `json:"sandboxMode,omitempty"`
	ParentID       string         `json:"parentId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// DiffSnapshot summarizes the workspace changes of the current session.
type DiffSnapshot struct {
	ChangedFiles int       `json:"changedFiles"`
	Paths        []string  `json:"paths,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PlanStep is one entry of an agent plan.
type PlanStep struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

// PlanSnapshot is the most recent plan reported by the runtime.
type PlanSnapshot struct {
	Steps     []PlanStep `json:"steps"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// State is the full per-session state. It is owned and mutated by
// exactly one actor; everyone else sees immutable published copies.
type State struct {
	ID       string        `json:"id"`
	Revision uint64        `json:"revision"`
	Phase    Phase         `json:"phase"`
	Messages []Message     `json:"messages"`
	Tokens   TokenUsage    `json:"tokens"`
	Meta     Metadata      `json:"meta"`
	LastDiff *DiffSnapshot `json:"lastDiff,omitempty"`
	LastPlan *PlanSnapshot `json:"lastPlan,omitempty"`
}

// New returns the initial state for a freshly created session.
func New(id string, meta Metadata) State {
	return State{
		ID:    id,
		Phase: Phase{Kind: PhaseIdle},
		Meta:  meta,
	}
}

// Summary is the lightweight listing view of a session.
type Summary struct {
	ID           string     `json:"id"`
	Revision     uint64     `json:"revision"`
	Phase        Phase      `json:"phase"`
	Meta         Metadata   `json:"meta"`
	Tokens       TokenUsage `json:"tokens"`
	MessageCount int        `json:"messageCount"`
}

// Summarize produces the listing view of a state.
func (s *State) Summarize() Summary {
	return Summary{
		ID:           s.ID,
		Revision:     s.Revision,
		Phase:        s.Phase,
		Meta:         s.Meta,
		Tokens:       s.Tokens,
		MessageCount: len(s.Messages),
	}
}
