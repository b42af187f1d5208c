package session

// Input is one stimulus fed into the transition function. The set is
// closed: runtime-originated events implement Input, client-originated
// commands additionally implement ClientInput.
type Input interface {
	isInput()
}

// ClientInput marks inputs that originate from a viewer rather than
// the agent runtime. The registry uses this to reject commands sent to
// ended sessions before they reach the actor.
type ClientInput interface {
	Input
	isClient()
}

// Runtime-originated inputs.

// TurnStarted reports that the runtime began working on a turn.
type TurnStarted struct{}

// TurnCompleted reports that the runtime finished the current turn.
// Usage, when present, replaces the session's token counters.
type TurnCompleted struct {
	Usage *TokenUsage
}

// TurnAborted reports that the runtime gave up on the current turn.
type TurnAborted struct {
	Reason string
}

// MessageCreated carries a new message produced by the runtime.
type MessageCreated struct {
	Message Message
}

// MessageUpdated carries a revised version of an existing message,
// identified by Message.ID.
type MessageUpdated struct {
	Message Message
}

// ApprovalRequested reports that the runtime is blocked waiting for a
// user decision.
type ApprovalRequested struct {
	RequestID         string
	Type              ApprovalType
	ProposedAmendment string
}

// TokensUpdated replaces the session's token counters mid-turn.
type TokensUpdated struct {
	Usage TokenUsage
}

// DiffUpdated replaces the session's workspace diff snapshot.
type DiffUpdated struct {
	Diff DiffSnapshot
}

// PlanUpdated replaces the session's plan snapshot.
type PlanUpdated struct {
	Plan PlanSnapshot
}

// NameUpdated reports a runtime-assigned session name.
type NameUpdated struct {
	Name string
}

// SessionEnded reports that the runtime terminated the session.
type SessionEnded struct {
	Reason string
}

// CompactionCompleted reports the result of a history compaction.
type CompactionCompleted struct {
	Err string
}

// UndoCompleted reports the result of an undo operation.
type UndoCompleted struct {
	Err string
}

// RollbackCompleted reports the result of a rollback operation.
type RollbackCompleted struct {
	Err string
}

// Errored reports an effect-execution or runtime failure. The
// transition maps it to a safe recovery phase so the session can never
// become permanently stuck.
type Errored struct {
	Reason string
}

func (TurnStarted) isInput()         {}
func (TurnCompleted) isInput()       {}
func (TurnAborted) isInput()         {}
func (MessageCreated) isInput()      {}
func (MessageUpdated) isInput()      {}
func (ApprovalRequested) isInput()   {}
func (TokensUpdated) isInput()       {}
func (DiffUpdated) isInput()         {}
func (PlanUpdated) isInput()         {}
func (NameUpdated) isInput()         {}
func (SessionEnded) isInput()        {}
func (CompactionCompleted) isInput() {}
func (UndoCompleted) isInput()       {}
func (RollbackCompleted) isInput()   {}
func (Errored) isInput()             {}

// Client-originated inputs.

// UserSentMessage asks the agent to work on a new prompt.
type UserSentMessage struct {
	Text string
}

// UserSteered redirects the agent with an additional instruction.
type UserSteered struct {
	Text string
}

// UserApproved resolves a pending approval request.
type UserApproved struct {
	RequestID string
	Decision  ApprovalDecision
}

// UserAnswered resolves a pending question from the agent.
type UserAnswered struct {
	RequestID string
	Answer    string
}

// UserRenamed sets a custom session name.
type UserRenamed struct {
	Name string
}

// UserChangedConfig reconfigures the session. Empty fields are left
// unchanged.
type UserChangedConfig struct {
	Model          string
	ApprovalPolicy ApprovalPolicy
	SandboxMode    string
}

// UserInterrupted asks the runtime to stop the current turn.
type UserInterrupted struct{}

// UserCompacted asks the runtime to compact the conversation history.
type UserCompacted struct{}

// UserUndid asks the runtime to undo the last agent change.
type UserUndid struct{}

// UserRolledBack asks the runtime to roll the workspace back.
type UserRolledBack struct {
	Target string
}

// UserEnded terminates the session.
type UserEnded struct {
	Reason string
}

// Resumed revives an ended session.
type Resumed struct{}

func (UserSentMessage) isInput()   {}
func (UserSteered) isInput()       {}
func (UserApproved) isInput()      {}
func (UserAnswered) isInput()      {}
func (UserRenamed) isInput()       {}
func (UserChangedConfig) isInput() {}
func (UserInterrupted) isInput()   {}
func (UserCompacted) isInput()     {}
func (UserUndid) isInput()         {}
func (UserRolledBack) isInput()    {}
func (UserEnded) isInput()         {}
func (Resumed) isInput()           {}

func (UserSentMessage) isClient()   {}
func (UserSteered) isClient()       {}
func (UserApproved) isClient()      {}
func (UserAnswered) isClient()      {}
func (UserRenamed) isClient()       {}
func (UserChangedConfig) isClient() {}
func (UserInterrupted) isClient()   {}
func (UserCompacted) isClient()     {}
func (UserUndid) isClient()         {}
func (UserRolledBack) isClient()    {}
func (UserEnded) isClient()         {}
func (Resumed) isClient()           {}
