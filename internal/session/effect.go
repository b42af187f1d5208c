package session

// Effect describes work the transition function wants performed. The
// transition never executes effects itself; the owning actor does,
// strictly in the order they were produced.
type Effect interface {
	isEffect()
}

// PersistEffect requests a write to the durable store.
type PersistEffect struct {
	Op PersistOp
}

// EmitEffect requests appending an event to the session's log and
// delivering it to live subscribers.
type EmitEffect struct {
	Event Event
}

// RuntimeCallEffect requests a command against the agent runtime.
type RuntimeCallEffect struct {
	Call RuntimeCall
}

func (PersistEffect) isEffect()     {}
func (EmitEffect) isEffect()        {}
func (RuntimeCallEffect) isEffect() {}

// PersistOp is one write operation against the durable store.
type PersistOp interface {
	isPersistOp()
}

// AppendMessageOp stores a new message.
type AppendMessageOp struct {
	Message Message
}

// UpdateMessageOp replaces a stored message by id.
type UpdateMessageOp struct {
	Message Message
}

// UpdatePhaseOp records the session's current phase.
type UpdatePhaseOp struct {
	Phase Phase
}

// UpdateMetadataOp records the session's metadata.
type UpdateMetadataOp struct {
	Meta Metadata
}

// UpdateTokensOp records the session's token counters.
type UpdateTokensOp struct {
	Usage TokenUsage
}

// RecordApprovalOp stores a newly requested approval.
type RecordApprovalOp struct {
	RequestID         string
	Type              ApprovalType
	ProposedAmendment string
}

// ResolveApprovalOp stores the decision for a pending approval.
type ResolveApprovalOp struct {
	RequestID string
	Decision  ApprovalDecision
}

// EndSessionOp marks the session as ended.
type EndSessionOp struct {
	Reason string
}

func (AppendMessageOp) isPersistOp()   {}
func (UpdateMessageOp) isPersistOp()   {}
func (UpdatePhaseOp) isPersistOp()     {}
func (UpdateMetadataOp) isPersistOp()  {}
func (UpdateTokensOp) isPersistOp()    {}
func (RecordApprovalOp) isPersistOp()  {}
func (ResolveApprovalOp) isPersistOp() {}
func (EndSessionOp) isPersistOp()      {}

// RuntimeCall is one command sent to the agent runtime.
type RuntimeCall interface {
	isRuntimeCall()
}

// SendMessageCall forwards a user prompt to the runtime.
type SendMessageCall struct {
	Text string
}

// SteerCall forwards a steering instruction to the runtime.
type SteerCall struct {
	Text string
}

// ApproveCall forwards an approval decision to the runtime.
type ApproveCall struct {
	RequestID string
	Decision  ApprovalDecision
}

// AnswerCall forwards an answer to an agent question.
type AnswerCall struct {
	RequestID string
	Answer    string
}

// InterruptCall asks the runtime to stop the current turn.
type InterruptCall struct{}

// RenameCall forwards a rename to the runtime.
type RenameCall struct {
	Name string
}

// ReconfigureCall forwards a config change to the runtime. Empty
// fields mean "leave unchanged".
type ReconfigureCall struct {
	Model          string
	ApprovalPolicy ApprovalPolicy
	SandboxMode    string
}

// CompactCall asks the runtime to compact its history.
type CompactCall struct{}

// UndoCall asks the runtime to undo the last agent change.
type UndoCall struct{}

// RollbackCall asks the runtime to roll the workspace back.
type RollbackCall struct {
	Target string
}

// ShutdownCall asks the runtime to terminate.
type ShutdownCall struct{}

func (SendMessageCall) isRuntimeCall() {}
func (SteerCall) isRuntimeCall()       {}
func (ApproveCall) isRuntimeCall()     {}
func (AnswerCall) isRuntimeCall()      {}
func (InterruptCall) isRuntimeCall()   {}
func (RenameCall) isRuntimeCall()      {}
func (ReconfigureCall) isRuntimeCall() {}
func (CompactCall) isRuntimeCall()     {}
func (UndoCall) isRuntimeCall()        {}
func (RollbackCall) isRuntimeCall()    {}
func (ShutdownCall) isRuntimeCall()    {}
