package session

import (
	"fmt"
	"time"
)

// Transition is the pure decision function of the session state
// machine: (state, input, timestamp) -> (new state, ordered effects).
// The timestamp is the only non-deterministic input and is injected by
// the caller; identical arguments always yield identical results.
//
// An input that does not apply to the current phase returns the state
// unchanged with no effects. The caller (the actor) detects the empty
// effect list and logs the ignored input; there is no panic path.
//
// Revision bookkeeping: the revision is incremented once per emitted
// event, inside emit, so it always advances by exactly the number of
// Emit effects a step produces.
func Transition(s State, in Input, now time.Time) (State, []Effect) {
	st := &step{s: s, now: now}

	switch in := in.(type) {

	// Runtime events.

	case TurnStarted:
		switch s.Phase.Kind {
		case PhaseIdle:
			st.setPhase(Phase{Kind: PhaseWorking})
			st.persist(UpdatePhaseOp{Phase: st.s.Phase})
			st.emit(Event{Kind: EventTurnStarted, Phase: &st.s.Phase})
		case PhaseWorking:
			// Already flipped optimistically by the user command that
			// triggered this turn. Benign, not an invalid transition.
		default:
			return s, nil
		}

	case TurnCompleted:
		if s.Phase.Kind != PhaseWorking {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseIdle})
		if in.Usage != nil {
			st.s.Tokens = *in.Usage
			st.persist(UpdateTokensOp{Usage: st.s.Tokens})
		}
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventTurnCompleted, Phase: &st.s.Phase, Usage: in.Usage})

	case TurnAborted:
		if s.Phase.Kind != PhaseWorking {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseIdle})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventTurnAborted, Phase: &st.s.Phase, Reason: in.Reason})

	case MessageCreated:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		msg := in.Message
		st.appendMessage(msg)
		st.persist(AppendMessageOp{Message: msg})
		st.emit(Event{Kind: EventMessageAppended, Message: &msg})

	case MessageUpdated:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		msg := in.Message
		if !st.replaceMessage(msg) {
			return s, nil
		}
		st.persist(UpdateMessageOp{Message: msg})
		st.emit(Event{Kind: EventMessageUpdated, Message: &msg})

	case ApprovalRequested:
		if s.Phase.Kind != PhaseWorking || in.RequestID == "" {
			return s, nil
		}
		st.setPhase(Phase{
			Kind:              PhaseAwaitingApproval,
			RequestID:         in.RequestID,
			ApprovalType:      in.Type,
			ProposedAmendment: in.ProposedAmendment,
		})
		st.persist(RecordApprovalOp{
			RequestID:         in.RequestID,
			Type:              in.Type,
			ProposedAmendment: in.ProposedAmendment,
		})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventApprovalRequested, Phase: &st.s.Phase, RequestID: in.RequestID})

	case TokensUpdated:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		st.s.Tokens = in.Usage
		st.persist(UpdateTokensOp{Usage: in.Usage})
		usage := in.Usage
		st.emit(Event{Kind: EventTokensUpdated, Usage: &usage})

	case DiffUpdated:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		diff := in.Diff
		st.s.LastDiff = &diff
		st.emit(Event{Kind: EventDiffUpdated, Diff: &diff})

	case PlanUpdated:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		plan := in.Plan
		st.s.LastPlan = &plan
		st.emit(Event{Kind: EventPlanUpdated, Plan: &plan})

	case NameUpdated:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		st.s.Meta.Name = in.Name
		st.s.Meta.UpdatedAt = now
		st.persist(UpdateMetadataOp{Meta: st.s.Meta})
		st.emit(Event{Kind: EventMetadataChanged, Meta: &st.s.Meta})

	case SessionEnded:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseEnded, EndReason: in.Reason})
		st.persist(EndSessionOp{Reason: in.Reason})
		st.emit(Event{Kind: EventSessionEnded, Phase: &st.s.Phase, Reason: in.Reason})

	case CompactionCompleted:
		if s.Phase.Kind != PhaseWorking {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseIdle})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventCompactionCompleted, Phase: &st.s.Phase, Error: in.Err})

	case UndoCompleted:
		if s.Phase.Kind != PhaseWorking {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseIdle})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventUndoCompleted, Phase: &st.s.Phase, Error: in.Err})

	case RollbackCompleted:
		if s.Phase.Kind != PhaseWorking {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseIdle})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventRollbackCompleted, Phase: &st.s.Phase, Error: in.Err})

	case Errored:
		// Recovery mapping: an error during a turn or while waiting on
		// an approval drops the session back to Idle so it can accept
		// new commands. An error while Idle leaves the phase alone but
		// is still surfaced to subscribers.
		switch s.Phase.Kind {
		case PhaseWorking, PhaseAwaitingApproval:
			st.setPhase(Phase{Kind: PhaseIdle})
			st.persist(UpdatePhaseOp{Phase: st.s.Phase})
			st.emit(Event{Kind: EventSessionError, Phase: &st.s.Phase, Error: in.Reason})
		case PhaseIdle:
			st.emit(Event{Kind: EventSessionError, Error: in.Reason})
		default:
			return s, nil
		}

	// Client commands.

	case UserSentMessage:
		if s.Phase.Kind != PhaseIdle {
			return s, nil
		}
		msg := st.userMessage(in.Text)
		st.appendMessage(msg)
		st.persist(AppendMessageOp{Message: msg})
		st.emit(Event{Kind: EventMessageAppended, Message: &msg})
		st.setPhase(Phase{Kind: PhaseWorking})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventPhaseChanged, Phase: &st.s.Phase})
		st.call(SendMessageCall{Text: in.Text})

	case UserSteered:
		if s.Phase.Kind != PhaseIdle {
			return s, nil
		}
		msg := st.userMessage(in.Text)
		st.appendMessage(msg)
		st.persist(AppendMessageOp{Message: msg})
		st.emit(Event{Kind: EventMessageAppended, Message: &msg})
		st.setPhase(Phase{Kind: PhaseWorking})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventPhaseChanged, Phase: &st.s.Phase})
		st.call(SteerCall{Text: in.Text})

	case UserApproved:
		if s.Phase.Kind != PhaseAwaitingApproval || in.RequestID != s.Phase.RequestID {
			return s, nil
		}
		if in.Decision.Resumes() {
			st.setPhase(Phase{Kind: PhaseWorking})
		} else {
			st.setPhase(Phase{Kind: PhaseIdle})
		}
		st.persist(ResolveApprovalOp{RequestID: in.RequestID, Decision: in.Decision})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{
			Kind:      EventApprovalResolved,
			Phase:     &st.s.Phase,
			RequestID: in.RequestID,
			Decision:  in.Decision,
		})
		st.call(ApproveCall{RequestID: in.RequestID, Decision: in.Decision})

	case UserAnswered:
		if s.Phase.Kind != PhaseAwaitingApproval || in.RequestID != s.Phase.RequestID {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseWorking})
		st.persist(ResolveApprovalOp{RequestID: in.RequestID, Decision: DecisionAnswered})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{
			Kind:      EventApprovalResolved,
			Phase:     &st.s.Phase,
			RequestID: in.RequestID,
			Decision:  DecisionAnswered,
		})
		st.call(AnswerCall{RequestID: in.RequestID, Answer: in.Answer})

	case UserRenamed:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		st.s.Meta.Name = in.Name
		st.s.Meta.UpdatedAt = now
		st.persist(UpdateMetadataOp{Meta: st.s.Meta})
		st.call(RenameCall{Name: in.Name})
		st.emit(Event{Kind: EventMetadataChanged, Meta: &st.s.Meta})

	case UserChangedConfig:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		if in.Model != "" {
			st.s.Meta.Model = in.Model
		}
		if in.ApprovalPolicy != "" {
			st.s.Meta.ApprovalPolicy = in.ApprovalPolicy
		}
		if in.SandboxMode != "" {
			st.s.Meta.SandboxMode = in.SandboxMode
		}
		st.s.Meta.UpdatedAt = now
		st.persist(UpdateMetadataOp{Meta: st.s.Meta})
		st.call(ReconfigureCall{
			Model:          in.Model,
			ApprovalPolicy: in.ApprovalPolicy,
			SandboxMode:    in.SandboxMode,
		})
		st.emit(Event{Kind: EventMetadataChanged, Meta: &st.s.Meta})

	case UserInterrupted:
		if s.Phase.Kind != PhaseWorking && s.Phase.Kind != PhaseAwaitingApproval {
			return s, nil
		}
		// Phase stays put until the runtime reports TurnAborted.
		st.call(InterruptCall{})

	case UserCompacted:
		if s.Phase.Kind != PhaseIdle {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseWorking})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventPhaseChanged, Phase: &st.s.Phase})
		st.call(CompactCall{})

	case UserUndid:
		if s.Phase.Kind != PhaseIdle {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseWorking})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventPhaseChanged, Phase: &st.s.Phase})
		st.call(UndoCall{})

	case UserRolledBack:
		if s.Phase.Kind != PhaseIdle {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseWorking})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventPhaseChanged, Phase: &st.s.Phase})
		st.call(RollbackCall{Target: in.Target})

	case UserEnded:
		if s.Phase.Kind == PhaseEnded {
			return s, nil
		}
		reason := in.Reason
		if reason == "" {
			reason = "ended by user"
		}
		st.setPhase(Phase{Kind: PhaseEnded, EndReason: reason})
		st.persist(EndSessionOp{Reason: reason})
		st.emit(Event{Kind: EventSessionEnded, Phase: &st.s.Phase, Reason: reason})
		st.call(ShutdownCall{})

	case Resumed:
		if s.Phase.Kind != PhaseEnded {
			return s, nil
		}
		st.setPhase(Phase{Kind: PhaseIdle})
		st.persist(UpdatePhaseOp{Phase: st.s.Phase})
		st.emit(Event{Kind: EventPhaseChanged, Phase: &st.s.Phase})

	default:
		return s, nil
	}

	return st.s, st.fx
}

// step accumulates the outcome of one transition. All mutation goes
// through its helpers so the revision invariant holds by construction.
type step struct {
	s   State
	fx  []Effect
	now time.Time
}

func (st *step) setPhase(p Phase) {
	st.s.Phase = p
}

func (st *step) emit(ev Event) {
	st.s.Revision++
	ev.Revision = st.s.Revision
	ev.SessionID = st.s.ID
	ev.At = st.now
	st.fx = append(st.fx, EmitEffect{Event: ev})
}

func (st *step) persist(op PersistOp) {
	st.fx = append(st.fx, PersistEffect{Op: op})
}

func (st *step) call(c RuntimeCall) {
	st.fx = append(st.fx, RuntimeCallEffect{Call: c})
}

// appendMessage adds a message without touching the backing array of a
// previously published snapshot.
func (st *step) appendMessage(m Message) {
	msgs := make([]Message, len(st.s.Messages), len(st.s.Messages)+1)
	copy(msgs, st.s.Messages)
	st.s.Messages = append(msgs, m)
}

// replaceMessage swaps the message with the same id, copy-on-write.
// Returns false when no such message exists.
func (st *step) replaceMessage(m Message) bool {
	for i := range st.s.Messages {
		if st.s.Messages[i].ID == m.ID {
			msgs := make([]Message, len(st.s.Messages))
			copy(msgs, st.s.Messages)
			msgs[i] = m
			st.s.Messages = msgs
			return true
		}
	}
	return false
}

// userMessage synthesizes the message for a user-sent prompt. The id
// is derived from the next revision so the transition stays
// deterministic; it is unique within the session because revisions
// never repeat.
func (st *step) userMessage(text string) Message {
	return Message{
		ID:        fmt.Sprintf("u-%d", st.s.Revision+1),
		Role:      RoleUser,
		Kind:      KindText,
		Content:   text,
		CreatedAt: st.now,
		UpdatedAt: st.now,
	}
}
