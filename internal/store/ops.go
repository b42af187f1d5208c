package store

import (
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"sessionhub/internal/session"
)

// applyOp applies one queued persist op inside the writer's current
// transaction, then advances the session's recorded revision. Caller
// holds the connection.
func (s *Store) applyOp(conn *sqlite.Conn, j job) error {
	var err error

	switch op := j.op.(type) {
	case session.AppendMessageOp:
		m := op.Message
		err = sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO messages
				(session_id, id, role, kind, content, tool_name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				j.sessionID, m.ID, string(m.Role), string(m.Kind), m.Content,
				m.ToolName, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
			}})

	case session.UpdateMessageOp:
		m := op.Message
		err = sqlitex.Execute(conn, `
			UPDATE messages SET role = ?, kind = ?, content = ?, tool_name = ?, updated_at = ?
			WHERE session_id = ? AND id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(m.Role), string(m.Kind), m.Content, m.ToolName,
				formatTime(m.UpdatedAt), j.sessionID, m.ID,
			}})

	case session.UpdatePhaseOp:
		p := op.Phase
		err = sqlitex.Execute(conn, `
			UPDATE sessions SET phase_kind = ?, request_id = ?, approval_type = ?,
				amendment = ?, end_reason = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(p.Kind), p.RequestID, string(p.ApprovalType),
				p.ProposedAmendment, p.EndReason, j.sessionID,
			}})

	case session.UpdateMetadataOp:
		m := op.Meta
		err = sqlitex.Execute(conn, `
			UPDATE sessions SET provider = ?, project_path = ?, model = ?, name = ?,
				approval_policy = ?, sandbox_mode = ?, parent_id = ?, updated_at = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				m.Provider, m.ProjectPath, m.Model, m.Name,
				string(m.ApprovalPolicy), m.SandboxMode, m.ParentID,
				formatTime(m.UpdatedAt), j.sessionID,
			}})

	case session.UpdateTokensOp:
		u := op.Usage
		err = sqlitex.Execute(conn, `
			UPDATE sessions SET input_tokens = ?, output_tokens = ?,
				cache_read_tokens = ?, cache_creation_tokens = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				u.Input, u.Output, u.CacheRead, u.CacheCreation, j.sessionID,
			}})

	case session.RecordApprovalOp:
		err = sqlitex.Execute(conn, `
			INSERT OR REPLACE INTO approvals
				(session_id, request_id, approval_type, amendment, decision, requested_at)
			VALUES (?, ?, ?, ?, '', ?)`,
			&sqlitex.ExecOptions{Args: []any{
				j.sessionID, op.RequestID, string(op.Type), op.ProposedAmendment,
				formatTime(time.Now()),
			}})

	case session.ResolveApprovalOp:
		err = sqlitex.Execute(conn, `
			UPDATE approvals SET decision = ?, resolved_at = ?
			WHERE session_id = ? AND request_id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(op.Decision), formatTime(time.Now()), j.sessionID, op.RequestID,
			}})

	case session.EndSessionOp:
		err = sqlitex.Execute(conn, `
			UPDATE sessions SET ended = 1, phase_kind = ?, end_reason = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(session.PhaseEnded), op.Reason, j.sessionID,
			}})

	default:
		return fmt.Errorf("store: unknown persist op %T", j.op)
	}

	if err != nil {
		return fmt.Errorf("store: apply %T for %s: %w", j.op, j.sessionID, err)
	}

	// Revisions only move forward; MAX guards against out-of-order
	// batches after a requeue.
	err = sqlitex.Execute(conn, `
		UPDATE sessions SET revision = MAX(revision, ?) WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(j.revision), j.sessionID}})
	if err != nil {
		return fmt.Errorf("store: revision update for %s: %w", j.sessionID, err)
	}
	return nil
}
