package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"sessionhub/internal/session"
)

// Restore loads every session that was not cleanly ended, with its
// revision, messages, token counters, and metadata, so the hub can
// re-spawn an actor per session before accepting subscriptions.
//
// A stored phase of working or awaiting_approval is normalized to
// idle: the in-flight turn did not survive the process, and idle is
// the phase from which the session can accept new commands.
func (s *Store) Restore(ctx context.Context) ([]session.State, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var states []session.State
	err = sqlitex.Execute(conn, `
		SELECT id, revision, phase_kind, end_reason,
			provider, project_path, model, name, approval_policy,
			sandbox_mode, parent_id,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			created_at, updated_at
		FROM sessions WHERE ended = 0 ORDER BY created_at`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			st := session.State{
				ID:       stmt.GetText("id"),
				Revision: uint64(stmt.GetInt64("revision")),
				Phase:    session.Phase{Kind: session.PhaseIdle},
				Tokens: session.TokenUsage{
					Input:         stmt.GetInt64("input_tokens"),
					Output:        stmt.GetInt64("output_tokens"),
					CacheRead:     stmt.GetInt64("cache_read_tokens"),
					CacheCreation: stmt.GetInt64("cache_creation_tokens"),
				},
				Meta: session.Metadata{
					Provider:       stmt.GetText("provider"),
					ProjectPath:    stmt.GetText("project_path"),
					Model:          stmt.GetText("model"),
					Name:           stmt.GetText("name"),
					ApprovalPolicy: session.ApprovalPolicy(stmt.GetText("approval_policy")),
					SandboxMode:    stmt.GetText("sandbox_mode"),
					ParentID:       stmt.GetText("parent_id"),
					CreatedAt:      parseTime(stmt.GetText("created_at")),
					UpdatedAt:      parseTime(stmt.GetText("updated_at")),
				},
			}
			states = append(states, st)
			return nil
		}})
	if err != nil {
		return nil, fmt.Errorf("store: restore sessions: %w", err)
	}

	for i := range states {
		msgs, err := s.loadMessages(conn, states[i].ID)
		if err != nil {
			return nil, err
		}
		states[i].Messages = msgs
	}

	s.logger.Info("restored sessions", "count", len(states))
	return states, nil
}

func (s *Store) loadMessages(conn *sqlite.Conn, sessionID string) ([]session.Message, error) {
	var msgs []session.Message
	err := sqlitex.Execute(conn, `
		SELECT id, role, kind, content, tool_name, created_at, updated_at
		FROM messages WHERE session_id = ? ORDER BY rowid`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msgs = append(msgs, session.Message{
					ID:        stmt.GetText("id"),
					Role:      session.MessageRole(stmt.GetText("role")),
					Kind:      session.MessageKind(stmt.GetText("kind")),
					Content:   stmt.GetText("content"),
					ToolName:  stmt.GetText("tool_name"),
					CreatedAt: parseTime(stmt.GetText("created_at")),
					UpdatedAt: parseTime(stmt.GetText("updated_at")),
				})
				return nil
			}})
	if err != nil {
		return nil, fmt.Errorf("store: load messages for %s: %w", sessionID, err)
	}
	return msgs, nil
}
