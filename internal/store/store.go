// Package store persists session history to SQLite. Writes arrive as
// PersistOps on a bounded queue and are applied in batched
// transactions by a single background writer, so an actor never waits
// on the database inside its critical path. Reads (restart recovery)
// happen synchronously at startup before actors accept subscriptions.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"sessionhub/internal/session"
)

const (
	defaultQueueSize = 1024
	defaultBatchSize = 64
)

// ErrQueueFull is returned when the write queue is saturated. The
// caller treats it like any other effect failure: log and feed back an
// error input, never block.
var ErrQueueFull = errors.New("store: write queue full")

var errClosed = errors.New("store: closed")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                    TEXT PRIMARY KEY,
	revision              INTEGER NOT NULL DEFAULT 0,
	phase_kind            TEXT NOT NULL DEFAULT 'idle',
	request_id            TEXT NOT NULL DEFAULT '',
	approval_type         TEXT NOT NULL DEFAULT '',
	amendment             TEXT NOT NULL DEFAULT '',
	end_reason            TEXT NOT NULL DEFAULT '',
	provider              TEXT NOT NULL DEFAULT '',
	project_path          TEXT NOT NULL DEFAULT '',
	model                 TEXT NOT NULL DEFAULT '',
	name                  TEXT NOT NULL DEFAULT '',
	approval_policy       TEXT NOT NULL DEFAULT '',
	sandbox_mode          TEXT NOT NULL DEFAULT '',
	parent_id             TEXT NOT NULL DEFAULT '',
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT NOT NULL DEFAULT '',
	updated_at            TEXT NOT NULL DEFAULT '',
	ended                 INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	tool_name  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS approvals (
	session_id    TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	approval_type TEXT NOT NULL DEFAULT '',
	amendment     TEXT NOT NULL DEFAULT '',
	decision      TEXT NOT NULL DEFAULT '',
	requested_at  TEXT NOT NULL DEFAULT '',
	resolved_at   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, request_id)
);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Required.
	Path string

	// PoolSize is the connection pool size. Defaults to
	// max(NumCPU, 4).
	PoolSize int

	// QueueSize bounds the async write queue.
	QueueSize int

	// BatchSize caps how many queued ops one transaction applies.
	BatchSize int

	// Logger receives operational messages. Nil means slog.Default().
	Logger *slog.Logger
}

// Store is the durable session store.
type Store struct {
	pool      *sqlitex.Pool
	logger    *slog.Logger
	batchSize int

	mu     sync.Mutex
	queue  chan job
	closed bool

	writerDone chan struct{}
}

type job struct {
	sessionID string
	revision  uint64
	op        session.PersistOp
}

// Open opens (creating if needed) the database, applies the schema,
// and starts the background writer.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConn(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{
		pool:       pool,
		logger:     logger,
		batchSize:  batchSize,
		queue:      make(chan job, queueSize),
		writerDone: make(chan struct{}),
	}

	if err := s.applySchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	go s.writer()

	logger.Info("session store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

// prepareConn applies the standard pragmas: WAL for concurrent
// readers with a single writer, NORMAL synchronous for process-crash
// durability without per-commit fsync cost.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) applySchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: applying schema: %w", err)
	}
	return nil
}

// Enqueue queues one persist op for the background writer. It never
// blocks: a full queue returns ErrQueueFull immediately.
func (s *Store) Enqueue(sessionID string, revision uint64, op session.PersistOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	select {
	case s.queue <- job{sessionID: sessionID, revision: revision, op: op}:
		return nil
	default:
		return ErrQueueFull
	}
}

// writer drains the queue, applying ops in batched transactions.
func (s *Store) writer() {
	defer close(s.writerDone)

	for first := range s.queue {
		batch := []job{first}
		for len(batch) < s.batchSize {
			select {
			case j, ok := <-s.queue:
				if !ok {
					s.applyBatch(batch)
					return
				}
				batch = append(batch, j)
			default:
				goto apply
			}
		}
	apply:
		s.applyBatch(batch)
	}
}

func (s *Store) applyBatch(batch []job) {
	if err := s.applyBatchErr(batch); err != nil {
		s.logger.Error("persist batch failed", "ops", len(batch), "error", err)
	}
}

func (s *Store) applyBatchErr(batch []job) (err error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer endFn(&err)

	for _, j := range batch {
		if err = s.applyOp(conn, j); err != nil {
			return err
		}
	}
	return nil
}

// CreateSession synchronously inserts a new session row. Called once
// at spawn time, before any ops for the session can be queued.
func (s *Store) CreateSession(ctx context.Context, st session.State) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (
			id, revision, phase_kind, provider, project_path, model, name,
			approval_policy, sandbox_mode, parent_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			st.ID, int64(st.Revision), string(st.Phase.Kind),
			st.Meta.Provider, st.Meta.ProjectPath, st.Meta.Model, st.Meta.Name,
			string(st.Meta.ApprovalPolicy), st.Meta.SandboxMode, st.Meta.ParentID,
			formatTime(st.Meta.CreatedAt), formatTime(st.Meta.UpdatedAt),
		}})
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", st.ID, err)
	}
	return nil
}

// Close stops accepting writes, drains the queue, and closes the
// pool. The context bounds the drain.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.writerDone:
	case <-ctx.Done():
		s.logger.Warn("store close: drain interrupted", "error", ctx.Err())
	}

	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	s.logger.Info("session store closed")
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
