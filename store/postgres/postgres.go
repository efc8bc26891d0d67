// Package postgres provides the durable core.Store backend on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/taskmesh/core"
)

// Store is a core.Store backed by a pgx connection pool. Configuration
// snapshots are stored as JSONB documents; runtime records use flat columns
// for the fields the scheduler filters on.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool without running schema init.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL,
			doc JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flows_org ON flows (org_id, id);`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			doc JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_org ON workers (org_id, id);`,
		`CREATE TABLE IF NOT EXISTS doc_repos (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			doc JSONB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs JSONB NOT NULL DEFAULT '{}',
			parent_id TEXT NOT NULL DEFAULT '',
			outputs TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS execution_users (
			execution_id TEXT NOT NULL REFERENCES task_executions(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			PRIMARY KEY (execution_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS work_requests (
			execution_id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			status TEXT NOT NULL,
			work_order JSONB NOT NULL,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_work_requests_worker_status ON work_requests (worker_id, status, created_at);`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_execution ON chat_sessions (execution_id);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			seq BIGSERIAL,
			doc JSONB NOT NULL,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages (session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// PutFlow upserts a flow snapshot.
func (s *Store) PutFlow(ctx context.Context, f core.Flow) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO flows (id, org_id, status, doc) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET org_id=EXCLUDED.org_id, status=EXCLUDED.status, doc=EXCLUDED.doc`,
		f.ID, f.OrgID, string(f.Status), doc,
	)
	if err != nil {
		return fmt.Errorf("upsert flow: %w", err)
	}
	return nil
}

// DeleteFlow removes a flow snapshot.
func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM flows WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

// PutWorker upserts a worker snapshot.
func (s *Store) PutWorker(ctx context.Context, w core.WorkerConfig) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal worker: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workers (id, org_id, doc) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET org_id=EXCLUDED.org_id, doc=EXCLUDED.doc`,
		w.ID, w.OrgID, doc,
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// DeleteWorker removes a worker snapshot.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// PutDocRepo upserts a document repository snapshot.
func (s *Store) PutDocRepo(ctx context.Context, d core.DocRepoConfig) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal docrepo: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO doc_repos (id, org_id, doc) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET org_id=EXCLUDED.org_id, doc=EXCLUDED.doc`,
		d.ID, d.OrgID, doc,
	)
	if err != nil {
		return fmt.Errorf("upsert docrepo: %w", err)
	}
	return nil
}

// DeleteDocRepo removes a document repository snapshot.
func (s *Store) DeleteDocRepo(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM doc_repos WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete docrepo: %w", err)
	}
	return nil
}

// ListFlows implements core.Store.
func (s *Store) ListFlows(ctx context.Context, opts core.ListOptions) ([]core.Flow, error) {
	query := `SELECT doc FROM flows WHERE 1=1`
	args := []any{}
	if opts.OrgID != "" {
		args = append(args, opts.OrgID)
		query += fmt.Sprintf(` AND org_id=$%d`, len(args))
	}
	if len(opts.Statuses) > 0 {
		args = append(args, opts.Statuses)
		query += fmt.Sprintf(` AND status=ANY($%d)`, len(args))
	}
	query += ` ORDER BY id`
	query += pageClause(&args, opts)

	return queryDocs[core.Flow](ctx, s.pool, query, args, "flows")
}

// GetFlow implements core.Store.
func (s *Store) GetFlow(ctx context.Context, id string) (core.Flow, error) {
	return queryDoc[core.Flow](ctx, s.pool, `SELECT doc FROM flows WHERE id=$1`, id, "flow")
}

// ListWorkers implements core.Store.
func (s *Store) ListWorkers(ctx context.Context, opts core.ListOptions) ([]core.WorkerConfig, error) {
	query := `SELECT doc FROM workers WHERE 1=1`
	args := []any{}
	if opts.OrgID != "" {
		args = append(args, opts.OrgID)
		query += fmt.Sprintf(` AND org_id=$%d`, len(args))
	}
	query += ` ORDER BY id`
	query += pageClause(&args, opts)

	return queryDocs[core.WorkerConfig](ctx, s.pool, query, args, "workers")
}

// GetWorker implements core.Store.
func (s *Store) GetWorker(ctx context.Context, id string) (core.WorkerConfig, error) {
	return queryDoc[core.WorkerConfig](ctx, s.pool, `SELECT doc FROM workers WHERE id=$1`, id, "worker")
}

// ListDocRepos implements core.Store.
func (s *Store) ListDocRepos(ctx context.Context, opts core.ListOptions) ([]core.DocRepoConfig, error) {
	query := `SELECT doc FROM doc_repos WHERE 1=1`
	args := []any{}
	if opts.OrgID != "" {
		args = append(args, opts.OrgID)
		query += fmt.Sprintf(` AND org_id=$%d`, len(args))
	}
	query += ` ORDER BY id`
	query += pageClause(&args, opts)

	return queryDocs[core.DocRepoConfig](ctx, s.pool, query, args, "doc repos")
}

// GetDocRepo implements core.Store.
func (s *Store) GetDocRepo(ctx context.Context, id string) (core.DocRepoConfig, error) {
	return queryDoc[core.DocRepoConfig](ctx, s.pool, `SELECT doc FROM doc_repos WHERE id=$1`, id, "docrepo")
}

// CreateTaskExecution implements core.Store.
func (s *Store) CreateTaskExecution(ctx context.Context, exec core.TaskExecution) error {
	inputs, err := json.Marshal(orEmptyMap(exec.Inputs))
	if err != nil {
		return fmt.Errorf("marshal execution inputs: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_executions (id, task_id, org_id, status, inputs, parent_id, outputs, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		exec.ID, exec.TaskID, exec.OrgID, string(exec.Status), inputs, exec.ParentID, exec.Outputs,
		exec.Created, exec.Updated,
	)
	if err != nil {
		return fmt.Errorf("insert task execution: %w", err)
	}
	for _, user := range exec.Users {
		if err := s.EnsureExecutionUser(ctx, exec.ID, user); err != nil {
			return err
		}
	}
	return nil
}

// GetTaskExecution implements core.Store.
func (s *Store) GetTaskExecution(ctx context.Context, id string) (core.TaskExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, org_id, status, inputs, parent_id, outputs, created_at, updated_at
		   FROM task_executions WHERE id=$1`, id)

	var (
		exec   core.TaskExecution
		status string
		inputs []byte
	)
	err := row.Scan(&exec.ID, &exec.TaskID, &exec.OrgID, &status, &inputs, &exec.ParentID,
		&exec.Outputs, &exec.Created, &exec.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.TaskExecution{}, fmt.Errorf("task execution %s: %w", id, core.ErrNotFound)
		}
		return core.TaskExecution{}, fmt.Errorf("get task execution: %w", err)
	}
	exec.Status = core.ExecutionStatus(status)
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &exec.Inputs); err != nil {
			return core.TaskExecution{}, fmt.Errorf("unmarshal execution inputs: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM execution_users WHERE execution_id=$1 ORDER BY user_id`, id)
	if err != nil {
		return core.TaskExecution{}, fmt.Errorf("list execution users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return core.TaskExecution{}, fmt.Errorf("scan execution user: %w", err)
		}
		exec.Users = append(exec.Users, user)
	}
	if err := rows.Err(); err != nil {
		return core.TaskExecution{}, fmt.Errorf("iterate execution users: %w", err)
	}
	return exec, nil
}

// UpdateTaskExecution implements core.Store.
func (s *Store) UpdateTaskExecution(ctx context.Context, exec core.TaskExecution) error {
	inputs, err := json.Marshal(orEmptyMap(exec.Inputs))
	if err != nil {
		return fmt.Errorf("marshal execution inputs: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_executions SET status=$2, inputs=$3, outputs=$4, updated_at=$5 WHERE id=$1`,
		exec.ID, string(exec.Status), inputs, exec.Outputs, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update task execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task execution %s: %w", exec.ID, core.ErrNotFound)
	}
	return nil
}

// DeleteTaskExecution implements core.Store.
func (s *Store) DeleteTaskExecution(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_executions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete task execution: %w", err)
	}
	return nil
}

// EnsureExecutionUser implements core.Store.
func (s *Store) EnsureExecutionUser(ctx context.Context, executionID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_users (execution_id, user_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		executionID, userID,
	)
	if err != nil {
		return fmt.Errorf("ensure execution user: %w", err)
	}
	return nil
}

// CreateWorkRequest implements core.Store.
func (s *Store) CreateWorkRequest(ctx context.Context, req core.WorkRequest) error {
	order, err := json.Marshal(req.Order)
	if err != nil {
		return fmt.Errorf("marshal work order: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO work_requests (execution_id, worker_id, status, work_order, cost, tokens, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		req.ExecutionID, req.WorkerID, string(req.Status), order, req.Cost, req.Tokens, req.Created, req.Updated,
	)
	if err != nil {
		return fmt.Errorf("insert work request: %w", err)
	}
	return nil
}

// GetWorkRequest implements core.Store.
func (s *Store) GetWorkRequest(ctx context.Context, executionID string) (core.WorkRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT execution_id, worker_id, status, work_order, cost, tokens, created_at, updated_at
		   FROM work_requests WHERE execution_id=$1`, executionID)
	req, err := scanWorkRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.WorkRequest{}, fmt.Errorf("work request %s: %w", executionID, core.ErrNotFound)
		}
		return core.WorkRequest{}, fmt.Errorf("get work request: %w", err)
	}
	return req, nil
}

// UpdateWorkRequest implements core.Store.
func (s *Store) UpdateWorkRequest(ctx context.Context, req core.WorkRequest) error {
	order, err := json.Marshal(req.Order)
	if err != nil {
		return fmt.Errorf("marshal work order: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_requests SET worker_id=$2, status=$3, work_order=$4, cost=$5, tokens=$6, updated_at=$7
		  WHERE execution_id=$1`,
		req.ExecutionID, req.WorkerID, string(req.Status), order, req.Cost, req.Tokens, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update work request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work request %s: %w", req.ExecutionID, core.ErrNotFound)
	}
	return nil
}

// ListWorkRequests implements core.Store. Results are FIFO by creation time.
func (s *Store) ListWorkRequests(ctx context.Context, workerID string, statuses ...core.WorkStatus) ([]core.WorkRequest, error) {
	query := `SELECT execution_id, worker_id, status, work_order, cost, tokens, created_at, updated_at
	            FROM work_requests WHERE worker_id=$1`
	args := []any{workerID}
	if len(statuses) > 0 {
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		args = append(args, vals)
		query += fmt.Sprintf(` AND status=ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at, execution_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work requests: %w", err)
	}
	defer rows.Close()

	var out []core.WorkRequest
	for rows.Next() {
		req, err := scanWorkRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work requests: %w", err)
	}
	return out, nil
}

// CountWorkRequests implements core.Store.
func (s *Store) CountWorkRequests(ctx context.Context, workerID string, status core.WorkStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM work_requests WHERE worker_id=$1 AND status=$2`,
		workerID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count work requests: %w", err)
	}
	return n, nil
}

// CreateChatSession implements core.Store.
func (s *Store) CreateChatSession(ctx context.Context, sess core.ChatSession) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_sessions (id, execution_id, channel_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		sess.ID, sess.ExecutionID, sess.ChannelID, sess.Created, sess.Updated,
	)
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	for _, msg := range sess.Messages {
		if err := appendMessage(ctx, tx, sess.ID, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetChatSession implements core.Store.
func (s *Store) GetChatSession(ctx context.Context, id string) (core.ChatSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, execution_id, channel_id, created_at, updated_at FROM chat_sessions WHERE id=$1`, id)
	return s.scanSession(ctx, row, id)
}

// ChatSessionByExecution implements core.Store.
func (s *Store) ChatSessionByExecution(ctx context.Context, executionID string) (core.ChatSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, execution_id, channel_id, created_at, updated_at FROM chat_sessions WHERE execution_id=$1`,
		executionID)
	return s.scanSession(ctx, row, executionID)
}

// AppendChatMessage implements core.Store. Duplicate message ids are ignored
// so re-delivery stays idempotent.
func (s *Store) AppendChatMessage(ctx context.Context, sessionID string, msg core.ChatMessage) error {
	if err := appendMessage(ctx, s.pool, sessionID, msg); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE chat_sessions SET updated_at=$2 WHERE id=$1`,
		sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch chat session: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// execer is the overlap of pgxpool.Pool and pgx.Tx used by appendMessage.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendMessage(ctx context.Context, db execer, sessionID string, msg core.ChatMessage) error {
	doc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, doc) VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
		msg.ID, sessionID, doc,
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *Store) scanSession(ctx context.Context, row pgx.Row, key string) (core.ChatSession, error) {
	var sess core.ChatSession
	err := row.Scan(&sess.ID, &sess.ExecutionID, &sess.ChannelID, &sess.Created, &sess.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.ChatSession{}, fmt.Errorf("chat session %s: %w", key, core.ErrNotFound)
		}
		return core.ChatSession{}, fmt.Errorf("get chat session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM chat_messages WHERE session_id=$1 ORDER BY seq`, sess.ID)
	if err != nil {
		return core.ChatSession{}, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return core.ChatSession{}, fmt.Errorf("scan chat message: %w", err)
		}
		var msg core.ChatMessage
		if err := json.Unmarshal(doc, &msg); err != nil {
			return core.ChatSession{}, fmt.Errorf("unmarshal chat message: %w", err)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return core.ChatSession{}, fmt.Errorf("iterate chat messages: %w", err)
	}
	return sess, nil
}

func scanWorkRequest(row pgx.Row) (core.WorkRequest, error) {
	var (
		req    core.WorkRequest
		status string
		order  []byte
	)
	err := row.Scan(&req.ExecutionID, &req.WorkerID, &status, &order, &req.Cost, &req.Tokens,
		&req.Created, &req.Updated)
	if err != nil {
		return core.WorkRequest{}, err
	}
	req.Status = core.WorkStatus(status)
	if err := json.Unmarshal(order, &req.Order); err != nil {
		return core.WorkRequest{}, fmt.Errorf("unmarshal work order: %w", err)
	}
	return req, nil
}

func queryDoc[T any](ctx context.Context, pool *pgxpool.Pool, query, id, kind string) (T, error) {
	var zero T
	var doc []byte
	if err := pool.QueryRow(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
		}
		return zero, fmt.Errorf("get %s: %w", kind, err)
	}
	var out T
	if err := json.Unmarshal(doc, &out); err != nil {
		return zero, fmt.Errorf("unmarshal %s: %w", kind, err)
	}
	return out, nil
}

func queryDocs[T any](ctx context.Context, pool *pgxpool.Pool, query string, args []any, kind string) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		var item T
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", kind, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

func pageClause(args *[]any, opts core.ListOptions) string {
	clause := ""
	if opts.Limit > 0 {
		*args = append(*args, opts.Limit)
		clause += fmt.Sprintf(` LIMIT $%d`, len(*args))
	}
	if opts.Offset > 0 {
		*args = append(*args, opts.Offset)
		clause += fmt.Sprintf(` OFFSET $%d`, len(*args))
	}
	return clause
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
