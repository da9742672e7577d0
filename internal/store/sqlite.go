package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// SQLite is a single-file Store. Writes are serialised through one
// connection; WAL mode keeps readers unblocked.
type SQLite struct {
	conn   *sql.DB
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// OpenSQLite opens the database at path, creating parent directories.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLite{conn: conn, path: path, logger: logger.With(zap.String("component", "store"))}, nil
}

// Path returns the database file path.
func (db *SQLite) Path() string { return db.path }

// Close closes the database connection.
func (db *SQLite) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Migrate applies pending embedded migrations, tracking them in
// schema_version. Each migration runs in its own transaction.
func (db *SQLite) Migrate(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		version, err := strconv.Atoi(strings.SplitN(m.name, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("migration %s has no version prefix", m.name)
		}
		if version <= current {
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", version, err)
		}
		db.logger.Info("Migration applied", zap.String("file", m.name))
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// SaveWorkflow upserts the workflow row and every task row in one transaction.
func (db *SQLite) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	inputs, err := encodeJSON(w.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs of workflow %s: %w", w.ID, err)
	}
	results, err := encodeJSON(w.Results)
	if err != nil {
		return fmt.Errorf("encode results of workflow %s: %w", w.ID, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save workflow %s: %w", w.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	parallel := 0
	if w.ParallelExecution {
		parallel = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, project_id, crew_name, workflow_type, priority, parallel_execution,
			failure_policy, timeout_ms, inputs, status, reason, results, version,
			created_at, started_at, completed_at, paused_at, paused_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			results = excluded.results,
			version = excluded.version,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			paused_at = excluded.paused_at,
			paused_ms = excluded.paused_ms,
			updated_at = excluded.updated_at`,
		w.ID, w.ProjectID, w.CrewName, w.Type, w.Priority, parallel,
		string(w.FailurePolicy), w.Timeout.Milliseconds(), nullBytes(inputs), string(w.Status), w.Reason,
		nullBytes(results), w.Version, formatTime(w.CreatedAt), formatNullTime(w.StartedAt),
		formatNullTime(w.CompletedAt), formatNullTime(w.PausedAt), w.PausedFor.Milliseconds(), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (workflow_id, id, seq, type, description, expected_output, required_tags,
			priority, depends_on, status, agent_id, pinned_agent, attempts, requeues, escalations,
			not_before, output, error, started_at, completed_at, retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, id) DO UPDATE SET
			status = excluded.status,
			agent_id = excluded.agent_id,
			pinned_agent = excluded.pinned_agent,
			attempts = excluded.attempts,
			requeues = excluded.requeues,
			escalations = excluded.escalations,
			not_before = excluded.not_before,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			retries = excluded.retries`)
	if err != nil {
		return fmt.Errorf("prepare task upsert: %w", err)
	}
	defer stmt.Close()

	for _, t := range w.Tasks {
		c, err := encodeTask(t)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			w.ID, t.ID, t.Seq, t.Type, t.Description, t.ExpectedOutput, nullBytes(c.tags),
			t.Priority, nullBytes(c.deps), string(t.Status), t.AgentID, t.PinnedAgent, t.Attempts, t.Requeues,
			t.Escalations, formatNullTime(nullTime(t.NotBefore)), nullBytes(c.output), nullBytes(c.errJSON),
			formatNullTime(t.StartedAt), formatNullTime(t.CompletedAt), t.Retries,
		); err != nil {
			return fmt.Errorf("save task %s of workflow %s: %w", t.ID, w.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow %s: %w", w.ID, err)
	}
	return nil
}

const sqliteWorkflowColumns = `id, project_id, crew_name, workflow_type, priority, parallel_execution,
	failure_policy, timeout_ms, inputs, status, reason, results, version,
	created_at, started_at, completed_at, paused_at, paused_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row rowScanner) (*workflow.Workflow, error) {
	var (
		w                  workflow.Workflow
		parallel           int
		policy, status     string
		timeoutMS, pausedMS int64
		inputs, results     sql.NullString
		created             string
		started, completed  sql.NullString
		paused              sql.NullString
	)
	if err := row.Scan(&w.ID, &w.ProjectID, &w.CrewName, &w.Type, &w.Priority, &parallel,
		&policy, &timeoutMS, &inputs, &status, &w.Reason, &results, &w.Version,
		&created, &started, &completed, &paused, &pausedMS); err != nil {
		return nil, err
	}
	w.ParallelExecution = parallel != 0
	w.FailurePolicy = workflow.FailurePolicy(policy)
	w.Status = workflow.Status(status)
	w.Timeout = time.Duration(timeoutMS) * time.Millisecond

	var err error
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at of workflow %s: %w", w.ID, err)
	}
	if w.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at of workflow %s: %w", w.ID, err)
	}
	if w.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at of workflow %s: %w", w.ID, err)
	}
	if w.PausedAt, err = parseNullTime(paused); err != nil {
		return nil, fmt.Errorf("parse paused_at of workflow %s: %w", w.ID, err)
	}
	w.PausedFor = time.Duration(pausedMS) * time.Millisecond
	if err := decodeJSON([]byte(inputs.String), &w.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of workflow %s: %w", w.ID, err)
	}
	w.Results = make(map[string]workflow.Result)
	if err := decodeJSON([]byte(results.String), &w.Results); err != nil {
		return nil, fmt.Errorf("decode results of workflow %s: %w", w.ID, err)
	}
	return &w, nil
}

// GetWorkflow loads one workflow with its tasks.
func (db *SQLite) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	w, err := scanSQLiteWorkflow(db.conn.QueryRowContext(ctx,
		`SELECT `+sqliteWorkflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.Newf(failure.CodeNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if err := db.loadTasks(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWorkflows returns matching workflows oldest first.
func (db *SQLite) ListWorkflows(ctx context.Context, f Filter) ([]*workflow.Workflow, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	q := `SELECT ` + sqliteWorkflowColumns + ` FROM workflows`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var out []*workflow.Workflow
	for rows.Next() {
		w, err := scanSQLiteWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	rows.Close()

	// Tasks are loaded after the cursor closes; the pool has one connection.
	for _, w := range out {
		if err := db.loadTasks(ctx, w); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *SQLite) loadTasks(ctx context.Context, w *workflow.Workflow) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, seq, type, description, expected_output, required_tags, priority,
			depends_on, status, agent_id, pinned_agent, attempts, requeues, escalations,
			not_before, output, error, started_at, completed_at, retries
		FROM tasks WHERE workflow_id = ?
		ORDER BY seq`, w.ID)
	if err != nil {
		return fmt.Errorf("load tasks of workflow %s: %w", w.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                             workflow.Task
			status                        string
			tags, deps, output, errJSON   sql.NullString
			notBefore, started, completed sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Seq, &t.Type, &t.Description, &t.ExpectedOutput, &tags,
			&t.Priority, &deps, &status, &t.AgentID, &t.PinnedAgent, &t.Attempts, &t.Requeues,
			&t.Escalations, &notBefore, &output, &errJSON, &started, &completed, &t.Retries); err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		t.Status = workflow.TaskStatus(status)
		nb, err := parseNullTime(notBefore)
		if err != nil {
			return fmt.Errorf("parse not_before of task %s: %w", t.ID, err)
		}
		t.NotBefore = derefTime(nb)
		if t.StartedAt, err = parseNullTime(started); err != nil {
			return fmt.Errorf("parse started_at of task %s: %w", t.ID, err)
		}
		if t.CompletedAt, err = parseNullTime(completed); err != nil {
			return fmt.Errorf("parse completed_at of task %s: %w", t.ID, err)
		}
		c := taskColumns{
			tags:    []byte(tags.String),
			deps:    []byte(deps.String),
			output:  []byte(output.String),
			errJSON: []byte(errJSON.String),
		}
		if err := c.decodeInto(&t); err != nil {
			return err
		}
		w.Tasks = append(w.Tasks, &t)
	}
	return rows.Err()
}

// SaveAgent upserts an agent. Subordinates are derived from parent_id.
func (db *SQLite) SaveAgent(ctx context.Context, a *agent.Agent) error {
	caps, err := encodeJSON(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities of agent %s: %w", a.ID, err)
	}
	delegates, err := encodeJSON(a.Delegates)
	if err != nil {
		return fmt.Errorf("encode delegates of agent %s: %w", a.ID, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO agents (id, role, crew, capabilities, delegates, parent_id, endpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			role = excluded.role,
			crew = excluded.crew,
			capabilities = excluded.capabilities,
			delegates = excluded.delegates,
			parent_id = excluded.parent_id,
			endpoint = excluded.endpoint,
			updated_at = excluded.updated_at`,
		a.ID, a.Role, a.Crew, string(caps), string(delegates), a.ParentID, a.Endpoint,
		formatTime(a.CreatedAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns all agents in registration order.
func (db *SQLite) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, role, crew, capabilities, delegates, parent_id, endpoint, created_at
		FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		var (
			a               agent.Agent
			caps, delegates sql.NullString
			created         string
		)
		if err := rows.Scan(&a.ID, &a.Role, &a.Crew, &caps, &delegates, &a.ParentID, &a.Endpoint, &created); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at of agent %s: %w", a.ID, err)
		}
		if err := decodeJSON([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of agent %s: %w", a.ID, err)
		}
		if err := decodeJSON([]byte(delegates.String), &a.Delegates); err != nil {
			return nil, fmt.Errorf("decode delegates of agent %s: %w", a.ID, err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}
