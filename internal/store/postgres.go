package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Postgres wraps a PostgreSQL connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres store with a pgx connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger.With(zap.String("component", "store"))}, nil
}

// Migrate executes the embedded postgres migrations in name order. Every
// statement is idempotent so reruns are safe.
func (s *Postgres) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
		s.logger.Info("Migration applied", zap.String("file", m.name))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

// SaveWorkflow upserts the workflow row and every task row in one transaction.
func (s *Postgres) SaveWorkflow(ctx context.Context, w *workflow.Workflow) error {
	inputs, err := encodeJSON(w.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs of workflow %s: %w", w.ID, err)
	}
	results, err := encodeJSON(w.Results)
	if err != nil {
		return fmt.Errorf("encode results of workflow %s: %w", w.ID, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save workflow %s: %w", w.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (id, project_id, crew_name, workflow_type, priority, parallel_execution,
			failure_policy, timeout_ms, inputs, status, reason, results, version,
			created_at, started_at, completed_at, paused_at, paused_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			results = EXCLUDED.results,
			version = EXCLUDED.version,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			paused_at = EXCLUDED.paused_at,
			paused_ms = EXCLUDED.paused_ms,
			updated_at = EXCLUDED.updated_at`,
		w.ID, w.ProjectID, w.CrewName, w.Type, w.Priority, w.ParallelExecution,
		string(w.FailurePolicy), w.Timeout.Milliseconds(), inputs, string(w.Status), w.Reason,
		results, w.Version, w.CreatedAt, w.StartedAt, w.CompletedAt, w.PausedAt, w.PausedFor.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}

	batch := &pgx.Batch{}
	for _, t := range w.Tasks {
		c, err := encodeTask(t)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO tasks (workflow_id, id, seq, type, description, expected_output, required_tags,
				priority, depends_on, status, agent_id, pinned_agent, attempts, requeues, escalations,
				not_before, output, error, started_at, completed_at, retries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (workflow_id, id) DO UPDATE SET
				status = EXCLUDED.status,
				agent_id = EXCLUDED.agent_id,
				pinned_agent = EXCLUDED.pinned_agent,
				attempts = EXCLUDED.attempts,
				requeues = EXCLUDED.requeues,
				escalations = EXCLUDED.escalations,
				not_before = EXCLUDED.not_before,
				output = EXCLUDED.output,
				error = EXCLUDED.error,
				started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at,
				retries = EXCLUDED.retries`,
			w.ID, t.ID, t.Seq, t.Type, t.Description, t.ExpectedOutput, c.tags,
			t.Priority, c.deps, string(t.Status), t.AgentID, t.PinnedAgent, t.Attempts, t.Requeues,
			t.Escalations, nullTime(t.NotBefore), c.output, c.errJSON, t.StartedAt, t.CompletedAt, t.Retries,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save tasks of workflow %s: %w", w.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit workflow %s: %w", w.ID, err)
	}
	return nil
}

const pgWorkflowColumns = `id, project_id, crew_name, workflow_type, priority, parallel_execution,
	failure_policy, timeout_ms, inputs, status, reason, results, version,
	created_at, started_at, completed_at, paused_at, paused_ms`

func scanPGWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	var (
		w               workflow.Workflow
		policy, status  string
		timeoutMS       int64
		pausedMS        int64
		inputs, results []byte
	)
	if err := row.Scan(&w.ID, &w.ProjectID, &w.CrewName, &w.Type, &w.Priority, &w.ParallelExecution,
		&policy, &timeoutMS, &inputs, &status, &w.Reason, &results, &w.Version,
		&w.CreatedAt, &w.StartedAt, &w.CompletedAt, &w.PausedAt, &pausedMS); err != nil {
		return nil, err
	}
	w.FailurePolicy = workflow.FailurePolicy(policy)
	w.Status = workflow.Status(status)
	w.Timeout = time.Duration(timeoutMS) * time.Millisecond
	w.PausedFor = time.Duration(pausedMS) * time.Millisecond
	if err := decodeJSON(inputs, &w.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of workflow %s: %w", w.ID, err)
	}
	w.Results = make(map[string]workflow.Result)
	if err := decodeJSON(results, &w.Results); err != nil {
		return nil, fmt.Errorf("decode results of workflow %s: %w", w.ID, err)
	}
	return &w, nil
}

// GetWorkflow loads one workflow with its tasks.
func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	w, err := scanPGWorkflow(s.db.QueryRow(ctx, `SELECT `+pgWorkflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, failure.Newf(failure.CodeNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if err := s.loadTasks(ctx, []*workflow.Workflow{w}); err != nil {
		return nil, err
	}
	return w, nil
}

// ListWorkflows returns matching workflows oldest first.
func (s *Postgres) ListWorkflows(ctx context.Context, f Filter) ([]*workflow.Workflow, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + pgWorkflowColumns + ` FROM workflows`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		w, err := scanPGWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	if err := s.loadTasks(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) loadTasks(ctx context.Context, wfs []*workflow.Workflow) error {
	if len(wfs) == 0 {
		return nil
	}
	byID := make(map[string]*workflow.Workflow, len(wfs))
	ids := make([]string, len(wfs))
	for i, w := range wfs {
		byID[w.ID] = w
		ids[i] = w.ID
	}

	rows, err := s.db.Query(ctx, `
		SELECT workflow_id, id, seq, type, description, expected_output, required_tags, priority,
			depends_on, status, agent_id, pinned_agent, attempts, requeues, escalations,
			not_before, output, error, started_at, completed_at, retries
		FROM tasks WHERE workflow_id = ANY($1)
		ORDER BY workflow_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t         workflow.Task
			wfID      string
			status    string
			notBefore *time.Time
			c         taskColumns
		)
		if err := rows.Scan(&wfID, &t.ID, &t.Seq, &t.Type, &t.Description, &t.ExpectedOutput, &c.tags,
			&t.Priority, &c.deps, &status, &t.AgentID, &t.PinnedAgent, &t.Attempts, &t.Requeues,
			&t.Escalations, &notBefore, &c.output, &c.errJSON, &t.StartedAt, &t.CompletedAt, &t.Retries); err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		t.Status = workflow.TaskStatus(status)
		t.NotBefore = derefTime(notBefore)
		if err := c.decodeInto(&t); err != nil {
			return err
		}
		if w, ok := byID[wfID]; ok {
			w.Tasks = append(w.Tasks, &t)
		}
	}
	return rows.Err()
}

// SaveAgent upserts an agent. Subordinates are derived from parent_id.
func (s *Postgres) SaveAgent(ctx context.Context, a *agent.Agent) error {
	caps, err := encodeJSON(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities of agent %s: %w", a.ID, err)
	}
	delegates, err := encodeJSON(a.Delegates)
	if err != nil {
		return fmt.Errorf("encode delegates of agent %s: %w", a.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (id, role, crew, capabilities, delegates, parent_id, endpoint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			crew = EXCLUDED.crew,
			capabilities = EXCLUDED.capabilities,
			delegates = EXCLUDED.delegates,
			parent_id = EXCLUDED.parent_id,
			endpoint = EXCLUDED.endpoint,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Role, a.Crew, caps, delegates, a.ParentID, a.Endpoint, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns all agents in registration order.
func (s *Postgres) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.Query(ctx, `
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
			caps, delegates []byte
		)
		if err := rows.Scan(&a.ID, &a.Role, &a.Crew, &caps, &delegates, &a.ParentID, &a.Endpoint, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := decodeJSON(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of agent %s: %w", a.ID, err)
		}
		if err := decodeJSON(delegates, &a.Delegates); err != nil {
			return nil, fmt.Errorf("decode delegates of agent %s: %w", a.ID, err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}
