// Package store persists workflows, their tasks and registered agents.
// Postgres is the production backend; SQLite serves single-node setups and
// tests; Memory keeps everything in process.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/workflow"
)

// Filter narrows ListWorkflows. Zero values match everything.
type Filter struct {
	ProjectID string
	Statuses  []workflow.Status
	Limit     int
}

func (f Filter) matches(w *workflow.Workflow) bool {
	if f.ProjectID != "" && w.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if w.Status == s {
			return true
		}
	}
	return false
}

// ActiveStatuses are the states a workflow can be recovered from.
var ActiveStatuses = []workflow.Status{workflow.StatusPending, workflow.StatusRunning, workflow.StatusPaused}

// Store is the workflow persistence contract. SaveWorkflow writes the
// workflow and all of its tasks atomically; GetWorkflow returns a
// failure.ErrNotFound error for unknown ids.
type Store interface {
	SaveWorkflow(ctx context.Context, w *workflow.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, f Filter) ([]*workflow.Workflow, error)
	SaveAgent(ctx context.Context, a *agent.Agent) error
	ListAgents(ctx context.Context) ([]*agent.Agent, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string `json:"driver"` // postgres | sqlite | memory
	DSN    string `json:"dsn"`
}

// Open connects to the configured backend and applies its migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case "sqlite":
		db, err := OpenSQLite(cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
