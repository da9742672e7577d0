// Package hierarchy mirrors the agent supervision tree into Neo4j so the
// chain of command can be queried and visualized outside the engine.
package hierarchy

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
)

// Store writes (:Agent) nodes and (:Agent)-[:SUPERVISES]->(:Agent) edges.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a Neo4j hierarchy store. An empty user disables auth.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger.With(zap.String("component", "hierarchy"))}, nil
}

// Close shuts down the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraint on agent ids.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT agent_id IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create agent constraint: %w", err)
	}
	return nil
}

func agentParams(a *agent.Agent) map[string]any {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	delegates := a.Delegates
	if delegates == nil {
		delegates = []string{}
	}
	return map[string]any{
		"id":           a.ID,
		"role":         a.Role,
		"crew":         a.Crew,
		"capabilities": caps,
		"delegates":    delegates,
		"parentId":     a.ParentID,
	}
}

// UpsertAgent writes the agent node and replaces its supervisor edge.
// A supervisor that is not mirrored yet is created as a bare node and
// filled in when it is upserted itself.
func (s *Store) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	params := agentParams(a)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (a:Agent {id: $id})
			 SET a.role = $role, a.crew = $crew,
			     a.capabilities = $capabilities, a.delegates = $delegates,
			     a.updated_at = datetime()
			 WITH a
			 OPTIONAL MATCH (:Agent)-[old:SUPERVISES]->(a)
			 DELETE old`, params); err != nil {
			return nil, err
		}
		if a.ParentID == "" {
			return nil, nil
		}
		_, err := tx.Run(ctx,
			`MATCH (a:Agent {id: $id})
			 MERGE (p:Agent {id: $parentId})
			 MERGE (p)-[:SUPERVISES]->(a)`, params)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	s.logger.Debug("agent mirrored", zap.String("agent", a.ID), zap.String("parent", a.ParentID))
	return nil
}

// Sync mirrors every agent, parents first as returned by the registry.
func (s *Store) Sync(ctx context.Context, agents []*agent.Agent) error {
	for _, a := range agents {
		if err := s.UpsertAgent(ctx, a); err != nil {
			return err
		}
	}
	s.logger.Info("hierarchy synced", zap.Int("agents", len(agents)))
	return nil
}

// ChainOfCommand returns the agent followed by its supervisors up to the
// root.
func (s *Store) ChainOfCommand(ctx context.Context, agentID string) ([]string, error) {
	return s.ids(ctx,
		`MATCH p = (a:Agent {id: $id})<-[:SUPERVISES*0..]-(s:Agent)
		 RETURN s.id AS id ORDER BY length(p)`,
		map[string]any{"id": agentID})
}

// Reports returns every direct and indirect subordinate of agentID, nearest
// first.
func (s *Store) Reports(ctx context.Context, agentID string) ([]string, error) {
	return s.ids(ctx,
		`MATCH p = (a:Agent {id: $id})-[:SUPERVISES*1..]->(r:Agent)
		 RETURN r.id AS id ORDER BY length(p), r.id`,
		map[string]any{"id": agentID})
}

func (s *Store) ids(ctx context.Context, cypher string, params map[string]any) ([]string, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var out []string
	for result.Next(ctx) {
		v, _ := result.Record().Get("id")
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ agent.Mirror = (*Store)(nil)
