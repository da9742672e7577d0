package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/agent"
)

func TestAgentParams(t *testing.T) {
	p := agentParams(&agent.Agent{ID: "writer", Role: "writer", Crew: "content", ParentID: "lead"})
	assert.Equal(t, "writer", p["id"])
	assert.Equal(t, "lead", p["parentId"])
	// Neo4j rejects null list properties in SET; nil slices are sent empty.
	assert.Equal(t, []string{}, p["capabilities"])
	assert.Equal(t, []string{}, p["delegates"])
}

func TestNewStoreRejectsBadURI(t *testing.T) {
	_, err := NewStore("not-a-scheme://localhost", "", "", nil)
	assert.Error(t, err)
}
