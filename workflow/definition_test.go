package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/types"
)

func TestValidateGraph(t *testing.T) {
	valid := approvalGraph()
	assert.NoError(t, ValidateGraph(valid))

	tests := []struct {
		name  string
		graph types.Graph
	}{
		{"empty graph", types.Graph{}},
		{"blank node ID", types.Graph{Nodes: []types.Node{{ID: "", Type: "startNode"}}}},
		{"duplicate node IDs", types.Graph{Nodes: []types.Node{
			{ID: "a", Type: "startNode"}, {ID: "a", Type: "endNode"},
		}}},
		{"no start node", types.Graph{Nodes: []types.Node{{ID: "e", Type: "endNode"}}}},
		{"two start nodes", types.Graph{Nodes: []types.Node{
			{ID: "s1", Type: "startNode"}, {ID: "s2", Type: "startNode"},
		}}},
		{"unknown edge source", types.Graph{
			Nodes: []types.Node{{ID: "s", Type: "startNode"}},
			Edges: []types.Edge{{Source: "ghost", Target: "s"}},
		}},
		{"unknown edge target", types.Graph{
			Nodes: []types.Node{{ID: "s", Type: "startNode"}},
			Edges: []types.Edge{{Source: "s", Target: "ghost"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateGraph(tt.graph))
		})
	}
}

func TestDefinitionVersioning(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	v1, err := engine.RegisterDefinition(ctx, "leave-approval", "first cut", approvalGraph())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.Active)

	v2, err := engine.RegisterDefinition(ctx, "leave-approval", "adds decision", decisionGraph())
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	// New instances pick up the latest active version.
	active, err := engine.ActiveDefinition(ctx, "leave-approval")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	// Earlier versions stay untouched and retrievable.
	got, err := engine.GetDefinition(ctx, v1.ID)
	require.NoError(t, err)
	assert.Len(t, got.Graph.Nodes, len(approvalGraph().Nodes))

	// Deactivating v2 falls back to v1 for new starts.
	require.NoError(t, engine.DeactivateDefinition(ctx, v2.ID))
	active, err = engine.ActiveDefinition(ctx, "leave-approval")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	// Starting by the deactivated ID is rejected.
	_, err = engine.StartInstance(ctx, v2.ID, nil, "", "alice")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestRunningInstanceKeepsItsVersion(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	v1, err := engine.RegisterDefinition(ctx, "leave-approval", "", approvalGraph())
	require.NoError(t, err)
	inst, err := engine.StartInstanceByName(ctx, "leave-approval", nil, "", "alice")
	require.NoError(t, err)

	_, err = engine.RegisterDefinition(ctx, "leave-approval", "", decisionGraph())
	require.NoError(t, err)

	// The in-flight instance still advances against v1's graph.
	task := pendingTasks(t, engine, inst.ID)[0]
	_, err = engine.CompleteTask(ctx, task.ID, "hr-1", "approved", nil)
	require.NoError(t, err)

	final, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, final.DefinitionID)
	assert.Equal(t, types.InstanceCompleted, final.Status)
}

func TestRegisterDefinitionRejectsInvalid(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.RegisterDefinition(ctx, "", "", approvalGraph())
	assert.Error(t, err)

	_, err = engine.RegisterDefinition(ctx, "bad", "", types.Graph{})
	assert.Error(t, err)
}

func TestRegisterDefinitionDocument(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	def, err := engine.RegisterDefinitionDocument(ctx, []byte(`
name: expense-approval
description: Expense report approval
graph:
  nodes:
    - id: start-1
      type: startNode
    - id: approval-1
      type: approvalNode
      config:
        assigneeType: ROLE
        assigneeIdentifier: HR
    - id: end-1
      type: endNode
  edges:
    - source: start-1
      target: approval-1
    - source: approval-1
      target: end-1
`))
	require.NoError(t, err)
	assert.Equal(t, "expense-approval", def.Name)
	assert.Equal(t, 1, def.Version)

	inst, err := engine.StartInstanceByName(ctx, "expense-approval", nil, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.Status)

	// Malformed and invalid documents are rejected before storage.
	_, err = engine.RegisterDefinitionDocument(ctx, []byte(`{not yaml`))
	assert.Error(t, err)
	_, err = engine.RegisterDefinitionDocument(ctx, []byte(`name: no-start
graph:
  nodes:
    - id: end-1
      type: endNode
`))
	assert.Error(t, err)
}
