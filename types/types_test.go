package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeKind(t *testing.T) {
	tests := []struct {
		in   string
		want NodeKind
	}{
		{"startNode", KindStart},
		{"endNode", KindEnd},
		{"approvalNode", KindApproval},
		{"userTaskNode", KindApproval},
		{"decisionNode", KindDecision},
		{"serviceTaskNode", KindServiceTask},
		{"notificationNode", KindNotification},
		{"DECISIONNODE", KindDecision},
		{"somethingElse", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseNodeKind(tt.in), "ParseNodeKind(%q)", tt.in)
	}
}

func TestGraphAccessors(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "s", Type: "startNode"},
			{ID: "a", Type: "approvalNode"},
			{ID: "e", Type: "endNode"},
		},
		Edges: []Edge{
			{Source: "s", Target: "a"},
			{Source: "a", Target: "e"},
		},
	}

	start, ok := g.StartNode()
	require.True(t, ok)
	assert.Equal(t, "s", start.ID)

	_, ok = g.FindNode("missing")
	assert.False(t, ok)

	out := g.OutgoingEdges("s")
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Target)
	assert.Empty(t, g.OutgoingEdges("e"))
}

func TestParseDefinitionDocumentYAML(t *testing.T) {
	doc, err := ParseDefinitionDocument([]byte(`
name: expense-approval
description: Expense report approval
graph:
  nodes:
    - id: start-1
      type: startNode
    - id: decision-1
      type: decisionNode
    - id: end-1
      type: endNode
  edges:
    - source: start-1
      target: decision-1
    - source: decision-1
      target: end-1
      condition: payload.amount <= 1000
      isDefault: false
`))
	require.NoError(t, err)
	assert.Equal(t, "expense-approval", doc.Name)
	require.Len(t, doc.Graph.Nodes, 3)
	require.Len(t, doc.Graph.Edges, 2)
	assert.Equal(t, "payload.amount <= 1000", doc.Graph.Edges[1].Condition)
}

func TestParseDefinitionDocumentJSON(t *testing.T) {
	doc, err := ParseDefinitionDocument([]byte(`{
		"name": "leave-approval",
		"graph": {
			"nodes": [
				{"id": "s", "type": "startNode"},
				{"id": "a", "type": "approvalNode", "config": {"assigneeType": "ROLE", "assigneeIdentifier": "HR"}}
			],
			"edges": [{"source": "s", "target": "a"}]
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "leave-approval", doc.Name)
	require.Len(t, doc.Graph.Nodes, 2)
	assert.Equal(t, AssigneeRole, doc.Graph.Nodes[1].Config.AssigneeKind)
	assert.Equal(t, "HR", doc.Graph.Nodes[1].Config.AssigneeID)
}

func TestParseDefinitionDocumentRequiresName(t *testing.T) {
	_, err := ParseDefinitionDocument([]byte(`graph: {nodes: [], edges: []}`))
	assert.Error(t, err)
}

func TestInstanceStatusTerminal(t *testing.T) {
	assert.True(t, InstanceCompleted.Terminal())
	assert.True(t, InstanceFailed.Terminal())
	assert.True(t, InstanceCanceled.Terminal())
	assert.False(t, InstanceRunning.Terminal())
	assert.False(t, InstanceSuspended.Terminal())
	assert.False(t, InstancePending.Terminal())
}
