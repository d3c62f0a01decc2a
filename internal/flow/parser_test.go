package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflowhq/zapflow/internal/domain"
)

func TestParseWiresBranchPointers(t *testing.T) {
	graph := &domain.FlowGraph{
		ID:          "f1",
		WorkspaceID: "ws1",
		Nodes: []domain.GraphNode{
			{ID: "start", Type: "message", Data: map[string]any{"text": "oi"}},
			{ID: "check", Type: "condition", Data: map[string]any{"expression": "score > 50"}},
			{ID: "hot", Type: "message", Data: map[string]any{"text": "vip"}},
			{ID: "cold", Type: "message", Data: map[string]any{"text": "normal"}},
			{ID: "oops", Type: "message", Data: map[string]any{"text": "erro"}},
		},
		Edges: []domain.GraphEdge{
			{Source: "start", Target: "check"},
			{Source: "check", Target: "hot", SourceHandle: "yes"},
			{Source: "check", Target: "cold", SourceHandle: "no"},
			{Source: "start", Target: "oops", SourceHandle: "error"},
		},
	}

	def, err := Parse(graph)
	require.NoError(t, err)

	assert.Equal(t, "start", def.StartNodeID)
	start, _ := def.Node("start")
	assert.Equal(t, "check", start.Next)
	assert.Equal(t, "oops", start.OnError)

	check, _ := def.Node("check")
	assert.Equal(t, "hot", check.Yes)
	assert.Equal(t, "cold", check.No)
	assert.Empty(t, check.Next)
}

func TestParseTrueFalseHandles(t *testing.T) {
	graph := &domain.FlowGraph{
		ID: "f1",
		Nodes: []domain.GraphNode{
			{ID: "c", Type: "condition", Data: map[string]any{"expression": "x"}},
			{ID: "a", Type: "message", Data: map[string]any{"text": "a"}},
			{ID: "b", Type: "message", Data: map[string]any{"text": "b"}},
		},
		Edges: []domain.GraphEdge{
			{Source: "c", Target: "a", SourceHandle: "TRUE"},
			{Source: "c", Target: "b", SourceHandle: "False"},
		},
	}

	def, err := Parse(graph)
	require.NoError(t, err)
	c, _ := def.Node("c")
	assert.Equal(t, "a", c.Yes)
	assert.Equal(t, "b", c.No)
}

func TestParseDecodesTypedPayloads(t *testing.T) {
	graph := &domain.FlowGraph{
		ID: "f1",
		Nodes: []domain.GraphNode{
			{ID: "m", Type: "message", Data: map[string]any{"text": "ola {{name}}"}},
			{ID: "w", Type: "wait", Data: map[string]any{"timeoutSeconds": 3600.0, "keywords": "sim,quero"}},
			{ID: "d", Type: "delay", Data: map[string]any{"seconds": 2.5}},
		},
		Edges: []domain.GraphEdge{
			{Source: "m", Target: "w"},
			{Source: "w", Target: "d", SourceHandle: "yes"},
		},
	}

	def, err := Parse(graph)
	require.NoError(t, err)

	m, _ := def.Node("m")
	assert.Equal(t, "ola {{name}}", m.Payload.(*MessagePayload).Text)

	w, _ := def.Node("w")
	wp := w.Payload.(*WaitPayload)
	assert.Equal(t, 3600, wp.TimeoutSeconds)
	assert.Equal(t, "sim,quero", wp.Keywords)

	d, _ := def.Node("d")
	assert.Equal(t, 2.5, d.Payload.(*DelayPayload).Seconds)
}

func TestParseLegacyFieldAliases(t *testing.T) {
	graph := &domain.FlowGraph{
		ID: "f1",
		Nodes: []domain.GraphNode{
			{ID: "m", Type: "message", Data: map[string]any{"message": "oi"}},
			{ID: "c", Type: "condition", Data: map[string]any{"condition": "x == 'y'"}},
			{ID: "s", Type: "save_variable", Data: map[string]any{"variable": "lead", "value": "'hot'"}},
		},
		Edges: []domain.GraphEdge{
			{Source: "m", Target: "c"},
			{Source: "c", Target: "s", SourceHandle: "yes"},
		},
	}

	def, err := Parse(graph)
	require.NoError(t, err)

	m, _ := def.Node("m")
	assert.Equal(t, "oi", m.Payload.(*MessagePayload).Text)
	c, _ := def.Node("c")
	assert.Equal(t, "x == 'y'", c.Payload.(*ConditionPayload).Expression)
	s, _ := def.Node("s")
	assert.Equal(t, "lead", s.Payload.(*SaveVariablePayload).Name)
}

func TestParseRejectsMalformedGraphs(t *testing.T) {
	t.Run("empty graph", func(t *testing.T) {
		_, err := Parse(&domain.FlowGraph{ID: "f1"})
		assert.Error(t, err)
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		_, err := Parse(&domain.FlowGraph{
			ID: "f1",
			Nodes: []domain.GraphNode{
				{ID: "a", Type: "message", Data: map[string]any{"text": "x"}},
			},
			Edges: []domain.GraphEdge{{Source: "a", Target: "ghost"}},
		})
		assert.Error(t, err)
	})

	t.Run("duplicate node id", func(t *testing.T) {
		_, err := Parse(&domain.FlowGraph{
			ID: "f1",
			Nodes: []domain.GraphNode{
				{ID: "a", Type: "message", Data: map[string]any{"text": "x"}},
				{ID: "a", Type: "message", Data: map[string]any{"text": "y"}},
			},
		})
		assert.Error(t, err)
	})

	t.Run("missing required payload field", func(t *testing.T) {
		_, err := Parse(&domain.FlowGraph{
			ID: "f1",
			Nodes: []domain.GraphNode{
				{ID: "a", Type: "message", Data: map[string]any{}},
			},
		})
		assert.Error(t, err)
	})

	t.Run("invalid operator", func(t *testing.T) {
		_, err := Parse(&domain.FlowGraph{
			ID: "f1",
			Nodes: []domain.GraphNode{
				{ID: "a", Type: "conditionNode", Data: map[string]any{
					"variable": "x", "operator": "~=", "value": "y",
				}},
			},
		})
		assert.Error(t, err)
	})

	t.Run("all nodes have inbound edges", func(t *testing.T) {
		_, err := Parse(&domain.FlowGraph{
			ID: "f1",
			Nodes: []domain.GraphNode{
				{ID: "a", Type: "message", Data: map[string]any{"text": "x"}},
				{ID: "b", Type: "message", Data: map[string]any{"text": "y"}},
			},
			Edges: []domain.GraphEdge{
				{Source: "a", Target: "b"},
				{Source: "b", Target: "a"},
			},
		})
		assert.Error(t, err)
	})
}

func TestParseUnknownNodeTypeIsKept(t *testing.T) {
	graph := &domain.FlowGraph{
		ID: "f1",
		Nodes: []domain.GraphNode{
			{ID: "a", Type: "hologram", Data: map[string]any{"whatever": true}},
		},
	}

	def, err := Parse(graph)
	require.NoError(t, err)
	n, ok := def.Node("a")
	require.True(t, ok)
	assert.Nil(t, n.Payload)
	assert.Equal(t, domain.NodeType("hologram"), n.Type)
}
