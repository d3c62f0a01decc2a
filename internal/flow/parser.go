package flow

import (
	"fmt"
	"strings"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// Parse rebuilds an executable FlowDefinition from the persisted node/edge
// arrays. Edge sourceHandle values "yes"/"true" and "no"/"false" wire the
// source node's Yes/No pointers, "error" wires OnError, anything else Next.
// The definition is rebuilt on every load; nothing here is cached or shared.
func Parse(graph *domain.FlowGraph) (*domain.FlowDefinition, error) {
	if graph == nil || len(graph.Nodes) == 0 {
		return nil, fmt.Errorf("flow %s: graph has no nodes", graphID(graph))
	}

	def := &domain.FlowDefinition{
		ID:          graph.ID,
		Name:        graph.Name,
		WorkspaceID: graph.WorkspaceID,
		Nodes:       make(map[string]*domain.FlowNode, len(graph.Nodes)),
	}

	for _, gn := range graph.Nodes {
		if gn.ID == "" {
			return nil, fmt.Errorf("flow %s: node with empty id", graph.ID)
		}
		if _, dup := def.Nodes[gn.ID]; dup {
			return nil, fmt.Errorf("flow %s: duplicate node id %q", graph.ID, gn.ID)
		}

		node := &domain.FlowNode{
			ID:   gn.ID,
			Type: domain.NodeType(gn.Type),
			Data: gn.Data,
		}
		payload, err := decodePayload(node.Type, gn.Data)
		if err != nil {
			return nil, fmt.Errorf("flow %s node %s: %w", graph.ID, gn.ID, err)
		}
		node.Payload = payload
		def.Nodes[gn.ID] = node
	}

	inbound := make(map[string]int, len(graph.Nodes))
	for _, edge := range graph.Edges {
		src, ok := def.Nodes[edge.Source]
		if !ok {
			return nil, fmt.Errorf("flow %s: edge from unknown node %q", graph.ID, edge.Source)
		}
		if _, ok := def.Nodes[edge.Target]; !ok {
			return nil, fmt.Errorf("flow %s: edge to unknown node %q", graph.ID, edge.Target)
		}
		inbound[edge.Target]++

		switch strings.ToLower(edge.SourceHandle) {
		case "yes", "true":
			src.Yes = edge.Target
		case "no", "false":
			src.No = edge.Target
		case "error":
			src.OnError = edge.Target
		default:
			src.Next = edge.Target
		}
	}

	// The start node is the first node without inbound edges, in array order.
	for _, gn := range graph.Nodes {
		if inbound[gn.ID] == 0 {
			def.StartNodeID = gn.ID
			break
		}
	}
	if def.StartNodeID == "" {
		return nil, fmt.Errorf("flow %s: no start node, every node has inbound edges", graph.ID)
	}
	return def, nil
}

func graphID(graph *domain.FlowGraph) string {
	if graph == nil {
		return "<nil>"
	}
	return graph.ID
}
