package domain

import "context"

// NodeType is the closed set of node kinds the interpreter understands.
// Unrecognized types coming from persisted graphs are kept as-is and
// executed as a no-op that follows Next, so old workers survive new graphs.
type NodeType string

const (
	NodeTypeMessage       NodeType = "message"
	NodeTypeDelay         NodeType = "delay"
	NodeTypeWait          NodeType = "wait"
	NodeTypeCondition     NodeType = "condition"
	NodeTypeConditionNode NodeType = "conditionNode"
	NodeTypeSubflow       NodeType = "subflow"
	NodeTypeReturn        NodeType = "return"
	NodeTypeSaveVariable  NodeType = "save_variable"
	NodeTypeAPI           NodeType = "apiNode"
	NodeTypeTag           NodeType = "tag"
	NodeTypeCRM           NodeType = "crm"
	NodeTypeUpdateStage   NodeType = "updateStage"
	NodeTypeCampaign      NodeType = "campaignNode"
	NodeTypeAI            NodeType = "aiNode"
	NodeTypeGPT           NodeType = "gptNode"
	NodeTypeAIKB          NodeType = "aiKbNode"
	NodeTypeSwitch        NodeType = "switch"
	NodeTypeGoto          NodeType = "goto"
	NodeTypeEmotion       NodeType = "emotion"
	NodeTypeAutoPitch     NodeType = "autoPitch"
	NodeTypeMedia         NodeType = "media"
	NodeTypeVoice         NodeType = "voice"
)

// FlowNode is one node of a flow graph. Payload holds the type-specific
// configuration decoded at parse time; Data keeps the raw map so unknown
// node types round-trip untouched.
type FlowNode struct {
	ID      string         `json:"id"`
	Type    NodeType       `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
	Payload any            `json:"-"`

	Next string `json:"next,omitempty"`
	Yes  string `json:"yes,omitempty"`
	No   string `json:"no,omitempty"`

	// OnError redirects execution after the node exhausts its retries.
	OnError string `json:"onError,omitempty"`
}

// FlowDefinition is an immutable, parsed flow graph. It is rebuilt from the
// persisted node/edge arrays on every load and never mutated in place.
type FlowDefinition struct {
	ID          string
	Name        string
	WorkspaceID string
	StartNodeID string
	Nodes       map[string]*FlowNode
}

func (f *FlowDefinition) Node(id string) (*FlowNode, bool) {
	n, ok := f.Nodes[id]
	return n, ok
}

// GraphNode and GraphEdge are the persistence format for flow graphs.
// SourceHandle values "yes"/"true" and "no"/"false" route to the source
// node's Yes/No pointers, anything else to Next.
type GraphNode struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type GraphEdge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

type FlowGraph struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	WorkspaceID string      `json:"workspaceId"`
	Nodes       []GraphNode `json:"nodes"`
	Edges       []GraphEdge `json:"edges"`
}

// FlowSource fetches persisted flow graphs. Flow storage is an external
// collaborator; the interpreter only sees parsed definitions.
type FlowSource interface {
	GetGraph(ctx context.Context, workspaceID, flowID string) (*FlowGraph, error)
}
