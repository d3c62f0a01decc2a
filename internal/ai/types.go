// Package ai abstracts the language-model collaborator behind a provider
// interface and runs the bounded tool-calling agent loop on top of it.
package ai

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes a callable function in JSON-schema terms.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type GenerateRequest struct {
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float32
	MaxTokens   int
}

type GenerateResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// LanguageModel is the chat-completion contract every provider implements.
type LanguageModel interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Embedder computes query embeddings for knowledge-base retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
