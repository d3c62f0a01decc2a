package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// maxAgentIterations bounds the tool-calling loop. A model that keeps
// requesting tools past this gets its last text response accepted as final.
const maxAgentIterations = 5

// ToolFunc executes one tool call and returns the text fed back to the model.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// ToolRegistry maps tool names to their schema and implementation.
type ToolRegistry struct {
	tools map[string]registeredTool
	order []string
}

type registeredTool struct {
	def Tool
	fn  ToolFunc
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

func (r *ToolRegistry) Register(def Tool, fn ToolFunc) *ToolRegistry {
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, fn: fn}
	return r
}

func (r *ToolRegistry) Definitions() []Tool {
	defs := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

func (r *ToolRegistry) call(ctx context.Context, tc ToolCall) string {
	reg, ok := r.tools[tc.Name]
	if !ok {
		return fmt.Sprintf(`{"error":"unknown tool %s"}`, tc.Name)
	}
	out, err := reg.fn(ctx, tc.Arguments)
	if err != nil {
		msg, _ := json.Marshal(err.Error())
		return fmt.Sprintf(`{"error":%s}`, msg)
	}
	return out
}

// Agent runs the agentic loop: generate, execute requested tool calls, feed
// results back, repeat until the model answers in plain text or the
// iteration budget runs out.
type Agent struct {
	Model    LanguageModel
	Tools    *ToolRegistry
	System   string
	MaxIters int
}

// AgentResult carries the final answer plus every tool call made on the way,
// so callers can map tool usage back onto their own action vocabulary.
type AgentResult struct {
	Content    string
	ToolCalls  []ToolCall
	Iterations int
}

func (a *Agent) Run(ctx context.Context, messages []Message) (*AgentResult, error) {
	maxIters := a.MaxIters
	if maxIters <= 0 {
		maxIters = maxAgentIterations
	}

	var defs []Tool
	if a.Tools != nil {
		defs = a.Tools.Definitions()
	}

	result := &AgentResult{}
	conversation := append([]Message(nil), messages...)

	for result.Iterations < maxIters {
		result.Iterations++

		resp, err := a.Model.Generate(ctx, GenerateRequest{
			System:   a.System,
			Messages: conversation,
			Tools:    defs,
		})
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 || a.Tools == nil {
			result.Content = resp.Content
			return result, nil
		}

		conversation = append(conversation, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, tc)
			output := a.Tools.call(ctx, tc)
			log.Debug().Str("tool", tc.Name).Str("tool_call_id", tc.ID).Msg("agent tool executed")
			conversation = append(conversation, Message{
				Role:       RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
			})
		}

		result.Content = resp.Content
	}

	log.Warn().Int("iterations", result.Iterations).Msg("agent hit iteration budget, accepting last response")
	return result, nil
}
