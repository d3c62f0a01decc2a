package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/ai"
	"github.com/zapflowhq/zapflow/internal/domain"
)

const (
	aiHistoryLimit = 10
	aiMemoryLimit  = 10
	kbTopK         = 5
)

// execAI backs aiNode, gptNode and aiKbNode. The node type only shifts the
// defaults: gptNode always carries conversation history, aiKbNode always
// retrieves knowledge-base context.
func (e *Engine) execAI(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*AIPayload)
	if e.deps.ModelFactory == nil || ws.AIKey == "" {
		return nil, fmt.Errorf("workspace %s: %w", ws.ID, domain.ErrNoProviderConfig)
	}
	model := e.deps.ModelFactory(ws)

	useHistory := p.UseHistory || node.Type == domain.NodeTypeGPT
	useKB := p.UseKB || node.Type == domain.NodeTypeAIKB

	userMsg := Interpolate(p.Prompt, state.Variables)
	if strings.TrimSpace(userMsg) == "" {
		userMsg, _ = state.Variables[varLastUserMessage].(string)
	}
	userMsg, stripped := ai.SanitizeUserInput(userMsg)
	if stripped {
		log.Warn().
			Str("workspace_id", ws.ID).
			Str("user", state.User).
			Msg("prompt injection patterns stripped from user input")
		state.AppendLog("suspicious input sanitized at node " + node.ID)
	}
	if userMsg == "" {
		return continueTo(node.Next), nil
	}

	system := Interpolate(p.System, state.Variables)
	if useKB {
		if kbCtx := e.knowledgeContext(ctx, ws, userMsg); kbCtx != "" {
			system += "\n\nRelevant knowledge:\n" + kbCtx
		}
	}
	if p.UseMemory && e.deps.Memory != nil && state.ContactID != "" {
		if facts, err := e.deps.Memory.Recall(ctx, ws.ID, state.ContactID, aiMemoryLimit); err == nil && len(facts) > 0 {
			var b strings.Builder
			b.WriteString("\n\nKnown facts about this contact:\n")
			for _, f := range facts {
				b.WriteString("- " + f.Content + "\n")
			}
			system += b.String()
		}
	}

	var messages []ai.Message
	if useHistory {
		messages = e.historyMessages(ctx, ws, state)
	}
	messages = append(messages, ai.Message{Role: ai.RoleUser, Content: userMsg})

	agent := &ai.Agent{Model: model, System: system}
	res, err := agent.Run(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("ai generation: %w", err)
	}
	reply := strings.TrimSpace(res.Content)

	if p.SaveAs != "" {
		state.Variables[p.SaveAs] = reply
		state.AppendLog("ai response saved to " + p.SaveAs)
		return continueTo(node.Next), nil
	}

	send := e.deps.Pipeline.SendText(ctx, ws, state.User, reply)
	if !send.Success {
		return nil, fmt.Errorf("ai reply send failed: %s", send.Error)
	}
	state.AppendLog("ai reply sent via " + send.Provider)
	e.saveOutbound(ctx, state, reply)

	e.extractMemory(ws.ID, state.ContactID, userMsg, reply)
	return continueTo(node.Next), nil
}

// knowledgeContext embeds the query and retrieves top-k chunks. Retrieval is
// best-effort; a cold knowledge base never fails the node.
func (e *Engine) knowledgeContext(ctx context.Context, ws *domain.Workspace, query string) string {
	if e.deps.KB == nil || e.deps.EmbedderFactory == nil {
		return ""
	}
	embedder := e.deps.EmbedderFactory(ws)
	if embedder == nil {
		return ""
	}
	embedding, err := embedder.Embed(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("query embedding failed")
		return ""
	}
	chunks, err := e.deps.KB.Search(ctx, ws.ID, embedding, kbTopK)
	if err != nil {
		log.Warn().Err(err).Msg("knowledge base search failed")
		return ""
	}

	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("- " + c.Content + "\n")
	}
	return b.String()
}

func (e *Engine) historyMessages(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState) []ai.Message {
	if e.deps.Conversations == nil || state.ContactID == "" {
		return nil
	}
	history, err := e.deps.Conversations.History(ctx, ws.ID, state.ContactID, aiHistoryLimit)
	if err != nil {
		log.Warn().Err(err).Msg("loading conversation history failed")
		return nil
	}

	messages := make([]ai.Message, 0, len(history))
	for _, m := range history {
		role := ai.RoleAssistant
		if m.Direction == domain.DirectionInbound {
			role = ai.RoleUser
		}
		messages = append(messages, ai.Message{Role: role, Content: m.Body})
	}
	return messages
}

// extractMemory queues semantic fact extraction off the hot path.
func (e *Engine) extractMemory(workspaceID, contactID, userMsg, aiMsg string) {
	if e.deps.Memory == nil || contactID == "" {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Any("panic", r).Msg("memory extraction panicked")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.deps.Memory.Extract(ctx, workspaceID, contactID, userMsg, aiMsg); err != nil {
			log.Warn().Err(err).Msg("memory extraction failed")
		}
	}()
}

// emotionKeywords maps emotion labels to trigger words, checked against the
// lowercased last user message. First label with a hit wins, in a fixed
// order so classification is deterministic.
var emotionOrder = []string{"angry", "anxious", "confused", "buying", "happy"}

var emotionKeywords = map[string][]string{
	"angry":    {"raiva", "absurdo", "pessimo", "péssimo", "horrivel", "horrível", "reclamar", "cancelar"},
	"anxious":  {"urgente", "rapido", "rápido", "preciso agora", "quando chega"},
	"confused": {"nao entendi", "não entendi", "como assim", "confuso", "duvida", "dúvida"},
	"buying":   {"comprar", "quero", "preco", "preço", "quanto custa", "pagar", "fechar"},
	"happy":    {"obrigado", "obrigada", "otimo", "ótimo", "perfeito", "adorei", "excelente"},
}

func classifyEmotion(message string) string {
	lower := strings.ToLower(message)
	for _, label := range emotionOrder {
		for _, kw := range emotionKeywords[label] {
			if strings.Contains(lower, kw) {
				return label
			}
		}
	}
	return "neutral"
}

func (e *Engine) execEmotion(state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*EmotionPayload)
	msg, _ := state.Variables[varLastUserMessage].(string)

	label := classifyEmotion(msg)
	saveAs := p.SaveAs
	if saveAs == "" {
		saveAs = "emotion"
	}
	state.Variables[saveAs] = label
	state.AppendLog("emotion classified as " + label)

	if target, ok := p.Branches[label]; ok && target != "" {
		return continueTo(target), nil
	}
	return continueTo(node.Next), nil
}

// execAutoPitch generates a short sales pitch from the workspace model and
// falls back to the configured static text when AI is unavailable.
func (e *Engine) execAutoPitch(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*AutoPitchPayload)

	pitch := e.generatePitch(ctx, ws, state, p)
	if strings.TrimSpace(pitch) == "" {
		pitch = Interpolate(p.Fallback, state.Variables)
	}
	if strings.TrimSpace(pitch) == "" {
		state.AppendLog("auto pitch produced nothing, skipping")
		return continueTo(node.Next), nil
	}

	res := e.deps.Pipeline.SendText(ctx, ws, state.User, pitch)
	if !res.Success {
		return nil, fmt.Errorf("pitch send failed: %s", res.Error)
	}
	state.AppendLog("pitch sent via " + res.Provider)
	e.saveOutbound(ctx, state, pitch)
	return continueTo(node.Next), nil
}

func (e *Engine) generatePitch(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, p *AutoPitchPayload) string {
	if e.deps.ModelFactory == nil || ws.AIKey == "" {
		return ""
	}
	model := e.deps.ModelFactory(ws)

	lastMsg, _ := state.Variables[varLastUserMessage].(string)
	lastMsg, _ = ai.SanitizeUserInput(lastMsg)
	name, _ := state.Variables["contact_name"].(string)

	prompt := fmt.Sprintf(
		"Write a short, friendly WhatsApp sales pitch for %q addressed to %s. "+
			"Their last message was: %q. Two sentences max, no greetings, no emojis.",
		Interpolate(p.Product, state.Variables), name, lastMsg,
	)

	resp, err := model.Generate(ctx, ai.GenerateRequest{
		Messages: []ai.Message{{Role: ai.RoleUser, Content: prompt}},
	})
	if err != nil {
		log.Warn().Err(err).Msg("pitch generation failed, using fallback")
		return ""
	}
	return resp.Content
}
