package autopilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/ai"
	"github.com/zapflowhq/zapflow/internal/domain"
)

const (
	classifierHistoryLimit = 8
	classifierKBTopK       = 3
)

const classifierSystem = `You classify inbound WhatsApp messages for a sales automation system.
Answer ONLY with a JSON object:
{"intent":"price|schedule|complaint|churn|greeting|generic|buying_signal","action":"send_offer|send_schedule|deescalate|winback|greet|reply|none","reason":"short explanation","confidence":0.0,"message":"reply text when action is reply"}`

// aiVerdict is the JSON shape the classifier model is asked to produce.
type aiVerdict struct {
	Intent     string  `json:"intent"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
}

var allowedActions = map[domain.AutopilotAction]bool{
	domain.ActionSendOffer:    true,
	domain.ActionSendSchedule: true,
	domain.ActionDeescalate:   true,
	domain.ActionWinback:      true,
	domain.ActionGreet:        true,
	domain.ActionReply:        true,
	domain.ActionGhostCloser:  true,
	domain.ActionLeadUnlocker: true,
	domain.ActionNone:         true,
}

var allowedIntents = map[domain.Intent]bool{
	domain.IntentPrice:     true,
	domain.IntentSchedule:  true,
	domain.IntentComplaint: true,
	domain.IntentChurn:     true,
	domain.IntentGreeting:  true,
	domain.IntentGeneric:   true,
	domain.IntentBuying:    true,
}

// classifyAI asks the workspace model for an intent/action verdict, feeding
// it recent history and knowledge-base context. The returned action is
// normalized onto the allowed set; anything unrecognized degrades to reply
// (when the model produced text) or none.
func (e *Engine) classifyAI(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, message string) (ruleMatch, string, bool, bool) {
	model := e.deps.ModelFactory(ws)

	clean, stripped := ai.SanitizeUserInput(message)
	if stripped {
		log.Warn().Str("workspace_id", ws.ID).Msg("injection patterns stripped before classification")
	}

	var prompt strings.Builder
	usedHistory := false
	if e.deps.Conversations != nil && contact != nil {
		if history, err := e.deps.Conversations.History(ctx, ws.ID, contact.ID, classifierHistoryLimit); err == nil && len(history) > 0 {
			usedHistory = true
			prompt.WriteString("Recent conversation:\n")
			for _, m := range history {
				who := "agent"
				if m.Direction == domain.DirectionInbound {
					who = "customer"
				}
				fmt.Fprintf(&prompt, "%s: %s\n", who, m.Body)
			}
			prompt.WriteString("\n")
		}
	}

	usedKB := false
	if kbCtx := e.knowledgeContext(ctx, ws, clean); kbCtx != "" {
		usedKB = true
		prompt.WriteString("Product knowledge:\n" + kbCtx + "\n")
	}
	prompt.WriteString("Message to classify: " + clean)

	resp, err := model.Generate(ctx, ai.GenerateRequest{
		System:   classifierSystem,
		Messages: []ai.Message{{Role: ai.RoleUser, Content: prompt.String()}},
	})
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("ai classification failed")
		return ruleMatch{Intent: domain.IntentGeneric, Action: domain.ActionNone, Reason: "classifier unavailable"}, "", usedHistory, usedKB
	}

	verdict := parseVerdict(resp.Content)
	match := ruleMatch{
		Intent:     normalizeIntent(verdict.Intent),
		Action:     normalizeAction(verdict.Action, verdict.Message),
		Reason:     verdict.Reason,
		Confidence: verdict.Confidence,
	}
	if match.Reason == "" {
		match.Reason = "ai classification"
	}
	return match, strings.TrimSpace(verdict.Message), usedHistory, usedKB
}

// parseVerdict tolerates models that wrap the JSON in prose or code fences.
func parseVerdict(content string) aiVerdict {
	var v aiVerdict
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return v
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		log.Debug().Err(err).Msg("unparseable classifier verdict")
	}
	return v
}

func normalizeAction(raw, replyText string) domain.AutopilotAction {
	action := domain.AutopilotAction(strings.ToLower(strings.TrimSpace(raw)))
	if allowedActions[action] {
		return action
	}
	if strings.TrimSpace(replyText) != "" {
		return domain.ActionReply
	}
	return domain.ActionNone
}

func normalizeIntent(raw string) domain.Intent {
	intent := domain.Intent(strings.ToLower(strings.TrimSpace(raw)))
	if allowedIntents[intent] {
		return intent
	}
	return domain.IntentGeneric
}

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
	chunks, err := e.deps.KB.Search(ctx, ws.ID, embedding, classifierKBTopK)
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
