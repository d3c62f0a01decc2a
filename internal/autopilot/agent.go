package autopilot

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/ai"
	"github.com/zapflowhq/zapflow/internal/domain"
)

const agentSystem = `You are a senior sales assistant handling WhatsApp conversations in Brazilian Portuguese.
Use the available tools when the customer should receive an offer, a scheduling link, de-escalation or a win-back.
When no tool fits, answer the customer directly, briefly and warmly.`

// toolVocabulary maps each agent tool back onto the intent/action pair used
// everywhere else, so agent decisions audit identically to rule decisions.
var toolVocabulary = map[string]struct {
	intent domain.Intent
	action domain.AutopilotAction
}{
	"send_offer":       {domain.IntentPrice, domain.ActionSendOffer},
	"schedule_meeting": {domain.IntentSchedule, domain.ActionSendSchedule},
	"deescalate":       {domain.IntentComplaint, domain.ActionDeescalate},
	"winback_offer":    {domain.IntentChurn, domain.ActionWinback},
	"close_silent_lead": {
		domain.IntentBuying, domain.ActionGhostCloser,
	},
}

func agentTools() *ai.ToolRegistry {
	reg := ai.NewToolRegistry()
	ack := func(context.Context, map[string]any) (string, error) {
		return `{"status":"noted"}`, nil
	}
	reg.Register(ai.Tool{
		Name:        "send_offer",
		Description: "Send the customer a price offer for the product they asked about.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"product": map[string]any{"type": "string"}},
		},
	}, ack)
	reg.Register(ai.Tool{
		Name:        "schedule_meeting",
		Description: "Send the customer a scheduling link to book a call or demo.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, ack)
	reg.Register(ai.Tool{
		Name:        "deescalate",
		Description: "Apologize and de-escalate an upset customer.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, ack)
	reg.Register(ai.Tool{
		Name:        "winback_offer",
		Description: "Offer a retention deal to a customer who wants to cancel.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, ack)
	reg.Register(ai.Tool{
		Name:        "close_silent_lead",
		Description: "Nudge a lead who showed buying intent and went quiet.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}, ack)
	return reg
}

// classifyAgent delegates the whole decision to the tool-calling agent and
// maps its tool usage back onto the legacy vocabulary. The agent's final text
// becomes the reply body when no tool was called.
func (e *Engine) classifyAgent(ctx context.Context, ws *domain.Workspace, contact *domain.Contact, message string) (ruleMatch, string, bool) {
	model := e.deps.ModelFactory(ws)

	clean, _ := ai.SanitizeUserInput(message)
	var messages []ai.Message
	usedHistory := false
	if e.deps.Conversations != nil && contact != nil {
		if history, err := e.deps.Conversations.History(ctx, ws.ID, contact.ID, classifierHistoryLimit); err == nil {
			for _, m := range history {
				role := ai.RoleAssistant
				if m.Direction == domain.DirectionInbound {
					role = ai.RoleUser
				}
				messages = append(messages, ai.Message{Role: role, Content: m.Body})
			}
			usedHistory = len(history) > 0
		}
	}
	messages = append(messages, ai.Message{Role: ai.RoleUser, Content: clean})

	agent := &ai.Agent{Model: model, Tools: agentTools(), System: agentSystem}
	res, err := agent.Run(ctx, messages)
	if err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("unified agent failed")
		return ruleMatch{Intent: domain.IntentGeneric, Action: domain.ActionNone, Reason: "agent unavailable"}, "", usedHistory
	}

	for _, tc := range res.ToolCalls {
		if vocab, ok := toolVocabulary[tc.Name]; ok {
			return ruleMatch{
				Intent:     vocab.intent,
				Action:     vocab.action,
				Reason:     "agent tool " + tc.Name,
				Confidence: 0.85,
			}, "", usedHistory
		}
	}

	reply := strings.TrimSpace(res.Content)
	if reply == "" {
		return ruleMatch{Intent: domain.IntentGeneric, Action: domain.ActionNone, Reason: "agent produced no action"}, "", usedHistory
	}
	return ruleMatch{
		Intent:     domain.IntentGeneric,
		Action:     domain.ActionReply,
		Reason:     "agent direct reply",
		Confidence: 0.7,
	}, reply, usedHistory
}
