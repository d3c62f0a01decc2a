// Package autopilot implements the autonomous decision engine: it classifies
// inbound messages (rules first, AI second), enforces compliance and cap
// gates, executes the chosen action through the send pipeline and audits
// every decision.
package autopilot

import (
	"strings"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// ruleMatch is the output of the keyword classifier.
type ruleMatch struct {
	Intent     domain.Intent
	Action     domain.AutopilotAction
	Reason     string
	Confidence float64
}

// keywordRules are checked in order; the first hit wins. They cover the
// high-volume cases so the AI path only sees the ambiguous tail.
var keywordRules = []struct {
	intent   domain.Intent
	action   domain.AutopilotAction
	keywords []string
}{
	{domain.IntentChurn, domain.ActionWinback,
		[]string{"cancelar", "desistir", "reembolso", "quero sair", "nao quero mais", "não quero mais"}},
	{domain.IntentComplaint, domain.ActionDeescalate,
		[]string{"reclamar", "absurdo", "pessimo", "péssimo", "horrivel", "horrível", "raiva", "problema com"}},
	{domain.IntentPrice, domain.ActionSendOffer,
		[]string{"preco", "preço", "quanto custa", "valor do", "quanto fica", "quanto sai"}},
	{domain.IntentSchedule, domain.ActionSendSchedule,
		[]string{"agendar", "marcar", "horario", "horário", "agenda", "que horas"}},
}

var greetings = []string{
	"oi", "ola", "olá", "bom dia", "boa tarde", "boa noite", "e ai", "e aí", "opa",
}

// classifyRules runs the keyword short-circuit. The greeting check is
// anchored to the start of the message so "oi" inside a longer sentence does
// not hijack the classification.
func classifyRules(message string) (ruleMatch, bool) {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return ruleMatch{}, false
	}

	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return ruleMatch{
					Intent:     rule.intent,
					Action:     rule.action,
					Reason:     "keyword match: " + kw,
					Confidence: 0.9,
				}, true
			}
		}
	}

	for _, g := range greetings {
		if lower == g || strings.HasPrefix(lower, g+" ") || strings.HasPrefix(lower, g+",") || strings.HasPrefix(lower, g+"!") {
			return ruleMatch{
				Intent:     domain.IntentGreeting,
				Action:     domain.ActionGreet,
				Reason:     "greeting",
				Confidence: 0.8,
			}, true
		}
	}
	return ruleMatch{}, false
}

// shouldUseAgent routes to the tool-calling unified agent when the message is
// long, carries multiple questions, smells like a negotiation, or the lead is
// already hot.
func shouldUseAgent(message string, contact *domain.Contact) bool {
	if len(message) > 280 {
		return true
	}
	if strings.Count(message, "?") >= 2 {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range []string{"desconto", "negociar", "proposta", "condicao", "condição", "parcelar"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return contact != nil && contact.LeadScore >= 70
}
