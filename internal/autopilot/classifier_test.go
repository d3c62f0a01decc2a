package autopilot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapflowhq/zapflow/internal/domain"
	"github.com/zapflowhq/zapflow/internal/queue"
)

func makeJob(t *testing.T, name string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "j1", Name: name, Payload: raw}
}

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		message string
		intent  domain.Intent
		action  domain.AutopilotAction
		matched bool
	}{
		{"quanto custa o plano?", domain.IntentPrice, domain.ActionSendOffer, true},
		{"qual o preço disso", domain.IntentPrice, domain.ActionSendOffer, true},
		{"quero agendar uma reuniao", domain.IntentSchedule, domain.ActionSendSchedule, true},
		{"isso e um absurdo, estou com raiva", domain.IntentComplaint, domain.ActionDeescalate, true},
		{"quero cancelar o contrato", domain.IntentChurn, domain.ActionWinback, true},
		{"oi, tudo bem?", domain.IntentGreeting, domain.ActionGreet, true},
		{"bom dia", domain.IntentGreeting, domain.ActionGreet, true},
		{"me fala mais sobre o produto", "", "", false},
		{"", "", "", false},
		// "oi" buried mid-sentence must not classify as a greeting.
		{"me avisa por aqui, pode ser por oi mesmo", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			match, ok := classifyRules(tc.message)
			assert.Equal(t, tc.matched, ok)
			if tc.matched {
				assert.Equal(t, tc.intent, match.Intent)
				assert.Equal(t, tc.action, match.Action)
				assert.NotEmpty(t, match.Reason)
			}
		})
	}
}

func TestChurnWinsOverPrice(t *testing.T) {
	// A cancellation mentioning price is still churn; rule order matters.
	match, ok := classifyRules("quero cancelar, o preço ficou alto")
	require.True(t, ok)
	assert.Equal(t, domain.IntentChurn, match.Intent)
}

func TestShouldUseAgent(t *testing.T) {
	contact := &domain.Contact{LeadScore: 10}

	assert.False(t, shouldUseAgent("oi", contact))
	assert.True(t, shouldUseAgent("tem desconto?", contact))
	assert.True(t, shouldUseAgent("qual o prazo? e a garantia?", contact))
	assert.True(t, shouldUseAgent("oi", &domain.Contact{LeadScore: 90}))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	assert.True(t, shouldUseAgent(string(long), contact))
}

func TestParseVerdictToleratesWrapping(t *testing.T) {
	v := parseVerdict("Sure! Here is the classification:\n```json\n{\"intent\":\"price\",\"action\":\"send_offer\",\"confidence\":0.9}\n```")
	assert.Equal(t, "price", v.Intent)
	assert.Equal(t, "send_offer", v.Action)
	assert.Equal(t, 0.9, v.Confidence)

	v = parseVerdict("no json here at all")
	assert.Empty(t, v.Action)
}

func TestNormalizeAction(t *testing.T) {
	assert.Equal(t, domain.ActionSendOffer, normalizeAction("send_offer", ""))
	assert.Equal(t, domain.ActionSendOffer, normalizeAction("  SEND_OFFER ", ""))
	assert.Equal(t, domain.ActionReply, normalizeAction("make_coffee", "aqui esta a resposta"))
	assert.Equal(t, domain.ActionNone, normalizeAction("make_coffee", ""))
	assert.Equal(t, domain.ActionNone, normalizeAction("", ""))
}

func TestNormalizeIntent(t *testing.T) {
	assert.Equal(t, domain.IntentPrice, normalizeIntent("price"))
	assert.Equal(t, domain.IntentGeneric, normalizeIntent("weather"))
}

func TestComposeMessageUsesFirstName(t *testing.T) {
	contact := &domain.Contact{Name: "Ana Souza"}
	msg := composeMessage(domain.ActionGreet, contact)
	assert.Contains(t, msg, "Ana")
	assert.NotContains(t, msg, "Souza")

	assert.NotEmpty(t, composeMessage(domain.ActionGreet, nil))
	assert.Empty(t, composeMessage(domain.ActionReply, contact))
}
