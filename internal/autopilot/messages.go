package autopilot

import (
	"strings"

	"github.com/zapflowhq/zapflow/internal/domain"
)

// composeMessage renders the canned PT-BR copy for an action. The reply
// action never reaches here; its text comes from the model.
func composeMessage(action domain.AutopilotAction, contact *domain.Contact) string {
	name := ""
	if contact != nil && contact.Name != "" {
		name = strings.Split(contact.Name, " ")[0]
	}
	greetName := "Oi!"
	if name != "" {
		greetName = "Oi, " + name + "!"
	}

	switch action {
	case domain.ActionSendOffer:
		return greetName + " Preparei uma condicao especial pra voce. Quer que eu te mande os detalhes?"
	case domain.ActionSendSchedule:
		return greetName + " Tenho alguns horarios livres essa semana. Qual periodo fica melhor pra voce?"
	case domain.ActionDeescalate:
		return "Sinto muito pela experiencia. Ja estou verificando com prioridade e te retorno ainda hoje, combinado?"
	case domain.ActionWinback:
		return greetName + " Antes de decidir, deixa eu te apresentar uma condicao exclusiva que consegui pra voce."
	case domain.ActionGreet:
		return greetName + " Como posso te ajudar hoje?"
	case domain.ActionGhostCloser:
		return greetName + " Vi que voce se interessou e acabamos nao concluindo. Ainda consigo garantir aquela condicao, quer aproveitar?"
	case domain.ActionLeadUnlocker:
		return greetName + " Ficou alguma duvida que eu possa esclarecer? Estou por aqui."
	default:
		return ""
	}
}
