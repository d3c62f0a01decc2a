package flow

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/zapflowhq/zapflow/internal/domain"
)

var validate = validator.New()

// MessagePayload configures a text send.
type MessagePayload struct {
	Text string `json:"text" validate:"required"`
}

// DelayPayload pauses the run for a fixed number of seconds.
type DelayPayload struct {
	Seconds float64 `json:"seconds" validate:"gte=0"`
}

// WaitPayload blocks the run until the user replies or the timeout fires.
// Keywords is a comma-separated list; when set, a matching reply follows the
// Yes pointer and anything else follows No.
type WaitPayload struct {
	TimeoutSeconds int    `json:"timeoutSeconds" validate:"gte=0"`
	Keywords       string `json:"keywords"`
}

// ConditionPayload is the legacy expression form evaluated by
// EvaluateCondition.
type ConditionPayload struct {
	Expression string `json:"expression" validate:"required"`
}

// ConditionNodePayload is the structured operator form.
type ConditionNodePayload struct {
	Variable string `json:"variable" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value"`
}

type SubflowPayload struct {
	FlowID string `json:"flowId" validate:"required"`
}

// SaveVariablePayload stores an evaluated expression under Name. Names with a
// `contact.` prefix additionally persist to the CRM contact record.
type SaveVariablePayload struct {
	Name       string `json:"name" validate:"required"`
	Expression string `json:"expression"`
}

type APIPayload struct {
	URL     string            `json:"url" validate:"required"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	SaveAs  string            `json:"saveAs"`
}

type TagPayload struct {
	Tag    string `json:"tag" validate:"required"`
	Remove bool   `json:"remove"`
}

type CRMPayload struct {
	Field string `json:"field" validate:"required"`
	Value string `json:"value"`
}

type UpdateStagePayload struct {
	Pipeline string `json:"pipeline"`
	Stage    string `json:"stage" validate:"required"`
}

type CampaignPayload struct {
	CampaignID string `json:"campaignId" validate:"required"`
}

// AIPayload drives the aiNode, gptNode and aiKbNode executors. The node type
// only changes the defaults: gptNode forces history on, aiKbNode forces
// knowledge-base retrieval on.
type AIPayload struct {
	Prompt     string `json:"prompt"`
	System     string `json:"system"`
	SaveAs     string `json:"saveAs"`
	UseKB      bool   `json:"useKb"`
	UseHistory bool   `json:"useHistory"`
	UseMemory  bool   `json:"useMemory"`
	Model      string `json:"model"`
}

type SwitchPayload struct {
	Variable string            `json:"variable" validate:"required"`
	Cases    map[string]string `json:"cases"`
	Default  string            `json:"default"`
}

type GotoPayload struct {
	Target string `json:"target" validate:"required"`
}

// EmotionPayload classifies the last user message into an emotion label and
// optionally branches per label. The label is always saved into SaveAs
// (default "emotion").
type EmotionPayload struct {
	SaveAs   string            `json:"saveAs"`
	Branches map[string]string `json:"branches"`
}

// AutoPitchPayload generates a short sales pitch via the workspace model,
// falling back to the static Fallback text when no model is configured or the
// call fails.
type AutoPitchPayload struct {
	Product  string `json:"product"`
	Fallback string `json:"fallback"`
}

type MediaPayload struct {
	URL     string `json:"url" validate:"required"`
	Kind    string `json:"kind"`
	Caption string `json:"caption"`
}

type VoicePayload struct {
	Text    string `json:"text" validate:"required"`
	VoiceID string `json:"voiceId"`
}

var conditionOperators = map[string]bool{
	"==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"contains": true,
}

// decodePayload turns a node's raw data map into its typed payload and
// validates it. Unknown node types return (nil, nil): they execute as no-ops.
func decodePayload(nodeType domain.NodeType, data map[string]any) (any, error) {
	var payload any

	switch nodeType {
	case domain.NodeTypeMessage:
		payload = &MessagePayload{}
	case domain.NodeTypeDelay:
		payload = &DelayPayload{}
	case domain.NodeTypeWait:
		payload = &WaitPayload{}
	case domain.NodeTypeCondition:
		payload = &ConditionPayload{}
	case domain.NodeTypeConditionNode:
		payload = &ConditionNodePayload{}
	case domain.NodeTypeSubflow:
		payload = &SubflowPayload{}
	case domain.NodeTypeReturn:
		return nil, nil
	case domain.NodeTypeSaveVariable:
		payload = &SaveVariablePayload{}
	case domain.NodeTypeAPI:
		payload = &APIPayload{}
	case domain.NodeTypeTag:
		payload = &TagPayload{}
	case domain.NodeTypeCRM:
		payload = &CRMPayload{}
	case domain.NodeTypeUpdateStage:
		payload = &UpdateStagePayload{}
	case domain.NodeTypeCampaign:
		payload = &CampaignPayload{}
	case domain.NodeTypeAI, domain.NodeTypeGPT, domain.NodeTypeAIKB:
		payload = &AIPayload{}
	case domain.NodeTypeSwitch:
		payload = &SwitchPayload{}
	case domain.NodeTypeGoto:
		payload = &GotoPayload{}
	case domain.NodeTypeEmotion:
		payload = &EmotionPayload{}
	case domain.NodeTypeAutoPitch:
		payload = &AutoPitchPayload{}
	case domain.NodeTypeMedia:
		payload = &MediaPayload{}
	case domain.NodeTypeVoice:
		payload = &VoicePayload{}
	default:
		return nil, nil
	}

	applyAliases(nodeType, data)

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding node data: %w", err)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", nodeType, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", nodeType, err)
	}

	if p, ok := payload.(*ConditionNodePayload); ok && !conditionOperators[p.Operator] {
		return nil, fmt.Errorf("invalid conditionNode operator %q", p.Operator)
	}
	return payload, nil
}

// applyAliases maps older builder field names onto the canonical ones so
// graphs exported before the editor rewrite keep parsing.
func applyAliases(nodeType domain.NodeType, data map[string]any) {
	alias := func(from, to string) {
		if _, ok := data[to]; ok {
			return
		}
		if v, ok := data[from]; ok {
			data[to] = v
		}
	}

	switch nodeType {
	case domain.NodeTypeMessage:
		alias("message", "text")
	case domain.NodeTypeDelay:
		alias("delay", "seconds")
	case domain.NodeTypeWait:
		alias("timeout", "timeoutSeconds")
	case domain.NodeTypeCondition:
		alias("condition", "expression")
	case domain.NodeTypeSaveVariable:
		alias("variable", "name")
		alias("value", "expression")
	case domain.NodeTypeGoto:
		alias("node", "target")
	case domain.NodeTypeMedia:
		alias("mediaUrl", "url")
		alias("type", "kind")
	}
}
