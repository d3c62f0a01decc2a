package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zapflowhq/zapflow/internal/domain"
)

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeWait
	outcomeEnd
)

// outcome is what a node executor hands back to the run loop. newDef is set
// when the node switched flows (subflow call or return).
type outcome struct {
	kind    outcomeKind
	next    string
	timeout time.Duration
	newDef  *domain.FlowDefinition
}

func continueTo(next string) *outcome {
	return &outcome{kind: outcomeContinue, next: next}
}

func endFlow() *outcome {
	return &outcome{kind: outcomeEnd}
}

func (e *Engine) executeNode(ctx context.Context, ws *domain.Workspace, def *domain.FlowDefinition, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	switch node.Type {
	case domain.NodeTypeMessage:
		return e.execMessage(ctx, ws, state, node)
	case domain.NodeTypeDelay:
		return e.execDelay(ctx, state, node)
	case domain.NodeTypeWait:
		return e.execWait(ctx, state, node)
	case domain.NodeTypeCondition:
		return e.execCondition(state, node)
	case domain.NodeTypeConditionNode:
		return e.execConditionNode(state, node)
	case domain.NodeTypeSubflow:
		return e.execSubflow(ctx, ws, def, state, node)
	case domain.NodeTypeReturn:
		return e.execReturn(ctx, ws, state)
	case domain.NodeTypeSaveVariable:
		return e.execSaveVariable(ctx, ws, state, node)
	case domain.NodeTypeAPI:
		return e.execAPI(ctx, state, node)
	case domain.NodeTypeTag:
		return e.execTag(ctx, ws, state, node)
	case domain.NodeTypeCRM:
		return e.execCRM(ctx, ws, state, node)
	case domain.NodeTypeUpdateStage:
		return e.execUpdateStage(ctx, ws, state, node)
	case domain.NodeTypeCampaign:
		return e.execCampaign(ctx, ws, state, node)
	case domain.NodeTypeAI, domain.NodeTypeGPT, domain.NodeTypeAIKB:
		return e.execAI(ctx, ws, state, node)
	case domain.NodeTypeSwitch:
		return e.execSwitch(state, node)
	case domain.NodeTypeGoto:
		return continueTo(node.Payload.(*GotoPayload).Target), nil
	case domain.NodeTypeEmotion:
		return e.execEmotion(state, node)
	case domain.NodeTypeAutoPitch:
		return e.execAutoPitch(ctx, ws, state, node)
	case domain.NodeTypeMedia:
		return e.execMedia(ctx, ws, state, node)
	case domain.NodeTypeVoice:
		return e.execVoice(ctx, ws, state, node)
	default:
		// Unknown node types from newer builders: log, skip, keep walking.
		log.Warn().
			Str("flow_id", state.FlowID).
			Str("node_id", node.ID).
			Str("type", string(node.Type)).
			Msg("unknown node type, skipping")
		state.AppendLog("skipped unknown node type " + string(node.Type))
		return continueTo(node.Next), nil
	}
}

func (e *Engine) execMessage(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*MessagePayload)
	text := Interpolate(p.Text, state.Variables)

	res := e.deps.Pipeline.SendText(ctx, ws, state.User, text)
	if !res.Success {
		return nil, fmt.Errorf("send failed: %s", res.Error)
	}
	state.AppendLog("message sent via " + res.Provider)
	e.saveOutbound(ctx, state, text)
	return continueTo(node.Next), nil
}

func (e *Engine) execDelay(ctx context.Context, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*DelayPayload)
	if err := e.sleep(ctx, time.Duration(p.Seconds*float64(time.Second))); err != nil {
		return nil, err
	}
	return continueTo(node.Next), nil
}

// execWait blocks the run until a reply or timeout. Replies buffered while
// the worker was between nodes (the in-state pending slot or the durable
// reply queue) are consumed immediately instead of parking the run.
func (e *Engine) execWait(ctx context.Context, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*WaitPayload)

	if fired, _ := state.Variables[varPendingTimeout].(bool); fired {
		delete(state.Variables, varPendingTimeout)
		state.AppendLog("wait at node " + node.ID + " timed out")
		if node.No != "" {
			return continueTo(node.No), nil
		}
		return continueTo(node.Next), nil
	}

	if msg, ok := state.Variables[varPendingReply].(string); ok {
		delete(state.Variables, varPendingReply)
		return continueTo(e.branchOnReply(state, node, p, msg)), nil
	}
	if msg, ok, err := e.deps.Store.PopReply(ctx, state.User); err == nil && ok {
		state.Variables[varLastUserMessage] = msg
		return continueTo(e.branchOnReply(state, node, p, msg)), nil
	}

	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	return &outcome{kind: outcomeWait, timeout: timeout}, nil
}

// branchOnReply applies the keyword routing: any configured keyword present
// in the reply follows Yes, otherwise No. Without keywords the reply just
// continues to Next.
func (e *Engine) branchOnReply(state *domain.ExecutionState, node *domain.FlowNode, p *WaitPayload, msg string) string {
	state.AppendLog("consumed reply at node " + node.ID)
	if strings.TrimSpace(p.Keywords) == "" {
		return node.Next
	}

	lower := strings.ToLower(msg)
	matched := false
	for _, kw := range strings.Split(p.Keywords, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			matched = true
			break
		}
	}
	return pickBranch(node, matched)
}

// pickBranch resolves a boolean result against the node's Yes/No pointers,
// falling back to Next when the matching pointer is unset.
func pickBranch(node *domain.FlowNode, result bool) string {
	if result && node.Yes != "" {
		return node.Yes
	}
	if !result && node.No != "" {
		return node.No
	}
	return node.Next
}

func (e *Engine) execCondition(state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*ConditionPayload)
	result := EvaluateCondition(p.Expression, state.Variables)
	state.AppendLog(fmt.Sprintf("condition %q -> %t", p.Expression, result))
	return continueTo(pickBranch(node, result)), nil
}

func (e *Engine) execConditionNode(state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*ConditionNodePayload)
	result := Compare(state.Variables[p.Variable], p.Operator, p.Value)
	state.AppendLog(fmt.Sprintf("condition %s %s %v -> %t", p.Variable, p.Operator, p.Value, result))
	return continueTo(pickBranch(node, result)), nil
}

func (e *Engine) execSubflow(ctx context.Context, ws *domain.Workspace, def *domain.FlowDefinition, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*SubflowPayload)
	sub, err := e.loadFlow(ctx, ws.ID, p.FlowID)
	if err != nil {
		return nil, err
	}

	state.CallStack = append(state.CallStack, domain.StackFrame{
		FlowID: def.ID,
		NodeID: node.Next,
	})
	state.AppendLog("calling subflow " + sub.ID)
	return &outcome{kind: outcomeContinue, next: sub.StartNodeID, newDef: sub}, nil
}

func (e *Engine) execReturn(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState) (*outcome, error) {
	if len(state.CallStack) == 0 {
		return endFlow(), nil
	}
	frame := state.CallStack[len(state.CallStack)-1]
	state.CallStack = state.CallStack[:len(state.CallStack)-1]

	caller, err := e.loadFlow(ctx, ws.ID, frame.FlowID)
	if err != nil {
		return nil, fmt.Errorf("returning to flow %s: %w", frame.FlowID, err)
	}
	state.AppendLog("returning to flow " + frame.FlowID)
	if frame.NodeID == "" {
		return endFlow(), nil
	}
	return &outcome{kind: outcomeContinue, next: frame.NodeID, newDef: caller}, nil
}

func (e *Engine) execSaveVariable(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*SaveVariablePayload)
	val := EvaluateValue(p.Expression, state.Variables)
	state.Variables[p.Name] = val

	// contact.-prefixed variables also persist to the CRM record.
	if field, ok := strings.CutPrefix(p.Name, "contact."); ok && e.deps.CRM != nil && state.ContactID != "" {
		if err := e.deps.CRM.SetField(ctx, ws.ID, state.ContactID, field, val); err != nil {
			return nil, fmt.Errorf("saving contact field %s: %w", field, err)
		}
	}
	return continueTo(node.Next), nil
}

func (e *Engine) execAPI(ctx context.Context, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*APIPayload)
	if e.deps.HTTP == nil {
		return nil, fmt.Errorf("no http client configured")
	}

	headers := make(map[string]string, len(p.Headers))
	for k, v := range p.Headers {
		headers[k] = Interpolate(v, state.Variables)
	}
	resp, err := e.deps.HTTP.Fetch(ctx,
		p.Method,
		Interpolate(p.URL, state.Variables),
		headers,
		Interpolate(p.Body, state.Variables),
	)
	if err != nil {
		return nil, err
	}

	if p.SaveAs != "" {
		if resp.JSON != nil {
			state.Variables[p.SaveAs] = resp.JSON
		} else {
			state.Variables[p.SaveAs] = resp.Body
		}
		state.Variables[p.SaveAs+"_status"] = resp.Status
	}
	state.AppendLog(fmt.Sprintf("api call %s -> %d", p.URL, resp.Status))
	return continueTo(node.Next), nil
}

func (e *Engine) execTag(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*TagPayload)
	if e.deps.CRM == nil || state.ContactID == "" {
		return nil, fmt.Errorf("no contact to tag")
	}

	tag := Interpolate(p.Tag, state.Variables)
	var err error
	if p.Remove {
		err = e.deps.CRM.RemoveTag(ctx, ws.ID, state.ContactID, tag)
	} else {
		err = e.deps.CRM.AddTag(ctx, ws.ID, state.ContactID, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("tag %s: %w", tag, err)
	}
	return continueTo(node.Next), nil
}

func (e *Engine) execCRM(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*CRMPayload)
	if e.deps.CRM == nil || state.ContactID == "" {
		return nil, fmt.Errorf("no contact to update")
	}
	val := Interpolate(p.Value, state.Variables)
	if err := e.deps.CRM.SetField(ctx, ws.ID, state.ContactID, p.Field, val); err != nil {
		return nil, fmt.Errorf("crm field %s: %w", p.Field, err)
	}
	return continueTo(node.Next), nil
}

func (e *Engine) execUpdateStage(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*UpdateStagePayload)
	if e.deps.CRM == nil || state.ContactID == "" {
		return nil, fmt.Errorf("no contact to move")
	}
	if err := e.deps.CRM.MoveDealStage(ctx, ws.ID, state.ContactID, p.Pipeline, p.Stage); err != nil {
		return nil, fmt.Errorf("moving deal to %s: %w", p.Stage, err)
	}
	state.AppendLog("deal moved to stage " + p.Stage)
	return continueTo(node.Next), nil
}

func (e *Engine) execCampaign(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*CampaignPayload)
	if e.deps.Campaigns == nil {
		return nil, fmt.Errorf("no campaign runner configured")
	}
	if err := e.deps.Campaigns.Trigger(ctx, ws.ID, p.CampaignID, state.ContactID); err != nil {
		return nil, fmt.Errorf("campaign %s: %w", p.CampaignID, err)
	}
	return continueTo(node.Next), nil
}

func (e *Engine) execSwitch(state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*SwitchPayload)
	val := toString(state.Variables[p.Variable])

	if target, ok := p.Cases[val]; ok && target != "" {
		return continueTo(target), nil
	}
	if p.Default != "" {
		return continueTo(p.Default), nil
	}
	return continueTo(node.Next), nil
}

func (e *Engine) execMedia(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*MediaPayload)
	kind := p.Kind
	if kind == "" {
		kind = "image"
	}

	res := e.deps.Pipeline.SendMedia(ctx, ws, state.User, kind,
		Interpolate(p.URL, state.Variables),
		Interpolate(p.Caption, state.Variables),
	)
	if !res.Success {
		return nil, fmt.Errorf("media send failed: %s", res.Error)
	}
	state.AppendLog("media sent via " + res.Provider)
	return continueTo(node.Next), nil
}

const (
	voicePollInterval = time.Second
	voicePollBudget   = 30
)

func (e *Engine) execVoice(ctx context.Context, ws *domain.Workspace, state *domain.ExecutionState, node *domain.FlowNode) (*outcome, error) {
	p := node.Payload.(*VoicePayload)
	if e.deps.Voice == nil {
		return nil, fmt.Errorf("no voice synthesizer configured")
	}

	jobID, err := e.deps.Voice.CreateJob(ctx, ws.ID, Interpolate(p.Text, state.Variables), p.VoiceID)
	if err != nil {
		return nil, fmt.Errorf("voice synthesis: %w", err)
	}

	for i := 0; i < voicePollBudget; i++ {
		job, err := e.deps.Voice.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case "done":
			res := e.deps.Pipeline.SendMedia(ctx, ws, state.User, "audio", job.AudioURL, "")
			if !res.Success {
				return nil, fmt.Errorf("voice send failed: %s", res.Error)
			}
			state.AppendLog("voice note sent via " + res.Provider)
			return continueTo(node.Next), nil
		case "failed":
			return nil, fmt.Errorf("voice job %s failed", jobID)
		}
		if err := e.sleep(ctx, voicePollInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("voice job %s did not finish in time", jobID)
}

func (e *Engine) saveOutbound(ctx context.Context, state *domain.ExecutionState, body string) {
	if e.deps.Conversations == nil || state.ContactID == "" {
		return
	}
	err := e.deps.Conversations.SaveOutbound(ctx, domain.ConversationMessage{
		WorkspaceID: state.WorkspaceID,
		ContactID:   state.ContactID,
		Direction:   domain.DirectionOutbound,
		Body:        body,
		Channel:     "whatsapp",
		CreatedAt:   e.now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("saving outbound message failed")
	}
}
