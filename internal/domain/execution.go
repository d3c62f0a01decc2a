package domain

import (
	"context"
	"fmt"
	"time"
)

type ExecutionStatus string

const (
	ExecutionStatusRunning      ExecutionStatus = "RUNNING"
	ExecutionStatusWaitingInput ExecutionStatus = "WAITING_INPUT"
	ExecutionStatusCompleted    ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed       ExecutionStatus = "FAILED"
)

// StackFrame is one sub-flow call frame. NodeID is the caller's continuation
// node, resumed when the callee executes a return node.
type StackFrame struct {
	FlowID string `json:"flowId"`
	NodeID string `json:"nodeId"`
}

// ExecutionState is the live, resumable snapshot of one user's progress
// through a flow. At most one exists per (workspace, user) at any time.
type ExecutionState struct {
	User        string `json:"user"`
	FlowID      string `json:"flowId"`
	WorkspaceID string `json:"workspaceId"`
	ContactID   string `json:"contactId,omitempty"`
	NodeID      string `json:"nodeId"`

	Variables   map[string]any `json:"variables"`
	ExecutionID string         `json:"executionId,omitempty"`
	Log         []string       `json:"log,omitempty"`

	WaitingForResponse bool         `json:"waitingForResponse"`
	TimeoutAt          *time.Time   `json:"timeoutAt,omitempty"`
	CallStack          []StackFrame `json:"callStack,omitempty"`

	Status ExecutionStatus `json:"status"`
}

// ExecutionKey is the context-store key for the live state of a user.
func ExecutionKey(workspaceID, user string) string {
	return fmt.Sprintf("exec:%s:%s", workspaceID, user)
}

// LegacyExecutionKey predates workspace scoping; resume falls back to it so
// executions started before the migration still receive replies.
func LegacyExecutionKey(user string) string {
	return "exec:" + user
}

func (s *ExecutionState) AppendLog(line string) {
	s.Log = append(s.Log, time.Now().UTC().Format(time.RFC3339)+" "+line)
}

func (s *ExecutionState) Key() string {
	if s.WorkspaceID == "" {
		return LegacyExecutionKey(s.User)
	}
	return ExecutionKey(s.WorkspaceID, s.User)
}

// ExecutionRecord is the durable audit row for one run. It survives deletion
// of the live key so history outlives completion.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	FlowID      string          `json:"flowId"`
	User        string          `json:"user"`
	Status      ExecutionStatus `json:"status"`
	Variables   map[string]any  `json:"variables,omitempty"`
	Log         []string        `json:"log,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// ExecutionRecords persists audit records independently of the live state.
type ExecutionRecords interface {
	Create(ctx context.Context, workspaceID, flowID, user string) (*ExecutionRecord, error)
	Get(ctx context.Context, id string) (*ExecutionRecord, error)
	Update(ctx context.Context, rec *ExecutionRecord) error
}
