// Package workflow drives DAG executions to a terminal state: it computes
// ready batches, dispatches nodes to capability providers, persists every
// transition, and suspends on human-in-the-loop nodes until an external
// approval or rejection arrives.
package workflow

import (
	"encoding/json"
	"time"
)

// Status captures the lifecycle of a workflow execution.
type Status string

const (
	StatusRunning     Status = "running"
	StatusWaitingHITL Status = "waiting_hitl"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the workflow can make no further progress.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Workflow is the durable record of one DAG execution. GraphJSON is the
// serialized graph snapshot; it is the only execution state that survives
// a suspension, so it is rewritten on every transition.
type Workflow struct {
	WorkflowID  string          `json:"workflow_id"`
	DAGID       string          `json:"dag_id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	GraphJSON   json.RawMessage `json:"graph_json,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NodeRecord is the per-node status projection persisted alongside the
// graph snapshot for cheap status queries.
type NodeRecord struct {
	WorkflowID  string     `json:"workflow_id"`
	NodeID      string     `json:"node_id"`
	NodeType    string     `json:"node_type"`
	AgentID     string     `json:"agent_id,omitempty"`
	ToolName    string     `json:"tool_name,omitempty"`
	Status      string     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HITLStatus captures the lifecycle of a human-in-the-loop request.
type HITLStatus string

const (
	HITLPending  HITLStatus = "pending"
	HITLApproved HITLStatus = "approved"
	HITLRejected HITLStatus = "rejected"
)

// HITLRequest is raised when execution reaches a human_in_loop node. Its
// resolution is the only external trigger that resumes a suspended
// workflow.
type HITLRequest struct {
	RequestID   string     `json:"request_id"`
	WorkflowID  string     `json:"workflow_id"`
	NodeID      string     `json:"node_id"`
	Message     string     `json:"message"`
	Status      HITLStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	RespondedBy string     `json:"responded_by,omitempty"`
	Response    string     `json:"response,omitempty"`
}

// EventRecord is one entry in a workflow's append-only event timeline.
type EventRecord struct {
	WorkflowID string         `json:"workflow_id"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// WorkflowView is the read-only projection returned by GetWorkflowStatus.
type WorkflowView struct {
	Workflow *Workflow     `json:"workflow"`
	Nodes    []*NodeRecord `json:"nodes"`
}
