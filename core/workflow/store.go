package workflow

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a workflow or HITL request does not exist.
var ErrNotFound = errors.New("workflow: not found")

// ErrDeadlock marks a workflow that can make no progress: nothing is
// ready, nothing is waiting on a human, and non-terminal nodes remain.
var ErrDeadlock = errors.New("workflow: no runnable nodes remain")

// Store persists workflow executions. Everything the engine needs to
// resume a suspended workflow must be reachable through this interface.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)
	ListWorkflows(ctx context.Context, status Status, limit int64) ([]*Workflow, error)

	SaveNode(ctx context.Context, rec *NodeRecord) error
	ListNodes(ctx context.Context, workflowID string) ([]*NodeRecord, error)

	AppendEvent(ctx context.Context, ev *EventRecord) error
	ListEvents(ctx context.Context, workflowID string, limit int64) ([]*EventRecord, error)

	CreateHITLRequest(ctx context.Context, req *HITLRequest) error
	UpdateHITLRequest(ctx context.Context, req *HITLRequest) error
	GetHITLRequest(ctx context.Context, requestID string) (*HITLRequest, error)
	ListPendingHITL(ctx context.Context, workflowID string) ([]*HITLRequest, error)
}
