// Package orchestrator is the thin coordination layer the route layer
// talks to: it ties the DAG workflow engine, the autonomous plan engine,
// and the capability/DAG registries into one surface.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/arcflow/arcflow/core/graph"
	"github.com/arcflow/arcflow/core/planner"
	"github.com/arcflow/arcflow/core/registry"
	"github.com/arcflow/arcflow/core/workflow"
)

// Orchestrator exposes both execution paths: pre-defined DAG workflows
// and autonomous plans.
type Orchestrator struct {
	dags      *registry.DAGRegistry
	workflows *workflow.Engine
	planner   *planner.Engine
}

// New constructs the facade over the two engines and the DAG catalog.
func New(dags *registry.DAGRegistry, workflows *workflow.Engine, plans *planner.Engine) *Orchestrator {
	return &Orchestrator{dags: dags, workflows: workflows, planner: plans}
}

// StartWorkflow compiles a registered DAG template and starts executing
// it in the background.
func (o *Orchestrator) StartWorkflow(ctx context.Context, dagID, sessionID, userID string) (string, error) {
	g := o.dags.CreateGraphFromDAG(dagID)
	if g == nil {
		return "", fmt.Errorf("unknown dag %q", dagID)
	}
	return o.workflows.StartWorkflow(ctx, g, workflow.StartOptions{
		DAGID:     dagID,
		SessionID: sessionID,
		UserID:    userID,
	})
}

// StartGraph starts executing a caller-constructed graph.
func (o *Orchestrator) StartGraph(ctx context.Context, g *graph.Graph, sessionID, userID string) (string, error) {
	return o.workflows.StartWorkflow(ctx, g, workflow.StartOptions{
		DAGID:     g.ID,
		SessionID: sessionID,
		UserID:    userID,
	})
}

// GetWorkflowStatus returns the workflow record and node projections.
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, workflowID string) (*workflow.WorkflowView, error) {
	return o.workflows.GetWorkflowStatus(ctx, workflowID)
}

// GetPendingHITLRequests lists unresolved workflow HITL requests,
// scoped to one workflow when workflowID is non-empty.
func (o *Orchestrator) GetPendingHITLRequests(ctx context.Context, workflowID string) ([]*workflow.HITLRequest, error) {
	return o.workflows.GetPendingHITLRequests(ctx, workflowID)
}

// ApproveHITL resolves a workflow HITL request and resumes the workflow.
func (o *Orchestrator) ApproveHITL(ctx context.Context, requestID, userID, response string) error {
	return o.workflows.ApproveHITL(ctx, requestID, userID, response)
}

// RejectHITL resolves a workflow HITL request negatively, failing the
// workflow.
func (o *Orchestrator) RejectHITL(ctx context.Context, requestID, userID, reason string) error {
	return o.workflows.RejectHITL(ctx, requestID, userID, reason)
}

// CreatePlan runs plan construction through request approval.
func (o *Orchestrator) CreatePlan(ctx context.Context, userID, sessionID, request string) (*planner.Plan, error) {
	return o.planner.CreatePlan(ctx, userID, sessionID, request)
}

// ApprovePlan approves a pending plan and begins executing it. Returns
// the plan run id.
func (o *Orchestrator) ApprovePlan(ctx context.Context, planID, userID string) (string, error) {
	return o.planner.ApprovePlan(ctx, planID, userID)
}

// RejectPlan rejects a pending plan.
func (o *Orchestrator) RejectPlan(ctx context.Context, planID, userID, reason string) error {
	return o.planner.RejectPlan(ctx, planID, userID, reason)
}

// GetPlan returns a persisted plan.
func (o *Orchestrator) GetPlan(ctx context.Context, planID string) (*planner.Plan, error) {
	return o.planner.GetPlan(ctx, planID)
}

// GetPlanRun returns a persisted plan run.
func (o *Orchestrator) GetPlanRun(ctx context.Context, runID string) (*planner.PlanRun, error) {
	return o.planner.GetRun(ctx, runID)
}

// GetPendingCheckpoints lists unresolved plan checkpoints for a run.
func (o *Orchestrator) GetPendingCheckpoints(ctx context.Context, runID string) ([]*planner.CheckpointRequest, error) {
	return o.planner.GetPendingCheckpoints(ctx, runID)
}

// ApproveCheckpoint resolves a plan checkpoint and resumes the run.
func (o *Orchestrator) ApproveCheckpoint(ctx context.Context, requestID, userID, response string) error {
	return o.planner.ApproveCheckpoint(ctx, requestID, userID, response)
}

// RejectCheckpoint resolves a plan checkpoint negatively, failing the
// run.
func (o *Orchestrator) RejectCheckpoint(ctx context.Context, requestID, userID, reason string) error {
	return o.planner.RejectCheckpoint(ctx, requestID, userID, reason)
}

// ListDAGs returns the registered workflow templates.
func (o *Orchestrator) ListDAGs() []registry.DAGSummary {
	return o.dags.ListDAGs()
}

// Wait blocks until both engines have no background work in flight.
func (o *Orchestrator) Wait() {
	o.workflows.Wait()
	o.planner.Wait()
}
