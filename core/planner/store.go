package planner

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a plan, run, or checkpoint request does
// not exist.
var ErrNotFound = errors.New("planner: not found")

// Store persists plans, plan runs, step logs, and checkpoint requests.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	UpdatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, planID string) (*Plan, error)
	ListPlans(ctx context.Context, status PlanStatus, limit int64) ([]*Plan, error)

	CreateRun(ctx context.Context, r *PlanRun) error
	UpdateRun(ctx context.Context, r *PlanRun) error
	GetRun(ctx context.Context, runID string) (*PlanRun, error)

	AppendStepLog(ctx context.Context, l *StepLog) error
	ListStepLogs(ctx context.Context, runID string, limit int64) ([]*StepLog, error)

	CreateCheckpoint(ctx context.Context, req *CheckpointRequest) error
	UpdateCheckpoint(ctx context.Context, req *CheckpointRequest) error
	GetCheckpoint(ctx context.Context, requestID string) (*CheckpointRequest, error)
	ListPendingCheckpoints(ctx context.Context, runID string) ([]*CheckpointRequest, error)
}
