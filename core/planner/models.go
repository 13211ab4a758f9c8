// Package planner turns free-form requests into executable plans and
// drives them under sequential, parallel, loop, or conditional execution,
// with human approval gates before and during execution. Plan
// construction is delegated to a pluggable strategy; every strategy call
// site tolerates malformed output by falling back to a conservative
// structural default.
package planner

import "time"

// PlanType identifies how a plan was constructed.
type PlanType string

const (
	PlanTypeUseExistingDAG   PlanType = "use_existing_dag"
	PlanTypeCreateStategraph PlanType = "create_stategraph"
	PlanTypeSimpleExecution  PlanType = "simple_execution"
)

// ExecutionMode selects the step scheduling discipline.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModeConditional ExecutionMode = "conditional"
	ModeLoop        ExecutionMode = "loop"
)

// ValidMode reports whether m is one of the four execution modes.
func ValidMode(m ExecutionMode) bool {
	switch m {
	case ModeSequential, ModeParallel, ModeConditional, ModeLoop:
		return true
	default:
		return false
	}
}

// PlanStatus captures the plan approval lifecycle.
type PlanStatus string

const (
	PlanPendingApproval PlanStatus = "pending_approval"
	PlanApproved        PlanStatus = "approved"
	PlanRejected        PlanStatus = "rejected"
	PlanExecuted        PlanStatus = "executed"
)

// StepType identifies the capability kind a step targets.
type StepType string

const (
	StepTypeAgent StepType = "agent"
	StepTypeTool  StepType = "tool"
)

// Step is one unit of planned work. Condition, when set, is a dotted
// path over prior step results (optionally "path == literal"); a false
// condition skips the step in conditional mode.
type Step struct {
	StepID        string         `json:"step_id"`
	Name          string         `json:"name,omitempty"`
	Type          StepType       `json:"type"`
	AgentID       string         `json:"agent_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	ParallelGroup string         `json:"parallel_group,omitempty"`
	Condition     string         `json:"condition,omitempty"`
}

// LoopConfig bounds loop-mode execution.
type LoopConfig struct {
	MaxIterations int    `json:"max_iterations"`
	Condition     string `json:"condition,omitempty"`
}

// ExecutionPlan is the structured step breakdown a plan executes.
type ExecutionPlan struct {
	Type            string        `json:"type,omitempty"`
	Mode            ExecutionMode `json:"execution_mode"`
	Steps           []Step        `json:"steps"`
	HITLCheckpoints []string      `json:"hitl_checkpoints,omitempty"`
	LoopConfig      *LoopConfig   `json:"loop_config,omitempty"`
}

// Step returns the step with the given id, or nil.
func (p *ExecutionPlan) Step(stepID string) *Step {
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return &p.Steps[i]
		}
	}
	return nil
}

// IsCheckpoint reports whether the step id is a HITL checkpoint.
func (p *ExecutionPlan) IsCheckpoint(stepID string) bool {
	for _, id := range p.HITLCheckpoints {
		if id == stepID {
			return true
		}
	}
	return false
}

// Plan is the durable record of one planning pass. Immutable once
// executed.
type Plan struct {
	PlanID        string         `json:"plan_id"`
	UserID        string         `json:"user_id"`
	SessionID     string         `json:"session_id"`
	UserRequest   string         `json:"user_request"`
	PlanType      PlanType       `json:"plan_type"`
	DAGID         string         `json:"dag_id,omitempty"`
	ExecutionPlan *ExecutionPlan `json:"execution_plan"`
	Analysis      *Analysis      `json:"analysis,omitempty"`
	Summary       string         `json:"summary"`
	Status        PlanStatus     `json:"status"`
	RequiresHITL  bool           `json:"requires_hitl"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	RejectedBy    string         `json:"rejected_by,omitempty"`
	RejectReason  string         `json:"reject_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Analysis is the structured result of the analyze_request stage.
type Analysis struct {
	Intent            string   `json:"intent"`
	Complexity        string   `json:"complexity"`
	RequiresHITL      bool     `json:"requires_hitl"`
	KeyRequirements   []string `json:"key_requirements,omitempty"`
	SuggestedApproach string   `json:"suggested_approach,omitempty"`
}

// StrategyDecision is the typed result of the decide_strategy stage.
type StrategyDecision struct {
	PlanType PlanType      `json:"plan_type"`
	Mode     ExecutionMode `json:"execution_mode"`
	DAGID    string        `json:"dag_id,omitempty"`
}

// RunStatus captures the lifecycle of one plan execution.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunWaitingHITL RunStatus = "waiting_hitl"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
)

// Terminal reports whether the run can make no further progress.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// PlanRun is the durable resume token for one plan execution: everything
// a worker needs to reconstruct its position after a suspension.
type PlanRun struct {
	RunID               string         `json:"run_id"`
	PlanID              string         `json:"plan_id"`
	Status              RunStatus      `json:"status"`
	CompletedSteps      []string       `json:"completed_steps,omitempty"`
	FailedSteps         []string       `json:"failed_steps,omitempty"`
	StepResults         map[string]any `json:"step_results,omitempty"`
	LoopIteration       int            `json:"loop_iteration,omitempty"`
	ApprovedCheckpoints []string       `json:"approved_checkpoints,omitempty"`
	Error               string         `json:"error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// StepDone reports whether the step id is in the completed set.
func (r *PlanRun) StepDone(stepID string) bool {
	for _, id := range r.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// StepFailed reports whether the step id is in the failed set.
func (r *PlanRun) StepFailed(stepID string) bool {
	for _, id := range r.FailedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// CheckpointApproved reports whether the checkpoint was externally
// approved.
func (r *PlanRun) CheckpointApproved(stepID string) bool {
	for _, id := range r.ApprovedCheckpoints {
		if id == stepID {
			return true
		}
	}
	return false
}

// StepLog is one persisted step execution record.
type StepLog struct {
	RunID      string    `json:"run_id"`
	PlanID     string    `json:"plan_id"`
	StepID     string    `json:"step_id"`
	Iteration  int       `json:"iteration"`
	Success    bool      `json:"success"`
	Skipped    bool      `json:"skipped,omitempty"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// CheckpointStatus captures the lifecycle of an approval checkpoint.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
)

// CheckpointRequest is the planner-side HITL request, scoped to a plan
// run and a checkpoint step.
type CheckpointRequest struct {
	RequestID   string           `json:"request_id"`
	PlanID      string           `json:"plan_id"`
	RunID       string           `json:"run_id"`
	StepID      string           `json:"step_id"`
	Message     string           `json:"message"`
	Status      CheckpointStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
	RespondedBy string           `json:"responded_by,omitempty"`
	Response    string           `json:"response,omitempty"`
}
