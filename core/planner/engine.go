package planner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcflow/arcflow/core/graph"
	"github.com/arcflow/arcflow/core/infra/bus"
	"github.com/arcflow/arcflow/core/infra/logging"
	"github.com/arcflow/arcflow/core/infra/metrics"
	"github.com/arcflow/arcflow/core/registry"
)

const logComponent = "PLANNER"

// CapabilityCatalog is an executor that can also enumerate its
// capabilities for resource evaluation. Both registry tables satisfy it.
type CapabilityCatalog interface {
	Execute(ctx context.Context, id string, input map[string]any) registry.Result
	List() []registry.Info
}

// DAGCatalog provides the pre-defined workflow templates considered
// during strategy decisions.
type DAGCatalog interface {
	GetDAGConfig(dagID string) *registry.DAGConfig
	ListDAGs() []registry.DAGSummary
}

// EventBus publishes plan lifecycle notifications. A nil bus disables
// publishing.
type EventBus interface {
	Publish(subject string, event *bus.Event) error
}

// Engine is the autonomous plan engine: a supervisor that analyzes a
// request, decides a strategy, constructs a plan, waits for approval,
// and executes the approved plan under one of four execution modes.
// Execution runs on one goroutine per plan run and suspends entirely at
// HITL checkpoints; resumption reconstructs state from the persisted
// run record alone.
type Engine struct {
	store    Store
	agents   CapabilityCatalog
	tools    CapabilityCatalog
	dags     DAGCatalog
	strategy Strategy
	bus      EventBus
	metrics  metrics.PlannerMetrics

	wg sync.WaitGroup

	// locks serializes all read-modify-write passes over one run record:
	// the execution passes and the checkpoint responses. A response
	// landing mid-pass must wait for the worker to park or its update is
	// overwritten by the worker's next persist.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine constructs a plan engine. eventBus may be nil; a nil meter
// defaults to Noop.
func NewEngine(store Store, agents, tools CapabilityCatalog, dags DAGCatalog, strategy Strategy, eventBus EventBus, meter metrics.PlannerMetrics) *Engine {
	if meter == nil {
		meter = metrics.Noop{}
	}
	return &Engine{
		store:    store,
		agents:   agents,
		tools:    tools,
		dags:     dags,
		strategy: strategy,
		bus:      eventBus,
		metrics:  meter,
		locks:    map[string]*sync.Mutex{},
	}
}

func (e *Engine) runLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[runID] = l
	}
	return l
}

// Wait blocks until every spawned plan run goroutine has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CreatePlan runs the supervisor through request approval: analyze the
// request, snapshot resources, decide a strategy, construct the plan,
// and persist it pending approval. It never executes anything.
func (e *Engine) CreatePlan(ctx context.Context, userID, sessionID, request string) (*Plan, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("request required")
	}

	analysis := e.analyzeRequest(ctx, request)
	resources := e.evaluateResources()
	decision := e.decideStrategy(ctx, request, resources)
	plan := &Plan{
		PlanID:       uuid.NewString(),
		UserID:       userID,
		SessionID:    sessionID,
		UserRequest:  request,
		PlanType:     decision.PlanType,
		DAGID:        decision.DAGID,
		Analysis:     analysis,
		Status:       PlanPendingApproval,
		RequiresHITL: analysis.RequiresHITL,
	}
	e.constructPlan(ctx, plan, decision, resources)
	plan.Summary = buildSummary(plan)
	if len(plan.ExecutionPlan.HITLCheckpoints) > 0 {
		plan.RequiresHITL = true
	}

	if err := e.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}
	e.publish(&bus.Event{Type: "plan_created", PlanID: plan.PlanID})
	e.metrics.IncPlanCreated(string(plan.PlanType))
	logging.Info(logComponent, "plan created", "plan_id", plan.PlanID, "plan_type", string(plan.PlanType), "steps", len(plan.ExecutionPlan.Steps))
	return plan, nil
}

// analyzeRequest is the first strategy call. Malformed output degrades
// to a trivial analysis of the raw request.
func (e *Engine) analyzeRequest(ctx context.Context, request string) *Analysis {
	raw, err := e.strategy.Generate(ctx, analysisPrompt(request))
	if err != nil {
		e.metrics.IncStrategyFallback("analyze_request")
		return &Analysis{Intent: request, Complexity: "moderate"}
	}
	analysis, ok := parseAnalysis(raw, request)
	if !ok {
		e.metrics.IncStrategyFallback("analyze_request")
	}
	return analysis
}

// evaluateResources snapshots the available agents, tools, and DAG
// templates. No side effects.
func (e *Engine) evaluateResources() Resources {
	res := Resources{}
	if e.agents != nil {
		res.Agents = e.agents.List()
	}
	if e.tools != nil {
		res.Tools = e.tools.List()
	}
	if e.dags != nil {
		res.DAGs = e.dags.ListDAGs()
	}
	return res
}

// decideStrategy is the second strategy call. Malformed output degrades
// to create_stategraph / sequential.
func (e *Engine) decideStrategy(ctx context.Context, request string, res Resources) *StrategyDecision {
	raw, err := e.strategy.Generate(ctx, decisionPrompt(request, res))
	if err != nil {
		e.metrics.IncStrategyFallback("decide_strategy")
		return fallbackDecision()
	}
	decision, ok := parseDecision(raw)
	if !ok {
		e.metrics.IncStrategyFallback("decide_strategy")
	}
	if decision.PlanType == PlanTypeUseExistingDAG && (e.dags == nil || e.dags.GetDAGConfig(decision.DAGID) == nil) {
		// Missing referenced DAG falls back to the stategraph branch.
		e.metrics.IncStrategyFallback("decide_strategy")
		decision.PlanType = PlanTypeCreateStategraph
		decision.DAGID = ""
	}
	return decision
}

// constructPlan fills in the execution plan per the decided plan type.
func (e *Engine) constructPlan(ctx context.Context, plan *Plan, decision *StrategyDecision, res Resources) {
	switch decision.PlanType {
	case PlanTypeUseExistingDAG:
		ep := compileDAGPlan(e.dags.GetDAGConfig(decision.DAGID), decision.Mode)
		if ep == nil {
			e.metrics.IncStrategyFallback("construct_plan")
			plan.PlanType = PlanTypeCreateStategraph
			plan.DAGID = ""
			plan.ExecutionPlan = e.synthesizePlan(ctx, plan.UserRequest, decision.Mode, res)
			return
		}
		plan.ExecutionPlan = ep
	case PlanTypeSimpleExecution:
		plan.ExecutionPlan = fallbackPlan(plan.UserRequest, res)
	default:
		plan.ExecutionPlan = e.synthesizePlan(ctx, plan.UserRequest, decision.Mode, res)
	}
}

// synthesizePlan is the third strategy call: a full step breakdown.
// Malformed or schema-invalid output degrades to a single-step plan on
// the first available agent.
func (e *Engine) synthesizePlan(ctx context.Context, request string, mode ExecutionMode, res Resources) *ExecutionPlan {
	raw, err := e.strategy.Generate(ctx, planPrompt(request, mode, res))
	if err != nil {
		e.metrics.IncStrategyFallback("construct_plan")
		return fallbackPlan(request, res)
	}
	ep, ok := parsePlan(raw, request, mode, res)
	if !ok {
		e.metrics.IncStrategyFallback("construct_plan")
	}
	return ep
}

// compileDAGPlan maps a DAG template into a step list 1:1. Agent and
// tool nodes become steps with dependencies preserved. A human_in_loop
// node becomes a checkpoint on each of its dependencies, with its own
// dependents rewired onto those dependencies; a human gate with no
// dependencies is subsumed by plan approval itself. Returns nil when the
// template is missing.
func compileDAGPlan(cfg *registry.DAGConfig, mode ExecutionMode) *ExecutionPlan {
	if cfg == nil {
		return nil
	}
	if !ValidMode(mode) {
		mode = ModeSequential
	}
	human := map[string][]string{}
	for _, nc := range cfg.Nodes {
		if nc.NodeType == string(graph.NodeTypeHuman) {
			human[nc.NodeID] = nc.Dependencies
		}
	}

	// Dependencies through a human gate collapse onto the gate's own
	// dependencies, resolved transitively for stacked gates.
	var resolve func(dep string, seen map[string]bool) []string
	resolve = func(dep string, seen map[string]bool) []string {
		gateDeps, isHuman := human[dep]
		if !isHuman {
			return []string{dep}
		}
		if seen[dep] {
			return nil
		}
		seen[dep] = true
		out := []string{}
		for _, gd := range gateDeps {
			out = append(out, resolve(gd, seen)...)
		}
		return out
	}

	ep := &ExecutionPlan{Type: "dag", Mode: mode}
	checkpoints := map[string]bool{}
	for _, nc := range cfg.Nodes {
		if _, isHuman := human[nc.NodeID]; isHuman {
			for _, dep := range nc.Dependencies {
				for _, real := range resolve(dep, map[string]bool{}) {
					checkpoints[real] = true
				}
			}
			continue
		}
		step := Step{
			StepID:   nc.NodeID,
			Name:     nc.NodeID,
			Type:     StepType(nc.NodeType),
			AgentID:  nc.AgentID,
			ToolName: nc.ToolName,
			Input:    nc.Config,
		}
		for _, dep := range nc.Dependencies {
			step.Dependencies = append(step.Dependencies, resolve(dep, map[string]bool{})...)
		}
		ep.Steps = append(ep.Steps, step)
	}
	for id := range checkpoints {
		ep.HITLCheckpoints = append(ep.HITLCheckpoints, id)
	}
	return ep
}

// buildSummary renders the human-readable plan summary stored for the
// approval UX.
func buildSummary(plan *Plan) string {
	ep := plan.ExecutionPlan
	var b strings.Builder
	fmt.Fprintf(&b, "Plan type: %s\n", plan.PlanType)
	fmt.Fprintf(&b, "Execution mode: %s\n", ep.Mode)
	fmt.Fprintf(&b, "Steps: %d\n", len(ep.Steps))
	for i, step := range ep.Steps {
		target := step.AgentID
		if step.Type == StepTypeTool {
			target = step.ToolName
		}
		fmt.Fprintf(&b, "  %d. %s (%s: %s)", i+1, step.StepID, step.Type, target)
		if len(step.Dependencies) > 0 {
			fmt.Fprintf(&b, " after %s", strings.Join(step.Dependencies, ", "))
		}
		b.WriteString("\n")
	}
	if len(ep.HITLCheckpoints) > 0 {
		fmt.Fprintf(&b, "Approval checkpoints: %s\n", strings.Join(ep.HITLCheckpoints, ", "))
	}
	if ep.LoopConfig != nil {
		fmt.Fprintf(&b, "Loop: up to %d iterations\n", ep.LoopConfig.MaxIterations)
	}
	return b.String()
}

// ApprovePlan marks a pending plan approved, creates its run record, and
// begins execution in the background. Returns the run id.
func (e *Engine) ApprovePlan(ctx context.Context, planID, userID string) (string, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if plan.Status != PlanPendingApproval {
		return "", fmt.Errorf("plan %q is %s, not pending approval", planID, plan.Status)
	}
	plan.Status = PlanApproved
	plan.ApprovedBy = userID
	if err := e.store.UpdatePlan(ctx, plan); err != nil {
		return "", fmt.Errorf("update plan: %w", err)
	}

	run := &PlanRun{
		RunID:       uuid.NewString(),
		PlanID:      planID,
		Status:      RunRunning,
		StepResults: map[string]any{},
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create plan run: %w", err)
	}
	e.publish(&bus.Event{Type: "plan_approved", PlanID: planID, Data: map[string]any{"run_id": run.RunID}})
	logging.Info(logComponent, "plan approved", "plan_id", planID, "run_id", run.RunID, "by", userID)

	e.spawn(run.RunID)
	return run.RunID, nil
}

// RejectPlan marks a pending plan rejected. No execution occurs.
func (e *Engine) RejectPlan(ctx context.Context, planID, userID, reason string) error {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != PlanPendingApproval {
		return fmt.Errorf("plan %q is %s, not pending approval", planID, plan.Status)
	}
	plan.Status = PlanRejected
	plan.RejectedBy = userID
	plan.RejectReason = reason
	if err := e.store.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	e.publish(&bus.Event{Type: "plan_rejected", PlanID: planID, Data: map[string]any{"reason": reason}})
	e.metrics.IncPlanResolved(string(plan.PlanType), string(PlanRejected))
	logging.Info(logComponent, "plan rejected", "plan_id", planID, "by", userID)
	return nil
}

// GetPlan returns the persisted plan.
func (e *Engine) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	return e.store.GetPlan(ctx, planID)
}

// GetRun returns the persisted run record.
func (e *Engine) GetRun(ctx context.Context, runID string) (*PlanRun, error) {
	return e.store.GetRun(ctx, runID)
}

// GetStepLogs returns the run's step execution log.
func (e *Engine) GetStepLogs(ctx context.Context, runID string) ([]*StepLog, error) {
	return e.store.ListStepLogs(ctx, runID, 0)
}

// GetPendingCheckpoints lists unresolved checkpoint requests for a run.
func (e *Engine) GetPendingCheckpoints(ctx context.Context, runID string) ([]*CheckpointRequest, error) {
	return e.store.ListPendingCheckpoints(ctx, runID)
}

// ApproveCheckpoint resolves a pending checkpoint and resumes execution
// from the persisted run record.
func (e *Engine) ApproveCheckpoint(ctx context.Context, requestID, userID, response string) error {
	located, err := e.store.GetCheckpoint(ctx, requestID)
	if err != nil {
		return err
	}
	l := e.runLock(located.RunID)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock; a racing resolution is rejected by the
	// pending-status check.
	req, err := e.store.GetCheckpoint(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != CheckpointPending {
		return fmt.Errorf("checkpoint %q already %s", requestID, req.Status)
	}
	now := time.Now().UTC()
	req.Status = CheckpointApproved
	req.RespondedAt = &now
	req.RespondedBy = userID
	req.Response = response
	if err := e.store.UpdateCheckpoint(ctx, req); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	run, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		return err
	}
	if !run.CheckpointApproved(req.StepID) {
		run.ApprovedCheckpoints = append(run.ApprovedCheckpoints, req.StepID)
	}
	run.Status = RunRunning
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	e.publish(&bus.Event{Type: "checkpoint_approved", PlanID: req.PlanID, StepID: req.StepID, RequestID: requestID})
	logging.Info(logComponent, "checkpoint approved", "run_id", req.RunID, "step_id", req.StepID, "by", userID)

	e.spawn(req.RunID)
	return nil
}

// RejectCheckpoint resolves a pending checkpoint negatively and fails
// the run.
func (e *Engine) RejectCheckpoint(ctx context.Context, requestID, userID, reason string) error {
	located, err := e.store.GetCheckpoint(ctx, requestID)
	if err != nil {
		return err
	}
	l := e.runLock(located.RunID)
	l.Lock()
	defer l.Unlock()

	req, err := e.store.GetCheckpoint(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != CheckpointPending {
		return fmt.Errorf("checkpoint %q already %s", requestID, req.Status)
	}
	now := time.Now().UTC()
	req.Status = CheckpointRejected
	req.RespondedAt = &now
	req.RespondedBy = userID
	req.Response = reason
	if err := e.store.UpdateCheckpoint(ctx, req); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}

	run, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		return err
	}
	plan, err := e.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return err
	}
	e.finishRun(ctx, plan, run, fmt.Sprintf("checkpoint %q rejected: %s", req.StepID, reason))
	e.publish(&bus.Event{Type: "checkpoint_rejected", PlanID: req.PlanID, StepID: req.StepID, RequestID: requestID})
	return nil
}

func (e *Engine) spawn(runID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(context.Background(), runID)
	}()
}

// execute drives one plan run from its persisted position to completion
// or suspension, dispatching by execution mode. The run lock is held for
// the whole pass, so a checkpoint response waits for the worker to park
// before it reads the run record.
func (e *Engine) execute(ctx context.Context, runID string) {
	l := e.runLock(runID)
	l.Lock()
	defer l.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		logging.Error(logComponent, "load run", "run_id", runID, "error", err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	plan, err := e.store.GetPlan(ctx, run.PlanID)
	if err != nil {
		logging.Error(logComponent, "load plan", "run_id", runID, "error", err)
		return
	}
	if run.StepResults == nil {
		run.StepResults = map[string]any{}
	}

	var suspended bool
	switch plan.ExecutionPlan.Mode {
	case ModeParallel:
		suspended = e.runParallel(ctx, plan, run)
	case ModeLoop:
		suspended = e.runLoop(ctx, plan, run)
	case ModeConditional:
		suspended = e.runSequential(ctx, plan, run, true)
	default:
		suspended = e.runSequential(ctx, plan, run, false)
	}
	if suspended {
		return
	}
	// A parallel batch can raise several checkpoints; approving one
	// resumes the run, but it parks again until every raised gate is
	// resolved. The outstanding requests already exist, so no new ones
	// are created here.
	if awaitingCheckpoint(plan, run) {
		run.Status = RunWaitingHITL
		e.persistRun(ctx, run)
		return
	}
	e.finishRun(ctx, plan, run, "")
}

// awaitingCheckpoint reports whether any executed checkpoint step still
// lacks its approval.
func awaitingCheckpoint(plan *Plan, run *PlanRun) bool {
	for _, id := range plan.ExecutionPlan.HITLCheckpoints {
		if run.StepDone(id) && !run.CheckpointApproved(id) {
			return true
		}
	}
	return false
}

// runSequential executes the first ready step per pass until no step is
// ready. With conditions enabled (conditional mode), a step whose
// condition evaluates false is skipped; its dependents still run.
func (e *Engine) runSequential(ctx context.Context, plan *Plan, run *PlanRun, conditions bool) bool {
	for {
		step := e.nextReadyStep(plan.ExecutionPlan, run)
		if step == nil {
			return false
		}
		if suspended := e.runStep(ctx, plan, run, step, conditions); suspended {
			return true
		}
	}
}

// runParallel executes the whole ready batch per pass, recording every
// result before the next ready-set computation.
func (e *Engine) runParallel(ctx context.Context, plan *Plan, run *PlanRun) bool {
	for {
		batch := e.readySteps(plan.ExecutionPlan, run)
		if len(batch) == 0 {
			return false
		}
		suspended := false
		for _, step := range batch {
			if e.runStep(ctx, plan, run, step, false) {
				suspended = true
			}
		}
		if suspended {
			return true
		}
	}
}

// runLoop re-runs the full sequential pass up to max_iterations times,
// resetting step completion between passes. Checkpoint approvals carry
// across passes so an approved gate does not re-suspend every iteration.
func (e *Engine) runLoop(ctx context.Context, plan *Plan, run *PlanRun) bool {
	maxIterations := 1
	var condition string
	if lc := plan.ExecutionPlan.LoopConfig; lc != nil {
		if lc.MaxIterations > 0 {
			maxIterations = lc.MaxIterations
		}
		condition = lc.Condition
	}
	for run.LoopIteration < maxIterations {
		if suspended := e.runSequential(ctx, plan, run, false); suspended {
			return true
		}
		run.LoopIteration++
		if run.LoopIteration < maxIterations {
			if condition != "" && !EvalCondition(condition, run.StepResults) {
				break
			}
			run.CompletedSteps = nil
			run.FailedSteps = nil
		}
		if err := e.store.UpdateRun(ctx, run); err != nil {
			logging.Error(logComponent, "persist loop state", "run_id", run.RunID, "error", err)
		}
	}
	return false
}

// nextReadyStep returns the first step in list order whose dependencies
// are all completed and which has not yet run.
func (e *Engine) nextReadyStep(ep *ExecutionPlan, run *PlanRun) *Step {
	for i := range ep.Steps {
		step := &ep.Steps[i]
		if e.stepReady(ep, step, run) {
			return step
		}
	}
	return nil
}

func (e *Engine) readySteps(ep *ExecutionPlan, run *PlanRun) []*Step {
	out := []*Step{}
	for i := range ep.Steps {
		if e.stepReady(ep, &ep.Steps[i], run) {
			out = append(out, &ep.Steps[i])
		}
	}
	return out
}

// stepReady requires every dependency completed, and every dependency
// that is a checkpoint also approved. The second clause keeps one
// approval from unblocking dependents of a sibling gate raised in the
// same batch.
func (e *Engine) stepReady(ep *ExecutionPlan, step *Step, run *PlanRun) bool {
	if run.StepDone(step.StepID) || run.StepFailed(step.StepID) {
		return false
	}
	for _, dep := range step.Dependencies {
		if !run.StepDone(dep) {
			return false
		}
		if ep.IsCheckpoint(dep) && !run.CheckpointApproved(dep) {
			return false
		}
	}
	return true
}

// runStep dispatches one step, persists the outcome, and raises a
// checkpoint when the step is an unapproved HITL gate. Returns whether
// the run suspended.
func (e *Engine) runStep(ctx context.Context, plan *Plan, run *PlanRun, step *Step, conditions bool) bool {
	mode := string(plan.ExecutionPlan.Mode)

	if conditions && step.Condition != "" && !EvalCondition(step.Condition, run.StepResults) {
		run.CompletedSteps = append(run.CompletedSteps, step.StepID)
		run.StepResults[step.StepID] = map[string]any{"skipped": true}
		// A gate skipped by its condition has nothing left to approve.
		if plan.ExecutionPlan.IsCheckpoint(step.StepID) && !run.CheckpointApproved(step.StepID) {
			run.ApprovedCheckpoints = append(run.ApprovedCheckpoints, step.StepID)
		}
		_ = e.store.AppendStepLog(ctx, &StepLog{
			RunID: run.RunID, PlanID: plan.PlanID, StepID: step.StepID,
			Iteration: run.LoopIteration, Success: true, Skipped: true,
		})
		e.persistRun(ctx, run)
		e.metrics.IncStepExecuted(mode, "skipped")
		return false
	}

	var res registry.Result
	switch step.Type {
	case StepTypeTool:
		res = e.tools.Execute(ctx, step.ToolName, step.Input)
	default:
		res = e.agents.Execute(ctx, step.AgentID, step.Input)
	}

	log := &StepLog{
		RunID: run.RunID, PlanID: plan.PlanID, StepID: step.StepID,
		Iteration: run.LoopIteration, Success: res.Success, Result: res.Result, Error: res.Error,
	}
	_ = e.store.AppendStepLog(ctx, log)

	if res.Success {
		run.CompletedSteps = append(run.CompletedSteps, step.StepID)
		run.StepResults[step.StepID] = res.Result
		e.metrics.IncStepExecuted(mode, "completed")
	} else {
		run.FailedSteps = append(run.FailedSteps, step.StepID)
		run.StepResults[step.StepID] = map[string]any{"error": res.Error}
		e.metrics.IncStepExecuted(mode, "failed")
		logging.Warn(logComponent, "step failed", "run_id", run.RunID, "step_id", step.StepID, "error", res.Error)
	}
	e.persistRun(ctx, run)
	e.publish(&bus.Event{Type: "step_executed", PlanID: plan.PlanID, StepID: step.StepID, Data: map[string]any{"success": res.Success}})

	if res.Success && plan.ExecutionPlan.IsCheckpoint(step.StepID) && !run.CheckpointApproved(step.StepID) {
		e.suspendAtCheckpoint(ctx, plan, run, step)
		return true
	}
	return false
}

// suspendAtCheckpoint raises a checkpoint request and parks the run.
func (e *Engine) suspendAtCheckpoint(ctx context.Context, plan *Plan, run *PlanRun, step *Step) {
	req := &CheckpointRequest{
		RequestID: uuid.NewString(),
		PlanID:    plan.PlanID,
		RunID:     run.RunID,
		StepID:    step.StepID,
		Message:   fmt.Sprintf("Approval required after step %q", step.StepID),
		Status:    CheckpointPending,
	}
	if err := e.store.CreateCheckpoint(ctx, req); err != nil {
		logging.Error(logComponent, "create checkpoint", "run_id", run.RunID, "step_id", step.StepID, "error", err)
		return
	}
	run.Status = RunWaitingHITL
	e.persistRun(ctx, run)
	e.publish(&bus.Event{Type: "checkpoint_requested", PlanID: plan.PlanID, StepID: step.StepID, RequestID: req.RequestID})
	logging.Info(logComponent, "checkpoint requested", "run_id", run.RunID, "step_id", step.StepID, "request_id", req.RequestID)
}

// finishRun records the terminal status of a run and marks the plan
// executed. A non-empty failure reason, or any failed step, fails the
// run; completed step results remain inspectable either way.
func (e *Engine) finishRun(ctx context.Context, plan *Plan, run *PlanRun, failure string) {
	now := time.Now().UTC()
	if failure == "" && len(run.FailedSteps) > 0 {
		failure = fmt.Sprintf("steps failed: %s", strings.Join(run.FailedSteps, ", "))
	}
	if failure != "" {
		run.Status = RunFailed
		run.Error = failure
	} else {
		run.Status = RunCompleted
	}
	run.CompletedAt = &now
	e.persistRun(ctx, run)

	if plan.Status == PlanApproved {
		plan.Status = PlanExecuted
		if err := e.store.UpdatePlan(ctx, plan); err != nil {
			logging.Error(logComponent, "mark plan executed", "plan_id", plan.PlanID, "error", err)
		}
	}
	e.publish(&bus.Event{Type: "plan_finished", PlanID: plan.PlanID, Data: map[string]any{"run_id": run.RunID, "status": string(run.Status)}})
	e.metrics.IncPlanResolved(string(plan.PlanType), string(run.Status))
	if run.Status == RunCompleted {
		logging.Info(logComponent, "plan run completed", "run_id", run.RunID, "plan_id", plan.PlanID)
	} else {
		logging.Warn(logComponent, "plan run failed", "run_id", run.RunID, "plan_id", plan.PlanID, "error", run.Error)
	}
}

func (e *Engine) persistRun(ctx context.Context, run *PlanRun) {
	if err := e.store.UpdateRun(ctx, run); err != nil {
		logging.Error(logComponent, "persist run", "run_id", run.RunID, "error", err)
	}
}

func (e *Engine) publish(event *bus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(bus.SubjectPlanEvents, event); err != nil {
		logging.Warn(logComponent, "publish event", "type", event.Type, "error", err)
	}
}
