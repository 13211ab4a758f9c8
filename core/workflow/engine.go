package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcflow/arcflow/core/graph"
	"github.com/arcflow/arcflow/core/infra/bus"
	"github.com/arcflow/arcflow/core/infra/logging"
	"github.com/arcflow/arcflow/core/infra/metrics"
	"github.com/arcflow/arcflow/core/registry"
)

const logComponent = "WF-ENGINE"

// CapabilityProvider dispatches one unit of node work. Both registry
// tables satisfy it.
type CapabilityProvider interface {
	Execute(ctx context.Context, id string, input map[string]any) registry.Result
}

// EventBus publishes lifecycle notifications. A nil bus disables
// publishing without changing execution semantics.
type EventBus interface {
	Publish(subject string, event *bus.Event) error
}

// Engine runs workflow executions. Each workflow gets one goroutine that
// drives the graph until it reaches a terminal status or suspends on a
// human-in-the-loop node; a suspended workflow holds no goroutine and is
// resumed only through ApproveHITL or RejectHITL.
type Engine struct {
	store   Store
	agents  CapabilityProvider
	tools   CapabilityProvider
	bus     EventBus
	metrics metrics.WorkflowMetrics

	wg sync.WaitGroup

	// locks serializes all read-modify-write passes over one workflow's
	// persisted snapshot: the drive loop and the HITL responses. Without
	// it a response landing mid-pass is overwritten by the worker's next
	// persist and the workflow strands in waiting_hitl.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine constructs a workflow engine. eventBus may be nil; a nil
// meter defaults to Noop.
func NewEngine(store Store, agents, tools CapabilityProvider, eventBus EventBus, meter metrics.WorkflowMetrics) *Engine {
	if meter == nil {
		meter = metrics.Noop{}
	}
	return &Engine{
		store:   store,
		agents:  agents,
		tools:   tools,
		bus:     eventBus,
		metrics: meter,
		locks:   map[string]*sync.Mutex{},
	}
}

func (e *Engine) workflowLock(workflowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[workflowID] = l
	}
	return l
}

// StartOptions carries caller context for a new execution.
type StartOptions struct {
	DAGID     string
	SessionID string
	UserID    string
}

// StartWorkflow persists a new execution for the graph and begins driving
// it in the background. The returned workflow id can immediately be used
// for status queries.
func (e *Engine) StartWorkflow(ctx context.Context, g *graph.Graph, opts StartOptions) (string, error) {
	if g == nil || len(g.Nodes) == 0 {
		return "", fmt.Errorf("graph with at least one node required")
	}
	if g.HasCycle() {
		return "", fmt.Errorf("graph %q contains a dependency cycle", g.ID)
	}

	workflowID := uuid.NewString()
	now := time.Now().UTC()
	snapshot, err := g.Snapshot()
	if err != nil {
		return "", fmt.Errorf("snapshot graph: %w", err)
	}
	wf := &Workflow{
		WorkflowID:  workflowID,
		DAGID:       opts.DAGID,
		SessionID:   opts.SessionID,
		UserID:      opts.UserID,
		Name:        g.Name,
		Description: g.Description,
		Status:      StatusRunning,
		GraphJSON:   snapshot,
		StartedAt:   &now,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	for _, n := range g.Nodes {
		if err := e.store.SaveNode(ctx, nodeRecord(workflowID, n)); err != nil {
			return "", fmt.Errorf("save node %q: %w", n.ID, err)
		}
	}
	e.appendEvent(ctx, workflowID, "workflow_started", map[string]any{"dag_id": opts.DAGID, "node_count": len(g.Nodes)})
	e.publish(bus.SubjectWorkflowEvents, &bus.Event{Type: "workflow_started", WorkflowID: workflowID})
	e.metrics.IncWorkflowStarted(opts.DAGID)
	logging.Info(logComponent, "workflow started", "workflow_id", workflowID, "dag_id", opts.DAGID, "nodes", len(g.Nodes))

	e.spawn(workflowID)
	return workflowID, nil
}

// Wait blocks until every spawned workflow goroutine has exited. Tests
// use it to join background execution deterministically.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) spawn(workflowID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(context.Background(), workflowID)
	}()
}

// drive loads the persisted execution state and advances it until the
// workflow terminates or suspends. It never trusts in-memory state from a
// previous pass; resume correctness depends on the snapshot alone. The
// workflow lock is held for the whole pass, so an HITL response waits for
// the worker to park before it reads the snapshot.
func (e *Engine) drive(ctx context.Context, workflowID string) {
	l := e.workflowLock(workflowID)
	l.Lock()
	defer l.Unlock()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		logging.Error(logComponent, "load workflow", "workflow_id", workflowID, "error", err)
		return
	}
	if wf.Status.Terminal() {
		return
	}
	g, err := graph.FromSnapshot(wf.GraphJSON)
	if err != nil {
		e.failWorkflow(ctx, wf, g, fmt.Sprintf("restore graph: %v", err))
		return
	}

	for {
		if changed := e.sweepSkipped(ctx, wf, g); changed {
			e.persistState(ctx, wf, g)
		}

		ready := g.ReadyNodes(completedSet(g))
		var work, humans []*graph.Node
		for _, n := range ready {
			if n.Type == graph.NodeTypeHuman {
				humans = append(humans, n)
			} else {
				work = append(work, n)
			}
		}

		if len(work) > 0 {
			for _, n := range work {
				e.executeNode(ctx, wf, g, n)
			}
			continue
		}

		if len(humans) > 0 {
			e.suspendForHITL(ctx, wf, g, humans)
			return
		}
		if countStatus(g, graph.NodeStatusWaitingHITL) > 0 {
			// Pending approvals remain from an earlier pass.
			e.setStatus(ctx, wf, StatusWaitingHITL)
			return
		}

		if allTerminal(g) {
			e.completeWorkflow(ctx, wf, g)
			return
		}
		e.failWorkflow(ctx, wf, g, ErrDeadlock.Error())
		return
	}
}

// sweepSkipped marks every pending transitive dependent of a failed or
// skipped node as skipped, to a fixpoint. Returns whether anything
// changed.
func (e *Engine) sweepSkipped(ctx context.Context, wf *Workflow, g *graph.Graph) bool {
	changed := false
	for {
		progressed := false
		for _, n := range g.Nodes {
			if n.Status != graph.NodeStatusFailed && n.Status != graph.NodeStatusSkipped {
				continue
			}
			for depID := range n.Dependents {
				dep := g.Node(depID)
				if dep == nil || dep.Status != graph.NodeStatusPending {
					continue
				}
				dep.Status = graph.NodeStatusSkipped
				dep.Error = fmt.Sprintf("skipped: upstream node %q did not complete", n.ID)
				_ = e.store.SaveNode(ctx, nodeRecord(wf.WorkflowID, dep))
				e.appendEvent(ctx, wf.WorkflowID, "node_skipped", map[string]any{"node_id": dep.ID, "upstream": n.ID})
				progressed = true
				changed = true
			}
		}
		if !progressed {
			return changed
		}
	}
}

// executeNode dispatches one agent or tool node and persists the outcome.
// Failures stay node-local; the skip sweep handles the fallout.
func (e *Engine) executeNode(ctx context.Context, wf *Workflow, g *graph.Graph, n *graph.Node) {
	started := time.Now().UTC()
	n.Status = graph.NodeStatusRunning
	rec := nodeRecord(wf.WorkflowID, n)
	rec.StartedAt = &started
	_ = e.store.SaveNode(ctx, rec)
	e.persistState(ctx, wf, g)
	e.appendEvent(ctx, wf.WorkflowID, "node_started", map[string]any{"node_id": n.ID, "node_type": string(n.Type)})
	e.publish(bus.SubjectWorkflowEvents, &bus.Event{Type: "node_started", WorkflowID: wf.WorkflowID, NodeID: n.ID})

	var res registry.Result
	switch n.Type {
	case graph.NodeTypeAgent:
		res = e.agents.Execute(ctx, n.AgentID, n.Config)
	case graph.NodeTypeTool:
		res = e.tools.Execute(ctx, n.ToolName, n.Config)
	default:
		res = registry.Failure("node %q has undispatchable type %q", n.ID, n.Type)
	}

	finished := time.Now().UTC()
	if res.Success {
		n.Status = graph.NodeStatusCompleted
		n.Result = res.Result
		n.Error = ""
	} else {
		n.Status = graph.NodeStatusFailed
		n.Error = res.Error
		logging.Warn(logComponent, "node failed", "workflow_id", wf.WorkflowID, "node_id", n.ID, "error", res.Error)
	}
	rec = nodeRecord(wf.WorkflowID, n)
	rec.StartedAt = &started
	rec.CompletedAt = &finished
	_ = e.store.SaveNode(ctx, rec)
	e.persistState(ctx, wf, g)
	e.metrics.ObserveNodeDuration(string(n.Type), finished.Sub(started).Seconds())

	eventType := "node_completed"
	if !res.Success {
		eventType = "node_failed"
	}
	e.appendEvent(ctx, wf.WorkflowID, eventType, map[string]any{"node_id": n.ID, "error": n.Error})
	e.publish(bus.SubjectWorkflowEvents, &bus.Event{Type: eventType, WorkflowID: wf.WorkflowID, NodeID: n.ID})
}

// suspendForHITL raises one request per ready human node and parks the
// workflow. The spawning goroutine exits; resumption is external.
func (e *Engine) suspendForHITL(ctx context.Context, wf *Workflow, g *graph.Graph, humans []*graph.Node) {
	for _, n := range humans {
		n.Status = graph.NodeStatusWaitingHITL
		_ = e.store.SaveNode(ctx, nodeRecord(wf.WorkflowID, n))

		message, _ := n.Config["message"].(string)
		if message == "" {
			message = fmt.Sprintf("Approval required for node %q", n.ID)
		}
		req := &HITLRequest{
			RequestID:  uuid.NewString(),
			WorkflowID: wf.WorkflowID,
			NodeID:     n.ID,
			Message:    message,
			Status:     HITLPending,
		}
		if err := e.store.CreateHITLRequest(ctx, req); err != nil {
			logging.Error(logComponent, "create hitl request", "workflow_id", wf.WorkflowID, "node_id", n.ID, "error", err)
			continue
		}
		e.appendEvent(ctx, wf.WorkflowID, "hitl_requested", map[string]any{"node_id": n.ID, "request_id": req.RequestID})
		e.publish(bus.SubjectHITLRequests, &bus.Event{Type: "hitl_requested", WorkflowID: wf.WorkflowID, NodeID: n.ID, RequestID: req.RequestID})
		e.metrics.IncHITLRequested(wf.DAGID)
		logging.Info(logComponent, "hitl requested", "workflow_id", wf.WorkflowID, "node_id", n.ID, "request_id", req.RequestID)
	}
	e.persistState(ctx, wf, g)
	e.setStatus(ctx, wf, StatusWaitingHITL)
}

// ApproveHITL resolves a pending request, completes its node, and resumes
// the suspended workflow from persisted state.
func (e *Engine) ApproveHITL(ctx context.Context, requestID, respondedBy, response string) error {
	located, err := e.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("get hitl request: %w", err)
	}
	l := e.workflowLock(located.WorkflowID)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock; a racing resolution is rejected by the
	// pending-status check.
	req, wf, g, err := e.loadPendingRequest(ctx, requestID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	req.Status = HITLApproved
	req.RespondedAt = &now
	req.RespondedBy = respondedBy
	req.Response = response
	if err := e.store.UpdateHITLRequest(ctx, req); err != nil {
		return fmt.Errorf("update hitl request: %w", err)
	}

	n := g.Node(req.NodeID)
	if n == nil {
		return fmt.Errorf("node %q not in workflow %q", req.NodeID, req.WorkflowID)
	}
	n.Status = graph.NodeStatusCompleted
	n.Result = map[string]any{"approved": true, "response": response}
	n.Error = ""
	rec := nodeRecord(wf.WorkflowID, n)
	rec.CompletedAt = &now
	if err := e.store.SaveNode(ctx, rec); err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	e.persistState(ctx, wf, g)
	e.setStatus(ctx, wf, StatusRunning)
	e.appendEvent(ctx, wf.WorkflowID, "hitl_approved", map[string]any{"node_id": n.ID, "request_id": req.RequestID, "responded_by": respondedBy})
	e.publish(bus.SubjectWorkflowEvents, &bus.Event{Type: "hitl_approved", WorkflowID: wf.WorkflowID, NodeID: n.ID, RequestID: req.RequestID})
	logging.Info(logComponent, "hitl approved", "workflow_id", wf.WorkflowID, "node_id", n.ID, "by", respondedBy)

	e.spawn(wf.WorkflowID)
	return nil
}

// RejectHITL resolves a pending request negatively. The gated node fails
// and the workflow terminates; a rejected gate is an instruction to stop,
// so parallel branches are not driven further.
func (e *Engine) RejectHITL(ctx context.Context, requestID, respondedBy, reason string) error {
	located, err := e.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("get hitl request: %w", err)
	}
	l := e.workflowLock(located.WorkflowID)
	l.Lock()
	defer l.Unlock()

	req, wf, g, err := e.loadPendingRequest(ctx, requestID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	req.Status = HITLRejected
	req.RespondedAt = &now
	req.RespondedBy = respondedBy
	req.Response = reason
	if err := e.store.UpdateHITLRequest(ctx, req); err != nil {
		return fmt.Errorf("update hitl request: %w", err)
	}

	n := g.Node(req.NodeID)
	if n == nil {
		return fmt.Errorf("node %q not in workflow %q", req.NodeID, req.WorkflowID)
	}
	n.Status = graph.NodeStatusFailed
	n.Error = fmt.Sprintf("rejected: %s", reason)
	rec := nodeRecord(wf.WorkflowID, n)
	rec.CompletedAt = &now
	if err := e.store.SaveNode(ctx, rec); err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	for _, other := range g.Nodes {
		if other.Status == graph.NodeStatusPending || other.Status == graph.NodeStatusWaitingHITL {
			other.Status = graph.NodeStatusSkipped
			other.Error = fmt.Sprintf("skipped: workflow rejected at node %q", n.ID)
			_ = e.store.SaveNode(ctx, nodeRecord(wf.WorkflowID, other))
		}
	}
	if others, err := e.store.ListPendingHITL(ctx, wf.WorkflowID); err == nil {
		for _, other := range others {
			other.Status = HITLRejected
			other.RespondedAt = &now
			other.Response = "workflow rejected"
			_ = e.store.UpdateHITLRequest(ctx, other)
		}
	}
	e.appendEvent(ctx, wf.WorkflowID, "hitl_rejected", map[string]any{"node_id": n.ID, "request_id": req.RequestID, "reason": reason})
	e.publish(bus.SubjectWorkflowEvents, &bus.Event{Type: "hitl_rejected", WorkflowID: wf.WorkflowID, NodeID: n.ID, RequestID: req.RequestID})
	e.failWorkflow(ctx, wf, g, fmt.Sprintf("rejected at node %q: %s", n.ID, reason))
	return nil
}

func (e *Engine) loadPendingRequest(ctx context.Context, requestID string) (*HITLRequest, *Workflow, *graph.Graph, error) {
	req, err := e.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get hitl request: %w", err)
	}
	if req.Status != HITLPending {
		return nil, nil, nil, fmt.Errorf("hitl request %q already %s", requestID, req.Status)
	}
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get workflow: %w", err)
	}
	g, err := graph.FromSnapshot(wf.GraphJSON)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("restore graph: %w", err)
	}
	return req, wf, g, nil
}

// GetWorkflowStatus returns the workflow record and its node projections
// in dependency order.
func (e *Engine) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowView, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodes(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	// Node rows come back hash-ordered; sort them topologically from the
	// snapshot so callers see dependencies before dependents.
	if g, err := graph.FromSnapshot(wf.GraphJSON); err == nil {
		if order := g.TopoSort(); order != nil {
			rank := make(map[string]int, len(order))
			for i, id := range order {
				rank[id] = i
			}
			sort.SliceStable(nodes, func(i, j int) bool {
				return rank[nodes[i].NodeID] < rank[nodes[j].NodeID]
			})
		}
	}
	return &WorkflowView{Workflow: wf, Nodes: nodes}, nil
}

// GetPendingHITLRequests lists unresolved requests, scoped to a workflow
// when workflowID is non-empty.
func (e *Engine) GetPendingHITLRequests(ctx context.Context, workflowID string) ([]*HITLRequest, error) {
	return e.store.ListPendingHITL(ctx, workflowID)
}

func (e *Engine) completeWorkflow(ctx context.Context, wf *Workflow, g *graph.Graph) {
	now := time.Now().UTC()
	wf.Status = StatusCompleted
	wf.CompletedAt = &now
	e.persistState(ctx, wf, g)
	e.appendEvent(ctx, wf.WorkflowID, "workflow_completed", map[string]any{
		"failed_nodes":  countStatus(g, graph.NodeStatusFailed),
		"skipped_nodes": countStatus(g, graph.NodeStatusSkipped),
	})
	e.publish(bus.SubjectWorkflowEvents, &bus.Event{Type: "workflow_completed", WorkflowID: wf.WorkflowID})
	e.metrics.IncWorkflowCompleted(wf.DAGID, string(StatusCompleted))
	logging.Info(logComponent, "workflow completed", "workflow_id", wf.WorkflowID)
}

func (e *Engine) failWorkflow(ctx context.Context, wf *Workflow, g *graph.Graph, reason string) {
	now := time.Now().UTC()
	wf.Status = StatusFailed
	wf.Error = reason
	wf.CompletedAt = &now
	e.persistState(ctx, wf, g)
	e.appendEvent(ctx, wf.WorkflowID, "workflow_failed", map[string]any{"error": reason})
	e.publish(bus.SubjectWorkflowEvents, &bus.Event{Type: "workflow_failed", WorkflowID: wf.WorkflowID, Data: map[string]any{"error": reason}})
	e.metrics.IncWorkflowCompleted(wf.DAGID, string(StatusFailed))
	logging.Warn(logComponent, "workflow failed", "workflow_id", wf.WorkflowID, "error", reason)
}

func (e *Engine) setStatus(ctx context.Context, wf *Workflow, status Status) {
	wf.Status = status
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		logging.Error(logComponent, "update workflow status", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func (e *Engine) persistState(ctx context.Context, wf *Workflow, g *graph.Graph) {
	if g != nil {
		if snapshot, err := g.Snapshot(); err == nil {
			wf.GraphJSON = snapshot
		}
	}
	if err := e.store.UpdateWorkflow(ctx, wf); err != nil {
		logging.Error(logComponent, "persist workflow state", "workflow_id", wf.WorkflowID, "error", err)
	}
}

func (e *Engine) appendEvent(ctx context.Context, workflowID, eventType string, data map[string]any) {
	err := e.store.AppendEvent(ctx, &EventRecord{WorkflowID: workflowID, EventType: eventType, Data: data})
	if err != nil {
		logging.Error(logComponent, "append event", "workflow_id", workflowID, "event", eventType, "error", err)
	}
}

func (e *Engine) publish(subject string, event *bus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(subject, event); err != nil {
		logging.Warn(logComponent, "publish event", "subject", subject, "error", err)
	}
}

func nodeRecord(workflowID string, n *graph.Node) *NodeRecord {
	return &NodeRecord{
		WorkflowID: workflowID,
		NodeID:     n.ID,
		NodeType:   string(n.Type),
		AgentID:    n.AgentID,
		ToolName:   n.ToolName,
		Status:     string(n.Status),
		Result:     n.Result,
		Error:      n.Error,
	}
}

func completedSet(g *graph.Graph) map[string]bool {
	done := map[string]bool{}
	for id, n := range g.Nodes {
		if n.Status == graph.NodeStatusCompleted || n.Status == graph.NodeStatusSkipped {
			done[id] = true
		}
	}
	return done
}

func allTerminal(g *graph.Graph) bool {
	for _, n := range g.Nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

func countStatus(g *graph.Graph, status graph.NodeStatus) int {
	count := 0
	for _, n := range g.Nodes {
		if n.Status == status {
			count++
		}
	}
	return count
}
