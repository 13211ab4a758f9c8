package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/arcflow/arcflow/core/graph"
	"github.com/arcflow/arcflow/core/infra/bus"
	"github.com/arcflow/arcflow/core/registry"
)

type stubBus struct {
	mu        sync.Mutex
	published []*bus.Event
}

func (b *stubBus) Publish(subject string, event *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *stubBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.published {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// recordingProvider dispatches scripted results and records call order.
// A per-capability delay simulates slow work.
type recordingProvider struct {
	mu      sync.Mutex
	calls   []string
	results map[string]registry.Result
	delays  map[string]time.Duration
}

func newRecordingProvider() *recordingProvider {
	return &recordingProvider{
		results: map[string]registry.Result{},
		delays:  map[string]time.Duration{},
	}
}

func (p *recordingProvider) Execute(ctx context.Context, id string, input map[string]any) registry.Result {
	p.mu.Lock()
	p.calls = append(p.calls, id)
	res, scripted := p.results[id]
	delay := p.delays[id]
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if scripted {
		return res
	}
	return registry.Result{Success: true, Result: map[string]any{"capability": id}}
}

func (p *recordingProvider) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == id {
			n++
		}
	}
	return n
}

func (p *recordingProvider) callIndex(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.calls {
		if c == id {
			return i
		}
	}
	return -1
}

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	store := NewRedisStoreWithClient(client)
	t.Cleanup(func() { store.Close() })
	return store
}

func linearGraph(t *testing.T, ids ...string) *graph.Graph {
	t.Helper()
	g := graph.New("g-linear", "linear", "")
	for _, id := range ids {
		n := graph.NewNode(id, graph.NodeTypeAgent)
		n.AgentID = "agent_" + id
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	for i := 1; i < len(ids); i++ {
		if err := g.AddEdge(ids[i-1], ids[i]); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}
	return g
}

func TestEngineRunsLinearGraphInDependencyOrder(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	engine := NewEngine(store, agents, newRecordingProvider(), &stubBus{}, nil)

	g := linearGraph(t, "a", "b", "c")
	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "linear"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	wf, err := store.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", wf.Status, wf.Error)
	}
	for i, agentID := range []string{"agent_a", "agent_b", "agent_c"} {
		if got := agents.callIndex(agentID); got != i {
			t.Fatalf("expected %s at position %d, got %d (calls %v)", agentID, i, got, agents.calls)
		}
		if n := agents.callCount(agentID); n != 1 {
			t.Fatalf("expected %s dispatched once, got %d", agentID, n)
		}
	}
}

func TestEngineDispatchesIndependentNodesInOneBatch(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	engine := NewEngine(store, agents, newRecordingProvider(), nil, nil)

	g := graph.New("g-fan", "fan", "")
	for _, id := range []string{"root", "left", "right", "join"} {
		n := graph.NewNode(id, graph.NodeTypeAgent)
		n.AgentID = "agent_" + id
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	for _, e := range [][2]string{{"root", "left"}, {"root", "right"}, {"left", "join"}, {"right", "join"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}

	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "fan"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", wf.Status)
	}
	if got := agents.callIndex("agent_join"); got != 3 {
		t.Fatalf("join must run last, got position %d (calls %v)", got, agents.calls)
	}
}

func TestEngineSkipsTransitiveDependentsOfFailedNode(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	agents.results["agent_b"] = registry.Failure("boom")
	engine := NewEngine(store, agents, newRecordingProvider(), nil, nil)

	// a -> b -> c -> d, plus an independent branch a -> e.
	g := linearGraph(t, "a", "b", "c", "d")
	e := graph.NewNode("e", graph.NodeTypeAgent)
	e.AgentID = "agent_e"
	if err := g.AddNode(e); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := g.AddEdge("a", "e"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "skip"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusCompleted {
		t.Fatalf("expected completed with node-local failure, got %s (%s)", wf.Status, wf.Error)
	}
	restored, err := graph.FromSnapshot(wf.GraphJSON)
	if err != nil {
		t.Fatalf("restore snapshot: %v", err)
	}
	want := map[string]graph.NodeStatus{
		"a": graph.NodeStatusCompleted,
		"b": graph.NodeStatusFailed,
		"c": graph.NodeStatusSkipped,
		"d": graph.NodeStatusSkipped,
		"e": graph.NodeStatusCompleted,
	}
	for nodeID, status := range want {
		if got := restored.Node(nodeID).Status; got != status {
			t.Fatalf("node %s: expected %s, got %s", nodeID, status, got)
		}
	}
	for _, skipped := range []string{"c", "d"} {
		if agents.callCount("agent_"+skipped) != 0 {
			t.Fatalf("skipped node %s must not be dispatched", skipped)
		}
	}
}

func TestEngineSuspendsOnHITLAndResumesOnApproval(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	eventBus := &stubBus{}
	engine := NewEngine(store, agents, newRecordingProvider(), eventBus, nil)

	g := graph.New("g-hitl", "hitl", "")
	prep := graph.NewNode("prep", graph.NodeTypeAgent)
	prep.AgentID = "agent_prep"
	gate := graph.NewNode("gate", graph.NodeTypeHuman)
	gate.Config["message"] = "Deploy to production?"
	ship := graph.NewNode("ship", graph.NodeTypeAgent)
	ship.AgentID = "agent_ship"
	for _, n := range []*graph.Node{prep, gate, ship} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	if err := g.AddEdge("prep", "gate"); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := g.AddEdge("gate", "ship"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "hitl"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusWaitingHITL {
		t.Fatalf("expected waiting_hitl, got %s", wf.Status)
	}
	if agents.callCount("agent_ship") != 0 {
		t.Fatalf("downstream node dispatched before approval")
	}
	pending, err := engine.GetPendingHITLRequests(context.Background(), id)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(pending))
	}
	if pending[0].Message != "Deploy to production?" {
		t.Fatalf("unexpected message: %q", pending[0].Message)
	}
	if eventBus.count("hitl_requested") != 1 {
		t.Fatalf("expected 1 hitl_requested event, got %d", eventBus.count("hitl_requested"))
	}

	if err := engine.ApproveHITL(context.Background(), pending[0].RequestID, "ops@example.com", "ship it"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	engine.Wait()

	wf, _ = store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusCompleted {
		t.Fatalf("expected completed after approval, got %s (%s)", wf.Status, wf.Error)
	}
	if agents.callCount("agent_ship") != 1 {
		t.Fatalf("expected downstream node dispatched once after approval")
	}
	req, _ := store.GetHITLRequest(context.Background(), pending[0].RequestID)
	if req.Status != HITLApproved || req.RespondedBy != "ops@example.com" {
		t.Fatalf("request not resolved: %+v", req)
	}
}

func TestEngineRejectionFailsWorkflow(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	engine := NewEngine(store, agents, newRecordingProvider(), nil, nil)

	g := graph.New("g-reject", "reject", "")
	gate := graph.NewNode("gate", graph.NodeTypeHuman)
	after := graph.NewNode("after", graph.NodeTypeAgent)
	after.AgentID = "agent_after"
	for _, n := range []*graph.Node{gate, after} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	if err := g.AddEdge("gate", "after"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "reject"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	pending, _ := engine.GetPendingHITLRequests(context.Background(), id)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending request, got %d", len(pending))
	}
	if err := engine.RejectHITL(context.Background(), pending[0].RequestID, "ops@example.com", "not today"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	engine.Wait()

	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", wf.Status)
	}
	if agents.callCount("agent_after") != 0 {
		t.Fatalf("downstream node must not run after rejection")
	}
	left, _ := engine.GetPendingHITLRequests(context.Background(), id)
	if len(left) != 0 {
		t.Fatalf("expected no pending requests after rejection, got %d", len(left))
	}
}

func TestEngineResumesFromPersistedStateOnly(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	firstEngine := NewEngine(store, agents, newRecordingProvider(), nil, nil)

	g := graph.New("g-resume", "resume", "")
	gate := graph.NewNode("gate", graph.NodeTypeHuman)
	done := graph.NewNode("done", graph.NodeTypeAgent)
	done.AgentID = "agent_done"
	for _, n := range []*graph.Node{gate, done} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	if err := g.AddEdge("gate", "done"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	id, err := firstEngine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "resume"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	firstEngine.Wait()

	// A fresh engine instance simulates a process restart between the
	// suspension and the approval.
	secondEngine := NewEngine(store, agents, newRecordingProvider(), nil, nil)
	pending, _ := secondEngine.GetPendingHITLRequests(context.Background(), id)
	if len(pending) != 1 {
		t.Fatalf("expected pending request to survive restart, got %d", len(pending))
	}
	if err := secondEngine.ApproveHITL(context.Background(), pending[0].RequestID, "oncall", "ok"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	secondEngine.Wait()

	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusCompleted {
		t.Fatalf("expected completed after restart resume, got %s (%s)", wf.Status, wf.Error)
	}
	if agents.callCount("agent_done") != 1 {
		t.Fatalf("expected downstream dispatched once after resume")
	}
}

func TestEngineApprovalDuringRunningWorkerStillResumes(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	agents.delays["agent_afterA"] = 400 * time.Millisecond
	engine := NewEngine(store, agents, newRecordingProvider(), nil, nil)

	// Two independent human gates; the slow node behind gateA keeps the
	// resumed worker busy while gateB's approval lands.
	g := graph.New("g-two-gates", "two gates", "")
	gateA := graph.NewNode("gateA", graph.NodeTypeHuman)
	gateB := graph.NewNode("gateB", graph.NodeTypeHuman)
	afterA := graph.NewNode("afterA", graph.NodeTypeAgent)
	afterA.AgentID = "agent_afterA"
	afterB := graph.NewNode("afterB", graph.NodeTypeAgent)
	afterB.AgentID = "agent_afterB"
	for _, n := range []*graph.Node{gateA, gateB, afterA, afterB} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	if err := g.AddEdge("gateA", "afterA"); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := g.AddEdge("gateB", "afterB"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "two-gates"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	pending, _ := engine.GetPendingHITLRequests(context.Background(), id)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending requests, got %d", len(pending))
	}
	byNode := map[string]*HITLRequest{}
	for _, req := range pending {
		byNode[req.NodeID] = req
	}
	if err := engine.ApproveHITL(context.Background(), byNode["gateA"].RequestID, "ops", "go"); err != nil {
		t.Fatalf("approve gateA: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := engine.ApproveHITL(context.Background(), byNode["gateB"].RequestID, "ops", "go"); err != nil {
		t.Fatalf("approve gateB: %v", err)
	}
	engine.Wait()

	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusCompleted {
		t.Fatalf("both gates approved: workflow must complete, got %s (%s)", wf.Status, wf.Error)
	}
	for _, agentID := range []string{"agent_afterA", "agent_afterB"} {
		if agents.callCount(agentID) != 1 {
			t.Fatalf("expected %s dispatched once, got %d", agentID, agents.callCount(agentID))
		}
	}
	left, _ := engine.GetPendingHITLRequests(context.Background(), id)
	if len(left) != 0 {
		t.Fatalf("expected no pending requests, got %d", len(left))
	}
}

func TestEngineFailsOnUnsatisfiableDependency(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, newRecordingProvider(), newRecordingProvider(), nil, nil)

	// A dependency id absent from the graph can never complete; the
	// scheduler must fail loudly instead of parking forever.
	g := graph.New("g-dangling", "dangling", "")
	n := graph.NewNode("orphan", graph.NodeTypeAgent)
	n.AgentID = "agent_orphan"
	n.Dependencies["ghost"] = true
	if err := g.AddNode(n); err != nil {
		t.Fatalf("add node: %v", err)
	}

	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "dangling"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", wf.Status)
	}
	if wf.Error != ErrDeadlock.Error() {
		t.Fatalf("expected deadlock error, got %q", wf.Error)
	}
}

func TestWorkflowStatusListsNodesInDependencyOrder(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, newRecordingProvider(), newRecordingProvider(), nil, nil)

	g := linearGraph(t, "first", "second", "third")
	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "ordered"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	view, err := engine.GetWorkflowStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(view.Nodes) != 3 {
		t.Fatalf("expected 3 node records, got %d", len(view.Nodes))
	}
	for i, want := range []string{"first", "second", "third"} {
		if view.Nodes[i].NodeID != want {
			t.Fatalf("node %d: expected %s, got %s", i, want, view.Nodes[i].NodeID)
		}
	}
}

func TestEngineRejectsCyclicGraph(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, newRecordingProvider(), newRecordingProvider(), nil, nil)

	g := graph.New("g-cycle", "cycle", "")
	for _, id := range []string{"x", "y"} {
		n := graph.NewNode(id, graph.NodeTypeAgent)
		n.AgentID = "agent_" + id
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	_ = g.AddEdge("x", "y")
	_ = g.AddEdge("y", "x")

	if _, err := engine.StartWorkflow(context.Background(), g, StartOptions{}); err == nil {
		t.Fatalf("expected cycle rejection")
	}
}

func TestEngineDispatchesToolsThroughToolProvider(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	tools := newRecordingProvider()
	engine := NewEngine(store, agents, tools, nil, nil)

	g := graph.New("g-tool", "tool", "")
	n := graph.NewNode("fetch", graph.NodeTypeTool)
	n.ToolName = "http_fetch"
	if err := g.AddNode(n); err != nil {
		t.Fatalf("add node: %v", err)
	}

	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "tool"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	if tools.callCount("http_fetch") != 1 {
		t.Fatalf("expected tool dispatched once, got %d", tools.callCount("http_fetch"))
	}
	if len(agents.calls) != 0 {
		t.Fatalf("agent provider must not see tool nodes")
	}
	wf, _ := store.GetWorkflow(context.Background(), id)
	if wf.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", wf.Status)
	}
}

func TestEngineRecordsEventTimeline(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(store, newRecordingProvider(), newRecordingProvider(), nil, nil)

	g := linearGraph(t, "only")
	id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "events"})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	engine.Wait()

	events, err := store.ListEvents(context.Background(), id, 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.EventType] = true
	}
	for _, want := range []string{"workflow_started", "node_started", "node_completed", "workflow_completed"} {
		if !seen[want] {
			t.Fatalf("missing %s in timeline: %v", want, eventTypes(events))
		}
	}
}

func eventTypes(events []*EventRecord) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func TestEngineConcurrentWorkflows(t *testing.T) {
	store := newTestStore(t)
	agents := newRecordingProvider()
	engine := NewEngine(store, agents, newRecordingProvider(), nil, nil)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		g := linearGraph(t, fmt.Sprintf("n%d-1", i), fmt.Sprintf("n%d-2", i))
		g.ID = fmt.Sprintf("g-%d", i)
		id, err := engine.StartWorkflow(context.Background(), g, StartOptions{DAGID: "concurrent"})
		if err != nil {
			t.Fatalf("start workflow %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	engine.Wait()

	for _, id := range ids {
		wf, err := store.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("get workflow: %v", err)
		}
		if wf.Status != StatusCompleted {
			t.Fatalf("workflow %s: expected completed, got %s", id, wf.Status)
		}
	}
}
