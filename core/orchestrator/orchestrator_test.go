package orchestrator

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/arcflow/arcflow/core/graph"
	"github.com/arcflow/arcflow/core/planner"
	"github.com/arcflow/arcflow/core/registry"
	"github.com/arcflow/arcflow/core/workflow"
)

type plainStrategy struct{ response string }

func (s plainStrategy) Generate(ctx context.Context, prompt string) (string, error) {
	return s.response, nil
}

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	agents := registry.NewAgentRegistry()
	registry.RegisterEchoAgent(agents)
	tools := registry.NewToolRegistry()

	dags := registry.NewDAGRegistry()
	err = dags.Register(&registry.DAGConfig{
		DAGID: "echo_chain",
		Nodes: []registry.DAGNodeConfig{
			{NodeID: "one", NodeType: "agent", AgentID: registry.EchoAgentID, Config: map[string]any{"input": "first"}},
			{NodeID: "two", NodeType: "agent", AgentID: registry.EchoAgentID, Config: map[string]any{"input": "second"}, Dependencies: []string{"one"}},
		},
	})
	if err != nil {
		t.Fatalf("register dag: %v", err)
	}

	wfEngine := workflow.NewEngine(workflow.NewRedisStoreWithClient(client), agents, tools, nil, nil)
	planEngine := planner.NewEngine(planner.NewRedisStoreWithClient(client), agents, tools, dags, plainStrategy{}, nil, nil)
	return New(dags, wfEngine, planEngine)
}

func TestFacadeRunsRegisteredDAG(t *testing.T) {
	o := newOrchestrator(t)

	id, err := o.StartWorkflow(context.Background(), "echo_chain", "s1", "u1")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	o.Wait()

	view, err := o.GetWorkflowStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Workflow.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Workflow.Status, view.Workflow.Error)
	}
	if len(view.Nodes) != 2 {
		t.Fatalf("expected 2 node records, got %d", len(view.Nodes))
	}
}

func TestFacadeRejectsUnknownDAG(t *testing.T) {
	o := newOrchestrator(t)
	if _, err := o.StartWorkflow(context.Background(), "nope", "s1", "u1"); err == nil {
		t.Fatalf("expected unknown dag error")
	}
}

func TestFacadeRunsCallerGraph(t *testing.T) {
	o := newOrchestrator(t)

	g := graph.New("adhoc", "adhoc", "")
	n := graph.NewNode("solo", graph.NodeTypeAgent)
	n.AgentID = registry.EchoAgentID
	n.Config["input"] = "hi"
	if err := g.AddNode(n); err != nil {
		t.Fatalf("add node: %v", err)
	}

	id, err := o.StartGraph(context.Background(), g, "s1", "u1")
	if err != nil {
		t.Fatalf("start graph: %v", err)
	}
	o.Wait()

	view, _ := o.GetWorkflowStatus(context.Background(), id)
	if view.Workflow.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s", view.Workflow.Status)
	}
}

func TestFacadeAutonomousPathEndToEnd(t *testing.T) {
	o := newOrchestrator(t)

	// A blank strategy response exercises the fallback path all the way
	// through: trivial analysis, stategraph/sequential, single echo step.
	plan, err := o.CreatePlan(context.Background(), "u1", "s1", "echo something")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	runID, err := o.ApprovePlan(context.Background(), plan.PlanID, "u1")
	if err != nil {
		t.Fatalf("approve plan: %v", err)
	}
	o.Wait()

	run, err := o.GetPlanRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != planner.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Error)
	}
	if len(o.ListDAGs()) != 1 {
		t.Fatalf("expected 1 registered dag")
	}
}
