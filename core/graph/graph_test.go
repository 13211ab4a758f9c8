package graph

import (
	"testing"
)

func linear(t *testing.T, ids ...string) *Graph {
	t.Helper()
	g := New("g-linear", "linear", "")
	for _, id := range ids {
		if err := g.AddNode(NewNode(id, NodeTypeAgent)); err != nil {
			t.Fatalf("add node %s: %v", id, err)
		}
	}
	for i := 1; i < len(ids); i++ {
		if err := g.AddEdge(ids[i-1], ids[i]); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}
	return g
}

func TestAddNodeRejectsDuplicate(t *testing.T) {
	g := New("g1", "", "")
	if err := g.AddNode(NewNode("a", NodeTypeAgent)); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := g.AddNode(NewNode("a", NodeTypeTool)); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestAddEdgeRequiresExistingNodes(t *testing.T) {
	g := New("g1", "", "")
	_ = g.AddNode(NewNode("a", NodeTypeAgent))
	if err := g.AddEdge("a", "missing"); err == nil {
		t.Fatalf("expected error for missing target")
	}
	if err := g.AddEdge("missing", "a"); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestReadyNodesFollowsDependencies(t *testing.T) {
	g := linear(t, "a", "b", "c")

	ready := g.ReadyNodes(map[string]bool{})
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}

	g.Node("a").Status = NodeStatusCompleted
	ready = g.ReadyNodes(map[string]bool{"a": true})
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected only b ready, got %v", ready)
	}
}

func TestReadyNodesTreatsSkippedAsSatisfied(t *testing.T) {
	g := linear(t, "a", "b")
	g.Node("a").Status = NodeStatusSkipped

	ready := g.ReadyNodes(map[string]bool{"a": true})
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("expected b ready after skipped dep, got %v", ready)
	}
}

func TestStartSetDefaultsToRootNodes(t *testing.T) {
	g := New("g1", "", "")
	_ = g.AddNode(NewNode("a", NodeTypeAgent))
	_ = g.AddNode(NewNode("b", NodeTypeAgent))
	_ = g.AddNode(NewNode("c", NodeTypeAgent))
	_ = g.AddEdge("a", "c")
	_ = g.AddEdge("b", "c")

	start := g.StartSet()
	if len(start) != 2 {
		t.Fatalf("expected 2 start nodes, got %d", len(start))
	}
	for _, n := range start {
		if n.ID == "c" {
			t.Fatalf("c must not be a start node")
		}
	}
}

func TestHasCycle(t *testing.T) {
	g := linear(t, "a", "b", "c")
	if g.HasCycle() {
		t.Fatalf("linear graph reported cyclic")
	}
	g.Node("a").Dependencies["c"] = true
	g.Node("c").Dependents["a"] = true
	if !g.HasCycle() {
		t.Fatalf("cycle not detected")
	}
}

func TestTopoSort(t *testing.T) {
	g := New("g1", "", "")
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = g.AddNode(NewNode(id, NodeTypeAgent))
	}
	_ = g.AddEdge("a", "b")
	_ = g.AddEdge("a", "c")
	_ = g.AddEdge("b", "d")
	_ = g.AddEdge("c", "d")

	order := g.TopoSort()
	if len(order) != 4 {
		t.Fatalf("expected 4 ids, got %v", order)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Fatalf("order violates dependencies: %v", order)
	}

	g.Node("a").Dependencies["d"] = true
	g.Node("d").Dependents["a"] = true
	if got := g.TopoSort(); got != nil {
		t.Fatalf("expected nil for cyclic graph, got %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := linear(t, "a", "b")
	g.Node("a").Status = NodeStatusCompleted
	g.Node("a").Result = map[string]any{"ok": true}
	g.Node("b").Status = NodeStatusFailed
	g.Node("b").Error = "boom"

	data, err := g.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := FromSnapshot(data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ID != g.ID || len(restored.Nodes) != 2 {
		t.Fatalf("restored graph mismatch: %+v", restored)
	}
	if restored.Node("a").Status != NodeStatusCompleted {
		t.Fatalf("node a status lost: %s", restored.Node("a").Status)
	}
	if restored.Node("b").Error != "boom" {
		t.Fatalf("node b error lost")
	}
	if !restored.Node("b").Dependencies["a"] {
		t.Fatalf("dependency lost in round trip")
	}
}
