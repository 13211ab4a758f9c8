// Package graph implements the typed DAG that workflow executions run over:
// nodes with per-execution state, dependency edges, and the ready-set
// computation the scheduler is built on.
package graph

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	NodeTypeAgent NodeType = "agent"
	NodeTypeTool  NodeType = "tool"
	NodeTypeHuman NodeType = "human_in_loop"
)

// NodeStatus captures the lifecycle of a node within one execution.
type NodeStatus string

const (
	NodeStatusPending     NodeStatus = "pending"
	NodeStatusRunning     NodeStatus = "running"
	NodeStatusWaitingHITL NodeStatus = "waiting_hitl"
	NodeStatusCompleted   NodeStatus = "completed"
	NodeStatusFailed      NodeStatus = "failed"
	NodeStatusSkipped     NodeStatus = "skipped"
)

// Terminal reports whether a status is final for the node.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	default:
		return false
	}
}

// Node is a unit of work in a graph. Dependencies and dependents are
// maintained by Graph.AddEdge; mutating them directly skips the
// bookkeeping the scheduler relies on.
type Node struct {
	ID           string          `json:"node_id"`
	Type         NodeType        `json:"node_type"`
	AgentID      string          `json:"agent_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	Config       map[string]any  `json:"config,omitempty"`
	Status       NodeStatus      `json:"status"`
	Result       any             `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	Dependencies map[string]bool `json:"dependencies,omitempty"`
	Dependents   map[string]bool `json:"dependents,omitempty"`
}

// NewNode constructs a pending node.
func NewNode(id string, typ NodeType) *Node {
	return &Node{
		ID:           id,
		Type:         typ,
		Status:       NodeStatusPending,
		Config:       map[string]any{},
		Dependencies: map[string]bool{},
		Dependents:   map[string]bool{},
	}
}

// Ready reports whether every dependency is in the completed set. The
// completed set holds ids of nodes whose status is completed or skipped.
func (n *Node) Ready(completed map[string]bool) bool {
	for dep := range n.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Edge records that To depends on From.
type Edge struct {
	From string `json:"from_node"`
	To   string `json:"to_node"`
}

// Graph is a named directed acyclic collection of nodes. Constructors are
// responsible for acyclicity (see HasCycle); the scheduler does not
// re-check it.
type Graph struct {
	ID          string           `json:"graph_id"`
	Name        string           `json:"name,omitempty"`
	Description string           `json:"description,omitempty"`
	Nodes       map[string]*Node `json:"nodes"`
	Edges       []Edge           `json:"edges"`
	StartNodes  []string         `json:"start_nodes,omitempty"`
}

// New constructs an empty graph.
func New(id, name, description string) *Graph {
	return &Graph{
		ID:          id,
		Name:        name,
		Description: description,
		Nodes:       map[string]*Node{},
	}
}

// AddNode registers a node by id.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("node id required")
	}
	if _, exists := g.Nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	if n.Dependencies == nil {
		n.Dependencies = map[string]bool{}
	}
	if n.Dependents == nil {
		n.Dependents = map[string]bool{}
	}
	g.Nodes[n.ID] = n
	return nil
}

// AddEdge records that to depends on from. Both nodes must already exist.
func (g *Graph) AddEdge(from, to string) error {
	src, ok := g.Nodes[from]
	if !ok {
		return fmt.Errorf("edge source %q not in graph", from)
	}
	dst, ok := g.Nodes[to]
	if !ok {
		return fmt.Errorf("edge target %q not in graph", to)
	}
	g.Edges = append(g.Edges, Edge{From: from, To: to})
	dst.Dependencies[from] = true
	src.Dependents[to] = true
	return nil
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.Nodes[id]
}

// StartSet returns the initial ready set: the explicit start nodes if
// configured, otherwise every node with no dependencies.
func (g *Graph) StartSet() []*Node {
	if len(g.StartNodes) > 0 {
		out := make([]*Node, 0, len(g.StartNodes))
		for _, id := range g.StartNodes {
			if n, ok := g.Nodes[id]; ok {
				out = append(out, n)
			}
		}
		return out
	}
	out := []*Node{}
	for _, n := range g.Nodes {
		if len(n.Dependencies) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// ReadyNodes returns every pending node whose dependencies are all in the
// completed set. Callers treat the result as one parallelizable batch;
// order is unspecified.
func (g *Graph) ReadyNodes(completed map[string]bool) []*Node {
	ready := []*Node{}
	for _, n := range g.Nodes {
		if n.Status == NodeStatusPending && n.Ready(completed) {
			ready = append(ready, n)
		}
	}
	return ready
}

// HasCycle reports whether the graph contains a dependency cycle.
func (g *Graph) HasCycle() bool {
	visited := map[string]bool{}
	onStack := map[string]bool{}

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		if n := g.Nodes[id]; n != nil {
			for dep := range n.Dependents {
				if !visited[dep] {
					if visit(dep) {
						return true
					}
				} else if onStack[dep] {
					return true
				}
			}
		}
		delete(onStack, id)
		return false
	}

	for id := range g.Nodes {
		if !visited[id] && visit(id) {
			return true
		}
	}
	return false
}

// TopoSort returns node ids in dependency order, or nil if the graph is
// cyclic.
func (g *Graph) TopoSort() []string {
	inDegree := make(map[string]int, len(g.Nodes))
	for id, n := range g.Nodes {
		inDegree[id] = len(n.Dependencies)
	}
	queue := []string{}
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for dep := range g.Nodes[id].Dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(sorted) != len(g.Nodes) {
		return nil
	}
	return sorted
}

// Snapshot serializes the full graph, including per-node execution state,
// so a suspended execution can be reconstructed from storage alone.
func (g *Graph) Snapshot() ([]byte, error) {
	return json.Marshal(g)
}

// FromSnapshot rebuilds a graph from a Snapshot payload.
func FromSnapshot(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph snapshot: %w", err)
	}
	if g.Nodes == nil {
		g.Nodes = map[string]*Node{}
	}
	for id, n := range g.Nodes {
		if n.ID == "" {
			n.ID = id
		}
		if n.Status == "" {
			n.Status = NodeStatusPending
		}
		if n.Dependencies == nil {
			n.Dependencies = map[string]bool{}
		}
		if n.Dependents == nil {
			n.Dependents = map[string]bool{}
		}
	}
	return &g, nil
}
