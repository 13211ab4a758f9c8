package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/arcflow/arcflow/core/graph"
)

// DAGConfig is a pre-defined workflow template, typically loaded from a
// YAML file in the DAG config directory.
type DAGConfig struct {
	DAGID       string          `yaml:"dag_id" json:"dag_id"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description" json:"description"`
	Nodes       []DAGNodeConfig `yaml:"nodes" json:"nodes"`
}

// DAGNodeConfig describes one node of a template.
type DAGNodeConfig struct {
	NodeID       string         `yaml:"node_id" json:"node_id"`
	NodeType     string         `yaml:"node_type" json:"node_type"`
	AgentID      string         `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	ToolName     string         `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// DAGSummary is the listing projection used during resource evaluation.
type DAGSummary struct {
	DAGID       string `json:"dag_id"`
	Description string `json:"description,omitempty"`
	NodeCount   int    `json:"node_count"`
}

// DAGRegistry catalogs workflow templates and compiles them into graphs.
type DAGRegistry struct {
	mu      sync.RWMutex
	configs map[string]*DAGConfig
}

// NewDAGRegistry constructs an empty template catalog.
func NewDAGRegistry() *DAGRegistry {
	return &DAGRegistry{configs: map[string]*DAGConfig{}}
}

// Register validates and adds a template. Templates with missing node ids,
// dangling dependencies, or cycles are rejected here so the scheduler
// never sees a graph that cannot make progress.
func (r *DAGRegistry) Register(cfg *DAGConfig) error {
	if cfg == nil || cfg.DAGID == "" {
		return fmt.Errorf("dag id required")
	}
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("dag %q has no nodes", cfg.DAGID)
	}
	g, err := compile(cfg)
	if err != nil {
		return err
	}
	if g.HasCycle() {
		return fmt.Errorf("dag %q is cyclic", cfg.DAGID)
	}
	r.mu.Lock()
	r.configs[cfg.DAGID] = cfg
	r.mu.Unlock()
	return nil
}

// LoadDir registers every *.yaml/*.yml template in dir. A missing
// directory is not an error; a deployment may carry no templates.
func (r *DAGRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dag dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read dag file %s: %w", name, err)
		}
		var cfg DAGConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse dag file %s: %w", name, err)
		}
		if err := r.Register(&cfg); err != nil {
			return fmt.Errorf("register dag file %s: %w", name, err)
		}
	}
	return nil
}

// GetDAGConfig returns the template for dagID, or nil.
func (r *DAGRegistry) GetDAGConfig(dagID string) *DAGConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configs[dagID]
}

// ListDAGs returns summaries of the registered templates sorted by id.
func (r *DAGRegistry) ListDAGs() []DAGSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DAGSummary, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, DAGSummary{DAGID: cfg.DAGID, Description: cfg.Description, NodeCount: len(cfg.Nodes)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DAGID < out[j].DAGID })
	return out
}

// CreateGraphFromDAG compiles a registered template into a fresh graph
// ready for execution. Returns nil when the template is unknown.
func (r *DAGRegistry) CreateGraphFromDAG(dagID string) *graph.Graph {
	cfg := r.GetDAGConfig(dagID)
	if cfg == nil {
		return nil
	}
	g, err := compile(cfg)
	if err != nil {
		return nil
	}
	return g
}

func compile(cfg *DAGConfig) (*graph.Graph, error) {
	g := graph.New(cfg.DAGID, cfg.Name, cfg.Description)
	for _, nc := range cfg.Nodes {
		n := graph.NewNode(nc.NodeID, graph.NodeType(nc.NodeType))
		n.AgentID = nc.AgentID
		n.ToolName = nc.ToolName
		if nc.Config != nil {
			n.Config = nc.Config
		}
		if err := g.AddNode(n); err != nil {
			return nil, fmt.Errorf("dag %q: %w", cfg.DAGID, err)
		}
	}
	for _, nc := range cfg.Nodes {
		for _, dep := range nc.Dependencies {
			if err := g.AddEdge(dep, nc.NodeID); err != nil {
				return nil, fmt.Errorf("dag %q: %w", cfg.DAGID, err)
			}
		}
	}
	return g, nil
}
