// Package registry holds the explicit registration tables for agents and
// tools, and the catalog of pre-defined DAG templates. The orchestration
// core only ever sees the Execute interface; how a capability was built
// and registered is the embedding application's concern.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is the outcome of one capability execution.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds a failed result from an error message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Handler executes one unit of capability work.
type Handler func(ctx context.Context, input map[string]any) Result

// Info describes a registered capability for resource evaluation.
type Info struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// CapabilityRegistry is a name -> handler table. It backs both the agent
// and tool executors; registration happens at startup, lookup is
// concurrency-safe.
type CapabilityRegistry struct {
	kind     string
	mu       sync.RWMutex
	handlers map[string]Handler
	infos    map[string]Info
}

// NewAgentRegistry constructs an empty agent table.
func NewAgentRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{kind: "agent", handlers: map[string]Handler{}, infos: map[string]Info{}}
}

// NewToolRegistry constructs an empty tool table.
func NewToolRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{kind: "tool", handlers: map[string]Handler{}, infos: map[string]Info{}}
}

// Register adds a capability under the given id, replacing any previous
// registration.
func (r *CapabilityRegistry) Register(id, description string, h Handler) error {
	if id == "" {
		return fmt.Errorf("%s id required", r.kind)
	}
	if h == nil {
		return fmt.Errorf("%s %q: nil handler", r.kind, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
	r.infos[id] = Info{ID: id, Description: description}
	return nil
}

// Execute runs the capability registered under id. Unknown ids and
// handler panics are reported as failed results, never as errors that
// abort the caller's scheduling loop.
func (r *CapabilityRegistry) Execute(ctx context.Context, id string, input map[string]any) (res Result) {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()
	if !ok {
		return Failure("%s %q not registered", r.kind, id)
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = Failure("%s %q panicked: %v", r.kind, id, rec)
		}
	}()
	if input == nil {
		input = map[string]any{}
	}
	return h(ctx, input)
}

// List returns the registered capabilities sorted by id.
func (r *CapabilityRegistry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EchoAgentID names the built-in agent every deployment carries.
const EchoAgentID = "echo_agent"

// RegisterEchoAgent installs the built-in echo agent, which returns its
// input back and is useful as a smoke-test capability.
func RegisterEchoAgent(agents *CapabilityRegistry) {
	_ = agents.Register(EchoAgentID, "Echoes its input back", func(ctx context.Context, input map[string]any) Result {
		msg, ok := input["input"]
		if !ok || msg == "" {
			msg = "No input provided"
		}
		return Result{Success: true, Result: map[string]any{"success": true, "echo": msg}}
	})
}
