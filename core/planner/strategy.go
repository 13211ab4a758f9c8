package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arcflow/arcflow/core/infra/schema"
	"github.com/arcflow/arcflow/core/registry"
)

// Strategy is the pluggable planning brain: a text-in, text-out call,
// usually backed by an LLM. Output is expected but never guaranteed to
// be parseable JSON; every caller falls back on malformed output.
type Strategy interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Resources is the snapshot of available capabilities taken at the
// evaluate_resources stage.
type Resources struct {
	Agents []registry.Info      `json:"agents"`
	Tools  []registry.Info      `json:"tools"`
	DAGs   []registry.DAGSummary `json:"dags"`
}

// FirstAgentID returns the first available agent id, or the built-in
// echo agent when none are registered. Used by the single-step fallback.
func (r Resources) FirstAgentID() string {
	if len(r.Agents) > 0 {
		return r.Agents[0].ID
	}
	return registry.EchoAgentID
}

func analysisPrompt(request string) string {
	return fmt.Sprintf(`Analyze this request and respond with JSON only:
{"intent": "...", "complexity": "simple|moderate|complex", "requires_hitl": false, "key_requirements": ["..."], "suggested_approach": "..."}

Request: %s`, request)
}

func decisionPrompt(request string, res Resources) string {
	resources, _ := json.Marshal(res)
	return fmt.Sprintf(`Choose an execution strategy for this request and respond with JSON only:
{"plan_type": "use_existing_dag|create_stategraph|simple_execution", "execution_mode": "sequential|parallel|conditional|loop", "dag_id": "only when plan_type is use_existing_dag"}

Available resources: %s

Request: %s`, resources, request)
}

func planPrompt(request string, mode ExecutionMode, res Resources) string {
	resources, _ := json.Marshal(res)
	return fmt.Sprintf(`Build a step-by-step execution plan in %s mode for this request. Respond with JSON only:
{"execution_mode": "%s", "steps": [{"step_id": "step_1", "name": "...", "type": "agent|tool", "agent_id": "...", "tool_name": "...", "input": {}, "dependencies": [], "condition": null}], "hitl_checkpoints": [], "loop_config": null}

Only reference agents and tools from the available resources: %s

Request: %s`, mode, mode, resources, request)
}

// parseAnalysis decodes the analyze_request output, falling back to a
// trivial analysis on malformed output.
func parseAnalysis(raw, request string) (*Analysis, bool) {
	var out Analysis
	if err := decodeJSON(raw, &out); err != nil || out.Intent == "" {
		return &Analysis{Intent: request, Complexity: "moderate", RequiresHITL: false}, false
	}
	return &out, true
}

// parseDecision decodes the decide_strategy output, falling back to
// create_stategraph / sequential on malformed output.
func parseDecision(raw string) (*StrategyDecision, bool) {
	var out StrategyDecision
	if err := decodeJSON(raw, &out); err != nil {
		return fallbackDecision(), false
	}
	switch out.PlanType {
	case PlanTypeUseExistingDAG, PlanTypeCreateStategraph, PlanTypeSimpleExecution:
	default:
		return fallbackDecision(), false
	}
	if !ValidMode(out.Mode) {
		out.Mode = ModeSequential
	}
	return &out, true
}

func fallbackDecision() *StrategyDecision {
	return &StrategyDecision{PlanType: PlanTypeCreateStategraph, Mode: ModeSequential}
}

// parsePlan decodes and schema-validates the construct_plan output,
// falling back to a single-step plan on the first available agent.
func parsePlan(raw, request string, mode ExecutionMode, res Resources) (*ExecutionPlan, bool) {
	payload := extractJSON(raw)
	if payload == "" {
		return fallbackPlan(request, res), false
	}
	if err := schema.ValidateExecutionPlan(json.RawMessage(payload)); err != nil {
		return fallbackPlan(request, res), false
	}
	var out ExecutionPlan
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return fallbackPlan(request, res), false
	}
	if !ValidMode(out.Mode) {
		out.Mode = mode
	}
	if out.Mode == ModeLoop && out.LoopConfig == nil {
		out.LoopConfig = &LoopConfig{MaxIterations: 1}
	}
	return &out, true
}

// fallbackPlan is the conservative single-step plan used when the
// strategy cannot produce a usable breakdown.
func fallbackPlan(request string, res Resources) *ExecutionPlan {
	return &ExecutionPlan{
		Type: "stategraph",
		Mode: ModeSequential,
		Steps: []Step{{
			StepID:  "step_1",
			Name:    "Execute request",
			Type:    StepTypeAgent,
			AgentID: res.FirstAgentID(),
			Input:   map[string]any{"request": request, "input": request},
		}},
	}
}

func decodeJSON(raw string, out any) error {
	payload := extractJSON(raw)
	if payload == "" {
		return fmt.Errorf("no json object in strategy output")
	}
	return json.Unmarshal([]byte(payload), out)
}

// extractJSON pulls the outermost JSON object out of strategy output,
// tolerating prose and markdown code fences around it.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
