package schema

// ExecutionPlanSchema constrains the JSON an LLM planning strategy may
// return for a full step breakdown. Anything the schema rejects takes the
// same fallback path as unparseable output.
const ExecutionPlanSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "type": {"type": "string"},
    "execution_mode": {"enum": ["sequential", "parallel", "conditional", "loop"]},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_id", "type"],
        "properties": {
          "step_id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "type": {"enum": ["agent", "tool"]},
          "agent_id": {"type": "string"},
          "tool_name": {"type": "string"},
          "input": {"type": "object"},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "parallel_group": {"type": ["string", "null"]},
          "condition": {"type": ["string", "null"]}
        }
      }
    },
    "parallel_groups": {"type": "object"},
    "hitl_checkpoints": {"type": "array", "items": {"type": "string"}},
    "loop_config": {
      "type": ["object", "null"],
      "properties": {
        "max_iterations": {"type": "integer", "minimum": 1},
        "condition": {"type": "string"}
      }
    }
  }
}`

// ValidateExecutionPlan validates strategy output against
// ExecutionPlanSchema.
func ValidateExecutionPlan(value any) error {
	return ValidateSchema("execution-plan", []byte(ExecutionPlanSchema), value)
}
