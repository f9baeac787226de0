package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Task is one named sub-task of a fan-out plan.
type Task struct {
	Name          string   `json:"name"`
	Prompt        string   `json:"prompt"`
	ModelOverride string   `json:"model_override,omitempty"`
	TimeoutMs     int64    `json:"timeout_ms,omitempty"`
	ToolAllow     []string `json:"tool_allow,omitempty"`
	ToolDeny      []string `json:"tool_deny,omitempty"`
}

// Plan is a fan-out request: N named sub-tasks run as background jobs
// under a shared deadline, optionally followed by an aggregation pass
// over their results.
type Plan struct {
	Tasks             []Task `json:"tasks"`
	MaxConcurrent     int    `json:"max_concurrent,omitempty"`
	TimeoutMs         int64  `json:"timeout_ms,omitempty"`
	AggregationPrompt string `json:"aggregation_prompt,omitempty"`
}

type planSchemaRegistry struct {
	once     sync.Once
	initErr  error
	compiled *jsonschema.Schema
}

var planSchemas planSchemaRegistry

func initPlanSchema() error {
	planSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("workflow_plan", planSchema)
		if err != nil {
			planSchemas.initErr = err
			return
		}
		planSchemas.compiled = compiled
	})
	return planSchemas.initErr
}

// ParsePlan validates a JSON plan document against the plan schema and
// decodes it. Validation runs before any job is spawned, so a rejected
// plan never leaves partial state behind.
func ParsePlan(raw []byte) (Plan, error) {
	if err := initPlanSchema(); err != nil {
		return Plan{}, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if err := planSchemas.compiled.Validate(payload); err != nil {
		return Plan{}, fmt.Errorf("invalid plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	return plan, nil
}

const planSchema = `{
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 1,
      "maxItems": 20,
      "items": {
        "type": "object",
        "required": ["name", "prompt"],
        "properties": {
          "name": { "type": "string", "minLength": 1, "maxLength": 120 },
          "prompt": { "type": "string", "minLength": 1 },
          "model_override": { "type": "string" },
          "timeout_ms": { "type": "integer", "minimum": 1000, "maximum": 3600000 },
          "tool_allow": { "type": "array", "items": { "type": "string" } },
          "tool_deny": { "type": "array", "items": { "type": "string" } }
        },
        "additionalProperties": true
      }
    },
    "max_concurrent": { "type": "integer", "minimum": 1, "maximum": 20 },
    "timeout_ms": { "type": "integer", "minimum": 1000, "maximum": 3600000 },
    "aggregation_prompt": { "type": "string" }
  },
  "additionalProperties": true
}`
