package plan

import "time"

// ToolCall is one step of an execution plan: a named automation tool plus
// its arguments.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ExecutionPlan is an ordered sequence of tool calls derived from a single
// instruction.
type ExecutionPlan struct {
	Instruction string     `json:"instruction"`
	Steps       []ToolCall `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Clone returns a deep copy of the plan. Callers that hand plans across
// component boundaries copy them so the cache can evict its own entry
// without invalidating a running session.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := &ExecutionPlan{
		Instruction: p.Instruction,
		CreatedAt:   p.CreatedAt,
		Steps:       make([]ToolCall, len(p.Steps)),
	}
	for i, s := range p.Steps {
		args := make(map[string]any, len(s.Args))
		for k, v := range s.Args {
			args[k] = v
		}
		out.Steps[i] = ToolCall{Name: s.Name, Args: args}
	}
	return out
}
