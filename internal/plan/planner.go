package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// Planner maps an instruction to an execution plan. The orchestration core
// never retries a planner failure; that policy belongs to the implementation.
type Planner interface {
	Plan(ctx context.Context, instruction string) (*ExecutionPlan, error)
}

// Capability describes one automation tool the planner may schedule.
type Capability struct {
	Name        string
	Description string
}

// DefaultCapabilities is the automation surface exposed to the planner.
var DefaultCapabilities = []Capability{
	{Name: "move_click", Description: "Move the pointer to (x, y) and click. Args: x (int), y (int), button ('left'|'right'|'middle')."},
	{Name: "send_keys", Description: "Type text into the focused element. Args: text (string), interval_ms (int, optional)."},
	{Name: "press_key", Description: "Press a single key with optional modifiers. Args: key (string), modifiers (array of string, optional)."},
	{Name: "launch", Description: "Launch an application by name. Args: app (string)."},
	{Name: "focus_window", Description: "Bring the window with the given title to the foreground. Args: title (string)."},
	{Name: "capture", Description: "Capture the screen or a region. Args: x, y, width, height (ints, optional)."},
	{Name: "list_windows", Description: "List the titles of all open windows. No args."},
}

const plannerSystemPrompt = `You are the planning component of a desktop automation engine.
Given a natural language instruction, decompose it into an ordered list of
tool calls using only the tools listed below. Respond by calling the
propose_plan function exactly once. Keep plans minimal: each step must be
directly required by the instruction.`

// LLMPlanner asks a chat model to emit a plan through a single
// propose_plan function call.
type LLMPlanner struct {
	Model        llms.Model
	Capabilities []Capability
}

func NewLLMPlanner(model llms.Model) *LLMPlanner {
	return &LLMPlanner{Model: model, Capabilities: DefaultCapabilities}
}

func (p *LLMPlanner) Plan(ctx context.Context, instruction string) (*ExecutionPlan, error) {
	var toolNames []string
	var toolDescriptions []string
	for _, c := range p.Capabilities {
		toolNames = append(toolNames, c.Name)
		toolDescriptions = append(toolDescriptions, fmt.Sprintf("- %s: %s", c.Name, c.Description))
	}

	systemPrompt := fmt.Sprintf("%s\n\n## Available Tools:\n%s",
		plannerSystemPrompt, strings.Join(toolDescriptions, "\n"))

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(instruction)},
		},
	}

	plannerTools := []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "propose_plan",
				Description: "Submit an ordered plan of tool calls that fulfills the instruction.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"steps": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"name": map[string]any{
										"type": "string",
										"enum": toolNames,
									},
									"args": map[string]any{
										"type": "object",
									},
								},
								"required": []string{"name"},
							},
						},
					},
					"required": []string{"steps"},
				},
			},
		},
	}

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(plannerTools))
	if err != nil {
		return nil, fmt.Errorf("planner request failed: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no choices")
	}

	choice := resp.Choices[0]
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "propose_plan" {
			continue
		}
		var proposed struct {
			Steps []ToolCall `json:"steps"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &proposed); err != nil {
			return nil, fmt.Errorf("failed to parse propose_plan arguments: %v", err)
		}
		if len(proposed.Steps) == 0 {
			return nil, fmt.Errorf("planner proposed an empty plan")
		}
		for i := range proposed.Steps {
			if proposed.Steps[i].Args == nil {
				proposed.Steps[i].Args = map[string]any{}
			}
		}
		return &ExecutionPlan{
			Instruction: instruction,
			Steps:       proposed.Steps,
			CreatedAt:   time.Now().UTC(),
		}, nil
	}

	return nil, fmt.Errorf("planner failed to provide a plan for instruction")
}
