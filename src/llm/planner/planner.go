package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"cognitive_lattice/src/logger"

	"github.com/bytedance/sonic"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// Planner decomposes a goal into ordered step descriptions. An empty plan
// is a valid answer; the caller rejects it.
type Planner interface {
	Plan(ctx context.Context, goal, sessionContext string) ([]string, error)
}

// PlannerFunc adapts a function to Planner
type PlannerFunc func(ctx context.Context, goal, sessionContext string) ([]string, error)

func (f PlannerFunc) Plan(ctx context.Context, goal, sessionContext string) ([]string, error) {
	return f(ctx, goal, sessionContext)
}

const systemPrompt = `You are a planner. Break the user's goal into a short ordered list of concrete steps that can each be carried out on their own.
Return a JSON array of strings and nothing else, for example:
["Choose travel dates", "Book the flight", "Reserve a hotel"]
Use at most {max_steps} steps.`

const userPrompt = `{context}

goal: {goal}`

// LLMPlanner asks a chat model for the plan
type LLMPlanner struct {
	model    einomodel.BaseChatModel
	template prompt.ChatTemplate
	maxSteps int
}

func NewLLMPlanner(cm einomodel.BaseChatModel, maxSteps int) *LLMPlanner {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	return &LLMPlanner{
		model: cm,
		template: prompt.FromMessages(schema.FString,
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(userPrompt),
		),
		maxSteps: maxSteps,
	}
}

func (p *LLMPlanner) Plan(ctx context.Context, goal, sessionContext string) ([]string, error) {
	messages, err := p.template.Format(ctx, map[string]any{
		"goal":      goal,
		"context":   sessionContext,
		"max_steps": p.maxSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format planner prompt: %w", err)
	}

	resp, err := p.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("planner model call failed: %w", err)
	}

	steps := ParsePlan(resp.Content)
	if len(steps) > p.maxSteps {
		logger.Warn().Int("steps", len(steps)).Int("max", p.maxSteps).Msg("Plan truncated")
		steps = steps[:p.maxSteps]
	}
	return steps, nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)]|step\s+\d+\s*[:.)-])\s*`)

// ParsePlan accepts a JSON array, a {"steps": [...]} object or a
// numbered/bulleted list. Prose lines around a list are ignored.
func ParsePlan(content string) []string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSpace(strings.TrimSuffix(content, "```"))

	var arr []string
	if err := sonic.UnmarshalString(content, &arr); err == nil {
		return clean(arr)
	}
	var obj struct {
		Steps []string `json:"steps"`
	}
	if err := sonic.UnmarshalString(content, &obj); err == nil && len(obj.Steps) > 0 {
		return clean(obj.Steps)
	}

	var listed, plain []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if loc := listMarker.FindStringIndex(strings.ToLower(line)); loc != nil {
			listed = append(listed, line[loc[1]:])
			continue
		}
		plain = append(plain, line)
	}
	if len(listed) > 0 {
		return clean(listed)
	}
	return clean(plain)
}

func clean(steps []string) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
