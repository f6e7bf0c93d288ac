package executor

import (
	"context"
	"fmt"
	"strings"

	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"

	"github.com/bytedance/sonic"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// ActionRequest is what a handler sees of the step it has to carry out
type ActionRequest struct {
	TaskID    string
	Goal      string
	StepIndex int
	Step      string
	Input     string
	Context   string
}

// ActionResult is a handler's own verdict. An empty Status means success.
type ActionResult struct {
	Status model.OutcomeKind
	Detail string
}

// ActionHandler performs one plan step. Returned errors are classified by
// the executor's RetryPolicy.
type ActionHandler interface {
	Perform(ctx context.Context, req ActionRequest) (ActionResult, error)
}

type HandlerFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

func (f HandlerFunc) Perform(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}

// ====================== LLM Handler ======================

const actionSystemPrompt = `You are carrying out one step of a larger plan on behalf of the user.
Do exactly what the step asks and report the result in a few sentences.
If the step cannot be done at all, start your answer with "FAILED:" and explain why.`

const actionUserPrompt = `{context}

goal: {goal}
step {number}: {step}
user input: {input}`

const failedPrefix = "FAILED:"

// LLMActionHandler asks a chat model to carry out the step
type LLMActionHandler struct {
	model    einomodel.BaseChatModel
	template prompt.ChatTemplate
}

func NewLLMActionHandler(cm einomodel.BaseChatModel) *LLMActionHandler {
	return &LLMActionHandler{
		model: cm,
		template: prompt.FromMessages(schema.FString,
			schema.SystemMessage(actionSystemPrompt),
			schema.UserMessage(actionUserPrompt),
		),
	}
}

func (h *LLMActionHandler) Perform(ctx context.Context, req ActionRequest) (ActionResult, error) {
	input := req.Input
	if input == "" {
		input = "(none)"
	}
	messages, err := h.template.Format(ctx, map[string]any{
		"context": req.Context,
		"goal":    req.Goal,
		"number":  req.StepIndex + 1,
		"step":    req.Step,
		"input":   input,
	})
	if err != nil {
		return ActionResult{}, Fatal(fmt.Errorf("failed to format action prompt: %w", err))
	}

	resp, err := h.model.Generate(ctx, messages)
	if err != nil {
		return ActionResult{}, fmt.Errorf("action model call failed: %w", err)
	}

	content := strings.TrimSpace(resp.Content)
	switch {
	case content == "":
		return ActionResult{Status: model.OutcomeRetryable, Detail: "empty response from model"}, nil
	case strings.HasPrefix(strings.ToUpper(content), failedPrefix):
		return ActionResult{Status: model.OutcomeFatal, Detail: strings.TrimSpace(content[len(failedPrefix):])}, nil
	}
	return ActionResult{Status: model.OutcomeSuccess, Detail: content}, nil
}

// ====================== Tool Handler ======================

// ToolInput is the JSON argument passed to tools
type ToolInput struct {
	Step    string `json:"step"`
	Input   string `json:"input,omitempty"`
	Context string `json:"context,omitempty"`
}

// ToolActionHandler runs the first tool whose name appears in the step
// text. Steps that name no tool go to the fallback handler.
type ToolActionHandler struct {
	tools    []tool.InvokableTool
	fallback ActionHandler
}

func NewToolActionHandler(tools []tool.InvokableTool, fallback ActionHandler) *ToolActionHandler {
	return &ToolActionHandler{tools: tools, fallback: fallback}
}

func (h *ToolActionHandler) Perform(ctx context.Context, req ActionRequest) (ActionResult, error) {
	t, name, err := h.match(ctx, req.Step)
	if err != nil {
		return ActionResult{}, err
	}
	if t == nil {
		if h.fallback == nil {
			return ActionResult{}, Fatal(fmt.Errorf("no tool matches step %q", req.Step))
		}
		return h.fallback.Perform(ctx, req)
	}

	args, err := sonic.MarshalString(ToolInput{Step: req.Step, Input: req.Input, Context: req.Context})
	if err != nil {
		return ActionResult{}, Fatal(fmt.Errorf("failed to encode tool arguments: %w", err))
	}

	logger.Debug().Str("tool", name).Str("task_id", req.TaskID).Int("step_index", req.StepIndex).Msg("Invoking tool")
	out, err := t.InvokableRun(ctx, args)
	if err != nil {
		return ActionResult{}, fmt.Errorf("tool %s failed: %w", name, err)
	}
	return ActionResult{Status: model.OutcomeSuccess, Detail: out}, nil
}

func (h *ToolActionHandler) match(ctx context.Context, step string) (tool.InvokableTool, string, error) {
	text := strings.ToLower(step)
	for _, t := range h.tools {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, "", Fatal(fmt.Errorf("failed to read tool info: %w", err))
		}
		name := strings.ToLower(info.Name)
		if strings.Contains(text, name) || strings.Contains(text, strings.ReplaceAll(name, "_", " ")) {
			return t, info.Name, nil
		}
	}
	return nil, "", nil
}
