package executor

import (
	"context"
	"fmt"
	"time"

	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cognitive_lattice/executor")

// TaskLog is the part of a session lattice the executor drives
type TaskLog interface {
	SessionID() string
	ActiveTask() *model.Task
	ContextWindow(n int) string
	RecordStepOutcome(ctx context.Context, taskID string, outcome model.StepOutcome) (*model.Task, error)
	RecordCorrection(ctx context.Context, taskID string, outcome model.StepOutcome) (*model.Task, error)
	AbandonTask(ctx context.Context, taskID string, reason model.AbandonReason) (*model.Task, error)
}

// StepReport is the task state after a step together with the recorded
// outcome. Outcome is nil for cancellations.
type StepReport struct {
	Task    *model.Task
	Outcome *model.StepOutcome
}

type Executor struct {
	handler       ActionHandler
	policy        RetryPolicy
	timeout       time.Duration
	contextWindow int
}

type Option func(*Executor)

func WithContextWindow(n int) Option {
	return func(e *Executor) { e.contextWindow = n }
}

// NewExecutor builds an executor. A zero timeout leaves steps bounded only
// by the caller's context.
func NewExecutor(handler ActionHandler, policy RetryPolicy, timeout time.Duration, opts ...Option) *Executor {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	e := &Executor{handler: handler, policy: policy, timeout: timeout, contextWindow: 10}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Step executes the step at the active task's cursor and records the outcome
func (e *Executor) Step(ctx context.Context, tl TaskLog, input string) (*StepReport, error) {
	task := tl.ActiveTask()
	if task == nil {
		return nil, model.NewSessionError("step", tl.SessionID(), model.ErrTaskNotActive, nil)
	}

	ctx, span := tracer.Start(ctx, "executor.Step", trace.WithAttributes(
		attribute.String("session_id", tl.SessionID()),
		attribute.String("task_id", task.ID),
		attribute.Int("step_index", task.Cursor),
	))
	defer span.End()

	outcome := e.perform(ctx, tl, task, task.Cursor, input)
	if outcome.Status == model.OutcomeRetryable && e.policy.Escalate(task.Retries) {
		outcome.Status = model.OutcomeFatal
		outcome.Escalated = true
		outcome.Detail = fmt.Sprintf("retry limit of %d reached: %s", e.policy.MaxRetries, outcome.Detail)
	}

	updated, err := tl.RecordStepOutcome(ctx, task.ID, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return nil, err
	}

	recorded := updated.StepHistory[len(updated.StepHistory)-1]
	span.SetAttributes(attribute.String("outcome", string(recorded.Status)))
	if recorded.Status != model.OutcomeSuccess {
		span.SetStatus(codes.Error, recorded.Detail)
	}

	logger.Info().
		Str("session_id", tl.SessionID()).
		Str("task_id", task.ID).
		Int("step_index", recorded.StepIndex).
		Str("status", string(recorded.Status)).
		Int("attempt", recorded.Attempt).
		Str("task_status", string(updated.Status)).
		Msg("Step executed")

	return &StepReport{Task: updated, Outcome: &recorded}, nil
}

// Correct re-performs an already executed step with new input and records
// the result as a correction. The cursor is not moved.
func (e *Executor) Correct(ctx context.Context, tl TaskLog, stepIndex int, input string) (*StepReport, error) {
	task := tl.ActiveTask()
	if task == nil {
		return nil, model.NewSessionError("correct", tl.SessionID(), model.ErrTaskNotActive, nil)
	}
	if stepIndex < 0 || stepIndex >= task.Cursor {
		return nil, model.NewSessionError("correct", tl.SessionID(), model.ErrInvalidStep,
			fmt.Errorf("step %d has not been executed yet", stepIndex+1))
	}

	ctx, span := tracer.Start(ctx, "executor.Correct", trace.WithAttributes(
		attribute.String("session_id", tl.SessionID()),
		attribute.String("task_id", task.ID),
		attribute.Int("step_index", stepIndex),
	))
	defer span.End()

	outcome := e.perform(ctx, tl, task, stepIndex, input)
	outcome.StepIndex = stepIndex

	updated, err := tl.RecordCorrection(ctx, task.ID, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return nil, err
	}
	recorded := updated.StepHistory[len(updated.StepHistory)-1]

	logger.Info().
		Str("session_id", tl.SessionID()).
		Str("task_id", task.ID).
		Int("step_index", stepIndex).
		Str("status", string(recorded.Status)).
		Msg("Step corrected")

	return &StepReport{Task: updated, Outcome: &recorded}, nil
}

// Cancel abandons the active task on the user's request
func (e *Executor) Cancel(ctx context.Context, tl TaskLog, detail string) (*StepReport, error) {
	task := tl.ActiveTask()
	if task == nil {
		return nil, model.NewSessionError("cancel", tl.SessionID(), model.ErrTaskNotActive, nil)
	}
	if detail == "" {
		detail = "cancelled by user"
	}
	updated, err := tl.AbandonTask(ctx, task.ID, model.AbandonReason{Code: model.AbandonUserCancelled, Detail: detail})
	if err != nil {
		return nil, err
	}
	logger.Info().Str("session_id", tl.SessionID()).Str("task_id", task.ID).Msg("Task cancelled")
	return &StepReport{Task: updated}, nil
}

type performed struct {
	result ActionResult
	err    error
}

// perform runs the handler under the step timeout. A handler that ignores
// its context is abandoned when the deadline passes.
func (e *Executor) perform(ctx context.Context, tl TaskLog, task *model.Task, index int, input string) model.StepOutcome {
	req := ActionRequest{
		TaskID:    task.ID,
		Goal:      task.Goal,
		StepIndex: index,
		Step:      task.Plan[index],
		Input:     input,
		Context:   tl.ContextWindow(e.contextWindow),
	}

	stepCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan performed, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- performed{err: Fatal(fmt.Errorf("handler panic: %v", r))}
			}
		}()
		res, err := e.handler.Perform(stepCtx, req)
		done <- performed{result: res, err: err}
	}()

	var p performed
	select {
	case p = <-done:
	case <-stepCtx.Done():
		p = performed{err: fmt.Errorf("step %d timed out: %w", index+1, stepCtx.Err())}
	}

	outcome := model.StepOutcome{Input: input}
	if p.err != nil {
		outcome.Status = e.policy.classify(p.err)
		outcome.Detail = p.err.Error()
		logger.Warn().Err(p.err).Str("task_id", task.ID).Int("step_index", index).
			Str("status", string(outcome.Status)).Msg("Step handler failed")
		return outcome
	}

	outcome.Status = p.result.Status
	if outcome.Status == "" {
		outcome.Status = model.OutcomeSuccess
	}
	if !outcome.Status.Valid() {
		outcome.Status = model.OutcomeFatal
		outcome.Detail = fmt.Sprintf("handler returned unknown status %q", p.result.Status)
		return outcome
	}
	outcome.Detail = p.result.Detail
	return outcome
}
