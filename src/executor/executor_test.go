package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cognitive_lattice/src/lattice"
	"cognitive_lattice/src/llm/llmtest"
	"cognitive_lattice/src/model"
	"cognitive_lattice/src/storage"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openWithTask(t *testing.T, plan ...string) *lattice.Lattice {
	t.Helper()
	ctx := context.Background()
	l, err := lattice.Open(ctx, storage.NewMemoryStore(), "s1")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close(ctx) })
	_, err = l.CreateTask(ctx, "trip", plan)
	require.NoError(t, err)
	return l
}

// scripted returns the results in order, one per call
func scripted(results ...error) HandlerFunc {
	i := 0
	return func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		err := results[i]
		i++
		if err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Detail: "done: " + req.Step}, nil
	}
}

func TestStepFatalAbandonsTask(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "pick dates", "book flight", "book hotel")
	ex := NewExecutor(scripted(nil, nil, Fatal(errors.New("no rooms"))), DefaultRetryPolicy(), time.Second)

	var report *StepReport
	var err error
	for i := 0; i < 3; i++ {
		report, err = ex.Step(ctx, l, "")
		require.NoError(t, err)
	}

	task := report.Task
	assert.Equal(t, model.TaskAbandoned, task.Status)
	assert.Equal(t, 2, task.Cursor)
	require.Len(t, task.StepHistory, 3)
	assert.Equal(t, model.OutcomeFatal, task.StepHistory[2].Status)
	assert.Equal(t, model.OutcomeFatal, report.Outcome.Status)
	assert.Contains(t, report.Outcome.Detail, "no rooms")
	require.NotNil(t, task.AbandonReason)
	assert.Equal(t, model.AbandonStepFatal, task.AbandonReason.Code)
	assert.Nil(t, l.ActiveTask())

	_, err = ex.Step(ctx, l, "")
	assert.ErrorIs(t, err, model.ErrTaskNotActive)
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "pick dates", "book flight")
	flaky := errors.New("upstream 503")
	ex := NewExecutor(scripted(flaky, flaky, nil), DefaultRetryPolicy(), time.Second)

	for i := 0; i < 3; i++ {
		_, err := ex.Step(ctx, l, "")
		require.NoError(t, err)
	}

	task := l.ActiveTask()
	require.NotNil(t, task)
	assert.Equal(t, model.TaskActive, task.Status)
	assert.Equal(t, 1, task.Cursor)
	assert.Equal(t, 0, task.Retries)
	require.Len(t, task.StepHistory, 3)
	for i, o := range task.StepHistory {
		assert.Equal(t, 0, o.StepIndex)
		assert.Equal(t, i+1, o.Attempt)
	}
	assert.Equal(t, model.OutcomeRetryable, task.StepHistory[0].Status)
	assert.Equal(t, model.OutcomeSuccess, task.StepHistory[2].Status)
}

func TestStepEscalatesAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "pick dates")
	flaky := errors.New("upstream 503")
	ex := NewExecutor(scripted(flaky, flaky, flaky, flaky), DefaultRetryPolicy(), time.Second)

	var report *StepReport
	for i := 0; i < 4; i++ {
		var err error
		report, err = ex.Step(ctx, l, "")
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, model.OutcomeRetryable, report.Outcome.Status)
			assert.False(t, report.Outcome.Escalated)
		}
	}

	assert.Equal(t, model.OutcomeFatal, report.Outcome.Status)
	assert.True(t, report.Outcome.Escalated)
	assert.Equal(t, model.TaskAbandoned, report.Task.Status)
	assert.Equal(t, model.AbandonRetryExhausted, report.Task.AbandonReason.Code)
	assert.Len(t, report.Task.StepHistory, 4)
}

func TestStepTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "slow step")
	slow := HandlerFunc(func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		<-ctx.Done()
		return ActionResult{}, ctx.Err()
	})
	ex := NewExecutor(slow, DefaultRetryPolicy(), 10*time.Millisecond)

	report, err := ex.Step(ctx, l, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRetryable, report.Outcome.Status)
	assert.Contains(t, report.Outcome.Detail, "deadline exceeded")
	assert.Equal(t, 1, report.Task.Retries)
}

func TestStepAbandonsHandlerIgnoringContext(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "stuck step")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	stuck := HandlerFunc(func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		<-release
		return ActionResult{Detail: "too late"}, nil
	})
	ex := NewExecutor(stuck, DefaultRetryPolicy(), 10*time.Millisecond)

	report, err := ex.Step(ctx, l, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRetryable, report.Outcome.Status)
	assert.Contains(t, report.Outcome.Detail, "step 1 timed out")
	assert.Equal(t, 1, report.Task.Retries)
	assert.Equal(t, 0, report.Task.Cursor, "a late result must not advance the task")
}

func TestStepHandlerVerdicts(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "a", "b", "c")
	verdicts := []ActionResult{
		{Status: model.OutcomeRetryable, Detail: "try later"},
		{Detail: "ok"},
	}
	i := 0
	h := HandlerFunc(func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		if req.StepIndex == 1 {
			panic("boom")
		}
		v := verdicts[i]
		i++
		return v, nil
	})
	ex := NewExecutor(h, DefaultRetryPolicy(), time.Second)

	report, err := ex.Step(ctx, l, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRetryable, report.Outcome.Status)

	report, err = ex.Step(ctx, l, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, report.Outcome.Status, "empty status means success")

	report, err = ex.Step(ctx, l, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFatal, report.Outcome.Status, "panics are fatal")
	assert.Contains(t, report.Outcome.Detail, "handler panic")
}

func TestStepPassesInputAndContext(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "book flight")
	var got ActionRequest
	h := HandlerFunc(func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		got = req
		return ActionResult{}, nil
	})

	report, err := NewExecutor(h, DefaultRetryPolicy(), 0).Step(ctx, l, "the 9am one")
	require.NoError(t, err)
	assert.Equal(t, "book flight", got.Step)
	assert.Equal(t, "trip", got.Goal)
	assert.Equal(t, "the 9am one", got.Input)
	assert.Contains(t, got.Context, "<lattice_context>")
	assert.Equal(t, "the 9am one", report.Outcome.Input)
	assert.Equal(t, model.TaskCompleted, report.Task.Status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "a", "b")
	ex := NewExecutor(scripted(nil), DefaultRetryPolicy(), time.Second)
	_, err := ex.Step(ctx, l, "")
	require.NoError(t, err)

	report, err := ex.Cancel(ctx, l, "")
	require.NoError(t, err)
	assert.Nil(t, report.Outcome)
	assert.Equal(t, model.TaskAbandoned, report.Task.Status)
	assert.Equal(t, model.AbandonUserCancelled, report.Task.AbandonReason.Code)
	assert.Equal(t, 1, report.Task.Cursor)

	_, err = ex.Cancel(ctx, l, "")
	assert.ErrorIs(t, err, model.ErrTaskNotActive)
}

func TestCorrect(t *testing.T) {
	ctx := context.Background()
	l := openWithTask(t, "pick dates", "book flight", "book hotel")
	ex := NewExecutor(scripted(nil, nil), DefaultRetryPolicy(), time.Second)

	_, err := ex.Step(ctx, l, "")
	require.NoError(t, err)

	report, err := ex.Correct(ctx, l, 0, "use June instead")
	require.NoError(t, err)
	assert.True(t, report.Outcome.Correction)
	assert.Equal(t, 0, report.Outcome.StepIndex)
	assert.Equal(t, "use June instead", report.Outcome.Input)
	assert.Equal(t, 2, report.Outcome.Attempt)
	assert.Equal(t, 1, report.Task.Cursor, "cursor keeps moving forward")
	assert.Len(t, report.Task.StepHistory, 2)

	_, err = ex.Correct(ctx, l, 1, "x")
	assert.ErrorIs(t, err, model.ErrInvalidStep, "step 2 has not run yet")
	_, err = ex.Correct(ctx, l, -1, "x")
	assert.ErrorIs(t, err, model.ErrInvalidStep)
}

func TestDefaultClassify(t *testing.T) {
	tests := []struct {
		err  error
		want model.OutcomeKind
	}{
		{nil, model.OutcomeSuccess},
		{errors.New("503"), model.OutcomeRetryable},
		{context.DeadlineExceeded, model.OutcomeRetryable},
		{fmt.Errorf("wrapped: %w", context.Canceled), model.OutcomeRetryable},
		{Fatal(errors.New("bad input")), model.OutcomeFatal},
		{fmt.Errorf("outer: %w", Fatal(errors.New("bad input"))), model.OutcomeFatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultClassify(tt.err), fmt.Sprint(tt.err))
	}

	p := DefaultRetryPolicy()
	assert.False(t, p.Escalate(2))
	assert.True(t, p.Escalate(3))

	custom := RetryPolicy{MaxRetries: 1, Classify: func(error) model.OutcomeKind { return "bogus" }}
	assert.Equal(t, model.OutcomeRetryable, custom.classify(errors.New("x")))
}

func TestLLMActionHandler(t *testing.T) {
	ctx := context.Background()
	req := ActionRequest{Goal: "trip", StepIndex: 1, Step: "book flight", Context: "<lattice_context>\n</lattice_context>"}

	cm := llmtest.New("Booked flight AB123.", "FAILED: no flights on that date", "  ")
	h := NewLLMActionHandler(cm)

	res, err := h.Perform(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Status)
	assert.Equal(t, "Booked flight AB123.", res.Detail)
	assert.Contains(t, cm.LastPrompt(), "step 2: book flight")
	assert.Contains(t, cm.LastPrompt(), "user input: (none)")

	res, err = h.Perform(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFatal, res.Status)
	assert.Equal(t, "no flights on that date", res.Detail)

	res, err = h.Perform(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRetryable, res.Status)

	cm.Err = errors.New("connection reset")
	_, err = h.Perform(ctx, req)
	assert.Equal(t, model.OutcomeRetryable, DefaultClassify(err))
}

func TestToolActionHandler(t *testing.T) {
	ctx := context.Background()
	var seen ToolInput
	search, err := utils.InferTool("flight_search", "Search flights",
		func(ctx context.Context, in ToolInput) (string, error) {
			seen = in
			return "3 flights found", nil
		})
	require.NoError(t, err)

	fallbackCalls := 0
	fallback := HandlerFunc(func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		fallbackCalls++
		return ActionResult{Detail: "fallback"}, nil
	})
	h := NewToolActionHandler([]tool.InvokableTool{search}, fallback)

	res, err := h.Perform(ctx, ActionRequest{Step: "Run a flight search for June", Input: "from BKK"})
	require.NoError(t, err)
	assert.Contains(t, res.Detail, "3 flights found")
	assert.Equal(t, "Run a flight search for June", seen.Step)
	assert.Equal(t, "from BKK", seen.Input)
	assert.Zero(t, fallbackCalls)

	res, err = h.Perform(ctx, ActionRequest{Step: "pack bags"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Detail)
	assert.Equal(t, 1, fallbackCalls)

	_, err = NewToolActionHandler([]tool.InvokableTool{search}, nil).Perform(ctx, ActionRequest{Step: "pack bags"})
	assert.ErrorIs(t, err, ErrFatalStep)
}
