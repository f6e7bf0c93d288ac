package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cognitive_lattice/src/executor"
	"cognitive_lattice/src/llm/nlu"
	"cognitive_lattice/src/llm/planner"
	"cognitive_lattice/src/model"
	"cognitive_lattice/src/router"
	"cognitive_lattice/src/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// classify maps a query prefix to an intent, e.g. "task: plan a trip"
var classify = nlu.ClassifierFunc(func(ctx context.Context, query string) (nlu.Classification, error) {
	intent, _, found := strings.Cut(query, ":")
	if !found {
		intent = "chat"
	}
	return nlu.Classification{Intent: router.ParseIntent(intent), Action: router.ActionUnknown}, nil
})

type fakeResponder struct {
	mu    sync.Mutex
	err   error
	modes []router.Mode
}

func (f *fakeResponder) Respond(ctx context.Context, mode router.Mode, query, sessionContext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	if f.err != nil {
		return "", f.err
	}
	return "reply to " + query, nil
}

type harness struct {
	store     *storage.MemoryStore
	service   *Service
	responder *fakeResponder
	results   []error
	inputs    []string
	mu        sync.Mutex
}

func newHarness(t *testing.T, plan ...string) *harness {
	t.Helper()
	h := &harness{store: storage.NewMemoryStore(), responder: &fakeResponder{}}

	handler := executor.HandlerFunc(func(ctx context.Context, req executor.ActionRequest) (executor.ActionResult, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.inputs = append(h.inputs, req.Input)
		if len(h.results) > 0 {
			err := h.results[0]
			h.results = h.results[1:]
			if err != nil {
				return executor.ActionResult{}, err
			}
		}
		return executor.ActionResult{Detail: "did " + req.Step}, nil
	})

	svc, err := NewService(context.Background(), Options{
		Store:      h.store,
		Classifier: classify,
		Planner: planner.PlannerFunc(func(ctx context.Context, goal, sessionContext string) ([]string, error) {
			return plan, nil
		}),
		Executor:  executor.NewExecutor(handler, executor.DefaultRetryPolicy(), time.Second),
		Responder: h.responder,
	})
	require.NoError(t, err)
	h.service = svc
	return h
}

func (h *harness) script(results ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = results
}

func TestChatWithoutTask(t *testing.T) {
	h := newHarness(t, "a")
	ctx := context.Background()

	resp, err := h.service.HandleQuery(ctx, "s1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, router.ModeChat, resp.Mode)
	assert.Equal(t, router.ReasonChatIntent, resp.Decision.Reason)
	assert.Equal(t, "reply to hello there", resp.Text)
	assert.Nil(t, resp.Task)

	nodes, err := h.service.Audit(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, model.NodeQuery, nodes[0].Kind)
	assert.Equal(t, model.NodeRouteDecision, nodes[1].Kind)
	assert.Equal(t, "Chat", nodes[1].Payload.Route.Mode)
}

func TestTaskAbandonedOnFatalStep(t *testing.T) {
	h := newHarness(t, "pick dates", "book flight", "book hotel")
	ctx := context.Background()

	resp, err := h.service.HandleQuery(ctx, "s1", "task: plan a trip")
	require.NoError(t, err)
	assert.Equal(t, router.ModeStructuredTask, resp.Mode)
	require.NotNil(t, resp.Task)
	assert.Equal(t, model.TaskActive, resp.Task.Status)
	assert.Contains(t, resp.Text, "1. pick dates")
	assert.Equal(t, model.Progress{CompletedSteps: 0, TotalSteps: 3}, *resp.Progress)

	h.script(nil, nil, executor.Fatal(errors.New("no rooms left")))
	for i := 0; i < 3; i++ {
		resp, err = h.service.HandleQuery(ctx, "s1", "continue")
		require.NoError(t, err)
		assert.Equal(t, router.ReasonActiveTask, resp.Decision.Reason)
	}

	task := resp.Task
	assert.Equal(t, model.TaskAbandoned, task.Status)
	assert.Equal(t, 2, task.Cursor)
	require.Len(t, task.StepHistory, 3)
	assert.Equal(t, model.OutcomeFatal, task.StepHistory[2].Status)
	assert.Equal(t, model.AbandonStepFatal, task.AbandonReason.Code)
	assert.Contains(t, resp.Text, "abandoned")

	resp, err = h.service.HandleQuery(ctx, "s1", "thanks anyway")
	require.NoError(t, err)
	assert.Equal(t, router.ModeChat, resp.Mode, "the task lock is released")
}

func TestTaskRetriesThenAdvances(t *testing.T) {
	h := newHarness(t, "pick dates", "book flight")
	ctx := context.Background()

	_, err := h.service.HandleQuery(ctx, "s1", "task: plan a trip")
	require.NoError(t, err)

	flaky := errors.New("upstream 503")
	h.script(flaky, flaky, nil)
	resp, err := h.service.RunTask(ctx, "s1", 3)
	require.NoError(t, err)

	task := resp.Task
	assert.Equal(t, model.TaskActive, task.Status)
	assert.Equal(t, 1, task.Cursor)
	require.Len(t, task.StepHistory, 3)
	for _, o := range task.StepHistory {
		assert.Equal(t, 0, o.StepIndex)
	}
	assert.Equal(t, model.Progress{CompletedSteps: 1, TotalSteps: 2}, *resp.Progress)

	resp, err = h.service.Continue(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, resp.Task.Status)
	assert.Contains(t, resp.Text, "All steps are complete")

	_, err = h.service.Continue(ctx, "s1")
	assert.ErrorIs(t, err, model.ErrTaskNotActive)
}

func TestActiveTaskCapturesChat(t *testing.T) {
	h := newHarness(t, "pick dates", "book flight")
	ctx := context.Background()

	_, err := h.service.HandleQuery(ctx, "s1", "task: plan a trip")
	require.NoError(t, err)

	resp, err := h.service.HandleQuery(ctx, "s1", "chat: June works for me")
	require.NoError(t, err)
	assert.Equal(t, router.ModeStructuredTask, resp.Mode)
	assert.Equal(t, router.IntentChat, resp.Decision.Intent)
	assert.Equal(t, router.ReasonActiveTask, resp.Decision.Reason)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, "chat: June works for me", resp.Outcome.Input)
	assert.Empty(t, h.responder.modes, "not treated as small talk")
	assert.Equal(t, []string{"chat: June works for me"}, h.inputs)
}

func TestConcurrentOpenIsRejected(t *testing.T) {
	h := newHarness(t, "a")
	ctx := context.Background()

	lease, err := h.store.Acquire(ctx, "s1")
	require.NoError(t, err)

	_, err = h.service.HandleQuery(ctx, "s1", "hello")
	assert.ErrorIs(t, err, model.ErrConcurrentAccess)

	require.NoError(t, h.store.Release(ctx, lease))
	_, err = h.service.HandleQuery(ctx, "s1", "hello")
	assert.NoError(t, err)
}

func TestConcurrentHandleQuery(t *testing.T) {
	h := newHarness(t, "a")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.service.HandleQuery(ctx, "s1", "hello")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, model.ErrConcurrentAccess)
	}
	assert.GreaterOrEqual(t, ok, 1)

	nodes, err := h.service.Audit(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2*ok, "only turns that held the lease were recorded")
}

func TestCancelAndCorrect(t *testing.T) {
	h := newHarness(t, "pick dates", "book flight", "book hotel")
	ctx := context.Background()

	_, err := h.service.HandleQuery(ctx, "s1", "task: plan a trip")
	require.NoError(t, err)
	_, err = h.service.HandleQuery(ctx, "s1", "next")
	require.NoError(t, err)

	resp, err := h.service.HandleQuery(ctx, "s1", "back to step 1: use June instead")
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome)
	assert.True(t, resp.Outcome.Correction)
	assert.Equal(t, "use June instead", resp.Outcome.Input)
	assert.Equal(t, 1, resp.Task.Cursor)

	resp, err = h.service.HandleQuery(ctx, "s1", "redo step 3")
	require.NoError(t, err)
	assert.Nil(t, resp.Outcome)
	assert.Contains(t, resp.Text, "can't be revisited")

	resp, err = h.service.HandleQuery(ctx, "s1", "cancel")
	require.NoError(t, err)
	assert.Equal(t, model.TaskAbandoned, resp.Task.Status)
	assert.Equal(t, model.AbandonUserCancelled, resp.Task.AbandonReason.Code)
	assert.Contains(t, resp.Text, "cancelled")

	nodes, err := h.service.Audit(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeTaskAbandoned, nodes[len(nodes)-1].Kind)
}

func TestResponderFailureFallsBack(t *testing.T) {
	h := newHarness(t, "a")
	h.responder.err = errors.New("model offline")

	resp, err := h.service.HandleQuery(context.Background(), "s1", "simple: what is 2+2")
	require.NoError(t, err)
	assert.Equal(t, chatFallbackText, resp.Text)

	resp, err = h.service.HandleQuery(context.Background(), "s1", "broad: the quarterly report")
	require.NoError(t, err)
	assert.Equal(t, router.ModeDocumentAnalysis, resp.Mode)
	assert.Equal(t, analysisFallbackText, resp.Text)
}

func TestEmptyPlanIsSurfaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.HandleQuery(ctx, "s1", "task: do nothing")
	assert.ErrorIs(t, err, model.ErrInvalidPlan)

	nodes, err := h.service.Audit(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2, "no task node")
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t, "a")
	ctx := context.Background()
	_, err := h.service.HandleQuery(ctx, "s1", "hello")
	require.NoError(t, err)

	h.store.FailSaves = errors.New("disk full")
	_, err = h.service.HandleQuery(ctx, "s1", "hello again")
	assert.ErrorIs(t, err, model.ErrPersistence)

	h.store.FailSaves = nil
	nodes, err := h.service.Audit(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestInterpretTaskInput(t *testing.T) {
	vocab := model.DefaultVocabulary()
	tests := []struct {
		text string
		want taskCommand
	}{
		{"", taskCommand{kind: commandContinue}},
		{"Go ahead!", taskCommand{kind: commandContinue}},
		{"ok book the 9am flight", taskCommand{kind: commandStep, input: "ok book the 9am flight"}},
		{"Cancel task", taskCommand{kind: commandCancel, input: "Cancel task"}},
		{"redo step 2", taskCommand{kind: commandCorrect, stepIndex: 1}},
		{"Go back to step 1, use June", taskCommand{kind: commandCorrect, stepIndex: 0, input: "use June"}},
		{"revisit step 3: cheaper hotel", taskCommand{kind: commandCorrect, stepIndex: 2, input: "cheaper hotel"}},
		{"step 2 looks fine", taskCommand{kind: commandStep, input: "step 2 looks fine"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, interpretTaskInput(vocab, tt.text), tt.text)
	}
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(context.Background(), Options{})
	assert.Error(t, err)
}
