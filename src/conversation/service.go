package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cognitive_lattice/src/executor"
	"cognitive_lattice/src/lattice"
	"cognitive_lattice/src/llm/nlu"
	"cognitive_lattice/src/llm/planner"
	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"
	"cognitive_lattice/src/router"
	"cognitive_lattice/src/storage"

	"github.com/cloudwego/eino/compose"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cognitive_lattice/conversation")

const (
	chatFallbackText     = "Sorry, I can't answer right now. Please try again in a moment."
	analysisFallbackText = "Sorry, I couldn't analyse the documents right now. Please try again in a moment."

	defaultMaxTurns = 100
)

// Graph node keys
const (
	nodeDispatch = "dispatch"
	nodeRespond  = "respond"
	nodeAnalyse  = "analyse"
	nodeTask     = "task"
)

// Responder produces the text reply for chat, query and analysis turns
type Responder interface {
	Respond(ctx context.Context, mode router.Mode, query, sessionContext string) (string, error)
}

type Options struct {
	Store      storage.Store
	Classifier nlu.Classifier
	Planner    planner.Planner
	Executor   *executor.Executor
	Responder  Responder
	// Analyst answers document-analysis turns; Responder is used when nil
	Analyst       Responder
	Vocabulary    model.Vocabulary
	ContextWindow int
	Observers     []lattice.Observer
	Clock         func() time.Time
}

// Response is what one turn produced. Task and Outcome are set for
// structured-task turns.
type Response struct {
	Mode     router.Mode        `json:"mode"`
	Text     string             `json:"text"`
	Decision router.Decision    `json:"decision"`
	Task     *model.Task        `json:"task,omitempty"`
	Outcome  *model.StepOutcome `json:"outcome,omitempty"`
	Progress *model.Progress    `json:"progress,omitempty"`
}

// turn is the state threaded through the dispatch graph
type turn struct {
	lattice  *lattice.Lattice
	query    string
	history  string
	decision router.Decision
}

type Service struct {
	opts     Options
	dispatch compose.Runnable[*turn, *Response]
}

func NewService(ctx context.Context, opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("conversation: store is required")
	case opts.Classifier == nil:
		return nil, errors.New("conversation: classifier is required")
	case opts.Planner == nil:
		return nil, errors.New("conversation: planner is required")
	case opts.Executor == nil:
		return nil, errors.New("conversation: executor is required")
	case opts.Responder == nil:
		return nil, errors.New("conversation: responder is required")
	}
	if opts.Analyst == nil {
		opts.Analyst = opts.Responder
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 10
	}
	if len(opts.Vocabulary.ContinueKeywords) == 0 && len(opts.Vocabulary.CancelKeywords) == 0 {
		opts.Vocabulary = model.DefaultVocabulary()
	}

	s := &Service{opts: opts}
	dispatch, err := s.buildGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatch graph: %w", err)
	}
	s.dispatch = dispatch
	return s, nil
}

// HandleQuery runs one user turn: the query and the routing decision are
// recorded, then the turn is answered in the routed mode. Every lattice
// change is persisted before it returns.
func (s *Service) HandleQuery(ctx context.Context, sessionID, query string) (resp *Response, err error) {
	ctx, span := tracer.Start(ctx, "conversation.HandleQuery", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	l, err := s.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx, l)

	if _, err := l.Append(ctx, model.NodeQuery, model.NodePayload{Query: &model.QueryPayload{Text: query}}); err != nil {
		return nil, err
	}

	history := l.ContextWindow(s.opts.ContextWindow)
	cls, err := s.opts.Classifier.Classify(nlu.WithHistory(ctx, history), query)
	if err != nil {
		return nil, fmt.Errorf("failed to classify query: %w", err)
	}

	decision := router.Route(cls.Intent, cls.Action, l.ActiveTask() != nil)
	if _, err := l.Append(ctx, model.NodeRouteDecision, model.NodePayload{Route: decision.Record()}); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", string(decision.Mode)), attribute.String("reason", decision.Reason))

	logger.Info().
		Str("session_id", sessionID).
		Str("intent", string(cls.Intent)).
		Str("action", string(cls.Action)).
		Str("source", cls.Source).
		Str("mode", string(decision.Mode)).
		Str("reason", decision.Reason).
		Msg("Query routed")

	return s.dispatch.Invoke(ctx, &turn{lattice: l, query: query, history: history, decision: decision})
}

// Continue executes the next step of the session's active task
func (s *Service) Continue(ctx context.Context, sessionID string) (*Response, error) {
	l, err := s.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx, l)

	if l.ActiveTask() == nil {
		return nil, model.NewSessionError("continue", sessionID, model.ErrTaskNotActive, nil)
	}
	report, err := s.opts.Executor.Step(ctx, l, "")
	if err != nil {
		return nil, err
	}
	return taskResponse(lockedDecision(), report), nil
}

// RunTask steps the active task until it completes or is abandoned, or
// maxTurns steps have run.
func (s *Service) RunTask(ctx context.Context, sessionID string, maxTurns int) (*Response, error) {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	l, err := s.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx, l)

	if l.ActiveTask() == nil {
		return nil, model.NewSessionError("run_task", sessionID, model.ErrTaskNotActive, nil)
	}

	var report *executor.StepReport
	for i := 0; i < maxTurns; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report, err = s.opts.Executor.Step(ctx, l, "")
		if err != nil {
			return nil, err
		}
		if report.Task.Status.Terminal() {
			break
		}
	}
	return taskResponse(lockedDecision(), report), nil
}

// Audit returns the session's ordered node log without taking the lease
func (s *Service) Audit(ctx context.Context, sessionID string) ([]model.Node, error) {
	session, err := s.opts.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Nodes, nil
}

// ====================== Dispatch ======================

func (s *Service) buildGraph(ctx context.Context) (compose.Runnable[*turn, *Response], error) {
	g := compose.NewGraph[*turn, *Response]()

	pass := compose.InvokableLambda(func(ctx context.Context, t *turn) (*turn, error) { return t, nil })
	nodes := []struct {
		key    string
		lambda *compose.Lambda
	}{
		{nodeDispatch, pass},
		{nodeRespond, compose.InvokableLambda(s.respond)},
		{nodeAnalyse, compose.InvokableLambda(s.analyse)},
		{nodeTask, compose.InvokableLambda(s.handleTask)},
	}
	for _, n := range nodes {
		if err := g.AddLambdaNode(n.key, n.lambda); err != nil {
			return nil, err
		}
	}

	branch := compose.NewGraphBranch(func(ctx context.Context, t *turn) (string, error) {
		switch t.decision.Mode {
		case router.ModeStructuredTask:
			return nodeTask, nil
		case router.ModeDocumentAnalysis:
			return nodeAnalyse, nil
		default:
			return nodeRespond, nil
		}
	}, map[string]bool{nodeRespond: true, nodeAnalyse: true, nodeTask: true})

	if err := g.AddEdge(compose.START, nodeDispatch); err != nil {
		return nil, err
	}
	if err := g.AddBranch(nodeDispatch, branch); err != nil {
		return nil, err
	}
	for _, key := range []string{nodeRespond, nodeAnalyse, nodeTask} {
		if err := g.AddEdge(key, compose.END); err != nil {
			return nil, err
		}
	}
	return g.Compile(ctx, compose.WithGraphName("handle_query"))
}

func (s *Service) respond(ctx context.Context, t *turn) (*Response, error) {
	text, err := s.opts.Responder.Respond(ctx, t.decision.Mode, t.query, t.history)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", t.lattice.SessionID()).Str("mode", string(t.decision.Mode)).Msg("Responder failed, using fallback")
		text = chatFallbackText
	}
	return &Response{Mode: t.decision.Mode, Text: text, Decision: t.decision}, nil
}

func (s *Service) analyse(ctx context.Context, t *turn) (*Response, error) {
	text, err := s.opts.Analyst.Respond(ctx, router.ModeDocumentAnalysis, t.query, t.history)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", t.lattice.SessionID()).Msg("Document analysis failed, using fallback")
		text = analysisFallbackText
	}
	return &Response{Mode: t.decision.Mode, Text: text, Decision: t.decision}, nil
}

func (s *Service) handleTask(ctx context.Context, t *turn) (*Response, error) {
	if t.lattice.ActiveTask() != nil {
		return s.driveTask(ctx, t)
	}

	steps, err := s.opts.Planner.Plan(ctx, t.query, t.history)
	if err != nil {
		return nil, fmt.Errorf("failed to plan task: %w", err)
	}
	task, err := t.lattice.CreateTask(ctx, t.query, steps)
	if err != nil {
		return nil, err
	}

	progress := task.Progress()
	return &Response{
		Mode:     t.decision.Mode,
		Text:     renderPlan(task),
		Decision: t.decision,
		Task:     task,
		Progress: &progress,
	}, nil
}

// driveTask applies a turn captured by the active task
func (s *Service) driveTask(ctx context.Context, t *turn) (*Response, error) {
	cmd := interpretTaskInput(s.opts.Vocabulary, t.query)

	var report *executor.StepReport
	var err error
	switch cmd.kind {
	case commandCancel:
		report, err = s.opts.Executor.Cancel(ctx, t.lattice, "cancelled by user: "+cmd.input)
	case commandCorrect:
		report, err = s.opts.Executor.Correct(ctx, t.lattice, cmd.stepIndex, cmd.input)
		if errors.Is(err, model.ErrInvalidStep) {
			task := t.lattice.ActiveTask()
			progress := task.Progress()
			return &Response{
				Mode:     t.decision.Mode,
				Text:     fmt.Sprintf("Step %d can't be revisited yet; %d of %d steps are done.", cmd.stepIndex+1, progress.CompletedSteps, progress.TotalSteps),
				Decision: t.decision,
				Task:     task,
				Progress: &progress,
			}, nil
		}
	default:
		report, err = s.opts.Executor.Step(ctx, t.lattice, cmd.input)
	}
	if err != nil {
		return nil, err
	}
	return taskResponse(t.decision, report), nil
}

// ====================== Helpers ======================

func (s *Service) open(ctx context.Context, sessionID string) (*lattice.Lattice, error) {
	opts := make([]lattice.Option, 0, len(s.opts.Observers)+1)
	for _, o := range s.opts.Observers {
		opts = append(opts, lattice.WithObserver(o))
	}
	if s.opts.Clock != nil {
		opts = append(opts, lattice.WithClock(s.opts.Clock))
	}
	return lattice.Open(ctx, s.opts.Store, sessionID, opts...)
}

func (s *Service) close(ctx context.Context, l *lattice.Lattice) {
	// release even when the turn's context is already cancelled
	if err := l.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn().Err(err).Str("session_id", l.SessionID()).Msg("Failed to release session")
	}
}

func lockedDecision() router.Decision {
	return router.Route(router.IntentUnknown, router.ActionUnknown, true)
}

func taskResponse(decision router.Decision, report *executor.StepReport) *Response {
	progress := report.Task.Progress()
	return &Response{
		Mode:     router.ModeStructuredTask,
		Text:     renderReport(report),
		Decision: decision,
		Task:     report.Task,
		Outcome:  report.Outcome,
		Progress: &progress,
	}
}

func renderPlan(task *model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here is the plan (%d steps):\n", len(task.Plan))
	for i, step := range task.Plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString(`Say "continue" to start with step 1.`)
	return b.String()
}

func renderReport(report *executor.StepReport) string {
	task := report.Task
	total := len(task.Plan)
	o := report.Outcome

	var b strings.Builder
	switch {
	case o == nil:
		fmt.Fprintf(&b, "Task cancelled after %d of %d steps.", task.Cursor, total)
		return b.String()
	case o.Correction:
		fmt.Fprintf(&b, "Revisited step %d (%s): %s", o.StepIndex+1, o.Status, o.Detail)
	case o.Status == model.OutcomeSuccess:
		fmt.Fprintf(&b, "Step %d/%d done: %s", o.StepIndex+1, total, o.Detail)
	case o.Status == model.OutcomeRetryable:
		fmt.Fprintf(&b, "Step %d/%d failed (attempt %d), will retry: %s", o.StepIndex+1, total, o.Attempt, o.Detail)
	default:
		fmt.Fprintf(&b, "Step %d/%d failed: %s", o.StepIndex+1, total, o.Detail)
	}

	switch task.Status {
	case model.TaskCompleted:
		b.WriteString("\nAll steps are complete.")
	case model.TaskAbandoned:
		b.WriteString("\nThe task was abandoned.")
	default:
		fmt.Fprintf(&b, "\nNext: step %d, %s", task.Cursor+1, task.CurrentStep())
	}
	return b.String()
}
