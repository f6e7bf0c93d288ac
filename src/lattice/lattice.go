package lattice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"
	"cognitive_lattice/src/storage"

	"github.com/google/uuid"
)

// Observer is told about every node after it has been durably committed.
// It must not call back into the Lattice.
type Observer func(sessionID string, node model.Node)

type Option func(*Lattice)

// WithClock overrides time.Now for node and task timestamps
func WithClock(now func() time.Time) Option {
	return func(l *Lattice) { l.now = now }
}

func WithObserver(o Observer) Option {
	return func(l *Lattice) { l.observers = append(l.observers, o) }
}

// Lattice is the open, writable view of one session: an append-only node
// log plus at most one active task. It holds the session's store lease
// until Close.
type Lattice struct {
	mu        sync.Mutex
	store     storage.Store
	lease     *storage.Lease
	session   *model.Session
	now       func() time.Time
	observers []Observer
	closed    bool
}

// Open acquires the session lease and loads the stored document, or starts
// an empty session when none exists.
func Open(ctx context.Context, store storage.Store, sessionID string, opts ...Option) (*Lattice, error) {
	lease, err := store.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	l := &Lattice{
		store: store,
		lease: lease,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}

	session, err := store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		session = model.NewSession(sessionID, l.now())
	case err != nil:
		if relErr := store.Release(ctx, lease); relErr != nil {
			logger.Warn().Err(relErr).Str("session_id", sessionID).Msg("Failed to release lease after load error")
		}
		return nil, err
	}
	l.session = session

	logger.Debug().
		Str("session_id", sessionID).
		Int("nodes", len(session.Nodes)).
		Bool("active_task", session.ActiveTask != nil).
		Msg("Session opened")
	return l, nil
}

func (l *Lattice) SessionID() string {
	return l.lease.SessionID
}

// Close releases the lease. Later mutations fail with model.ErrClosed.
func (l *Lattice) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.store.Release(ctx, l.lease)
}

// Append commits a query or route_decision node. Task lifecycle nodes are
// written by the task methods so the task and its nodes stay consistent.
func (l *Lattice) Append(ctx context.Context, kind model.NodeKind, payload model.NodePayload) (model.Node, error) {
	if kind != model.NodeQuery && kind != model.NodeRouteDecision {
		return model.Node{}, fmt.Errorf("cannot append %q node directly", kind)
	}

	l.mu.Lock()
	nodes, err := l.commit(ctx, "append", func(s *model.Session, at time.Time) ([]model.Node, error) {
		return []model.Node{stage(s, kind, payload, at)}, nil
	})
	l.mu.Unlock()
	if err != nil {
		return model.Node{}, err
	}
	l.notify(nodes)
	return nodes[0].Clone(), nil
}

// ActiveTask returns a copy of the planning or active task, or nil
func (l *Lattice) ActiveTask() *model.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.ActiveTask.Clone()
}

// CreateTask attaches a new plan. The task moves from planning to active
// as part of the same commit.
func (l *Lattice) CreateTask(ctx context.Context, goal string, plan []string) (*model.Task, error) {
	l.mu.Lock()
	var task *model.Task
	nodes, err := l.commit(ctx, "create_task", func(s *model.Session, at time.Time) ([]model.Node, error) {
		if s.ActiveTask != nil {
			return nil, model.NewSessionError("create_task", s.ID, model.ErrTaskConflict,
				fmt.Errorf("task %s is %s", s.ActiveTask.ID, s.ActiveTask.Status))
		}
		if err := validatePlan(plan); err != nil {
			return nil, model.NewSessionError("create_task", s.ID, model.ErrInvalidPlan, err)
		}

		// a validated plan is attached right away, so planning is never persisted
		task = &model.Task{
			ID:          uuid.NewString(),
			Goal:        goal,
			Plan:        append([]string(nil), plan...),
			Status:      model.TaskActive,
			StepHistory: []model.StepOutcome{},
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		s.ActiveTask = task
		return []model.Node{stage(s, model.NodeTaskCreated, model.NodePayload{Task: task.Clone()}, at)}, nil
	})
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.notify(nodes)

	logger.Info().
		Str("session_id", l.SessionID()).
		Str("task_id", task.ID).
		Int("steps", len(task.Plan)).
		Msg("Task created")
	return task.Clone(), nil
}

func validatePlan(plan []string) error {
	if len(plan) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	for i, step := range plan {
		if strings.TrimSpace(step) == "" {
			return fmt.Errorf("step %d is blank", i+1)
		}
	}
	return nil
}

// RecordStepOutcome records the result of executing the step at the
// cursor. Success advances the cursor (completing the task after the last
// step), a retryable failure bumps the retry counter, a fatal failure
// abandons the task.
func (l *Lattice) RecordStepOutcome(ctx context.Context, taskID string, outcome model.StepOutcome) (*model.Task, error) {
	if !outcome.Status.Valid() {
		return nil, fmt.Errorf("unknown outcome status %q", outcome.Status)
	}

	l.mu.Lock()
	var task *model.Task
	nodes, err := l.commit(ctx, "record_step_outcome", func(s *model.Session, at time.Time) ([]model.Node, error) {
		t, err := activeTask(s, taskID)
		if err != nil {
			return nil, err
		}

		outcome.StepIndex = t.Cursor
		outcome.Step = t.Plan[t.Cursor]
		outcome.Attempt = t.Retries + 1
		outcome.Correction = false
		outcome.Timestamp = at
		t.StepHistory = append(t.StepHistory, outcome)
		t.UpdatedAt = at

		switch outcome.Status {
		case model.OutcomeSuccess:
			t.Cursor++
			t.Retries = 0
		case model.OutcomeRetryable:
			t.Retries++
		case model.OutcomeFatal:
			code := model.AbandonStepFatal
			if outcome.Escalated {
				code = model.AbandonRetryExhausted
			}
			t.Status = model.TaskAbandoned
			t.AbandonReason = &model.AbandonReason{Code: code, Detail: outcome.Detail}
		}

		staged := []model.Node{stage(s, model.NodeStepResult, model.NodePayload{Outcome: &outcome}, at)}
		if t.Cursor == len(t.Plan) {
			t.Status = model.TaskCompleted
		}
		if t.Status.Terminal() {
			staged = append(staged, finish(s, t, at))
		}
		task = t.Clone()
		return staged, nil
	})
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.notify(nodes)
	return task, nil
}

// RecordCorrection annotates an already executed step with a new outcome.
// History is never rewritten: the cursor, retry counter and status are
// left as they are and execution continues forward.
func (l *Lattice) RecordCorrection(ctx context.Context, taskID string, outcome model.StepOutcome) (*model.Task, error) {
	if !outcome.Status.Valid() {
		return nil, fmt.Errorf("unknown outcome status %q", outcome.Status)
	}

	l.mu.Lock()
	var task *model.Task
	nodes, err := l.commit(ctx, "record_correction", func(s *model.Session, at time.Time) ([]model.Node, error) {
		t, err := activeTask(s, taskID)
		if err != nil {
			return nil, err
		}
		if outcome.StepIndex < 0 || outcome.StepIndex >= t.Cursor {
			return nil, model.NewSessionError("record_correction", s.ID, model.ErrInvalidStep,
				fmt.Errorf("step %d has not been executed (cursor %d)", outcome.StepIndex+1, t.Cursor))
		}

		outcome.Step = t.Plan[outcome.StepIndex]
		outcome.Correction = true
		outcome.Escalated = false
		outcome.Attempt = countAttempts(t, outcome.StepIndex) + 1
		outcome.Timestamp = at
		t.StepHistory = append(t.StepHistory, outcome)
		t.UpdatedAt = at
		task = t.Clone()
		return []model.Node{stage(s, model.NodeStepResult, model.NodePayload{Outcome: &outcome}, at)}, nil
	})
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.notify(nodes)
	return task, nil
}

// AbandonTask ends the active task on request
func (l *Lattice) AbandonTask(ctx context.Context, taskID string, reason model.AbandonReason) (*model.Task, error) {
	l.mu.Lock()
	var task *model.Task
	nodes, err := l.commit(ctx, "abandon_task", func(s *model.Session, at time.Time) ([]model.Node, error) {
		t, err := activeTask(s, taskID)
		if err != nil {
			return nil, err
		}
		t.Status = model.TaskAbandoned
		t.AbandonReason = &reason
		t.UpdatedAt = at
		task = t.Clone()
		return []model.Node{finish(s, t, at)}, nil
	})
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	l.notify(nodes)
	return task, nil
}

// FindTask returns the active task with this id, or the final snapshot
// recorded when it completed or was abandoned.
func (l *Lattice) FindTask(taskID string) *model.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t := l.session.ActiveTask; t != nil && t.ID == taskID {
		return t.Clone()
	}
	return lastSnapshot(l.session, taskID).Clone()
}

// Nodes returns a copy of the full ordered log
func (l *Lattice) Nodes() []model.Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Node, len(l.session.Nodes))
	for i, n := range l.session.Nodes {
		out[i] = n.Clone()
	}
	return out
}

// Snapshot returns a deep copy of the committed session document
func (l *Lattice) Snapshot() *model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.Clone()
}

// ContextWindow renders the last n nodes for a reasoning call
func (l *Lattice) ContextWindow(n int) string {
	return NewCompactStrategy(n).BuildContext(l.Nodes())
}

// ====================== Private Methods ======================

type mutation func(s *model.Session, at time.Time) ([]model.Node, error)

// commit applies fn to a staged copy of the session and persists it. The
// in-memory session is only replaced after the store accepted the write.
// Callers hold l.mu.
func (l *Lattice) commit(ctx context.Context, op string, fn mutation) ([]model.Node, error) {
	if l.closed {
		return nil, model.NewSessionError(op, l.session.ID, model.ErrClosed, nil)
	}

	at := l.now()
	staged := l.session.Clone()
	nodes, err := fn(staged, at)
	if err != nil {
		return nil, err
	}
	staged.Version++
	staged.LastActiveAt = at

	if err := l.store.Save(ctx, l.lease, staged); err != nil {
		logger.Error().
			Err(err).
			Str("session_id", staged.ID).
			Str("op", op).
			Msg("Failed to persist session, rolled back")
		return nil, model.NewSessionError(op, staged.ID, model.ErrPersistence, err)
	}
	l.session = staged

	for _, n := range nodes {
		logger.Debug().
			Str("session_id", staged.ID).
			Uint64("node_id", n.ID).
			Str("kind", string(n.Kind)).
			Uint64("version", staged.Version).
			Msg("Node committed")
	}
	return nodes, nil
}

func (l *Lattice) notify(nodes []model.Node) {
	for _, n := range nodes {
		for _, o := range l.observers {
			o(l.SessionID(), n.Clone())
		}
	}
}

// stage appends a node to s with the next id and returns it
func stage(s *model.Session, kind model.NodeKind, payload model.NodePayload, at time.Time) model.Node {
	n := model.Node{
		ID:        s.LastNodeID() + 1,
		Kind:      kind,
		Timestamp: at,
		Payload:   payload,
	}
	if len(s.Nodes) > 0 {
		parent := s.LastNodeID()
		n.ParentID = &parent
	}
	s.Nodes = append(s.Nodes, n)
	return n.Clone()
}

// finish records the terminal node for t and clears the active slot
func finish(s *model.Session, t *model.Task, at time.Time) model.Node {
	kind := model.NodeTaskCompleted
	payload := model.NodePayload{Task: t.Clone()}
	if t.Status == model.TaskAbandoned {
		kind = model.NodeTaskAbandoned
		if t.AbandonReason != nil {
			r := *t.AbandonReason
			payload.Abandon = &r
		}
	}
	s.ActiveTask = nil
	return stage(s, kind, payload, at)
}

func activeTask(s *model.Session, taskID string) (*model.Task, error) {
	if t := s.ActiveTask; t != nil && t.ID == taskID {
		return t, nil
	}
	if lastSnapshot(s, taskID) != nil {
		return nil, model.NewSessionError("task", s.ID, model.ErrTaskNotActive, fmt.Errorf("task %s", taskID))
	}
	return nil, model.NewSessionError("task", s.ID, model.ErrTaskNotFound, fmt.Errorf("task %s", taskID))
}

func lastSnapshot(s *model.Session, taskID string) *model.Task {
	for i := len(s.Nodes) - 1; i >= 0; i-- {
		if t := s.Nodes[i].Payload.Task; t != nil && t.ID == taskID {
			return t
		}
	}
	return nil
}

func countAttempts(t *model.Task, stepIndex int) int {
	n := 0
	for _, o := range t.StepHistory {
		if o.StepIndex == stepIndex {
			n++
		}
	}
	return n
}
