package model

import "time"

// NodeKind is the closed set of things a session records
type NodeKind string

const (
	NodeQuery         NodeKind = "query"
	NodeRouteDecision NodeKind = "route_decision"
	NodeTaskCreated   NodeKind = "task_created"
	NodeStepResult    NodeKind = "step_result"
	NodeTaskCompleted NodeKind = "task_completed"
	NodeTaskAbandoned NodeKind = "task_abandoned"
)

// Valid reports whether k is one of the known node kinds
func (k NodeKind) Valid() bool {
	switch k {
	case NodeQuery, NodeRouteDecision, NodeTaskCreated, NodeStepResult, NodeTaskCompleted, NodeTaskAbandoned:
		return true
	}
	return false
}

// Node is one immutable entry of the session log.
// ParentID points at the previous node and is nil only for the first one.
type Node struct {
	ID        uint64      `json:"node_id"`
	Kind      NodeKind    `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	ParentID  *uint64     `json:"parent_id,omitempty"`
	Payload   NodePayload `json:"payload"`
}

// NodePayload carries the kind-specific data; only the member matching
// the node kind is set.
type NodePayload struct {
	Query   *QueryPayload  `json:"query,omitempty"`
	Route   *RouteDecision `json:"route,omitempty"`
	Task    *Task          `json:"task,omitempty"`
	Outcome *StepOutcome   `json:"outcome,omitempty"`
	Abandon *AbandonReason `json:"abandon,omitempty"`
}

type QueryPayload struct {
	Text string `json:"text"`
}

// RouteDecision is the audit record of one routing call
type RouteDecision struct {
	Intent string `json:"intent"`
	Action string `json:"action"`
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// ----------------------------------------------------
// ================ Task ================

type TaskStatus string

const (
	TaskPlanning  TaskStatus = "planning"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskAbandoned TaskStatus = "abandoned"
)

// Terminal reports whether the status is absorbing
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskAbandoned
}

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetryable OutcomeKind = "retryable_failure"
	OutcomeFatal     OutcomeKind = "fatal_failure"
)

// Valid reports whether k is a known outcome classification
func (k OutcomeKind) Valid() bool {
	return k == OutcomeSuccess || k == OutcomeRetryable || k == OutcomeFatal
}

// StepOutcome is one executed step attempt
type StepOutcome struct {
	StepIndex  int         `json:"step_index"`
	Step       string      `json:"step"`
	Status     OutcomeKind `json:"status"`
	Detail     string      `json:"detail"`
	Input      string      `json:"input,omitempty"`
	Attempt    int         `json:"attempt"`
	Correction bool        `json:"correction,omitempty"`
	Escalated  bool        `json:"escalated,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

type AbandonCode string

const (
	AbandonStepFatal      AbandonCode = "step_fatal"
	AbandonRetryExhausted AbandonCode = "retry_exhausted"
	AbandonUserCancelled  AbandonCode = "user_cancelled"
)

type AbandonReason struct {
	Code   AbandonCode `json:"code"`
	Detail string      `json:"detail"`
}

// Task is a multi-step goal with an immutable plan and a forward-only cursor
type Task struct {
	ID            string         `json:"task_id"`
	Goal          string         `json:"goal"`
	Plan          []string       `json:"plan"`
	Cursor        int            `json:"cursor"`
	Status        TaskStatus     `json:"status"`
	StepHistory   []StepOutcome  `json:"step_history"`
	Retries       int            `json:"retries"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	AbandonReason *AbandonReason `json:"abandon_reason,omitempty"`
}

// Progress is the completed/total view reported to users
type Progress struct {
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
}

func (t *Task) Progress() Progress {
	return Progress{CompletedSteps: t.Cursor, TotalSteps: len(t.Plan)}
}

// CurrentStep returns the step at the cursor, or "" once the plan is exhausted
func (t *Task) CurrentStep() string {
	if t.Cursor < 0 || t.Cursor >= len(t.Plan) {
		return ""
	}
	return t.Plan[t.Cursor]
}

// Clone returns a deep copy
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Plan = append([]string(nil), t.Plan...)
	if t.StepHistory != nil {
		c.StepHistory = make([]StepOutcome, len(t.StepHistory))
		copy(c.StepHistory, t.StepHistory)
	}
	if t.AbandonReason != nil {
		r := *t.AbandonReason
		c.AbandonReason = &r
	}
	return &c
}
