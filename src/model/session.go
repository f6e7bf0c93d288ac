package model

import (
	"fmt"
	"time"
)

// Session is the persisted document for one session id
type Session struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Nodes        []Node    `json:"nodes"`
	ActiveTask   *Task     `json:"active_task,omitempty"`
	Version      uint64    `json:"version"`
}

// NewSession returns an empty session stamped with now
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
		Nodes:        []Node{},
	}
}

// LastNodeID returns the id of the newest node, 0 when empty
func (s *Session) LastNodeID() uint64 {
	if len(s.Nodes) == 0 {
		return 0
	}
	return s.Nodes[len(s.Nodes)-1].ID
}

// Clone returns a deep copy safe to mutate independently
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Nodes = make([]Node, len(s.Nodes))
	for i := range s.Nodes {
		c.Nodes[i] = s.Nodes[i].Clone()
	}
	c.ActiveTask = s.ActiveTask.Clone()
	return &c
}

// Clone returns a deep copy of the node
func (n Node) Clone() Node {
	c := n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	if n.Payload.Query != nil {
		q := *n.Payload.Query
		c.Payload.Query = &q
	}
	if n.Payload.Route != nil {
		r := *n.Payload.Route
		c.Payload.Route = &r
	}
	if n.Payload.Outcome != nil {
		o := *n.Payload.Outcome
		c.Payload.Outcome = &o
	}
	if n.Payload.Abandon != nil {
		a := *n.Payload.Abandon
		c.Payload.Abandon = &a
	}
	c.Payload.Task = n.Payload.Task.Clone()
	return c
}

// Validate checks the structural invariants of a loaded document
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("missing session_id")
	}
	for i, n := range s.Nodes {
		want := uint64(i + 1)
		if n.ID != want {
			return fmt.Errorf("node %d has id %d, want %d", i, n.ID, want)
		}
		if !n.Kind.Valid() {
			return fmt.Errorf("node %d has unknown kind %q", n.ID, n.Kind)
		}
		switch {
		case i == 0 && n.ParentID != nil:
			return fmt.Errorf("first node must not have a parent")
		case i > 0 && (n.ParentID == nil || *n.ParentID != s.Nodes[i-1].ID):
			return fmt.Errorf("node %d does not follow node %d", n.ID, s.Nodes[i-1].ID)
		}
	}
	if t := s.ActiveTask; t != nil {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("active task: %w", err)
		}
		if t.Status.Terminal() {
			return fmt.Errorf("active task %s is %s", t.ID, t.Status)
		}
	}
	return nil
}

// Validate checks the task invariants
func (t *Task) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("missing task_id")
	case len(t.Plan) == 0:
		return fmt.Errorf("task %s has an empty plan", t.ID)
	case t.Cursor < 0 || t.Cursor > len(t.Plan):
		return fmt.Errorf("task %s cursor %d out of range [0,%d]", t.ID, t.Cursor, len(t.Plan))
	case t.Cursor == len(t.Plan) && t.Status != TaskCompleted:
		return fmt.Errorf("task %s finished its plan but is %s", t.ID, t.Status)
	case t.Retries < 0:
		return fmt.Errorf("task %s has negative retries", t.ID)
	}
	switch t.Status {
	case TaskPlanning, TaskActive, TaskCompleted, TaskAbandoned:
	default:
		return fmt.Errorf("task %s has unknown status %q", t.ID, t.Status)
	}
	return nil
}
