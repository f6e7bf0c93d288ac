package model

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(kinds ...NodeKind) *Session {
	s := NewSession("s1", time.Now().UTC())
	for i, k := range kinds {
		n := Node{ID: uint64(i + 1), Kind: k, Timestamp: s.CreatedAt}
		if i > 0 {
			p := uint64(i)
			n.ParentID = &p
		}
		s.Nodes = append(s.Nodes, n)
	}
	return s
}

func TestSessionValidate(t *testing.T) {
	require.NoError(t, chain().Validate())
	require.NoError(t, chain(NodeQuery, NodeRouteDecision).Validate())

	gap := chain(NodeQuery, NodeRouteDecision)
	gap.Nodes[1].ID = 3
	assert.Error(t, gap.Validate())

	orphan := chain(NodeQuery, NodeRouteDecision)
	orphan.Nodes[1].ParentID = nil
	assert.Error(t, orphan.Validate())

	unknown := chain(NodeQuery)
	unknown.Nodes[0].Kind = "thought"
	assert.Error(t, unknown.Validate())

	done := chain(NodeQuery)
	done.ActiveTask = &Task{ID: "t", Plan: []string{"a"}, Cursor: 1, Status: TaskCompleted}
	assert.Error(t, done.Validate(), "terminal task must not sit in the active slot")

	bad := chain(NodeQuery)
	bad.ActiveTask = &Task{ID: "t", Plan: []string{"a"}, Cursor: 1, Status: TaskActive}
	assert.Error(t, bad.Validate())
}

func TestTaskClone(t *testing.T) {
	orig := &Task{
		ID:          "t",
		Plan:        []string{"a", "b"},
		Status:      TaskActive,
		StepHistory: []StepOutcome{},
	}
	c := orig.Clone()
	c.Plan[0] = "changed"
	c.StepHistory = append(c.StepHistory, StepOutcome{Step: "a"})

	assert.Equal(t, "a", orig.Plan[0])
	assert.Empty(t, orig.StepHistory)
	assert.NotNil(t, orig.Clone().StepHistory, "empty history must stay non-nil")
	assert.Equal(t, Progress{CompletedSteps: 0, TotalSteps: 2}, orig.Progress())
	assert.Equal(t, "a", orig.CurrentStep())
}

func TestSessionError(t *testing.T) {
	err := NewSessionError("save", "s1", ErrPersistence, io.ErrUnexpectedEOF)

	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, errors.Is(err, ErrCorruptSession))
	assert.Contains(t, err.Error(), "save s1")
}
