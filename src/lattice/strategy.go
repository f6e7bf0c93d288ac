package lattice

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"cognitive_lattice/src/model"
)

const maxFieldRunes = 200

// ContextStrategy turns the tail of a session log into prompt context
type ContextStrategy interface {
	BuildContext(nodes []model.Node) string
	GetMaxNodes() int
}

// CompactStrategy renders one line per node
type CompactStrategy struct {
	maxNodes int
}

func NewCompactStrategy(maxNodes int) *CompactStrategy {
	if maxNodes < 0 {
		maxNodes = 0
	}
	return &CompactStrategy{maxNodes: maxNodes}
}

func (s *CompactStrategy) GetMaxNodes() int {
	return s.maxNodes
}

func (s *CompactStrategy) BuildContext(nodes []model.Node) string {
	recent := trimTail(nodes, s.maxNodes)

	var b strings.Builder
	b.WriteString("<lattice_context>\n")
	for _, n := range recent {
		b.WriteString(RenderNode(n))
		b.WriteByte('\n')
	}
	b.WriteString("</lattice_context>")
	return b.String()
}

// RenderNode is the one-line summary of a node
func RenderNode(n model.Node) string {
	p := n.Payload
	switch {
	case n.Kind == model.NodeQuery && p.Query != nil:
		return fmt.Sprintf("#%d query: %s", n.ID, clip(p.Query.Text))
	case n.Kind == model.NodeRouteDecision && p.Route != nil:
		return fmt.Sprintf("#%d route: intent=%s action=%s -> %s (%s)",
			n.ID, p.Route.Intent, p.Route.Action, p.Route.Mode, p.Route.Reason)
	case n.Kind == model.NodeTaskCreated && p.Task != nil:
		return fmt.Sprintf("#%d task_created [%s]: %s (%d steps)", n.ID, shortID(p.Task.ID), clip(p.Task.Goal), len(p.Task.Plan))
	case n.Kind == model.NodeStepResult && p.Outcome != nil:
		o := p.Outcome
		label := "step"
		if o.Correction {
			label = "correction of step"
		}
		return fmt.Sprintf("#%d %s %d (%s) %s: %s", n.ID, label, o.StepIndex+1, clip(o.Step), o.Status, clip(o.Detail))
	case n.Kind == model.NodeTaskCompleted && p.Task != nil:
		return fmt.Sprintf("#%d task_completed [%s]: %d/%d steps", n.ID, shortID(p.Task.ID), p.Task.Cursor, len(p.Task.Plan))
	case n.Kind == model.NodeTaskAbandoned && p.Task != nil:
		line := fmt.Sprintf("#%d task_abandoned [%s] at step %d/%d", n.ID, shortID(p.Task.ID), p.Task.Cursor+1, len(p.Task.Plan))
		if p.Abandon != nil {
			line += fmt.Sprintf(" (%s): %s", p.Abandon.Code, clip(p.Abandon.Detail))
		}
		return line
	}
	return fmt.Sprintf("#%d %s", n.ID, n.Kind)
}

// Helper function
func trimTail(nodes []model.Node, maxNodes int) []model.Node {
	if len(nodes) <= maxNodes {
		return nodes
	}
	return nodes[len(nodes)-maxNodes:]
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxFieldRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxFieldRunes]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
