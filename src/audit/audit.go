// Package audit exposes the session lattice as a read-only record: JSON
// Lines export, summaries and live sinks fed by lattice observers.
package audit

import (
	"bufio"
	"fmt"
	"io"
	"slices"

	"cognitive_lattice/src/model"

	"github.com/bytedance/sonic"
)

// Export writes one JSON document per node, in node order
func Export(w io.Writer, nodes []model.Node) error {
	bw := bufio.NewWriter(w)
	enc := sonic.ConfigStd.NewEncoder(bw)
	for _, n := range nodes {
		if err := enc.Encode(n); err != nil {
			return fmt.Errorf("failed to encode node %d: %w", n.ID, err)
		}
	}
	return bw.Flush()
}

// Import reads nodes written by Export
func Import(r io.Reader) ([]model.Node, error) {
	dec := sonic.ConfigStd.NewDecoder(r)
	var nodes []model.Node
	for dec.More() {
		var n model.Node
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("failed to decode node after %d: %w", len(nodes), err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Filter keeps the nodes of the given kinds
func Filter(nodes []model.Node, kinds ...model.NodeKind) []model.Node {
	out := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		if slices.Contains(kinds, n.Kind) {
			out = append(out, n)
		}
	}
	return out
}

// TaskTrail returns every node that belongs to the task, from creation to
// its final snapshot.
func TaskTrail(nodes []model.Node, taskID string) []model.Node {
	var out []model.Node
	started := false
	for _, n := range nodes {
		switch {
		case n.Payload.Task != nil && n.Payload.Task.ID == taskID:
			started = true
			out = append(out, n)
			if n.Payload.Task.Status.Terminal() {
				return out
			}
		case started && n.Kind == model.NodeStepResult:
			out = append(out, n)
		}
	}
	return out
}

// Summary counts what happened in a session
type Summary struct {
	Nodes          int                       `json:"nodes"`
	ByKind         map[model.NodeKind]int    `json:"by_kind"`
	Modes          map[string]int            `json:"modes"`
	TasksCreated   int                       `json:"tasks_created"`
	TasksCompleted int                       `json:"tasks_completed"`
	TasksAbandoned int                       `json:"tasks_abandoned"`
	Steps          map[model.OutcomeKind]int `json:"steps"`
	Corrections    int                       `json:"corrections"`
}

func Summarize(nodes []model.Node) Summary {
	s := Summary{
		Nodes:  len(nodes),
		ByKind: make(map[model.NodeKind]int),
		Modes:  make(map[string]int),
		Steps:  make(map[model.OutcomeKind]int),
	}
	for _, n := range nodes {
		s.ByKind[n.Kind]++
		switch n.Kind {
		case model.NodeRouteDecision:
			if n.Payload.Route != nil {
				s.Modes[n.Payload.Route.Mode]++
			}
		case model.NodeTaskCreated:
			s.TasksCreated++
		case model.NodeTaskCompleted:
			s.TasksCompleted++
		case model.NodeTaskAbandoned:
			s.TasksAbandoned++
		case model.NodeStepResult:
			if o := n.Payload.Outcome; o != nil {
				s.Steps[o.Status]++
				if o.Correction {
					s.Corrections++
				}
			}
		}
	}
	return s
}
