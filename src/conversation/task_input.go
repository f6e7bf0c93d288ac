package conversation

import (
	"regexp"
	"strconv"
	"strings"

	"cognitive_lattice/src/llm/nlu"
	"cognitive_lattice/src/model"
)

type commandKind int

const (
	commandStep commandKind = iota
	commandContinue
	commandCancel
	commandCorrect
)

// taskCommand is how a turn captured by an active task is interpreted
type taskCommand struct {
	kind      commandKind
	stepIndex int
	input     string
}

// "redo step 2", "back to step 1: use June instead"
var correctionPattern = regexp.MustCompile(`(?is)^\s*(?:redo|revisit|go\s+back\s+to|back\s+to)\s+step\s+(\d+)\s*(?:[:,-]\s*(.*))?$`)

func interpretTaskInput(vocab model.Vocabulary, text string) taskCommand {
	text = strings.TrimSpace(text)
	switch {
	case text == "" || nlu.IsKeyword(text, vocab.ContinueKeywords...):
		return taskCommand{kind: commandContinue}
	case nlu.IsKeyword(text, vocab.CancelKeywords...):
		return taskCommand{kind: commandCancel, input: text}
	}
	if m := correctionPattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return taskCommand{kind: commandCorrect, stepIndex: n - 1, input: strings.TrimSpace(m[2])}
		}
	}
	return taskCommand{kind: commandStep, input: text}
}
