package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name   string
		intent Intent
		action Action
		active bool
		mode   Mode
		reason string
	}{
		{"active task overrides chat", IntentChat, ActionChat, true, ModeStructuredTask, ReasonActiveTask},
		{"active task overrides analysis", IntentBroad, ActionSummarize, true, ModeStructuredTask, ReasonActiveTask},
		{"chat", IntentChat, ActionUnknown, false, ModeChat, ReasonChatIntent},
		{"simple", IntentSimple, ActionQuery, false, ModeChat, ReasonChatIntent},
		{"conversation", IntentConversation, ActionPlan, false, ModeChat, ReasonChatIntent},
		{"query question", IntentQuery, ActionQuestion, false, ModeSimpleQuery, ReasonSimpleQuery},
		{"query ask", IntentQuery, ActionAsk, false, ModeSimpleQuery, ReasonSimpleQuery},
		{"query sqa", IntentQuery, ActionSimpleQuestionAnswering, false, ModeSimpleQuery, ReasonSimpleQuery},
		{"analysis", IntentAnalysis, ActionUnknown, false, ModeDocumentAnalysis, ReasonDocumentAnalysis},
		{"summarize", IntentSummarize, ActionSummarize, false, ModeDocumentAnalysis, ReasonDocumentAnalysis},
		{"broad", IntentBroad, ActionPlan, false, ModeDocumentAnalysis, ReasonDocumentAnalysis},
		{"query extract", IntentQuery, ActionExtract, false, ModeDocumentAnalysis, ReasonDocumentAnalysis},
		{"query review", IntentQuery, ActionReview, false, ModeDocumentAnalysis, ReasonDocumentAnalysis},
		{"task", IntentTask, ActionUnknown, false, ModeStructuredTask, ReasonStructuredTask},
		{"planner", IntentPlanner, ActionChat, false, ModeStructuredTask, ReasonStructuredTask},
		{"query itinerary", IntentQuery, ActionItinerary, false, ModeStructuredTask, ReasonStructuredTask},
		{"query step by step", IntentQuery, ActionStepByStep, false, ModeStructuredTask, ReasonStructuredTask},
		{"query with odd action", IntentQuery, ActionSummarize, false, ModeChat, ReasonDefault},
		{"specific falls through", IntentSpecific, ActionAnalyze, false, ModeChat, ReasonDefault},
		{"unknown", IntentUnknown, ActionUnknown, false, ModeChat, ReasonDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Route(tt.intent, tt.action, tt.active)
			assert.Equal(t, tt.mode, d.Mode)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, d, Route(tt.intent, tt.action, tt.active), "route is deterministic")
		})
	}
}

func TestParse(t *testing.T) {
	assert.Equal(t, IntentStructuredTask, ParseIntent(" Structured-Task "))
	assert.Equal(t, IntentChat, ParseIntent("CHAT"))
	assert.Equal(t, IntentUnknown, ParseIntent("greet"))
	assert.Equal(t, IntentUnknown, ParseIntent(""))

	assert.Equal(t, ActionStepByStep, ParseAction("step by step"))
	assert.Equal(t, ActionSimpleQuestionAnswering, ParseAction("simple_question_answering"))
	assert.Equal(t, ActionUnknown, ParseAction("dance"))
}

func TestDecisionRecord(t *testing.T) {
	r := Route(IntentQuery, ActionPlan, false).Record()
	assert.Equal(t, "query", r.Intent)
	assert.Equal(t, "plan", r.Action)
	assert.Equal(t, "StructuredTask", r.Mode)
	assert.Equal(t, ReasonStructuredTask, r.Reason)
}
