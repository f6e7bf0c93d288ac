package router

import "cognitive_lattice/src/model"

// Mode is how a turn gets handled
type Mode string

const (
	ModeChat             Mode = "Chat"
	ModeSimpleQuery      Mode = "SimpleQuery"
	ModeDocumentAnalysis Mode = "DocumentAnalysis"
	ModeStructuredTask   Mode = "StructuredTask"
)

// Reasons name the table row that matched
const (
	ReasonActiveTask       = "active_task_lock"
	ReasonChatIntent       = "chat_intent"
	ReasonSimpleQuery      = "simple_query"
	ReasonDocumentAnalysis = "document_analysis"
	ReasonStructuredTask   = "structured_task"
	ReasonDefault          = "default"
)

// Decision is the result of one Route call
type Decision struct {
	Intent Intent
	Action Action
	Mode   Mode
	Reason string
}

// Record converts the decision into its audit payload
func (d Decision) Record() *model.RouteDecision {
	return &model.RouteDecision{
		Intent: string(d.Intent),
		Action: string(d.Action),
		Mode:   string(d.Mode),
		Reason: d.Reason,
	}
}

// Route picks the handling mode. Rows are checked in order and the first
// match wins; an active task captures every turn.
func Route(intent Intent, action Action, hasActiveTask bool) Decision {
	d := Decision{Intent: intent, Action: action}
	switch {
	case hasActiveTask:
		d.Mode, d.Reason = ModeStructuredTask, ReasonActiveTask
	case in(intent, IntentChat, IntentSimple, IntentConversation):
		d.Mode, d.Reason = ModeChat, ReasonChatIntent
	case intent == IntentQuery && in(action, ActionQuery, ActionQuestion, ActionAsk, ActionSimpleQuestionAnswering):
		d.Mode, d.Reason = ModeSimpleQuery, ReasonSimpleQuery
	case in(intent, IntentAnalysis, IntentSummarize, IntentBroad) ||
		(intent == IntentQuery && in(action, ActionExtract, ActionAnalyze, ActionReview)):
		d.Mode, d.Reason = ModeDocumentAnalysis, ReasonDocumentAnalysis
	case in(intent, IntentTask, IntentStructuredTask, IntentPlan, IntentPlanner) ||
		(intent == IntentQuery && in(action, ActionPlan, ActionPlanning, ActionStepByStep, ActionItinerary)):
		d.Mode, d.Reason = ModeStructuredTask, ReasonStructuredTask
	default:
		d.Mode, d.Reason = ModeChat, ReasonDefault
	}
	return d
}

func in[T comparable](v T, set ...T) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
