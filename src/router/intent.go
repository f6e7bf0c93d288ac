package router

import "strings"

// Intent is the coarse category reported by the classifier
type Intent string

const (
	IntentUnknown        Intent = "unknown"
	IntentChat           Intent = "chat"
	IntentSimple         Intent = "simple"
	IntentConversation   Intent = "conversation"
	IntentQuery          Intent = "query"
	IntentAnalysis       Intent = "analysis"
	IntentSummarize      Intent = "summarize"
	IntentBroad          Intent = "broad"
	IntentSpecific       Intent = "specific"
	IntentTask           Intent = "task"
	IntentStructuredTask Intent = "structured_task"
	IntentPlan           Intent = "plan"
	IntentPlanner        Intent = "planner"
	IntentWebAutomation  Intent = "web_automation"
)

var intents = map[Intent]struct{}{
	IntentChat: {}, IntentSimple: {}, IntentConversation: {}, IntentQuery: {},
	IntentAnalysis: {}, IntentSummarize: {}, IntentBroad: {}, IntentSpecific: {},
	IntentTask: {}, IntentStructuredTask: {}, IntentPlan: {}, IntentPlanner: {},
	IntentWebAutomation: {},
}

// ParseIntent maps free text onto the closed set, IntentUnknown otherwise
func ParseIntent(s string) Intent {
	i := Intent(normalize(s))
	if _, ok := intents[i]; ok {
		return i
	}
	return IntentUnknown
}

// Action refines an intent
type Action string

const (
	ActionUnknown                 Action = "unknown"
	ActionChat                    Action = "chat"
	ActionQuery                   Action = "query"
	ActionQuestion                Action = "question"
	ActionAsk                     Action = "ask"
	ActionSimpleQuestionAnswering Action = "simple_question_answering"
	ActionExtract                 Action = "extract"
	ActionAnalyze                 Action = "analyze"
	ActionReview                  Action = "review"
	ActionSummarize               Action = "summarize"
	ActionPlan                    Action = "plan"
	ActionPlanning                Action = "planning"
	ActionStepByStep              Action = "step_by_step"
	ActionItinerary               Action = "itinerary"
	ActionNavigate                Action = "navigate"
	ActionContinue                Action = "continue"
)

var actions = map[Action]struct{}{
	ActionChat: {}, ActionQuery: {}, ActionQuestion: {}, ActionAsk: {},
	ActionSimpleQuestionAnswering: {}, ActionExtract: {}, ActionAnalyze: {},
	ActionReview: {}, ActionSummarize: {}, ActionPlan: {}, ActionPlanning: {},
	ActionStepByStep: {}, ActionItinerary: {}, ActionNavigate: {}, ActionContinue: {},
}

// ParseAction maps free text onto the closed set, ActionUnknown otherwise
func ParseAction(s string) Action {
	a := Action(normalize(s))
	if _, ok := actions[a]; ok {
		return a
	}
	return ActionUnknown
}

// normalize lowercases and turns spaces and hyphens into underscores,
// so "Step-by-step" and "step by step" both become "step_by_step"
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	}), "_")
	return s
}
