package nlu

import (
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

func getSystemTemplate() string {
	return `You are an intent classifier for an assistant that can chat, answer questions, analyse documents and execute multi-step plans.

-Goal-
Classify the user's message into one intent and one action.

Intents:
- chat: greetings, small talk, thanks
- query: a question; pair it with an action
- broad: summarise or give an overview of documents
- analysis: analyse or review documents in depth
- task: the user wants something done in several ordered steps

Actions: query, question, ask, extract, analyze, review, summarize, plan, step_by_step, itinerary, chat

-Format-
(intent{TD}<intent>{TD}<confidence>){RD}(action{TD}<action>{TD}<confidence>){CD}

-Examples-
text: hi there!
(intent{TD}chat{TD}0.97){RD}(action{TD}chat{TD}0.95){CD}

text: what is the capital of Peru?
(intent{TD}query{TD}0.93){RD}(action{TD}question{TD}0.90){CD}

text: help me plan a three day trip to Kyoto
(intent{TD}task{TD}0.94){RD}(action{TD}itinerary{TD}0.88){CD}

text: give me an overview of the uploaded report
(intent{TD}broad{TD}0.91){RD}(action{TD}summarize{TD}0.90){CD}`
}

func getUserTemplate() string {
	return `{context}

text: {query}`
}

// createClassifierTemplate builds the chat template. The query and context
// are template variables, so braces in user text are never interpreted.
func createClassifierTemplate() prompt.ChatTemplate {
	replacer := strings.NewReplacer(
		"{TD}", DefaultTupleDelimiter,
		"{RD}", DefaultRecordDelimiter,
		"{CD}", DefaultCompletionDelimiter,
	)
	systemText := escapeBraces(replacer.Replace(getSystemTemplate()))

	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(systemText),
		schema.UserMessage(getUserTemplate()),
	)
}

// escapeBraces protects literal braces from FString formatting
func escapeBraces(s string) string {
	return strings.NewReplacer("{", "{{", "}", "}}").Replace(s)
}
