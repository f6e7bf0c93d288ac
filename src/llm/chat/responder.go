package chat

import (
	"context"
	"fmt"
	"strings"

	"cognitive_lattice/src/router"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

var systemPrompts = map[router.Mode]string{
	router.ModeChat:             "You are a friendly assistant. Reply briefly and naturally.",
	router.ModeSimpleQuery:      "Answer the user's question directly and concisely. Say so when you do not know.",
	router.ModeDocumentAnalysis: "You analyse documents. Base your answer only on the provided documents and say when they do not cover the question.",
}

const userPrompt = `{context}

{query}`

// Responder answers chat and simple-query turns with a chat model
type Responder struct {
	model     einomodel.BaseChatModel
	templates map[router.Mode]prompt.ChatTemplate
}

func NewResponder(cm einomodel.BaseChatModel) *Responder {
	r := &Responder{model: cm, templates: make(map[router.Mode]prompt.ChatTemplate)}
	for mode, system := range systemPrompts {
		r.templates[mode] = prompt.FromMessages(schema.FString,
			schema.SystemMessage(system),
			schema.UserMessage(userPrompt),
		)
	}
	return r
}

func (r *Responder) Respond(ctx context.Context, mode router.Mode, query, sessionContext string) (string, error) {
	tmpl, ok := r.templates[mode]
	if !ok {
		tmpl = r.templates[router.ModeChat]
	}
	messages, err := tmpl.Format(ctx, map[string]any{"query": query, "context": sessionContext})
	if err != nil {
		return "", fmt.Errorf("failed to format prompt: %w", err)
	}
	resp, err := r.model.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("chat model call failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Analyst answers document-analysis turns: it retrieves documents for the
// query and asks the model to answer from them.
type Analyst struct {
	retriever retriever.Retriever
	responder *Responder
	topK      int
}

func NewAnalyst(r retriever.Retriever, cm einomodel.BaseChatModel, topK int) *Analyst {
	if topK <= 0 {
		topK = 5
	}
	return &Analyst{retriever: r, responder: NewResponder(cm), topK: topK}
}

func (a *Analyst) Respond(ctx context.Context, mode router.Mode, query, sessionContext string) (string, error) {
	docs, err := a.retriever.Retrieve(ctx, query, retriever.WithTopK(a.topK))
	if err != nil {
		return "", fmt.Errorf("failed to retrieve documents: %w", err)
	}
	if len(docs) == 0 {
		return "I could not find any documents relevant to that request.", nil
	}

	var b strings.Builder
	b.WriteString(sessionContext)
	b.WriteString("\n<documents>\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, doc.ID, strings.TrimSpace(doc.Content))
	}
	b.WriteString("</documents>")

	return a.responder.Respond(ctx, router.ModeDocumentAnalysis, query, b.String())
}
