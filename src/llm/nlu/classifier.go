package nlu

import (
	"context"
	"fmt"

	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/router"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
)

// Classification sources
const (
	SourceLLM      = "llm"
	SourceKeyword  = "keyword"
	SourceFailOpen = "fail_open"
)

// Classification is the classifier's verdict for one query
type Classification struct {
	Intent     router.Intent
	Action     router.Action
	RawIntent  string
	RawAction  string
	Confidence float64
	Source     string
}

// Classifier maps query text to an intent/action pair
type Classifier interface {
	Classify(ctx context.Context, query string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(ctx context.Context, query string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, query string) (Classification, error) {
	return f(ctx, query)
}

// LLMClassifier asks a chat model and parses its tuple or JSON answer.
// Unparseable answers go to the fallback classifier when one is set.
type LLMClassifier struct {
	model    einomodel.BaseChatModel
	template prompt.ChatTemplate
	parser   *Parser
	fallback Classifier
	context  func(ctx context.Context) string
}

type LLMOption func(*LLMClassifier)

// WithFallback sets the classifier used when the model output is malformed
func WithFallback(c Classifier) LLMOption {
	return func(l *LLMClassifier) { l.fallback = c }
}

// WithContext supplies extra prompt context, e.g. recent session history
func WithContext(fn func(ctx context.Context) string) LLMOption {
	return func(l *LLMClassifier) { l.context = fn }
}

type historyKey struct{}

// WithHistory attaches rendered session history to ctx for the classifier prompt
func WithHistory(ctx context.Context, history string) context.Context {
	return context.WithValue(ctx, historyKey{}, history)
}

// HistoryFromContext returns the history attached by WithHistory
func HistoryFromContext(ctx context.Context) string {
	h, _ := ctx.Value(historyKey{}).(string)
	return h
}

func NewLLMClassifier(cm einomodel.BaseChatModel, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{
		model:    cm,
		template: createClassifierTemplate(),
		parser:   NewParser(),
		context:  HistoryFromContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LLMClassifier) Classify(ctx context.Context, query string) (Classification, error) {
	extra := ""
	if c.context != nil {
		extra = c.context(ctx)
	}
	messages, err := c.template.Format(ctx, map[string]any{
		"query":   query,
		"context": extra,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("failed to format classifier prompt: %w", err)
	}

	resp, err := c.model.Generate(ctx, messages)
	if err != nil {
		return Classification{}, fmt.Errorf("classifier model call failed: %w", err)
	}

	cls, err := c.parser.Parse(resp.Content)
	if err != nil {
		if c.fallback == nil {
			return Classification{}, err
		}
		logger.Warn().Err(err).Str("output", resp.Content).Msg("Malformed classifier output, using fallback")
		return c.fallback.Classify(ctx, query)
	}
	cls.Source = SourceLLM
	return cls, nil
}

// FailOpen never returns an error: any failure of inner becomes a chat
// classification.
func FailOpen(inner Classifier) Classifier {
	return ClassifierFunc(func(ctx context.Context, query string) (Classification, error) {
		cls, err := inner.Classify(ctx, query)
		if err != nil {
			logger.Warn().Err(err).Msg("Classifier failed, treating query as chat")
			return Classification{
				Intent:    router.IntentChat,
				Action:    router.ActionUnknown,
				RawIntent: string(router.IntentChat),
				Source:    SourceFailOpen,
			}, nil
		}
		return cls, nil
	})
}
