package nlu

import (
	"context"
	"strings"
	"unicode"

	"cognitive_lattice/src/model"
	"cognitive_lattice/src/router"
)

// KeywordClassifier classifies by the first matching keyword rule. It is
// the fallback when no model is available or the model output is junk.
type KeywordClassifier struct {
	vocab model.Vocabulary
}

func NewKeywordClassifier(vocab model.Vocabulary) *KeywordClassifier {
	return &KeywordClassifier{vocab: vocab}
}

func (k *KeywordClassifier) Classify(ctx context.Context, query string) (Classification, error) {
	for _, rule := range k.vocab.FallbackRules {
		if ContainsKeyword(query, rule.Keywords...) {
			return k.result(rule.Intent, rule.Action), nil
		}
	}
	return k.result(k.vocab.FallbackIntent, k.vocab.FallbackAction), nil
}

func (k *KeywordClassifier) result(intent, action string) Classification {
	return Classification{
		Intent:     router.ParseIntent(intent),
		Action:     router.ParseAction(action),
		RawIntent:  intent,
		RawAction:  action,
		Confidence: 0.5,
		Source:     SourceKeyword,
	}
}

// ContainsKeyword reports whether any keyword occurs in text as whole
// words, so "hi" does not match "this".
func ContainsKeyword(text string, keywords ...string) bool {
	padded := " " + Normalize(text) + " "
	for _, kw := range keywords {
		kw = Normalize(kw)
		if kw != "" && strings.Contains(padded, " "+kw+" ") {
			return true
		}
	}
	return false
}

// IsKeyword reports whether the whole text is one of the keywords
func IsKeyword(text string, keywords ...string) bool {
	text = Normalize(text)
	for _, kw := range keywords {
		if text != "" && text == Normalize(kw) {
			return true
		}
	}
	return false
}

// Normalize lowercases text and collapses punctuation and whitespace to single spaces
func Normalize(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	return strings.Join(fields, " ")
}
