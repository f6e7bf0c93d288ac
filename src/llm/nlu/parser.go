package nlu

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/router"

	"github.com/bytedance/sonic"
)

// Constants for parsing configuration
const (
	DefaultRecordDelimiter     = "##"
	DefaultTupleDelimiter      = "<||>"
	DefaultCompletionDelimiter = "<|COMPLETE|>"
	MaxTupleLength             = 500
	MaxLabelLength             = 64
)

// RawTuple represents a parsed tuple with string parts
type RawTuple struct {
	Type  string
	Parts []string
}

// TupleParser fills one field of a classification from a tuple
type TupleParser interface {
	Parse(raw *RawTuple) error
	AddTo(c *Classification)
}

// ProcessorConfig contains parsing configuration
type ProcessorConfig struct {
	RecordDelimiter     string
	TupleDelimiter      string
	CompletionDelimiter string
}

// Parser turns raw model output into a Classification. It understands the
// tuple format the prompt asks for and also a plain JSON object
// {"intent": ..., "action": ...}, optionally wrapped in a code fence.
type Parser struct {
	config *ProcessorConfig
}

// NewParser creates a parser with the default delimiters
func NewParser() *Parser {
	return &Parser{
		config: &ProcessorConfig{
			RecordDelimiter:     DefaultRecordDelimiter,
			TupleDelimiter:      DefaultTupleDelimiter,
			CompletionDelimiter: DefaultCompletionDelimiter,
		},
	}
}

type labelParser struct {
	label      string
	confidence float64
}

type IntentParser struct{ labelParser }

type ActionParser struct{ labelParser }

func validateString(s string, maxLength int, fieldName string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(s) > maxLength {
		return fmt.Errorf("%s too long: %d characters (max: %d)", fieldName, len(s), maxLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s contains invalid UTF-8 characters", fieldName)
	}
	return nil
}

func (p *labelParser) parse(raw *RawTuple, fieldName string) error {
	p.label = strings.TrimSpace(raw.Parts[1])
	if err := validateString(p.label, MaxLabelLength, fieldName); err != nil {
		return err
	}
	p.confidence = 1
	if len(raw.Parts) >= 3 {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw.Parts[2]), 64)
		if err != nil {
			return fmt.Errorf("invalid confidence: %s", raw.Parts[2])
		}
		p.confidence = v
	}
	return nil
}

func (p *IntentParser) Parse(raw *RawTuple) error {
	return p.parse(raw, "intent")
}

func (p *IntentParser) AddTo(c *Classification) {
	c.RawIntent = p.label
	c.Intent = router.ParseIntent(p.label)
	c.Confidence = p.confidence
}

func (p *ActionParser) Parse(raw *RawTuple) error {
	return p.parse(raw, "action")
}

func (p *ActionParser) AddTo(c *Classification) {
	c.RawAction = p.label
	c.Action = router.ParseAction(p.label)
}

// Factory function to create appropriate parser based on tuple type
func createParser(tupleType string) (TupleParser, error) {
	switch tupleType {
	case "intent":
		return &IntentParser{}, nil
	case "action":
		return &ActionParser{}, nil
	default:
		return nil, fmt.Errorf("unknown tuple type: %s", tupleType)
	}
}

// parseRawTuple converts "(intent<||>task<||>0.92)" into a RawTuple
func (p *Parser) parseRawTuple(tupleStr string) (*RawTuple, error) {
	if err := validateString(tupleStr, MaxTupleLength, "tuple string"); err != nil {
		return nil, err
	}

	tupleStr = strings.Trim(tupleStr, "()")
	parts := strings.Split(tupleStr, p.config.TupleDelimiter)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid tuple format: expected at least 2 parts, got %d", len(parts))
	}

	tupleType := strings.ToLower(strings.TrimSpace(parts[0]))
	if tupleType == "" {
		return nil, fmt.Errorf("tuple type cannot be empty")
	}
	return &RawTuple{Type: tupleType, Parts: parts}, nil
}

// Parse reads a classification from model output. It fails when no intent
// could be found at all.
func (p *Parser) Parse(content string) (Classification, error) {
	content = stripFence(content)
	if strings.HasPrefix(content, "{") {
		return p.parseJSON(content)
	}

	c := Classification{Intent: router.IntentUnknown, Action: router.ActionUnknown}
	found := false
	for _, record := range strings.Split(content, p.config.RecordDelimiter) {
		record = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(record), p.config.CompletionDelimiter))
		if record == "" {
			continue
		}
		raw, err := p.parseRawTuple(record)
		if err != nil {
			logger.Debug().Err(err).Str("record", record).Msg("Skipping malformed tuple")
			continue
		}
		tp, err := createParser(raw.Type)
		if err != nil {
			logger.Debug().Err(err).Str("record", record).Msg("Skipping unknown tuple")
			continue
		}
		if err := tp.Parse(raw); err != nil {
			logger.Debug().Err(err).Str("record", record).Msg("Skipping invalid tuple")
			continue
		}
		tp.AddTo(&c)
		if raw.Type == "intent" {
			found = true
		}
	}
	if !found {
		return Classification{}, fmt.Errorf("no intent in model output")
	}
	return c, nil
}

func (p *Parser) parseJSON(content string) (Classification, error) {
	var out struct {
		Intent     string  `json:"intent"`
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}
	if err := sonic.UnmarshalString(content, &out); err != nil {
		return Classification{}, fmt.Errorf("failed to parse classification JSON: %w", err)
	}
	if strings.TrimSpace(out.Intent) == "" {
		return Classification{}, fmt.Errorf("no intent in model output")
	}
	return Classification{
		Intent:     router.ParseIntent(out.Intent),
		Action:     router.ParseAction(out.Action),
		RawIntent:  out.Intent,
		RawAction:  out.Action,
		Confidence: out.Confidence,
	}, nil
}

// stripFence removes a surrounding ``` or ```json fence
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
