package model

import "time"

// ----------------------------------------------------
// ================ Config ================

// LogConfig controls the global zerolog logger
type LogConfig struct {
	Level      string `envconfig:"LEVEL" default:"info"`
	Format     string `envconfig:"FORMAT" default:"console"`
	Output     string `envconfig:"OUTPUT" default:"stdout"`
	FilePath   string `envconfig:"FILE_PATH" default:"logs/lattice.log"`
	TimeFormat string `envconfig:"TIME_FORMAT" default:"rfc3339"`
}

// StoreConfig selects and configures the session store backend
type StoreConfig struct {
	Backend    string        `envconfig:"BACKEND" default:"file"` // file | redis | sqlite | memory
	Dir        string        `envconfig:"DIR" default:"data/sessions"`
	RedisURL   string        `envconfig:"REDIS_URL"`
	SQLitePath string        `envconfig:"SQLITE_PATH" default:"data/lattice.db"`
	LeaseTTL   time.Duration `envconfig:"LEASE_TTL" default:"0s"` // renewed by every save; 0 never expires
	SessionTTL time.Duration `envconfig:"SESSION_TTL" default:"0s"`
}

// LLMConfig describes one chat model endpoint
type LLMConfig struct {
	Provider    string        `envconfig:"PROVIDER" default:"openai"` // openai | ollama | deepseek | ark
	Model       string        `envconfig:"MODEL" default:"openai/gpt-4o-mini"`
	APIKey      string        `envconfig:"API_KEY"`
	BaseURL     string        `envconfig:"BASE_URL" default:"https://openrouter.ai/api/v1"`
	MaxTokens   int           `envconfig:"MAX_TOKENS" default:"1500"`
	Temperature float64       `envconfig:"TEMPERATURE" default:"0.1"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"60s"`
}

// ClassifierConfig tunes the intent classifier. Empty Model reuses the
// main LLM model.
type ClassifierConfig struct {
	UseLLM    bool   `envconfig:"USE_LLM" default:"true"`
	Model     string `envconfig:"MODEL"`
	MaxTokens int    `envconfig:"MAX_TOKENS" default:"200"`
}

// ExecutorConfig holds the step executor policy values
type ExecutorConfig struct {
	MaxRetries    int           `envconfig:"MAX_RETRIES" default:"3"`
	StepTimeout   time.Duration `envconfig:"STEP_TIMEOUT" default:"60s"`
	ContextWindow int           `envconfig:"CONTEXT_WINDOW" default:"10"`
	MaxPlanSteps  int           `envconfig:"MAX_PLAN_STEPS" default:"8"`
}

// AuditConfig configures the live audit sinks
type AuditConfig struct {
	NATSURL       string `envconfig:"NATS_URL"`
	SubjectPrefix string `envconfig:"SUBJECT_PREFIX" default:"lattice.audit"`
	LogNodes      bool   `envconfig:"LOG_NODES" default:"true"`
}

// ----------------------------------------------------
// ================ Vocabulary ================

// KeywordRule maps any of the keywords to a classification
type KeywordRule struct {
	Keywords []string `yaml:"keywords"`
	Intent   string   `yaml:"intent"`
	Action   string   `yaml:"action"`
}

// Vocabulary is the keyword configuration loaded from config.yaml
type Vocabulary struct {
	ContinueKeywords []string      `yaml:"continue_keywords"`
	CancelKeywords   []string      `yaml:"cancel_keywords"`
	ExitKeywords     []string      `yaml:"exit_keywords"`
	FallbackRules    []KeywordRule `yaml:"fallback_rules"`
	FallbackIntent   string        `yaml:"fallback_intent"`
	FallbackAction   string        `yaml:"fallback_action"`
}

// DefaultVocabulary is used when no vocabulary file is present
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		ContinueKeywords: []string{"continue", "next", "proceed", "go ahead", "keep going", "yes", "ok", "okay"},
		CancelKeywords:   []string{"cancel", "abort", "stop task", "cancel task", "abandon"},
		ExitKeywords:     []string{"exit", "quit"},
		FallbackRules: []KeywordRule{
			{Keywords: []string{"summarize", "summary", "overview"}, Intent: "broad", Action: "summarize"},
			{Keywords: []string{"plan", "help me", "step by step", "itinerary"}, Intent: "task", Action: "plan"},
			{Keywords: []string{"hello", "hi", "how are you", "thanks", "thank you"}, Intent: "chat", Action: "chat"},
		},
		FallbackIntent: "query",
		FallbackAction: "query",
	}
}
