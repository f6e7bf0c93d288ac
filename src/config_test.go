package src

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cognitive_lattice/src/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("STORE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("EXECUTOR_MAX_RETRIES", "5")
	t.Setenv("EXECUTOR_STEP_TIMEOUT", "2s")
	t.Setenv("CLASSIFIER_USE_LLM", "false")
	t.Setenv("AUDIT_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogConfig.Level)
	assert.Equal(t, "console", cfg.LogConfig.Format)
	assert.Equal(t, "redis", cfg.StoreConfig.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.StoreConfig.RedisURL)
	assert.Equal(t, "ollama", cfg.LLMConfig.Provider)
	assert.Equal(t, 5, cfg.ExecutorConfig.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.ExecutorConfig.StepTimeout)
	assert.Equal(t, 10, cfg.ExecutorConfig.ContextWindow)
	assert.False(t, cfg.ClassifierConfig.UseLLM)
	assert.Equal(t, "nats://localhost:4222", cfg.AuditConfig.NATSURL)
	assert.Equal(t, "lattice.audit", cfg.AuditConfig.SubjectPrefix)
	assert.Equal(t, "config.yaml", cfg.VocabularyPath)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("EXECUTOR_MAX_RETRIES", "three")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadVocabulary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vocabulary:
  continue_keywords: [weiter, next]
  fallback_intent: chat
`), 0o644))

	vocab, err := LoadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"weiter", "next"}, vocab.ContinueKeywords)
	assert.Equal(t, "chat", vocab.FallbackIntent)
	assert.Equal(t, model.DefaultVocabulary().CancelKeywords, vocab.CancelKeywords, "unset lists keep defaults")

	vocab, err = LoadVocabulary(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, model.DefaultVocabulary(), vocab)

	require.NoError(t, os.WriteFile(path, []byte("vocabulary: [oops"), 0o644))
	_, err = LoadVocabulary(path)
	assert.Error(t, err)
}

func TestRepositoryVocabularyMatchesDefaults(t *testing.T) {
	vocab, err := LoadVocabulary("../config.yaml")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultVocabulary(), vocab)
}
