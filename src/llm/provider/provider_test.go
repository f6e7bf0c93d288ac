package provider

import (
	"context"
	"testing"
	"time"

	"cognitive_lattice/src/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChatModel(t *testing.T) {
	ctx := context.Background()
	base := model.LLMConfig{
		APIKey:      "test-key",
		Model:       "test-model",
		BaseURL:     "http://127.0.0.1:1",
		MaxTokens:   64,
		Temperature: 0.2,
		Timeout:     time.Second,
	}

	for _, name := range []string{"openai", "ollama", "deepseek"} {
		t.Run(name, func(t *testing.T) {
			cfg := base
			cfg.Provider = name
			cm, err := NewChatModel(ctx, cfg)
			require.NoError(t, err)
			assert.NotNil(t, cm)
		})
	}

	_, err := NewChatModel(ctx, model.LLMConfig{Provider: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown LLM provider")
}
