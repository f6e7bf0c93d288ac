package src

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"cognitive_lattice/src/model"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogConfig        model.LogConfig        `envconfig:"LOG"`
	StoreConfig      model.StoreConfig      `envconfig:"STORE"`
	LLMConfig        model.LLMConfig        `envconfig:"LLM"`
	ClassifierConfig model.ClassifierConfig `envconfig:"CLASSIFIER"`
	ExecutorConfig   model.ExecutorConfig   `envconfig:"EXECUTOR"`
	AuditConfig      model.AuditConfig      `envconfig:"AUDIT"`
	VocabularyPath   string                 `envconfig:"VOCABULARY_PATH" default:"config.yaml"`
	DocumentsDir     string                 `envconfig:"DOCUMENTS_DIR"`
}

func LoadConfig() (*Config, error) {
	var config Config
	err := envconfig.Process("", &config)
	if err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	return &config, nil
}

// vocabularyFile is the layout of config.yaml
type vocabularyFile struct {
	Vocabulary *model.Vocabulary `yaml:"vocabulary"`
}

// LoadVocabulary reads the keyword vocabulary from a YAML file. A missing
// file yields the defaults; lists left out of the file keep their defaults.
func LoadVocabulary(path string) (model.Vocabulary, error) {
	vocab := model.DefaultVocabulary()
	if path == "" {
		return vocab, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return vocab, nil
	}
	if err != nil {
		return vocab, fmt.Errorf("error reading vocabulary file: %w", err)
	}

	file := vocabularyFile{Vocabulary: &vocab}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return vocab, fmt.Errorf("error parsing YAML: %w", err)
	}
	return vocab, nil
}
