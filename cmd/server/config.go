package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/studypages/assistant/internal/backend"
	"github.com/studypages/assistant/internal/chat"
)

const (
	defaultSystemPrompt = "You are a study assistant embedded in a learning site. " +
		"Answer questions clearly and concisely using markdown."
	defaultExplainPrompt = "You are a study assistant. The user highlighted a piece of text " +
		"they want explained. Give a short, clear explanation of the selection in its context."
)

type backendConfig interface {
	generator(logger *slog.Logger) (chat.Generator, error)
}

// BaseBackendConfig contains the common fields for all backend
// configurations.
type BaseBackendConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port          string        `yaml:"port"`
	LogLevel      string        `yaml:"logLevel"`
	SystemPrompt  string        `yaml:"systemPrompt"`
	ExplainPrompt string        `yaml:"explainPrompt"`
	Backend       backendConfig `yaml:"backend"`
}

type nativeConfig struct {
	BaseBackendConfig `yaml:",inline"`
	Endpoint          string `yaml:"endpoint"`
}

type openaiConfig struct {
	BaseBackendConfig `yaml:",inline"`
	APIKey            string `yaml:"apiKey"`
	BaseURL           string `yaml:"baseURL"`
	Model             string `yaml:"model"`
}

type ollamaConfig struct {
	BaseBackendConfig `yaml:",inline"`
	Host              string `yaml:"host"`
	Model             string `yaml:"model"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string         `yaml:"port"`
		LogLevel      string         `yaml:"logLevel"`
		SystemPrompt  string         `yaml:"systemPrompt"`
		ExplainPrompt string         `yaml:"explainPrompt"`
		Backend       map[string]any `yaml:"backend"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.ExplainPrompt = rawConfig.ExplainPrompt
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.ExplainPrompt == "" {
		c.ExplainPrompt = defaultExplainPrompt
	}

	provider, ok := rawConfig.Backend["provider"].(string)
	if !ok {
		return fmt.Errorf("backend provider is required")
	}

	backendRawYAML, err := yaml.Marshal(rawConfig.Backend)
	if err != nil {
		return err
	}

	var bc backendConfig
	switch provider {
	case "native":
		bc = &nativeConfig{}
	case "openai":
		bc = &openaiConfig{}
	case "ollama":
		bc = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown backend provider: %s", provider)
	}

	if err := yaml.Unmarshal(backendRawYAML, bc); err != nil {
		return err
	}

	c.Backend = bc
	return nil
}

func (n nativeConfig) generator(logger *slog.Logger) (chat.Generator, error) {
	if n.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	return backend.NewNative(n.Endpoint, logger), nil
}

func (o openaiConfig) generator(logger *slog.Logger) (chat.Generator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return backend.NewOpenAI(apiKey, o.BaseURL, o.Model, logger), nil
}

func (o ollamaConfig) generator(*slog.Logger) (chat.Generator, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return backend.NewOllama(host, o.Model), nil
}

func (c config) logLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
