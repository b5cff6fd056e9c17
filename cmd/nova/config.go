package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/handlers"
	"github.com/MegaGrindStone/nova-chat/internal/logging"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port           string         `yaml:"port"`
	SystemPrompt   string         `yaml:"systemPrompt"`
	Greeting       string         `yaml:"greeting"`
	RequestTimeout time.Duration  `yaml:"requestTimeout"`
	ChatURL        string         `yaml:"chatURL"`
	ChatAPIKey     string         `yaml:"chatAPIKey"`
	LLM            llmConfig      `yaml:"llm"`
	Store          storeConfig    `yaml:"store"`
	Log            logging.Config `yaml:"log"`
}

type gatewayConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string `yaml:"url"`
	APIKey        string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	URL           string `yaml:"url"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type storeConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// store is what the commands need from a persistence backend.
type store interface {
	handlers.Store
	Close() error
}

const (
	defaultPort = "8080"

	defaultSystemPrompt = `You are Nova, a compassionate and knowledgeable AI health assistant. Give helpful, accurate
medical information while staying warm and supportive.

- Recommend consulting a healthcare professional for specific medical advice.
- Be empathetic about health concerns.
- Offer general wellness tips and health education.
- Never diagnose conditions or prescribe treatments.
- Use clear, easy-to-understand language.
- If someone describes an emergency, tell them to seek immediate medical help.
- Only answer medical questions; otherwise reply that this assistant is for medical use only.

Keep replies concise, typically 2-4 sentences unless more detail is requested.`

	gatewayAPIKeyEnv = "NOVA_GATEWAY_API_KEY"
	openAIAPIKeyEnv  = "OPENAI_API_KEY"
	ollamaHostEnv    = "OLLAMA_HOST"
	postgresDSNEnv   = "NOVA_POSTGRES_DSN"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port           string         `yaml:"port"`
		SystemPrompt   string         `yaml:"systemPrompt"`
		Greeting       string         `yaml:"greeting"`
		RequestTimeout time.Duration  `yaml:"requestTimeout"`
		ChatURL        string         `yaml:"chatURL"`
		ChatAPIKey     string         `yaml:"chatAPIKey"`
		LLM            map[string]any `yaml:"llm"`
		Store          storeConfig    `yaml:"store"`
		Log            logging.Config `yaml:"log"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Greeting = rawConfig.Greeting
	c.RequestTimeout = rawConfig.RequestTimeout
	c.ChatURL = rawConfig.ChatURL
	c.ChatAPIKey = rawConfig.ChatAPIKey
	c.Store = rawConfig.Store
	c.Log = rawConfig.Log

	// The terminal client only talks to a running server, so it can do without an llm section.
	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gateway":
		llm = &gatewayConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// loadConfig reads the config file at path. A missing file yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func (c *config) applyDefaults(dataDir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.ChatURL == "" {
		c.ChatURL = "http://127.0.0.1:" + c.Port + "/chat"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "bolt"
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case "bolt":
			c.Store.Path = filepath.Join(dataDir, "store.db")
		case "sqlite":
			c.Store.Path = filepath.Join(dataDir, "store.sqlite")
		}
	}
	if c.Store.DSN == "" {
		c.Store.DSN = os.Getenv(postgresDSNEnv)
	}
}

func (c config) llm(logger *slog.Logger) (handlers.LLM, error) {
	if c.LLM == nil {
		return nil, fmt.Errorf("llm config is required")
	}
	return c.LLM.llm(c.SystemPrompt, logger)
}

func (s storeConfig) open(ctx context.Context) (store, error) {
	switch s.Backend {
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
			return nil, fmt.Errorf("error creating store directory: %w", err)
		}
		db, err := services.NewBoltDB(s.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := services.NewSQLite(s.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		if s.DSN == "" {
			return nil, fmt.Errorf("dsn is required for the postgres store")
		}
		db, err := services.NewPostgres(ctx, s.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", s.Backend)
	}
}

func (g gatewayConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if g.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if g.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(gatewayAPIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gateway api key is required, set apiKey or %s", gatewayAPIKeyEnv)
	}
	return services.NewGateway(g.URL, apiKey, g.Model, systemPrompt, http.DefaultClient, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv(openAIAPIKeyEnv)
	}
	return services.NewOpenAI(apiKey, o.URL, o.Model, systemPrompt, logger), nil
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv(ollamaHostEnv)
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}
