// Package llm wraps the chat models behind a prompt-in, text-out Generator
// and decodes the JSON judgments embedded in their replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Provider identifies the chat model backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

// Config selects and authenticates a chat model.
type Config struct {
	Provider Provider
	Model    string
	APIKey   string
	BaseURL  string
}

// Generator turns a prompt into free text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// NewChatModel creates the eino chat model for cfg.
func NewChatModel(ctx context.Context, cfg Config) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", cfg.Provider)
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		})
	case ProviderGemini:
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: gemini, openai)", cfg.Provider)
	}
}

// ChatGenerator is a Generator over an eino chat model.
type ChatGenerator struct {
	model  model.BaseChatModel
	system string
}

// NewChatGenerator wraps m. A non-empty system prompt is sent ahead of every
// user prompt.
func NewChatGenerator(m model.BaseChatModel, system string) *ChatGenerator {
	return &ChatGenerator{model: m, system: system}
}

// NewGenerator builds the chat model for cfg and wraps it.
func NewGenerator(ctx context.Context, cfg Config, system string) (*ChatGenerator, error) {
	m, err := NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewChatGenerator(m, system), nil
}

// Generate sends prompt and returns the reply text. Transport failures are
// returned as is; an empty reply is an error.
func (g *ChatGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var messages []*schema.Message
	if g.system != "" {
		messages = append(messages, schema.SystemMessage(g.system))
	}
	messages = append(messages, schema.UserMessage(prompt))

	resp, err := g.model.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("generate: empty response")
	}
	return resp.Content, nil
}
