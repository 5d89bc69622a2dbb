package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/magdala/internal/apiclient"
)

// ErrEmptyResponse is returned when the backend answers without any
// choices or with blank content.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// Client is what the agent needs from a language model.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Model() string
}

// Config selects the backend and sampling parameters.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// ChatClient calls POST {base}/chat/completions through the retrying
// API client.
type ChatClient struct {
	cfg    Config
	api    *apiclient.Client
	logger *slog.Logger
}

// NewChatClient creates a client for cfg. Options are passed through
// to the underlying [apiclient.Client].
func NewChatClient(cfg Config, logger *slog.Logger, opts ...apiclient.Option) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "model", cfg.Model)
	return &ChatClient{
		cfg: cfg,
		api: apiclient.New(apiclient.Config{
			Name:    "llm",
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Headers: map[string]string{"X-Title": "Magdala Guardian"},
		}, logger, opts...),
		logger: logger,
	}
}

// Model returns the configured model id.
func (c *ChatClient) Model() string {
	return c.cfg.Model
}

// Chat sends messages and returns the first choice's content, trimmed.
func (c *ChatClient) Chat(ctx context.Context, messages []Message) (string, error) {
	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	c.logger.Log(ctx, LevelTrace, "chat request", "messages", len(messages))

	resp, err := c.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/chat/completions",
		Body:   req,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	var out chatResponse
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}

	c.logger.Debug("chat completion",
		"tokens_in", out.Usage.PromptTokens,
		"tokens_out", out.Usage.CompletionTokens,
		"finish_reason", out.Choices[0].FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "chat response", "content", content)
	return content, nil
}

// Ping checks that the backend is reachable and the key is accepted.
func (c *ChatClient) Ping(ctx context.Context) error {
	_, err := c.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: "/models"})
	return err
}

// Close releases the client's connections.
func (c *ChatClient) Close() {
	c.api.Close()
}
