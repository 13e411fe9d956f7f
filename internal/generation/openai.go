package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/lexrelay/internal/models"
	"github.com/xaenox/lexrelay/internal/retry"
	"go.uber.org/zap"
)

// Generator produces the assistant's next reply for a conversation history.
type Generator interface {
	Generate(ctx context.Context, history []models.ChatMessage) (string, error)
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Retry       retry.Policy
}

type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	policy      retry.Policy
	logger      *zap.Logger
}

func NewOpenAIGenerator(cfg Config, logger *zap.Logger) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		policy:      cfg.Retry,
		logger:      logger,
	}
}

// Generate sends history as-is and returns the trimmed reply. Failures are
// retried per the configured policy; exhaustion yields retry.UnavailableError.
func (g *OpenAIGenerator) Generate(ctx context.Context, history []models.ChatMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    toOpenAIMessages(history),
		MaxTokens:   g.maxTokens,
		Temperature: float32(g.temperature),
	}

	return retry.Do(ctx, g.policy, "generate", func(ctx context.Context) (string, error) {
		resp, err := g.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", classify(err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}, retry.WithLogger(g.logger))
}

func toOpenAIMessages(history []models.ChatMessage) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return msgs
}

// classify marks client-side failures (bad request, auth, unknown model) as
// permanent. Network errors, timeouts, 429 and 5xx stay retryable.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return retry.Permanent(fmt.Errorf("openai rejected request (status %d): %w", status, err))
	}
	return fmt.Errorf("openai request failed: %w", err)
}
