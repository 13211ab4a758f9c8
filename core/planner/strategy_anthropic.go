package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultStrategyMaxTokens = 4096

// AnthropicStrategy is the live planning strategy backed by the
// Anthropic Messages API.
type AnthropicStrategy struct {
	client anthropic.Client
	model  string
}

// NewAnthropicStrategy constructs a strategy for the given API key and
// model id.
func NewAnthropicStrategy(apiKey, model string) *AnthropicStrategy {
	return &AnthropicStrategy{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Generate sends the prompt as a single user message and returns the
// concatenated text blocks of the response.
func (s *AnthropicStrategy) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(defaultStrategyMaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
