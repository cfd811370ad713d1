// Package completion implements the CompletionClient interface against the
// OpenAI chat completion API.
package completion

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/cricket/pkg/chatsync"
)

// OpenAIClient talks to an OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	api          *openai.Client
	defaultModel string
}

var _ chatsync.CompletionClient = &OpenAIClient{}

func NewOpenAIClient(apiKey string, baseURL string, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is empty")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &OpenAIClient{
		api:          openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, convID string, prompt string, model string) (chatsync.CompletionResult, error) {
	if model == "" {
		model = c.defaultModel
	}
	log.Debug().
		Str("component", "completion").
		Str("conv_id", convID).
		Str("model", model).
		Int("prompt_tokens", CountTokens(prompt)).
		Msg("requesting completion")

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403) {
			return chatsync.CompletionResult{}, errors.Wrapf(chatsync.ErrAuthRequired, "openai: %v", err)
		}
		return chatsync.CompletionResult{}, errors.Wrapf(chatsync.ErrCompletionFailed, "openai: %v", err)
	}
	if len(resp.Choices) == 0 {
		return chatsync.CompletionResult{}, errors.Wrap(chatsync.ErrCompletionFailed, "openai: empty choices")
	}
	return chatsync.CompletionResult{Text: resp.Choices[0].Message.Content}, nil
}
