package scriptgen

import (
	"context"
	"fmt"

	"podforge/pkg/logger"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const systemPrompt = `You are a podcast script writer. Given a listener's topic request,
write a complete narration script for a single-host podcast episode.
Return only the spoken text: no markdown, no stage directions, no
speaker labels.`

// Client produces a narration script from a user request. The agent run
// behind it is non-deterministic; the pipeline treats it as
// non-retriable.
type Client struct {
	api   *openai.Client
	model string
}

func NewClient(apiKey, model string) *Client {
	return &Client{
		api:   openai.NewClient(apiKey),
		model: model,
	}
}

// GenerateScript runs one completion for the request text and returns
// the raw script.
func (c *Client) GenerateScript(ctx context.Context, requestText string) (string, error) {
	logger.Debug("Generating script",
		zap.String("model", c.model),
		zap.Int("request_length", len(requestText)))

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: requestText,
			},
		},
		Temperature: 0.7,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("script generation failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("script generation returned no choices")
	}

	script := resp.Choices[0].Message.Content
	if script == "" {
		return "", fmt.Errorf("script generation returned empty content")
	}

	logger.Info("Script generated",
		zap.Int("script_length", len(script)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	return script, nil
}
