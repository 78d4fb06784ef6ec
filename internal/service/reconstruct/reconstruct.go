// Package reconstruct rewrites raw lecture transcripts into clean, formatted text.
// It runs offline and is never on the streaming path.
package reconstruct

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You turn raw speech transcripts into readable notes.
Fix grammar and punctuation, remove false starts, and format domain notation
(equations, units, symbols, code) the way a textbook in the given subject would.
Do not add facts that are not in the transcript. Reply with the rewritten text only.`

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Client calls a chat completion model to reconstruct transcripts.
type Client struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2000
	}
	return &Client{
		client:    openai.NewClientWithConfig(oc),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Reconstruct returns a corrected version of text. contextLabel names the subject
// (for example "physics") and may be empty.
func (c *Client) Reconstruct(ctx context.Context, text, contextLabel string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	user := text
	if contextLabel != "" {
		user = fmt.Sprintf("Subject: %s\n\nTranscript:\n%s", contextLabel, text)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("reconstruct: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("reconstruct: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
