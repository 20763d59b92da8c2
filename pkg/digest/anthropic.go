package digest

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-haiku-4-5"

// Anthropic generates digests with the Anthropic messages API.
type Anthropic struct {
	client *anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates an Anthropic-backed summarizer with retries disabled.
func NewAnthropic(cfg Config) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	client := anthropic.NewClient(opts...)
	return &Anthropic{client: &client, model: anthropic.Model(model)}
}

func (a *Anthropic) Configured() bool { return true }

func (a *Anthropic) DigestTopic(ctx context.Context, topic string, titles []string) (string, error) {
	return digestTopic(ctx, a.complete, topic, titles)
}

func (a *Anthropic) DigestConversation(ctx context.Context, title string, comments []string) (string, error) {
	return digestConversation(ctx, a.complete, title, comments)
}

func (a *Anthropic) complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   1024,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", unavailable("anthropic", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", unavailable("anthropic", errors.New("no text content returned"))
	}
	return sb.String(), nil
}
