package digest

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAI generates digests with the OpenAI chat completions API.
type OpenAI struct {
	client *openai.Client
	model  openai.ChatModel
}

// NewOpenAI creates an OpenAI-backed summarizer. SDK retries are disabled: a
// failed call degrades instead of being retried.
func NewOpenAI(cfg Config) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	client := openai.NewClient(opts...)
	return &OpenAI{client: &client, model: model}
}

func (o *OpenAI) Configured() bool { return true }

func (o *OpenAI) DigestTopic(ctx context.Context, topic string, titles []string) (string, error) {
	return digestTopic(ctx, o.complete, topic, titles)
}

func (o *OpenAI) DigestConversation(ctx context.Context, title string, comments []string) (string, error) {
	return digestConversation(ctx, o.complete, title, comments)
}

func (o *OpenAI) complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", unavailable("openai", err)
	}
	if len(resp.Choices) == 0 {
		return "", unavailable("openai", errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}
