package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxTitles is the most titles sent for a topic digest.
	MaxTitles = 30
	// MaxComments is the most comments sent for a conversation digest.
	MaxComments = 6

	maxCommentChars = 400

	topicTemperature        = 0.4
	conversationTemperature = 0.3
)

// PlaceholderTopicDigest replaces a topic digest that could not be generated.
const PlaceholderTopicDigest = "Summary unavailable: the text-generation backend is not configured or could not be reached."

var (
	// ErrUnavailable matches every failure to produce a digest.
	ErrUnavailable = errors.New("summarizer unavailable")
	// ErrNotConfigured is returned when no backend credential is set.
	ErrNotConfigured = fmt.Errorf("%w: no api key configured", ErrUnavailable)
)

// Summarizer turns titles and comments into short natural-language digests.
type Summarizer interface {
	// DigestTopic summarizes what people discuss in a topic, using only the titles.
	DigestTopic(ctx context.Context, topic string, titles []string) (string, error)
	// DigestConversation rewrites a single thread as one short sentence.
	DigestConversation(ctx context.Context, title string, comments []string) (string, error)
	// Configured reports whether a backend is available at all.
	Configured() bool
}

// Config selects and configures a backend.
type Config struct {
	Provider string // "openai" or "anthropic"
	Model    string
	APIKey   string
	BaseURL  string
}

// New returns the backend named by cfg.Provider, or Unconfigured when no API
// key is set.
func New(cfg Config) Summarizer {
	if cfg.APIKey == "" {
		return Unconfigured{}
	}
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropic(cfg)
	default:
		return NewOpenAI(cfg)
	}
}

// Unconfigured is the summarizer used when no backend is configured. Every
// call fails with ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) DigestTopic(context.Context, string, []string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) DigestConversation(context.Context, string, []string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) Configured() bool { return false }

// completer sends a single-message prompt and returns the completion text.
type completer func(ctx context.Context, prompt string, temperature float64) (string, error)

func digestTopic(ctx context.Context, complete completer, topic string, titles []string) (string, error) {
	out, err := complete(ctx, TopicPrompt(topic, titles), topicTemperature)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func digestConversation(ctx context.Context, complete completer, title string, comments []string) (string, error) {
	out, err := complete(ctx, ConversationPrompt(title, comments), conversationTemperature)
	if err != nil {
		return "", err
	}
	return cleanSentence(out), nil
}

// unavailable wraps a backend failure so callers can match ErrUnavailable.
func unavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, backend, err)
}

// cleanSentence trims whitespace and wrapping quotes from a one-line answer.
func cleanSentence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'“”")
	return strings.TrimSpace(s)
}
