package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Slack posts digests to a Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	header := n.Topic
	if n.URL != "" {
		header = fmt.Sprintf("<%s|%s>", n.URL, n.Topic)
	}
	blocks := []map[string]any{
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s*\n%s", header, n.Digest),
			},
		},
	}

	if top := n.topHeadlines(); len(top) > 0 {
		lines := make([]string, len(top))
		for i, h := range top {
			lines[i] = fmt.Sprintf("• <%s|%s> [%s]", h.URL, h.Title, h.Source)
		}
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": strings.Join(lines, "\n")},
			},
		})
	}

	body, err := marshal("slack", map[string]any{"text": n.Topic, "blocks": blocks})
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, "slack webhook", s.webhookURL, body, nil)
}
