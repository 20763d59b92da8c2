package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord posts digests to a Discord webhook as a single embed.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var links []string
	for _, h := range n.topHeadlines() {
		links = append(links, fmt.Sprintf("• [%s](%s) [%s]", h.Title, h.URL, h.Source))
	}

	description := n.Digest
	if len(links) > 0 {
		description += "\n\n" + strings.Join(links, "\n")
	}

	embed := map[string]any{
		"title":       n.Topic,
		"description": description,
		"color":       0x3366FF,
		"timestamp":   n.SentAt.UTC().Format(time.RFC3339),
	}
	if n.URL != "" {
		embed["url"] = n.URL
	}

	body, err := marshal("discord", map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return err
	}
	return postJSON(ctx, d.client, "discord webhook", d.webhookURL, body, nil)
}
