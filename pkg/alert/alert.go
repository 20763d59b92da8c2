package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// maxHeadlines is how many headlines chat notifiers render.
const maxHeadlines = 5

// Headline is one ranked thread included in a digest notification.
type Headline struct {
	Title  string  `json:"title"`
	URL    string  `json:"url"`
	Source string  `json:"source"`
	Heat   float64 `json:"heat"`
}

// Notification carries a refreshed topic digest to alert destinations.
type Notification struct {
	Topic     string     `json:"topic"`
	Digest    string     `json:"digest"`
	URL       string     `json:"url,omitempty"`
	Headlines []Headline `json:"headlines"`
	Gists     []string   `json:"gists,omitempty"`
	SentAt    time.Time  `json:"sent_at"`
}

func (n *Notification) topHeadlines() []Headline {
	if len(n.Headlines) > maxHeadlines {
		return n.Headlines[:maxHeadlines]
	}
	return n.Headlines
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers. One failing
// destination does not stop the others.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if !m.HasNotifiers() {
		return nil
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// postJSON posts a JSON body and fails on any non-2xx status.
func postJSON(ctx context.Context, client *http.Client, name, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s status %d", name, resp.StatusCode)
	}
	return nil
}

func marshal(name string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return body, nil
}
