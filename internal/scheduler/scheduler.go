package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/alert"
	"github.com/elonfeng/theangle/pkg/digest"
	"github.com/elonfeng/theangle/pkg/ingest"
)

// Ingester runs one ingestion cycle.
type Ingester interface {
	Ingest(ctx context.Context, topics []string, userID int64) (*ingest.Result, error)
}

// Scheduler periodically re-ingests every subscribed topic and broadcasts the
// refreshed digests.
type Scheduler struct {
	store    store.Store
	ingester Ingester
	alertMgr *alert.Manager
	interval time.Duration
	baseURL  string
	logger   *slog.Logger
}

// New creates a new scheduler.
func New(s store.Store, ingester Ingester, alertMgr *alert.Manager, interval time.Duration, baseURL string, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		ingester: ingester,
		alertMgr: alertMgr,
		interval: interval,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler: initial refresh")
	s.Refresh(ctx)

	s.logger.Info("scheduler: running", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh re-ingests the union of all users' topics and broadcasts each
// topic's digest. Failures are logged; the next tick tries again.
func (s *Scheduler) Refresh(ctx context.Context) {
	topics, err := s.store.AllSubscribedTopics(ctx)
	if err != nil {
		s.logger.Error("list subscribed topics", "error", err)
		return
	}
	if len(topics) == 0 {
		s.logger.Debug("scheduler: no subscribed topics")
		return
	}

	res, err := s.ingester.Ingest(ctx, topics, 0)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduled ingest failed", "error", err)
		}
		return
	}
	s.logger.Info("scheduled ingest", "topics", len(topics), "result", res.Message())

	if !s.alertMgr.HasNotifiers() {
		return
	}
	for _, topic := range res.Topics {
		s.notify(ctx, topic)
	}
}

func (s *Scheduler) notify(ctx context.Context, topic string) {
	d, err := s.store.GetTopicDigest(ctx, topic)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("load digest", "topic", topic, "error", err)
		}
		return
	}
	if d.Text == digest.PlaceholderTopicDigest {
		return
	}

	n := &alert.Notification{Topic: topic, Digest: d.Text}
	if s.baseURL != "" {
		n.URL = s.baseURL + "/dashboard?topic=" + url.QueryEscape(topic)
	}

	items, err := s.store.ListItems(ctx, store.ItemQuery{Topic: topic, Limit: 5})
	if err != nil {
		s.logger.Warn("load headlines", "topic", topic, "error", err)
	}
	for _, it := range items {
		n.Headlines = append(n.Headlines, alert.Headline{
			Title:  it.Title,
			URL:    it.URL,
			Source: string(it.Source),
			Heat:   it.HeatScore,
		})
	}

	convs, err := s.store.ListConversationDigests(ctx, topic)
	if err != nil {
		s.logger.Warn("load conversations", "topic", topic, "error", err)
	}
	for _, c := range convs {
		n.Gists = append(n.Gists, c.Text)
	}

	if err := s.alertMgr.Broadcast(ctx, n); err != nil {
		s.logger.Warn("alert failed", "topic", topic, "error", err)
		return
	}
	s.logger.Info("alerted", "topic", topic)
}
