package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/theangle/internal/config"
	"github.com/elonfeng/theangle/internal/logger"
	"github.com/elonfeng/theangle/internal/scheduler"
	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/alert"
	"github.com/elonfeng/theangle/pkg/auth"
	"github.com/elonfeng/theangle/pkg/billing"
	"github.com/elonfeng/theangle/pkg/digest"
	"github.com/elonfeng/theangle/pkg/ingest"
	"github.com/elonfeng/theangle/pkg/server"
	"github.com/elonfeng/theangle/pkg/source"
	"golang.org/x/sync/errgroup"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *store.SQLiteStore
	pipeline *ingest.Pipeline
}

func setup() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{cfg: cfg, log: log, db: db, pipeline: buildPipeline(cfg, db, log)}, nil
}

func buildPipeline(cfg *config.Config, db store.Store, log *slog.Logger) *ingest.Pipeline {
	reddit := source.NewReddit(source.RedditOptions{
		BaseURL:           cfg.Sources.Reddit.BaseURL,
		UserAgent:         cfg.Sources.Reddit.UserAgent,
		ClientID:          cfg.Sources.Reddit.ClientID,
		ClientSecret:      cfg.Sources.Reddit.ClientSecret,
		RequestsPerMinute: cfg.Sources.Reddit.RequestsPerMinute,
		Logger:            log,
	})
	x := source.NewX(cfg.Sources.X.BaseURL, cfg.Sources.X.BearerToken)

	summarizer := digest.New(digest.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if summarizer.Configured() {
		log.Info("summarizer enabled", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	} else {
		log.Warn("summarizer disabled: no LLM API key")
	}
	if !x.Enabled() {
		log.Info("x source disabled: no bearer token")
	}

	opts := ingest.Options{
		SortModes:        cfg.Ingest.ParseSortModes(),
		PerSortLimit:     cfg.Ingest.PerSortLimit,
		SocialLimit:      cfg.Ingest.SocialLimit,
		DigestTitles:     cfg.Ingest.DigestTitles,
		TopConversations: cfg.Ingest.TopConversations,
		CommentsPerPost:  cfg.Ingest.CommentsPerPost,
	}
	return ingest.New(db, reddit, x, summarizer, opts, log)
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func runIngest(ctx context.Context, topics []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.db.Close()

	res, err := a.pipeline.Ingest(ctx, topics, 0)
	if err != nil {
		return err
	}
	fmt.Println(res.Message())
	return nil
}

func runDigests(ctx context.Context, topic string, jsonOutput bool) error {
	topic = ingest.NormalizeTopic(topic)
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.db.Close()

	digests, err := a.db.ListTopicDigests(ctx)
	if err != nil {
		return fmt.Errorf("list digests: %w", err)
	}
	var convs []store.ConversationDigest
	if topic != "" {
		if convs, err = a.db.ListConversationDigests(ctx, topic); err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"digests": digests, "conversations": convs})
	}

	if len(digests) == 0 {
		fmt.Println("no digests yet (try: theangle ingest --topic <topic>)")
		return nil
	}
	for _, d := range digests {
		if topic != "" && d.Topic != topic {
			continue
		}
		fmt.Printf("== %s (updated %s)\n%s\n\n", d.Topic, d.UpdatedAt.Format(time.RFC3339), d.Text)
	}
	for _, c := range convs {
		fmt.Printf("%2d. %s\n    %s\n", c.RankPosition+1, c.Text, c.SourceURL)
	}
	return nil
}

func runItems(ctx context.Context, topic, src string, limit int, jsonOutput bool) error {
	topic = ingest.NormalizeTopic(topic)
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.db.Close()

	items, err := a.db.ListItems(ctx, store.ItemQuery{
		Topic:  topic,
		Source: source.SourceType(src),
		Limit:  limit,
	})
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HEAT\tSOURCE\tTOPIC\tSCORE\tCOMMENTS\tTITLE")
	for _, it := range items {
		fmt.Fprintf(w, "%.2f\t%s\t%s\t%d\t%d\t%s\n",
			it.HeatScore, it.Source, it.Topic, it.Score, it.NumComments, it.Title)
	}
	return w.Flush()
}

func runServe(port int, withScheduler bool) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.db.Close()

	if port != 0 {
		a.cfg.Server.Port = port
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bill := billing.New(billing.Config{
		SecretKey:     a.cfg.Billing.StripeSecretKey,
		PriceID:       a.cfg.Billing.StripePriceID,
		WebhookSecret: a.cfg.Billing.StripeWebhookSecret,
	})
	sessions := auth.NewSessions(a.cfg.Server.AppSecret, a.cfg.Server.ParseSessionTTL())
	srv := server.New(a.db, a.pipeline, sessions, bill, server.Options{
		Port:                a.cfg.Server.Port,
		BaseURL:             a.cfg.Server.BaseURL,
		SecureCookies:       a.cfg.Server.SecureCookies,
		RequireSubscription: a.cfg.Billing.RequireSubscription,
		Logger:              a.log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	if withScheduler {
		sched := scheduler.New(a.db, a.pipeline, buildAlertManager(a.cfg),
			a.cfg.Schedule.ParseRefreshInterval(), a.cfg.Server.BaseURL, a.log)
		g.Go(func() error {
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	a.log.Info("shut down")
	return err
}
