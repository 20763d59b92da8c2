package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/digest"
	"github.com/elonfeng/theangle/pkg/source"
	"github.com/elonfeng/theangle/pkg/trend"
	"golang.org/x/sync/errgroup"
)

// MixedTopic holds social results when more than one topic was requested.
const MixedTopic = "mixed"

const (
	StatusSummariesUpdated = "Summaries updated"
	StatusSummariesSkipped = "Summaries skipped (check LLM API key)"
)

// ErrNoTopics is returned when no usable topic was requested.
var ErrNoTopics = errors.New("add at least one topic")

// RedditSource searches for threads and reads their top comments.
type RedditSource interface {
	Search(ctx context.Context, query string, sort source.SortMode, limit int, conversationsOnly bool) ([]source.Item, error)
	TopComments(ctx context.Context, postID string, limit int) ([]string, error)
}

// SocialSource is the optional secondary source searched once per cycle.
type SocialSource interface {
	Search(ctx context.Context, query string, limit int) ([]source.Item, error)
	Enabled() bool
}

// Options tunes a pipeline run. Zero fields take the defaults.
type Options struct {
	SortModes        []source.SortMode
	PerSortLimit     int
	SocialLimit      int
	DigestTitles     int
	TopConversations int
	CommentsPerPost  int
}

// DefaultOptions returns the standard ingestion settings.
func DefaultOptions() Options {
	return Options{
		SortModes:        source.DefaultSortModes,
		PerSortLimit:     50,
		SocialLimit:      25,
		DigestTitles:     digest.MaxTitles,
		TopConversations: 12,
		CommentsPerPost:  digest.MaxComments,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if len(o.SortModes) == 0 {
		o.SortModes = d.SortModes
	}
	if o.PerSortLimit <= 0 {
		o.PerSortLimit = d.PerSortLimit
	}
	if o.SocialLimit <= 0 {
		o.SocialLimit = d.SocialLimit
	}
	if o.DigestTitles <= 0 {
		o.DigestTitles = d.DigestTitles
	}
	if o.TopConversations <= 0 {
		o.TopConversations = d.TopConversations
	}
	if o.CommentsPerPost <= 0 {
		o.CommentsPerPost = d.CommentsPerPost
	}
	return o
}

// Result reports what one ingestion cycle did.
type Result struct {
	Topics              []string                  `json:"topics"`
	Inserted            map[source.SourceType]int `json:"inserted"`
	SocialStatus        string                    `json:"social_status,omitempty"`
	DigestStatus        string                    `json:"digest_status"`
	ConversationDigests int                       `json:"conversation_digests"`
}

// Message renders the result as a one-line status for the dashboard.
func (r *Result) Message() string {
	msg := fmt.Sprintf("Ingested %d Reddit + %d X posts • %s",
		r.Inserted[source.SourceReddit], r.Inserted[source.SourceX], r.DigestStatus)
	if r.SocialStatus != "" {
		msg += " • " + r.SocialStatus
	}
	return msg
}

// Pipeline fetches, stores, scores and summarizes topic content.
type Pipeline struct {
	store      store.Store
	reddit     RedditSource
	social     SocialSource
	summarizer digest.Summarizer
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a pipeline. social may be nil.
func New(s store.Store, reddit RedditSource, social SocialSource, summarizer digest.Summarizer, opts Options, logger *slog.Logger) *Pipeline {
	if summarizer == nil {
		summarizer = digest.Unconfigured{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:      s,
		reddit:     reddit,
		social:     social,
		summarizer: summarizer,
		opts:       opts.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// NormalizeTopic returns the stored form of a topic name.
func NormalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// NormalizeTopics lower-cases and trims topics, dropping blanks and duplicates
// while keeping first-seen order.
func NormalizeTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	var out []string
	for _, t := range topics {
		t = NormalizeTopic(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// SplitTopics splits a comma-separated topic list.
func SplitTopics(s string) []string {
	return NormalizeTopics(strings.Split(s, ","))
}

type candidate struct {
	topic string
	item  source.Item
}

// Ingest replaces the stored state of the given topics with freshly fetched
// content, then refreshes topic and conversation digests. userID > 0 is
// subscribed to the topics. Only storage failures are returned; source and
// summarizer failures degrade into the result's status strings.
func (p *Pipeline) Ingest(ctx context.Context, topics []string, userID int64) (*Result, error) {
	topics = NormalizeTopics(topics)
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}

	start := p.now()
	res := &Result{
		Topics:   topics,
		Inserted: map[source.SourceType]int{source.SourceReddit: 0, source.SourceX: 0},
	}

	candidates := p.fetchReddit(ctx, topics)
	social, socialTopic, status := p.fetchSocial(ctx, topics)
	candidates = append(candidates, social...)
	res.SocialStatus = status

	// Every topic written this cycle is replaced, including the mixed bucket.
	replaced := topics
	if socialTopic != "" && !slices.Contains(topics, socialTopic) {
		replaced = append(slices.Clone(topics), socialTopic)
	}

	err := p.store.WithTx(ctx, func(q store.Queries) error {
		if err := q.DeleteTopics(ctx, replaced); err != nil {
			return err
		}
		for _, c := range candidates {
			inserted, err := p.insert(ctx, q, c, start)
			if err != nil {
				return err
			}
			if inserted {
				res.Inserted[c.item.Source]++
			}
		}
		if userID > 0 {
			return q.AddUserTopics(ctx, userID, topics)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store items: %w", err)
	}

	res.DigestStatus, err = p.refreshTopicDigests(ctx, replaced)
	if err != nil {
		return nil, err
	}

	for _, topic := range topics {
		n, err := p.refreshConversations(ctx, topic)
		if err != nil {
			return nil, err
		}
		res.ConversationDigests += n
	}

	p.logger.Info("ingest complete",
		"topics", strings.Join(topics, ","),
		"reddit", res.Inserted[source.SourceReddit],
		"x", res.Inserted[source.SourceX],
		"conversations", res.ConversationDigests,
		"duration", p.now().Sub(start).Round(time.Millisecond),
	)
	return res, nil
}

// fetchReddit searches every topic in every sort mode. Items repeated across
// sort modes of the same topic are kept once.
func (p *Pipeline) fetchReddit(ctx context.Context, topics []string) []candidate {
	var out []candidate
	for _, topic := range topics {
		seen := make(map[string]bool)
		for _, sort := range p.opts.SortModes {
			items, err := p.reddit.Search(ctx, topic, sort, p.opts.PerSortLimit, true)
			if err != nil {
				p.logger.Warn("reddit search failed", "topic", topic, "sort", sort, "error", err)
				continue
			}
			for _, it := range items {
				if seen[it.NativeID] {
					continue
				}
				seen[it.NativeID] = true
				out = append(out, candidate{topic: topic, item: it})
			}
		}
	}
	return out
}

// fetchSocial issues one combined query for all topics. It returns the topic
// the results belong to, empty when nothing was fetched, and a status that is
// empty unless the source failed.
func (p *Pipeline) fetchSocial(ctx context.Context, topics []string) ([]candidate, string, string) {
	if p.social == nil || !p.social.Enabled() {
		return nil, "", ""
	}

	items, err := p.social.Search(ctx, strings.Join(topics, " OR "), p.opts.SocialLimit)
	if err != nil {
		p.logger.Warn("x search failed", "error", err)
		var statusErr *source.StatusError
		if errors.As(err, &statusErr) {
			return nil, "", fmt.Sprintf("X skipped (%d)", statusErr.Code)
		}
		return nil, "", "X skipped (network error)"
	}
	if len(items) > p.opts.SocialLimit {
		items = items[:p.opts.SocialLimit]
	}

	topic := MixedTopic
	if len(topics) == 1 {
		topic = topics[0]
	}
	out := make([]candidate, 0, len(items))
	for _, it := range items {
		out = append(out, candidate{topic: topic, item: it})
	}
	return out, topic, ""
}

func (p *Pipeline) insert(ctx context.Context, q store.Queries, c candidate, now time.Time) (bool, error) {
	exists, err := q.ItemExists(ctx, c.item.Source, c.item.NativeID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	created := c.item.CreatedAt
	if created.IsZero() {
		created = now
	}

	row := &store.ContentItem{
		Source:      c.item.Source,
		SourceID:    c.item.NativeID,
		Topic:       c.topic,
		Title:       c.item.Title,
		URL:         c.item.URL,
		CreatedUTC:  created.Unix(),
		Score:       c.item.Score,
		NumComments: c.item.Comments,
		HeatScore:   trend.Heat(c.item.Score, c.item.Comments, created, now),
		FetchedAt:   now.UTC(),
	}
	if c.item.Author != "" {
		author := c.item.Author
		row.Author = &author
	}

	if err := q.InsertItem(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// refreshTopicDigests rewrites the digest of every stored topic from its
// hottest titles. When a digest cannot be generated, a replaced topic gets the
// placeholder text while any other topic keeps its previous digest.
func (p *Pipeline) refreshTopicDigests(ctx context.Context, replaced []string) (string, error) {
	topics, err := p.store.DistinctTopics(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh digests: %w", err)
	}

	status := StatusSummariesUpdated
	for _, topic := range topics {
		items, err := p.store.ListItems(ctx, store.ItemQuery{Topic: topic, Limit: p.opts.DigestTitles})
		if err != nil {
			return "", fmt.Errorf("refresh digests: %w", err)
		}
		if len(items) == 0 {
			continue
		}
		titles := make([]string, len(items))
		for i, it := range items {
			titles[i] = it.Title
		}

		text, err := p.summarizer.DigestTopic(ctx, topic, titles)
		if err != nil {
			p.logger.Warn("topic digest unavailable", "topic", topic, "error", err)
			status = StatusSummariesSkipped
			if !slices.Contains(replaced, topic) {
				keep, err := p.hasTopicDigest(ctx, topic)
				if err != nil {
					return "", fmt.Errorf("refresh digests: %w", err)
				}
				if keep {
					continue
				}
			}
			text = digest.PlaceholderTopicDigest
		}

		if err := p.store.UpsertTopicDigest(ctx, &store.TopicDigest{Topic: topic, Text: text}); err != nil {
			return "", fmt.Errorf("refresh digests: %w", err)
		}
	}
	return status, nil
}

func (p *Pipeline) hasTopicDigest(ctx context.Context, topic string) (bool, error) {
	_, err := p.store.GetTopicDigest(ctx, topic)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// refreshConversations summarizes the topic's hottest Reddit threads
// concurrently and swaps them in as the topic's conversation digests.
func (p *Pipeline) refreshConversations(ctx context.Context, topic string) (int, error) {
	posts, err := p.store.ListItems(ctx, store.ItemQuery{
		Topic:  topic,
		Source: source.SourceReddit,
		Limit:  p.opts.TopConversations,
	})
	if err != nil {
		return 0, fmt.Errorf("refresh conversations %s: %w", topic, err)
	}

	digests := make([]store.ConversationDigest, len(posts))

	var g errgroup.Group
	g.SetLimit(p.opts.TopConversations)
	for i, post := range posts {
		i, post := i, post
		g.Go(func() error {
			digests[i] = store.ConversationDigest{
				SourceURL:    post.URL,
				Text:         p.summarizeConversation(ctx, post),
				RankPosition: i,
			}
			return nil
		})
	}
	_ = g.Wait()

	err = p.store.WithTx(ctx, func(q store.Queries) error {
		return q.ReplaceConversationDigests(ctx, topic, digests)
	})
	if err != nil {
		return 0, fmt.Errorf("refresh conversations %s: %w", topic, err)
	}
	return len(digests), nil
}

// summarizeConversation never fails: a missing comment list becomes an empty
// one and an unavailable summarizer yields the raw title.
func (p *Pipeline) summarizeConversation(ctx context.Context, post store.ContentItem) string {
	comments, err := p.reddit.TopComments(ctx, post.SourceID, p.opts.CommentsPerPost)
	if err != nil {
		p.logger.Warn("comment fetch failed", "post", post.SourceID, "error", err)
		comments = nil
	}

	text, err := p.summarizer.DigestConversation(ctx, post.Title, comments)
	if err != nil || text == "" {
		return post.Title
	}
	return text
}
