package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/digest"
	"github.com/elonfeng/theangle/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReddit struct {
	mu       sync.Mutex
	results  map[string]map[source.SortMode][]source.Item
	errs     map[string]error
	comments map[string][]string
	failing  map[string]bool
	searches int
}

func (f *fakeReddit) Search(_ context.Context, query string, sort source.SortMode, limit int, conversationsOnly bool) ([]source.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	return f.results[query][sort], nil
}

func (f *fakeReddit) TopComments(_ context.Context, postID string, limit int) ([]string, error) {
	if f.failing[postID] {
		return nil, errors.New("connection reset")
	}
	c := f.comments[postID]
	if len(c) > limit {
		c = c[:limit]
	}
	return c, nil
}

type fakeSocial struct {
	items []source.Item
	err   error
	query string
	limit int
}

func (f *fakeSocial) Search(_ context.Context, query string, limit int) ([]source.Item, error) {
	f.query = query
	f.limit = limit
	return f.items, f.err
}

func (f *fakeSocial) Enabled() bool { return true }

// echoSummarizer returns deterministic text derived from its inputs.
type echoSummarizer struct {
	mu            sync.Mutex
	conversations map[string][]string
}

func (s *echoSummarizer) DigestTopic(_ context.Context, topic string, titles []string) (string, error) {
	return "digest of " + topic, nil
}

func (s *echoSummarizer) DigestConversation(_ context.Context, title string, comments []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		s.conversations = make(map[string][]string)
	}
	s.conversations[title] = comments
	return "gist: " + title, nil
}

func (s *echoSummarizer) Configured() bool { return true }

func redditItem(id, title string, score, comments int) source.Item {
	return source.Item{
		Source:     source.SourceReddit,
		NativeID:   id,
		Title:      title,
		URL:        "https://www.reddit.com/r/x/comments/" + id,
		Author:     "someone",
		CreatedAt:  testNow.Add(-2 * time.Hour),
		Score:      score,
		Comments:   comments,
		IsTextPost: true,
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(s store.Store, r RedditSource, social SocialSource, sum digest.Summarizer) *Pipeline {
	p := New(s, r, social, sum, Options{}, nil)
	p.now = func() time.Time { return testNow }
	return p
}

func TestNormalizeTopics(t *testing.T) {
	assert.Equal(t, []string{"chess", "ai"}, NormalizeTopics([]string{" Chess", "AI", "chess ", "", "  "}))
	assert.Equal(t, []string{"go", "rust"}, SplitTopics("Go, rust,,GO"))
	assert.Empty(t, SplitTopics(" , "))
}

func TestIngestNoTopics(t *testing.T) {
	p := newTestPipeline(newTestStore(t), &fakeReddit{}, nil, &echoSummarizer{})
	_, err := p.Ingest(context.Background(), []string{" ", ""}, 0)
	assert.ErrorIs(t, err, ErrNoTopics)
}

func TestIngestChess(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"chess": {
				source.SortHot: {redditItem("c1", "Best opening for beginners?", 100, 20)},
				source.SortNew: {redditItem("c2", "How do you study endgames", 10, 4)},
				source.SortTop: {redditItem("c1", "Best opening for beginners?", 100, 20)},
			},
		},
		comments: map[string][]string{"c1": {"Italian", "London"}},
	}
	sum := &echoSummarizer{}

	res, err := newTestPipeline(s, reddit, nil, sum).Ingest(ctx, []string{"Chess"}, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"chess"}, res.Topics)
	assert.Equal(t, 2, res.Inserted[source.SourceReddit])
	assert.Equal(t, 0, res.Inserted[source.SourceX])
	assert.Equal(t, StatusSummariesUpdated, res.DigestStatus)
	assert.Empty(t, res.SocialStatus)
	assert.Equal(t, 2, res.ConversationDigests)
	assert.Equal(t, "Ingested 2 Reddit + 0 X posts • Summaries updated", res.Message())
	assert.Equal(t, 3, reddit.searches)

	items, err := s.ListItems(ctx, store.ItemQuery{Topic: "chess"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c1", items[0].SourceID)
	assert.Greater(t, items[0].HeatScore, items[1].HeatScore)
	require.NotNil(t, items[0].Author)
	assert.Equal(t, testNow.Add(-2*time.Hour).Unix(), items[0].CreatedUTC)

	d, err := s.GetTopicDigest(ctx, "chess")
	require.NoError(t, err)
	assert.Equal(t, "digest of chess", d.Text)

	conv, err := s.ListConversationDigests(ctx, "chess")
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, 0, conv[0].RankPosition)
	assert.Equal(t, "gist: Best opening for beginners?", conv[0].Text)
	assert.Equal(t, items[0].URL, conv[0].SourceURL)
	assert.Equal(t, 1, conv[1].RankPosition)
	assert.Equal(t, []string{"Italian", "London"}, sum.conversations["Best opening for beginners?"])
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"chess": {source.SortHot: {redditItem("c1", "Why?", 1, 1)}},
		},
	}
	p := newTestPipeline(s, reddit, nil, &echoSummarizer{})

	for i := 0; i < 2; i++ {
		res, err := p.Ingest(ctx, []string{"chess", "CHESS"}, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Inserted[source.SourceReddit])
	}

	items, err := s.ListItems(ctx, store.ItemQuery{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestIngestSkipsItemsStoredUnderOtherTopics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	shared := redditItem("shared", "What is a good first language?", 5, 5)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"coding": {source.SortHot: {shared}},
			"ai":     {source.SortHot: {shared, redditItem("a1", "Why do LLMs hallucinate?", 5, 5)}},
		},
	}
	p := newTestPipeline(s, reddit, nil, &echoSummarizer{})

	_, err := p.Ingest(ctx, []string{"coding"}, 0)
	require.NoError(t, err)

	res, err := p.Ingest(ctx, []string{"ai"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted[source.SourceReddit])

	coding, err := s.ListItems(ctx, store.ItemQuery{Topic: "coding"})
	require.NoError(t, err)
	assert.Len(t, coding, 1)
}

func TestIngestScopedDeletion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"ai":     {source.SortHot: {redditItem("a1", "Why agents?", 5, 5)}},
			"coding": {source.SortHot: {redditItem("k1", "How do I test?", 5, 5)}},
		},
	}
	p := newTestPipeline(s, reddit, nil, &echoSummarizer{})

	_, err := p.Ingest(ctx, []string{"ai", "coding"}, 0)
	require.NoError(t, err)

	codingBefore, err := s.ListConversationDigests(ctx, "coding")
	require.NoError(t, err)
	require.Len(t, codingBefore, 1)

	reddit.results["ai"] = map[source.SortMode][]source.Item{
		source.SortHot: {redditItem("a2", "What changed?", 1, 1)},
	}
	_, err = p.Ingest(ctx, []string{"ai"}, 0)
	require.NoError(t, err)

	ai, err := s.ListItems(ctx, store.ItemQuery{Topic: "ai"})
	require.NoError(t, err)
	require.Len(t, ai, 1)
	assert.Equal(t, "a2", ai[0].SourceID)

	coding, err := s.ListItems(ctx, store.ItemQuery{Topic: "coding"})
	require.NoError(t, err)
	require.Len(t, coding, 1)
	assert.Equal(t, "k1", coding[0].SourceID)

	codingAfter, err := s.ListConversationDigests(ctx, "coding")
	require.NoError(t, err)
	assert.Equal(t, codingBefore[0].ID, codingAfter[0].ID)

	d, err := s.GetTopicDigest(ctx, "coding")
	require.NoError(t, err)
	assert.Equal(t, "digest of coding", d.Text)
}

func TestIngestSummarizerOutageKeepsOtherDigests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"ai":     {source.SortHot: {redditItem("a1", "Why agents?", 5, 5)}},
			"coding": {source.SortHot: {redditItem("k1", "How do I test?", 5, 5)}},
		},
	}

	_, err := newTestPipeline(s, reddit, nil, &echoSummarizer{}).Ingest(ctx, []string{"ai", "coding"}, 0)
	require.NoError(t, err)

	res, err := newTestPipeline(s, reddit, nil, digest.Unconfigured{}).Ingest(ctx, []string{"ai"}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusSummariesSkipped, res.DigestStatus)

	ai, err := s.GetTopicDigest(ctx, "ai")
	require.NoError(t, err)
	assert.Equal(t, digest.PlaceholderTopicDigest, ai.Text)

	coding, err := s.GetTopicDigest(ctx, "coding")
	require.NoError(t, err)
	assert.Equal(t, "digest of coding", coding.Text)
}

func TestIngestReplacesMixedTopic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{}
	social := &fakeSocial{items: []source.Item{
		{Source: source.SourceX, NativeID: "t1", Title: "first", Score: 1},
	}}
	p := newTestPipeline(s, reddit, social, &echoSummarizer{})

	_, err := p.Ingest(ctx, []string{"ai", "coding"}, 0)
	require.NoError(t, err)

	social.items = []source.Item{{Source: source.SourceX, NativeID: "t2", Title: "second", Score: 1}}
	res, err := p.Ingest(ctx, []string{"ai", "coding"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted[source.SourceX])

	mixed, err := s.ListItems(ctx, store.ItemQuery{Topic: MixedTopic})
	require.NoError(t, err)
	require.Len(t, mixed, 1)
	assert.Equal(t, "t2", mixed[0].SourceID)

	// A failed social fetch leaves the previous mixed items in place.
	social.err = errors.New("dial tcp: timeout")
	_, err = p.Ingest(ctx, []string{"ai", "coding"}, 0)
	require.NoError(t, err)
	mixed, err = s.ListItems(ctx, store.ItemQuery{Topic: MixedTopic})
	require.NoError(t, err)
	require.Len(t, mixed, 1)
	assert.Equal(t, "t2", mixed[0].SourceID)
}

func TestIngestCommentFailureKeepsRankOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"chess": {source.SortHot: {
				redditItem("p0", "P0?", 300, 30),
				redditItem("p1", "P1?", 200, 20),
				redditItem("p2", "P2?", 100, 10),
			}},
		},
		comments: map[string][]string{
			"p0": {"a"},
			"p1": {"should not be seen"},
			"p2": {"c"},
		},
		failing: map[string]bool{"p1": true},
	}
	sum := &echoSummarizer{}

	_, err := newTestPipeline(s, reddit, nil, sum).Ingest(ctx, []string{"chess"}, 0)
	require.NoError(t, err)

	conv, err := s.ListConversationDigests(ctx, "chess")
	require.NoError(t, err)
	require.Len(t, conv, 3)
	for i, want := range []string{"P0?", "P1?", "P2?"} {
		assert.Equal(t, i, conv[i].RankPosition)
		assert.Equal(t, "gist: "+want, conv[i].Text)
	}
	assert.Empty(t, sum.conversations["P1?"])
	assert.Equal(t, []string{"c"}, sum.conversations["P2?"])
}

func TestIngestLimitsConversations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var items []source.Item
	for i := 0; i < 15; i++ {
		items = append(items, redditItem(string(rune('a'+i)), "Why "+string(rune('a'+i))+"?", 100-i, 0))
	}
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{"go": {source.SortHot: items}},
	}

	res, err := newTestPipeline(s, reddit, nil, &echoSummarizer{}).Ingest(ctx, []string{"go"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, res.Inserted[source.SourceReddit])
	assert.Equal(t, 12, res.ConversationDigests)
}

func TestIngestSocial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{}
	social := &fakeSocial{items: []source.Item{
		{Source: source.SourceX, NativeID: "t1", Title: "tweet", Score: 3, Comments: 1},
	}}

	res, err := newTestPipeline(s, reddit, social, &echoSummarizer{}).Ingest(ctx, []string{"AI", "coding"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ai OR coding", social.query)
	assert.Equal(t, 25, social.limit)
	assert.Equal(t, 1, res.Inserted[source.SourceX])

	mixed, err := s.ListItems(ctx, store.ItemQuery{Topic: MixedTopic})
	require.NoError(t, err)
	require.Len(t, mixed, 1)
	assert.Equal(t, testNow.Unix(), mixed[0].CreatedUTC)
	assert.Nil(t, mixed[0].Author)

	// Social items are never summarized as conversations.
	conv, err := s.ListConversationDigests(ctx, MixedTopic)
	require.NoError(t, err)
	assert.Empty(t, conv)

	social.items[0].NativeID = "t2"
	_, err = newTestPipeline(s, reddit, social, &echoSummarizer{}).Ingest(ctx, []string{"ai"}, 0)
	require.NoError(t, err)
	single, err := s.ListItems(ctx, store.ItemQuery{Topic: "ai", Source: source.SourceX})
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "t2", single[0].SourceID)
}

func TestIngestSocialFailure(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"status", &source.StatusError{Source: source.SourceX, Code: 429}, "X skipped (429)"},
		{"network", errors.New("dial tcp: timeout"), "X skipped (network error)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			reddit := &fakeReddit{
				results: map[string]map[source.SortMode][]source.Item{
					"chess": {source.SortHot: {redditItem("c1", "Why?", 1, 1)}},
				},
			}
			res, err := newTestPipeline(s, reddit, &fakeSocial{err: tt.err}, &echoSummarizer{}).Ingest(ctx, []string{"chess"}, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.SocialStatus)
			assert.Equal(t, 1, res.Inserted[source.SourceReddit])
			assert.Equal(t, "Ingested 1 Reddit + 0 X posts • Summaries updated • "+tt.want, res.Message())
		})
	}
}

func TestIngestRedditFailureIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"chess": {source.SortHot: {redditItem("c1", "Why?", 1, 1)}},
		},
		errs: map[string]error{"go": &source.StatusError{Source: source.SourceReddit, Code: 500}},
	}

	res, err := newTestPipeline(s, reddit, nil, &echoSummarizer{}).Ingest(ctx, []string{"go", "chess"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted[source.SourceReddit])
}

func TestIngestSummarizerUnavailable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reddit := &fakeReddit{
		results: map[string]map[source.SortMode][]source.Item{
			"chess": {source.SortHot: {redditItem("c1", "Why sacrifice the queen?", 1, 1)}},
		},
	}

	res, err := newTestPipeline(s, reddit, nil, digest.Unconfigured{}).Ingest(ctx, []string{"chess"}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusSummariesSkipped, res.DigestStatus)
	assert.Equal(t, 1, res.Inserted[source.SourceReddit])

	d, err := s.GetTopicDigest(ctx, "chess")
	require.NoError(t, err)
	assert.Equal(t, digest.PlaceholderTopicDigest, d.Text)

	conv, err := s.ListConversationDigests(ctx, "chess")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, "Why sacrifice the queen?", conv[0].Text)
}

func TestIngestSubscribesUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := &store.User{Email: "a@example.com", PasswordHash: "h"}
	require.NoError(t, s.CreateUser(ctx, u))

	_, err := newTestPipeline(s, &fakeReddit{}, nil, &echoSummarizer{}).Ingest(ctx, []string{"Chess", "go"}, u.ID)
	require.NoError(t, err)

	topics, err := s.ListUserTopics(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chess", "go"}, topics)
}
