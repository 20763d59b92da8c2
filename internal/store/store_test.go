package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/elonfeng/theangle/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func item(src source.SourceType, id, topic string, heat float64) *ContentItem {
	return &ContentItem{
		Source:    src,
		SourceID:  id,
		Topic:     topic,
		Title:     "title " + id,
		URL:       "https://example.com/" + id,
		HeatScore: heat,
	}
}

func TestInsertAndListItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	author := "kasp"
	first := item(source.SourceReddit, "a", "chess", 1.5)
	first.Author = &author
	require.NoError(t, s.InsertItem(ctx, first))
	require.NoError(t, s.InsertItem(ctx, item(source.SourceReddit, "b", "chess", 9)))
	require.NoError(t, s.InsertItem(ctx, item(source.SourceX, "c", "chess", 4)))
	require.NoError(t, s.InsertItem(ctx, item(source.SourceReddit, "d", "coding", 100)))
	assert.NotZero(t, first.ID)

	items, err := s.ListItems(ctx, ItemQuery{Topic: "chess"})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{items[0].SourceID, items[1].SourceID, items[2].SourceID})
	require.NotNil(t, items[2].Author)
	assert.Equal(t, "kasp", *items[2].Author)
	assert.Nil(t, items[0].Author)
	assert.False(t, items[0].FetchedAt.IsZero())

	reddit, err := s.ListItems(ctx, ItemQuery{Topic: "chess", Source: source.SourceReddit, Limit: 1})
	require.NoError(t, err)
	require.Len(t, reddit, 1)
	assert.Equal(t, "b", reddit[0].SourceID)

	exists, err := s.ItemExists(ctx, source.SourceReddit, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ItemExists(ctx, source.SourceX, "a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInsertItemDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertItem(ctx, item(source.SourceReddit, "a", "chess", 1)))
	err := s.InsertItem(ctx, item(source.SourceReddit, "a", "coding", 1))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCountsAndTopics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertItem(ctx, item(source.SourceReddit, "a", "chess", 1)))
	require.NoError(t, s.InsertItem(ctx, item(source.SourceReddit, "b", "chess", 1)))
	require.NoError(t, s.InsertItem(ctx, item(source.SourceX, "c", "ai", 1)))

	topics, err := s.DistinctTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ai", "chess"}, topics)

	counts, err := s.CountItemsByTopic(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TopicCount{{Topic: "chess", Count: 2}, {Topic: "ai", Count: 1}}, counts)

	bySource, err := s.CountItemsBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[source.SourceType]int{source.SourceReddit: 2, source.SourceX: 1}, bySource)
}

func TestDeleteTopicsIsScoped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, topic := range []string{"ai", "coding"} {
		require.NoError(t, s.InsertItem(ctx, item(source.SourceReddit, topic+"-1", topic, 1)))
		require.NoError(t, s.UpsertTopicDigest(ctx, &TopicDigest{Topic: topic, Text: topic + " digest"}))
		require.NoError(t, s.ReplaceConversationDigests(ctx, topic, []ConversationDigest{
			{SourceURL: "u", Text: "t", RankPosition: 0},
		}))
	}

	require.NoError(t, s.DeleteTopics(ctx, []string{"ai"}))

	items, err := s.ListItems(ctx, ItemQuery{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "coding", items[0].Topic)

	_, err = s.GetTopicDigest(ctx, "ai")
	assert.ErrorIs(t, err, ErrNotFound)
	d, err := s.GetTopicDigest(ctx, "coding")
	require.NoError(t, err)
	assert.Equal(t, "coding digest", d.Text)

	conv, err := s.ListConversationDigests(ctx, "ai")
	require.NoError(t, err)
	assert.Empty(t, conv)
	conv, err = s.ListConversationDigests(ctx, "coding")
	require.NoError(t, err)
	assert.Len(t, conv, 1)
}

func TestUpsertTopicDigest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertTopicDigest(ctx, &TopicDigest{Topic: "chess", Text: "old"}))
	require.NoError(t, s.UpsertTopicDigest(ctx, &TopicDigest{Topic: "chess", Text: "new"}))

	digests, err := s.ListTopicDigests(ctx)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	assert.Equal(t, "new", digests[0].Text)
}

func TestReplaceConversationDigests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceConversationDigests(ctx, "chess", []ConversationDigest{
		{SourceURL: "u0", Text: "zero", RankPosition: 0},
		{SourceURL: "u1", Text: "one", RankPosition: 1},
		{SourceURL: "u2", Text: "two", RankPosition: 2},
	}))
	require.NoError(t, s.ReplaceConversationDigests(ctx, "chess", []ConversationDigest{
		{SourceURL: "v1", Text: "b", RankPosition: 1},
		{SourceURL: "v0", Text: "a", RankPosition: 0},
	}))

	got, err := s.ListConversationDigests(ctx, "chess")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v0", got[0].SourceURL)
	assert.Equal(t, 0, got[0].RankPosition)
	assert.Equal(t, "v1", got[1].SourceURL)
	assert.Equal(t, "chess", got[1].Topic)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q Queries) error {
		require.NoError(t, q.InsertItem(ctx, item(source.SourceReddit, "a", "chess", 1)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	exists, err := s.ItemExists(ctx, source.SourceReddit, "a")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(q Queries) error {
			_ = q.InsertItem(ctx, item(source.SourceReddit, "b", "chess", 1))
			panic("bad")
		})
	})
	exists, err = s.ItemExists(ctx, source.SourceReddit, "b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.WithTx(ctx, func(q Queries) error {
		return q.InsertItem(ctx, item(source.SourceReddit, "a", "chess", 1))
	})
	require.NoError(t, err)

	exists, err := s.ItemExists(ctx, source.SourceReddit, "a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u := &User{Email: "a@example.com", PasswordHash: "hash"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.NotZero(t, u.ID)

	err := s.CreateUser(ctx, &User{Email: "a@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.False(t, got.IsActiveSubscriber)

	_, err = s.GetUserByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetSubscription(ctx, u.ID, Subscription{CustomerID: "cus_1", SubscriptionID: "sub_1", Active: true}))
	got, err = s.GetUserBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, got.IsActiveSubscriber)
	assert.Equal(t, "cus_1", got.StripeCustomerID)

	// Empty ids keep the stored ones.
	require.NoError(t, s.SetSubscription(ctx, u.ID, Subscription{Active: false}))
	got, err = s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActiveSubscriber)
	assert.Equal(t, "sub_1", got.StripeSubscriptionID)

	assert.ErrorIs(t, s.SetSubscription(ctx, 999, Subscription{Active: true}), ErrNotFound)
	_, err = s.GetUserBySubscriptionID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserTopics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	alice := &User{Email: "alice@example.com", PasswordHash: "h"}
	bob := &User{Email: "bob@example.com", PasswordHash: "h"}
	require.NoError(t, s.CreateUser(ctx, alice))
	require.NoError(t, s.CreateUser(ctx, bob))

	require.NoError(t, s.AddUserTopics(ctx, alice.ID, []string{"chess", "ai"}))
	require.NoError(t, s.AddUserTopics(ctx, alice.ID, []string{"ai", "coding"}))
	require.NoError(t, s.AddUserTopics(ctx, bob.ID, []string{"food"}))

	topics, err := s.ListUserTopics(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chess", "ai", "coding"}, topics)

	require.NoError(t, s.ReplaceUserTopics(ctx, alice.ID, []string{"markets"}))
	topics, err = s.ListUserTopics(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"markets"}, topics)

	all, err := s.AllSubscribedTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"food", "markets"}, all)
}

func TestDSN(t *testing.T) {
	assert.Contains(t, dsn("a.db"), "a.db?_pragma=busy_timeout(5000)")
	assert.Contains(t, dsn("file:a.db?cache=shared"), "cache=shared&_pragma=journal_mode(WAL)")
}
