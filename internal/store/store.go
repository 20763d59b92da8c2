package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/theangle/pkg/source"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// ContentItem is a stored thread or post, partitioned by topic.
type ContentItem struct {
	ID          int64             `db:"id" json:"id"`
	Source      source.SourceType `db:"source" json:"source"`
	SourceID    string            `db:"source_id" json:"source_id"`
	Topic       string            `db:"topic" json:"topic"`
	Title       string            `db:"title" json:"title"`
	URL         string            `db:"url" json:"url"`
	Author      *string           `db:"author" json:"author,omitempty"`
	CreatedUTC  int64             `db:"created_utc" json:"created_utc"`
	Score       int               `db:"score" json:"score"`
	NumComments int               `db:"num_comments" json:"num_comments"`
	HeatScore   float64           `db:"heat_score" json:"heat_score"`
	FetchedAt   time.Time         `db:"fetched_at" json:"fetched_at"`
}

// TopicDigest is the generated summary for one topic.
type TopicDigest struct {
	Topic     string    `db:"topic" json:"topic"`
	Text      string    `db:"text" json:"text"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ConversationDigest is the one-sentence summary of a ranked thread.
type ConversationDigest struct {
	ID           int64     `db:"id" json:"id"`
	Topic        string    `db:"topic" json:"topic"`
	SourceURL    string    `db:"source_url" json:"source_url"`
	Text         string    `db:"text" json:"text"`
	RankPosition int       `db:"rank_position" json:"rank_position"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// User is a registered dashboard account.
type User struct {
	ID                   int64     `db:"id" json:"id"`
	Email                string    `db:"email" json:"email"`
	PasswordHash         string    `db:"password_hash" json:"-"`
	StripeCustomerID     string    `db:"stripe_customer_id" json:"-"`
	StripeSubscriptionID string    `db:"stripe_subscription_id" json:"-"`
	IsActiveSubscriber   bool      `db:"is_active_subscriber" json:"is_active_subscriber"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// Subscription is the billing state written back from checkout events.
type Subscription struct {
	CustomerID     string
	SubscriptionID string
	Active         bool
}

// TopicCount is the number of stored items in a topic.
type TopicCount struct {
	Topic string `db:"topic" json:"topic"`
	Count int    `db:"cnt" json:"count"`
}

// ItemQuery controls item listing. Items are ordered by heat, hottest first.
type ItemQuery struct {
	Topic  string
	Source source.SourceType
	Limit  int
}

// Queries is the set of operations available both on the store and inside a
// unit of work.
type Queries interface {
	ItemExists(ctx context.Context, src source.SourceType, sourceID string) (bool, error)
	InsertItem(ctx context.Context, item *ContentItem) error
	ListItems(ctx context.Context, q ItemQuery) ([]ContentItem, error)
	DistinctTopics(ctx context.Context) ([]string, error)
	CountItemsByTopic(ctx context.Context) ([]TopicCount, error)
	CountItemsBySource(ctx context.Context) (map[source.SourceType]int, error)
	DeleteTopics(ctx context.Context, topics []string) error

	UpsertTopicDigest(ctx context.Context, d *TopicDigest) error
	GetTopicDigest(ctx context.Context, topic string) (*TopicDigest, error)
	ListTopicDigests(ctx context.Context) ([]TopicDigest, error)
	ReplaceConversationDigests(ctx context.Context, topic string, digests []ConversationDigest) error
	ListConversationDigests(ctx context.Context, topic string) ([]ConversationDigest, error)

	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*User, error)
	SetSubscription(ctx context.Context, userID int64, sub Subscription) error

	AddUserTopics(ctx context.Context, userID int64, topics []string) error
	ReplaceUserTopics(ctx context.Context, userID int64, topics []string) error
	ListUserTopics(ctx context.Context, userID int64) ([]string, error)
	AllSubscribedTopics(ctx context.Context) ([]string, error)
}

// Store is the persistence interface.
type Store interface {
	Queries

	// WithTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back on an error or a panic.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	*queries
	db *sqlx.DB
}

// New opens a SQLite database, applies connection pragmas and runs migrations.
func New(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// Every connection to an in-memory database is a separate database.
	if strings.HasPrefix(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{queries: &queries{ext: db}, db: db}, nil
}

// dsn appends the write-concurrency pragmas: WAL lets readers proceed during
// a write, busy_timeout makes writers wait for the lock instead of failing.
func dsn(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&queries{ext: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queries runs statements against either the pool or an open transaction.
type queries struct {
	ext sqlx.ExtContext
}

func (q *queries) ItemExists(ctx context.Context, src source.SourceType, sourceID string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		"SELECT COUNT(*) FROM content_items WHERE source = ? AND source_id = ?", src, sourceID)
	if err != nil {
		return false, fmt.Errorf("check item %s:%s: %w", src, sourceID, err)
	}
	return n > 0, nil
}

func (q *queries) InsertItem(ctx context.Context, item *ContentItem) error {
	if item.FetchedAt.IsZero() {
		item.FetchedAt = time.Now().UTC()
	}

	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO content_items (source, source_id, topic, title, url, author, created_utc, score, num_comments, heat_score, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.Source, item.SourceID, item.Topic, item.Title, item.URL, item.Author,
		item.CreatedUTC, item.Score, item.NumComments, item.HeatScore, item.FetchedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert item %s:%s: %w", item.Source, item.SourceID, ErrDuplicate)
		}
		return fmt.Errorf("insert item %s:%s: %w", item.Source, item.SourceID, err)
	}
	item.ID, _ = res.LastInsertId()
	return nil
}

func (q *queries) ListItems(ctx context.Context, opts ItemQuery) ([]ContentItem, error) {
	query := "SELECT * FROM content_items WHERE 1=1"
	var args []any

	if opts.Topic != "" {
		query += " AND topic = ?"
		args = append(args, opts.Topic)
	}
	if opts.Source != "" {
		query += " AND source = ?"
		args = append(args, opts.Source)
	}

	// id breaks heat ties so repeated queries return a stable order.
	query += " ORDER BY heat_score DESC, id ASC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var items []ContentItem
	if err := sqlx.SelectContext(ctx, q.ext, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (q *queries) DistinctTopics(ctx context.Context) ([]string, error) {
	var topics []string
	err := sqlx.SelectContext(ctx, q.ext, &topics,
		"SELECT DISTINCT topic FROM content_items WHERE topic != '' ORDER BY topic")
	if err != nil {
		return nil, fmt.Errorf("distinct topics: %w", err)
	}
	return topics, nil
}

func (q *queries) CountItemsByTopic(ctx context.Context) ([]TopicCount, error) {
	var counts []TopicCount
	err := sqlx.SelectContext(ctx, q.ext, &counts,
		"SELECT topic, COUNT(*) AS cnt FROM content_items GROUP BY topic ORDER BY cnt DESC, topic ASC")
	if err != nil {
		return nil, fmt.Errorf("count items by topic: %w", err)
	}
	return counts, nil
}

func (q *queries) CountItemsBySource(ctx context.Context) (map[source.SourceType]int, error) {
	rows, err := q.ext.QueryxContext(ctx, "SELECT source, COUNT(*) AS cnt FROM content_items GROUP BY source")
	if err != nil {
		return nil, fmt.Errorf("count items by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[source.SourceType]int)
	for rows.Next() {
		var src string
		var cnt int
		if err := rows.Scan(&src, &cnt); err != nil {
			return nil, err
		}
		counts[source.SourceType(src)] = cnt
	}
	return counts, rows.Err()
}

// DeleteTopics removes every item, topic digest and conversation digest of the
// given topics. Other topics are untouched.
func (q *queries) DeleteTopics(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}

	for _, table := range []string{"content_items", "topic_digests", "conversation_digests"} {
		query, args, err := sqlx.In("DELETE FROM "+table+" WHERE topic IN (?)", topics)
		if err != nil {
			return fmt.Errorf("build delete %s: %w", table, err)
		}
		if _, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

func (q *queries) UpsertTopicDigest(ctx context.Context, d *TopicDigest) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO topic_digests (topic, text, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			text = excluded.text,
			updated_at = excluded.updated_at
	`, d.Topic, d.Text, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert topic digest %s: %w", d.Topic, err)
	}
	return nil
}

func (q *queries) GetTopicDigest(ctx context.Context, topic string) (*TopicDigest, error) {
	var d TopicDigest
	err := sqlx.GetContext(ctx, q.ext, &d, "SELECT * FROM topic_digests WHERE topic = ?", topic)
	if err != nil {
		return nil, notFound(fmt.Sprintf("get topic digest %s", topic), err)
	}
	return &d, nil
}

func (q *queries) ListTopicDigests(ctx context.Context) ([]TopicDigest, error) {
	var digests []TopicDigest
	if err := sqlx.SelectContext(ctx, q.ext, &digests, "SELECT * FROM topic_digests ORDER BY topic"); err != nil {
		return nil, fmt.Errorf("list topic digests: %w", err)
	}
	return digests, nil
}

// ReplaceConversationDigests deletes the topic's conversation digests and
// inserts the given ones. Call it inside WithTx for an atomic swap.
func (q *queries) ReplaceConversationDigests(ctx context.Context, topic string, digests []ConversationDigest) error {
	if _, err := q.ext.ExecContext(ctx, "DELETE FROM conversation_digests WHERE topic = ?", topic); err != nil {
		return fmt.Errorf("clear conversation digests %s: %w", topic, err)
	}

	now := time.Now().UTC()
	for i := range digests {
		d := &digests[i]
		d.Topic = topic
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		res, err := q.ext.ExecContext(ctx, `
			INSERT INTO conversation_digests (topic, source_url, text, rank_position, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, d.Topic, d.SourceURL, d.Text, d.RankPosition, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert conversation digest %s#%d: %w", topic, d.RankPosition, err)
		}
		d.ID, _ = res.LastInsertId()
	}
	return nil
}

func (q *queries) ListConversationDigests(ctx context.Context, topic string) ([]ConversationDigest, error) {
	var digests []ConversationDigest
	err := sqlx.SelectContext(ctx, q.ext, &digests,
		"SELECT * FROM conversation_digests WHERE topic = ? ORDER BY rank_position, id", topic)
	if err != nil {
		return nil, fmt.Errorf("list conversation digests %s: %w", topic, err)
	}
	return digests, nil
}

func (q *queries) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO users (email, password_hash, created_at)
		VALUES (?, ?, ?)
	`, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user %s: %w", u.Email, ErrDuplicate)
		}
		return fmt.Errorf("create user %s: %w", u.Email, err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (q *queries) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := sqlx.GetContext(ctx, q.ext, &u, "SELECT * FROM users WHERE id = ?", id); err != nil {
		return nil, notFound(fmt.Sprintf("get user %d", id), err)
	}
	return &u, nil
}

func (q *queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := sqlx.GetContext(ctx, q.ext, &u, "SELECT * FROM users WHERE email = ?", email); err != nil {
		return nil, notFound(fmt.Sprintf("get user %s", email), err)
	}
	return &u, nil
}

func (q *queries) GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*User, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("get user by subscription: %w", ErrNotFound)
	}
	var u User
	err := sqlx.GetContext(ctx, q.ext, &u, "SELECT * FROM users WHERE stripe_subscription_id = ?", subscriptionID)
	if err != nil {
		return nil, notFound(fmt.Sprintf("get user by subscription %s", subscriptionID), err)
	}
	return &u, nil
}

func (q *queries) SetSubscription(ctx context.Context, userID int64, sub Subscription) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE users SET
			stripe_customer_id = CASE WHEN ? != '' THEN ? ELSE stripe_customer_id END,
			stripe_subscription_id = CASE WHEN ? != '' THEN ? ELSE stripe_subscription_id END,
			is_active_subscriber = ?
		WHERE id = ?
	`, sub.CustomerID, sub.CustomerID, sub.SubscriptionID, sub.SubscriptionID, sub.Active, userID)
	if err != nil {
		return fmt.Errorf("set subscription %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set subscription %d: %w", userID, ErrNotFound)
	}
	return nil
}

func (q *queries) AddUserTopics(ctx context.Context, userID int64, topics []string) error {
	now := time.Now().UTC()
	for _, t := range topics {
		_, err := q.ext.ExecContext(ctx, `
			INSERT INTO user_topics (user_id, topic, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id, topic) DO NOTHING
		`, userID, t, now)
		if err != nil {
			return fmt.Errorf("add topic %s for user %d: %w", t, userID, err)
		}
	}
	return nil
}

func (q *queries) ReplaceUserTopics(ctx context.Context, userID int64, topics []string) error {
	if _, err := q.ext.ExecContext(ctx, "DELETE FROM user_topics WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clear topics for user %d: %w", userID, err)
	}
	return q.AddUserTopics(ctx, userID, topics)
}

func (q *queries) ListUserTopics(ctx context.Context, userID int64) ([]string, error) {
	var topics []string
	err := sqlx.SelectContext(ctx, q.ext, &topics,
		"SELECT topic FROM user_topics WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("list topics for user %d: %w", userID, err)
	}
	return topics, nil
}

func (q *queries) AllSubscribedTopics(ctx context.Context) ([]string, error) {
	var topics []string
	if err := sqlx.SelectContext(ctx, q.ext, &topics, "SELECT DISTINCT topic FROM user_topics ORDER BY topic"); err != nil {
		return nil, fmt.Errorf("list subscribed topics: %w", err)
	}
	return topics, nil
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
