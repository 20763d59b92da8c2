package store

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    email                  TEXT NOT NULL UNIQUE,
    password_hash          TEXT NOT NULL,
    stripe_customer_id     TEXT NOT NULL DEFAULT '',
    stripe_subscription_id TEXT NOT NULL DEFAULT '',
    is_active_subscriber   BOOLEAN NOT NULL DEFAULT 0,
    created_at             DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_subscription ON users(stripe_subscription_id);

CREATE TABLE IF NOT EXISTS content_items (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    source       TEXT NOT NULL,
    source_id    TEXT NOT NULL,
    topic        TEXT NOT NULL,
    title        TEXT NOT NULL,
    url          TEXT NOT NULL DEFAULT '',
    author       TEXT,
    created_utc  INTEGER NOT NULL DEFAULT 0,
    score        INTEGER NOT NULL DEFAULT 0,
    num_comments INTEGER NOT NULL DEFAULT 0,
    heat_score   REAL NOT NULL DEFAULT 0,
    fetched_at   DATETIME NOT NULL,
    UNIQUE(source, source_id)
);

CREATE INDEX IF NOT EXISTS idx_items_topic ON content_items(topic);
CREATE INDEX IF NOT EXISTS idx_items_heat ON content_items(heat_score);

CREATE TABLE IF NOT EXISTS topic_digests (
    topic      TEXT PRIMARY KEY,
    text       TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_digests (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    topic         TEXT NOT NULL,
    source_url    TEXT NOT NULL,
    text          TEXT NOT NULL,
    rank_position INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_topic ON conversation_digests(topic, rank_position);

CREATE TABLE IF NOT EXISTS user_topics (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    topic      TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(user_id, topic)
);

CREATE INDEX IF NOT EXISTS idx_user_topics_topic ON user_topics(topic);
`
