package sqlite

const schema = `
-- Processed blocks, one row per block. The highest num is the indexer's
-- checkpoint: on restart, ingestion resumes at MAX(num)+1.
CREATE TABLE IF NOT EXISTS hive_blocks (
    num INTEGER PRIMARY KEY,
    hash TEXT NOT NULL UNIQUE,
    prev TEXT,
    txs INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);

-- Accounts, registered on first sighting in a creation or mining op.
CREATE TABLE IF NOT EXISTS hive_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    created_at DATETIME NOT NULL
);

-- Posts and comments. Root posts have parent_id NULL and depth 0; replies
-- inherit category and community from their parent. Deletes are soft:
-- the row survives with is_deleted = 1 so a later reinstate keeps the id.
CREATE TABLE IF NOT EXISTS hive_posts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id INTEGER,
    author TEXT NOT NULL,
    permlink TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    community TEXT NOT NULL DEFAULT '',
    depth INTEGER NOT NULL DEFAULT 0,
    is_deleted INTEGER NOT NULL DEFAULT 0,
    is_valid INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    UNIQUE (author, permlink),
    FOREIGN KEY (parent_id) REFERENCES hive_posts(id)
);
CREATE INDEX IF NOT EXISTS idx_hive_posts_parent ON hive_posts(parent_id);
CREATE INDEX IF NOT EXISTS idx_hive_posts_depth_created ON hive_posts(depth, created_at);

-- Follow edges. state: 0 = cleared, 1 = blog (following), 2 = ignore (mute).
-- Edges are never deleted, only reset to state 0.
CREATE TABLE IF NOT EXISTS hive_follows (
    follower TEXT NOT NULL,
    following TEXT NOT NULL,
    state INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (follower, following)
);
CREATE INDEX IF NOT EXISTS idx_hive_follows_following ON hive_follows(following, state);

-- Reblogs (resteems). Root posts only.
CREATE TABLE IF NOT EXISTS hive_reblogs (
    account TEXT NOT NULL,
    post_id INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (account, post_id),
    FOREIGN KEY (post_id) REFERENCES hive_posts(id)
);
CREATE INDEX IF NOT EXISTS idx_hive_reblogs_post ON hive_reblogs(post_id);

-- Materialized blog feeds: one row per (account, root post), covering both
-- authored posts and reblogs. created_at is when the post entered the feed.
CREATE TABLE IF NOT EXISTS hive_feed_cache (
    account TEXT NOT NULL,
    post_id INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (account, post_id),
    FOREIGN KEY (post_id) REFERENCES hive_posts(id)
);
CREATE INDEX IF NOT EXISTS idx_hive_feed_cache_post ON hive_feed_cache(post_id);
CREATE INDEX IF NOT EXISTS idx_hive_feed_cache_account_created ON hive_feed_cache(account, created_at);

-- Denormalized per-post state refreshed from the chain: display fields,
-- payout tracking, and ranking scores.
CREATE TABLE IF NOT EXISTS hive_posts_cache (
    post_id INTEGER PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    preview TEXT NOT NULL DEFAULT '',
    img_url TEXT NOT NULL DEFAULT '',
    payout REAL NOT NULL DEFAULT 0,
    promoted REAL NOT NULL DEFAULT 0,
    payout_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    is_paidout INTEGER NOT NULL DEFAULT 0,
    is_nsfw INTEGER NOT NULL DEFAULT 0,
    rshares INTEGER NOT NULL DEFAULT 0,
    votes INTEGER NOT NULL DEFAULT 0,
    sc_trend REAL NOT NULL DEFAULT 0,
    sc_hot REAL NOT NULL DEFAULT 0,
    FOREIGN KEY (post_id) REFERENCES hive_posts(id)
);
CREATE INDEX IF NOT EXISTS idx_hive_posts_cache_payout_at ON hive_posts_cache(is_paidout, payout_at);

-- Registered communities, seeded from com.steemit.community ops.
CREATE TABLE IF NOT EXISTS hive_communities (
    name TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    about TEXT NOT NULL DEFAULT '',
    settings TEXT NOT NULL DEFAULT '{}',
    type_id INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);

-- Community membership roster.
CREATE TABLE IF NOT EXISTS hive_members (
    community TEXT NOT NULL,
    account TEXT NOT NULL,
    is_admin INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (community, account),
    FOREIGN KEY (community) REFERENCES hive_communities(name)
);
`
