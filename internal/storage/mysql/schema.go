package mysql

import "strings"

const schema = `
-- Processed blocks, one row per block. The highest num is the indexer's
-- checkpoint: on restart, ingestion resumes at MAX(num)+1.
CREATE TABLE IF NOT EXISTS hive_blocks (
    num INT UNSIGNED NOT NULL,
    hash CHAR(40) NOT NULL,
    prev CHAR(40),
    txs SMALLINT UNSIGNED NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (num),
    UNIQUE KEY hive_blocks_ux1 (hash)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Accounts, registered on first sighting in a creation or mining op.
CREATE TABLE IF NOT EXISTS hive_accounts (
    id INT UNSIGNED NOT NULL AUTO_INCREMENT,
    name VARCHAR(16) NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (id),
    UNIQUE KEY hive_accounts_ux1 (name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Posts and comments. Root posts have parent_id NULL and depth 0; replies
-- inherit category and community from their parent. Deletes are soft:
-- the row survives with is_deleted = 1 so a later reinstate keeps the id.
CREATE TABLE IF NOT EXISTS hive_posts (
    id INT UNSIGNED NOT NULL AUTO_INCREMENT,
    parent_id INT UNSIGNED,
    author VARCHAR(16) NOT NULL,
    permlink VARCHAR(255) NOT NULL,
    category VARCHAR(255) NOT NULL DEFAULT '',
    community VARCHAR(255) NOT NULL DEFAULT '',
    depth SMALLINT NOT NULL DEFAULT 0,
    is_deleted TINYINT(1) NOT NULL DEFAULT 0,
    is_valid TINYINT(1) NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (id),
    UNIQUE KEY hive_posts_ux1 (author, permlink),
    KEY hive_posts_ix1 (parent_id),
    KEY hive_posts_ix2 (depth, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Follow edges. state: 0 = cleared, 1 = blog (following), 2 = ignore (mute).
-- Edges are never deleted, only reset to state 0.
CREATE TABLE IF NOT EXISTS hive_follows (
    follower VARCHAR(16) NOT NULL,
    following VARCHAR(16) NOT NULL,
    state TINYINT NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (follower, following),
    KEY hive_follows_ix1 (following, state)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Reblogs (resteems). Root posts only.
CREATE TABLE IF NOT EXISTS hive_reblogs (
    account VARCHAR(16) NOT NULL,
    post_id INT UNSIGNED NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (account, post_id),
    KEY hive_reblogs_ix1 (post_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Materialized blog feeds: one row per (account, root post), covering both
-- authored posts and reblogs. created_at is when the post entered the feed.
CREATE TABLE IF NOT EXISTS hive_feed_cache (
    account VARCHAR(16) NOT NULL,
    post_id INT UNSIGNED NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (account, post_id),
    KEY hive_feed_cache_ix1 (post_id),
    KEY hive_feed_cache_ix2 (account, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Denormalized per-post state refreshed from the chain: display fields,
-- payout tracking, and ranking scores.
CREATE TABLE IF NOT EXISTS hive_posts_cache (
    post_id INT UNSIGNED NOT NULL,
    title VARCHAR(255) NOT NULL DEFAULT '',
    preview VARCHAR(1024) NOT NULL DEFAULT '',
    img_url VARCHAR(512) NOT NULL DEFAULT '',
    payout DECIMAL(10,3) NOT NULL DEFAULT 0,
    promoted DECIMAL(10,3) NOT NULL DEFAULT 0,
    payout_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    is_paidout TINYINT(1) NOT NULL DEFAULT 0,
    is_nsfw TINYINT(1) NOT NULL DEFAULT 0,
    rshares BIGINT NOT NULL DEFAULT 0,
    votes INT NOT NULL DEFAULT 0,
    sc_trend DOUBLE NOT NULL DEFAULT 0,
    sc_hot DOUBLE NOT NULL DEFAULT 0,
    PRIMARY KEY (post_id),
    KEY hive_posts_cache_ix1 (is_paidout, payout_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Registered communities, seeded from com.steemit.community ops.
CREATE TABLE IF NOT EXISTS hive_communities (
    name VARCHAR(16) NOT NULL,
    title VARCHAR(255) NOT NULL DEFAULT '',
    about VARCHAR(255) NOT NULL DEFAULT '',
    settings TEXT NOT NULL,
    type_id TINYINT NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

-- Community membership roster.
CREATE TABLE IF NOT EXISTS hive_members (
    community VARCHAR(16) NOT NULL,
    account VARCHAR(16) NOT NULL,
    is_admin TINYINT(1) NOT NULL DEFAULT 0,
    PRIMARY KEY (community, account)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// splitStatements splits a SQL script into individual statements because
// MySQL doesn't support multiple statements in one Exec.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(script); i++ {
		c := script[i]

		if inString {
			current.WriteByte(c)
			if c == stringChar && (i == 0 || script[i-1] != '\\') {
				inString = false
			}
			continue
		}

		switch c {
		case '\'', '"', '`':
			inString = true
			stringChar = c
			current.WriteByte(c)
		case ';':
			statements = append(statements, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		statements = append(statements, current.String())
	}
	return statements
}

// isOnlyComments reports whether a statement contains nothing but SQL
// comments and whitespace.
func isOnlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		return false
	}
	return true
}
