package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steemit/hivemind-go/internal/storage"
)

// LastBlock returns the highest processed block number, or 0 for an empty
// database.
func (s *Store) LastBlock(ctx context.Context) (uint32, error) {
	var num uint32
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&num)
	}, `SELECT IFNULL(MAX(num), 0) FROM hive_blocks`)
	if err != nil {
		return 0, fmt.Errorf("failed to get last block: %w", err)
	}
	return num, nil
}

// LastBlockTime returns the timestamp of the highest processed block, or the
// zero time for an empty database.
func (s *Store) LastBlockTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&t)
	}, `SELECT created_at FROM hive_blocks ORDER BY num DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last block time: %w", err)
	}
	return t, nil
}

// AccountExists reports whether an account has been registered.
func (s *Store) AccountExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&exists)
	}, `SELECT EXISTS(SELECT 1 FROM hive_accounts WHERE name = ?)`, name)
	if err != nil {
		return false, fmt.Errorf("failed to check account %s: %w", name, err)
	}
	return exists, nil
}

// PostMeta returns the tree position of a post, or storage.ErrNotFound.
func (s *Store) PostMeta(ctx context.Context, author, permlink string) (*storage.PostMeta, error) {
	var m storage.PostMeta
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&m.ID, &m.Depth, &m.Category, &m.Community, &m.IsDeleted)
	}, `SELECT id, depth, category, community, is_deleted
	    FROM hive_posts WHERE author = ? AND permlink = ?`, author, permlink)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s/%s: %w", author, permlink, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s/%s: %w", author, permlink, err)
	}
	return &m, nil
}

// CacheEmpty reports whether hive_posts_cache has no rows. An empty cache
// means the indexer is in its initial sync.
func (s *Store) CacheEmpty(ctx context.Context) (bool, error) {
	var one int
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&one)
	}, `SELECT 1 FROM hive_posts_cache LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe posts cache: %w", err)
	}
	return false, nil
}

// MaxPostID returns the highest post id, or 0 when there are no posts.
func (s *Store) MaxPostID(ctx context.Context) (int64, error) {
	var id int64
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&id)
	}, `SELECT IFNULL(MAX(id), 0) FROM hive_posts`)
	if err != nil {
		return 0, fmt.Errorf("failed to get max post id: %w", err)
	}
	return id, nil
}

// MaxCachedPostID returns the highest cached post id, or 0 when the cache
// is empty.
func (s *Store) MaxCachedPostID(ctx context.Context) (int64, error) {
	var id int64
	err := s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&id)
	}, `SELECT IFNULL(MAX(post_id), 0) FROM hive_posts_cache`)
	if err != nil {
		return 0, fmt.Errorf("failed to get max cached post id: %w", err)
	}
	return id, nil
}

// PostRefsAfter returns up to limit live posts with id greater than afterID,
// in ascending id order. Deleted posts are skipped.
func (s *Store) PostRefsAfter(ctx context.Context, afterID int64, limit int) ([]storage.PostRef, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, author, permlink FROM hive_posts
		WHERE id > ? AND is_deleted = 0
		ORDER BY id
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts after %d: %w", afterID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanPostRefs(rows)
}

// PayoutDueRefs returns cached posts that have not paid out yet but whose
// payout time has passed, in ascending id order.
func (s *Store) PayoutDueRefs(ctx context.Context, at time.Time) ([]storage.PostRef, error) {
	rows, err := s.queryContext(ctx, `
		SELECT p.id, p.author, p.permlink
		FROM hive_posts_cache c
		JOIN hive_posts p ON p.id = c.post_id
		WHERE c.is_paidout = 0 AND c.payout_at <= ?
		ORDER BY p.id
	`, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list payout-due posts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPostRefs(rows)
}

func scanPostRefs(rows *sql.Rows) ([]storage.PostRef, error) {
	var refs []storage.PostRef
	for rows.Next() {
		var r storage.PostRef
		if err := rows.Scan(&r.ID, &r.Author, &r.Permlink); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// FollowCounts returns how many accounts follow the given account and how
// many it follows. Only live edges (state = 1) are counted.
func (s *Store) FollowCounts(ctx context.Context, account string) (followers, following int, err error) {
	err = s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&followers, &following)
	}, `SELECT
	        (SELECT COUNT(*) FROM hive_follows WHERE following = ? AND state = 1),
	        (SELECT COUNT(*) FROM hive_follows WHERE follower = ? AND state = 1)`,
		account, account)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count follows: %w", err)
	}
	return followers, following, nil
}

// Followers lists accounts following the given account, most recent first.
func (s *Store) Followers(ctx context.Context, account string, skip, limit int) ([]string, error) {
	return s.followEdges(ctx, `
		SELECT follower FROM hive_follows
		WHERE following = ? AND state = 1
		ORDER BY created_at DESC, follower
		LIMIT ? OFFSET ?
	`, account, skip, limit)
}

// Following lists accounts the given account follows, most recent first.
func (s *Store) Following(ctx context.Context, account string, skip, limit int) ([]string, error) {
	return s.followEdges(ctx, `
		SELECT following FROM hive_follows
		WHERE follower = ? AND state = 1
		ORDER BY created_at DESC, following
		LIMIT ? OFFSET ?
	`, account, skip, limit)
}

func (s *Store) followEdges(ctx context.Context, query, account string, skip, limit int) ([]string, error) {
	rows, err := s.queryContext(ctx, query, account, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// BlogFeed lists an account's blog: its own root posts plus reblogs, most
// recent first. Posts missing from the cache get empty display fields.
func (s *Store) BlogFeed(ctx context.Context, account string, skip, limit int) ([]storage.FeedEntry, error) {
	rows, err := s.queryContext(ctx, `
		SELECT f.post_id, p.author, p.permlink,
		       IFNULL(c.title, ''), IFNULL(c.payout, 0), f.created_at
		FROM hive_feed_cache f
		JOIN hive_posts p ON p.id = f.post_id
		LEFT JOIN hive_posts_cache c ON c.post_id = f.post_id
		WHERE f.account = ?
		ORDER BY f.created_at DESC, f.post_id DESC
		LIMIT ? OFFSET ?
	`, account, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to get blog feed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []storage.FeedEntry
	for rows.Next() {
		var e storage.FeedEntry
		if err := rows.Scan(&e.PostID, &e.Author, &e.Permlink, &e.Title, &e.Payout, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PersonalFeed lists posts from accounts the given account follows, most
// recent first. A post reblogged by several followed accounts appears once,
// timestamped by its first appearance, with the rebloggers listed.
func (s *Store) PersonalFeed(ctx context.Context, account string, skip, limit int) ([]storage.FeedEntry, error) {
	rows, err := s.queryContext(ctx, `
		SELECT f.post_id, p.author, p.permlink,
		       IFNULL(c.title, ''), IFNULL(c.payout, 0),
		       MIN(UNIX_TIMESTAMP(f.created_at)) AS first_seen,
		       GROUP_CONCAT(f.account) AS accounts
		FROM hive_feed_cache f
		JOIN hive_posts p ON p.id = f.post_id
		LEFT JOIN hive_posts_cache c ON c.post_id = f.post_id
		WHERE f.account IN (SELECT following FROM hive_follows WHERE follower = ? AND state = 1)
		GROUP BY f.post_id, p.author, p.permlink, c.title, c.payout
		ORDER BY first_seen DESC, f.post_id DESC
		LIMIT ? OFFSET ?
	`, account, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to get personal feed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []storage.FeedEntry
	for rows.Next() {
		var e storage.FeedEntry
		var firstSeen int64
		var accounts string
		if err := rows.Scan(&e.PostID, &e.Author, &e.Permlink, &e.Title, &e.Payout, &firstSeen, &accounts); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(firstSeen, 0).UTC()
		e.RebloggedBy = rebloggersFrom(accounts, e.Author)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// rebloggersFrom filters the post's own author out of a GROUP_CONCAT list.
func rebloggersFrom(concat, author string) []string {
	var out []string
	for _, name := range strings.Split(concat, ",") {
		if name != "" && name != author {
			out = append(out, name)
		}
	}
	return out
}

// PayoutStats returns the total amount paid out across all posts and the
// amount paid out in the trailing 24 hours.
func (s *Store) PayoutStats(ctx context.Context) (total, last24h float64, err error) {
	err = s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&total)
	}, `SELECT IFNULL(SUM(payout), 0) FROM hive_posts_cache WHERE is_paidout = 1`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum payouts: %w", err)
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	err = s.queryRowContext(ctx, func(row *sql.Row) error {
		return row.Scan(&last24h)
	}, `SELECT IFNULL(SUM(payout), 0) FROM hive_posts_cache WHERE is_paidout = 1 AND payout_at > ?`, since)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum recent payouts: %w", err)
	}
	return total, last24h, nil
}
