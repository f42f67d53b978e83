package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steemit/hivemind-go/internal/storage"
)

// Verify sqliteTx implements storage.Tx at compile time
var _ storage.Tx = (*sqliteTx)(nil)

// sqliteTx implements the storage.Tx interface for SQLite. It wraps a
// dedicated database connection with an active transaction.
type sqliteTx struct {
	conn *sql.Conn
}

// RunInTransaction executes a function within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// preventing deadlocks when multiple goroutines compete for it. On error or
// panic the transaction is rolled back; the rollback uses a background
// context so it completes even when ctx is already cancelled.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&sqliteTx{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry retries BEGIN IMMEDIATE with exponential backoff
// while the database is locked. busy_timeout already blocks inside SQLite;
// this covers the SQLITE_BUSY returns that still escape it.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// InsertBlock records a processed block.
func (t *sqliteTx) InsertBlock(ctx context.Context, b *storage.BlockRow) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO hive_blocks (num, hash, prev, txs, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.Num, b.Hash, b.Prev, b.TxCount, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert block %d: %w", b.Num, err)
	}
	return nil
}

// AccountExists reports whether an account has been registered, including
// accounts registered earlier in this transaction.
func (t *sqliteTx) AccountExists(ctx context.Context, name string) (bool, error) {
	return accountExists(ctx, t.conn, name)
}

// InsertAccount registers a new account.
func (t *sqliteTx) InsertAccount(ctx context.Context, name string, createdAt time.Time) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO hive_accounts (name, created_at) VALUES (?, ?)
	`, name, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert account %s: %w", name, err)
	}
	return nil
}

// PostMeta returns the tree position of a post, or storage.ErrNotFound.
func (t *sqliteTx) PostMeta(ctx context.Context, author, permlink string) (*storage.PostMeta, error) {
	return postMeta(ctx, t.conn, author, permlink)
}

// InsertPost creates a post row and returns its id.
func (t *sqliteTx) InsertPost(ctx context.Context, p *storage.PostRow) (int64, error) {
	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO hive_posts (parent_id, author, permlink, category, community, depth, is_valid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ParentID, p.Author, p.Permlink, p.Category, p.Community, p.Depth, p.IsValid, p.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert post %s/%s: %w", p.Author, p.Permlink, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get post id: %w", err)
	}
	return id, nil
}

// ReinstatePost revives a soft-deleted post under its original id with the
// new revision's tree position.
func (t *sqliteTx) ReinstatePost(ctx context.Context, id int64, p *storage.PostRow) error {
	_, err := t.conn.ExecContext(ctx, `
		UPDATE hive_posts
		SET is_valid = ?, is_deleted = 0, parent_id = ?, category = ?, community = ?, depth = ?
		WHERE id = ?
	`, p.IsValid, p.ParentID, p.Category, p.Community, p.Depth, id)
	if err != nil {
		return fmt.Errorf("failed to reinstate post %d: %w", id, err)
	}
	return nil
}

// MarkPostDeleted soft-deletes a post. The row survives so a later
// reinstate keeps the same id.
func (t *sqliteTx) MarkPostDeleted(ctx context.Context, id int64) error {
	_, err := t.conn.ExecContext(ctx, `UPDATE hive_posts SET is_deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark post %d deleted: %w", id, err)
	}
	return nil
}

// UpsertFollow creates or updates a follow edge. Replays of the same edge
// only ever move the state; created_at keeps its first value.
func (t *sqliteTx) UpsertFollow(ctx context.Context, follower, following string, state int, at time.Time) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO hive_follows (follower, following, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (follower, following) DO UPDATE SET state = excluded.state
	`, follower, following, state, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert follow %s -> %s: %w", follower, following, err)
	}
	return nil
}

// InsertReblog records a reblog. Duplicate reblogs are no-ops.
func (t *sqliteTx) InsertReblog(ctx context.Context, account string, postID int64, at time.Time) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO hive_reblogs (account, post_id, created_at)
		VALUES (?, ?, ?)
	`, account, postID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert reblog: %w", err)
	}
	return nil
}

// DeleteReblog removes a reblog. Unknown reblogs are no-ops.
func (t *sqliteTx) DeleteReblog(ctx context.Context, account string, postID int64) error {
	_, err := t.conn.ExecContext(ctx, `
		DELETE FROM hive_reblogs WHERE account = ? AND post_id = ?
	`, account, postID)
	if err != nil {
		return fmt.Errorf("failed to delete reblog: %w", err)
	}
	return nil
}

// DeleteReblogsByPost removes every reblog of a post, used when the post
// itself is deleted.
func (t *sqliteTx) DeleteReblogsByPost(ctx context.Context, postID int64) error {
	_, err := t.conn.ExecContext(ctx, `
		DELETE FROM hive_reblogs WHERE post_id = ?
	`, postID)
	if err != nil {
		return fmt.Errorf("failed to delete reblogs of post %d: %w", postID, err)
	}
	return nil
}

// InsertFeedEntry adds a post to an account's materialized feed. Duplicate
// entries are no-ops, so replays and author-reblogs-own-post are harmless.
func (t *sqliteTx) InsertFeedEntry(ctx context.Context, account string, postID int64, at time.Time) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO hive_feed_cache (account, post_id, created_at)
		VALUES (?, ?, ?)
	`, account, postID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert feed entry: %w", err)
	}
	return nil
}

// DeleteFeedEntry removes one account's feed entry for a post.
func (t *sqliteTx) DeleteFeedEntry(ctx context.Context, account string, postID int64) error {
	_, err := t.conn.ExecContext(ctx, `
		DELETE FROM hive_feed_cache WHERE account = ? AND post_id = ?
	`, account, postID)
	if err != nil {
		return fmt.Errorf("failed to delete feed entry: %w", err)
	}
	return nil
}

// DeleteFeedEntriesByPost removes a post from every feed it appears in.
func (t *sqliteTx) DeleteFeedEntriesByPost(ctx context.Context, postID int64) error {
	_, err := t.conn.ExecContext(ctx, `DELETE FROM hive_feed_cache WHERE post_id = ?`, postID)
	if err != nil {
		return fmt.Errorf("failed to delete feed entries for post %d: %w", postID, err)
	}
	return nil
}

// RebuildFeedCache repopulates hive_feed_cache from posts and reblogs.
// Existing rows are kept, so this is safe to run on a live database.
func (t *sqliteTx) RebuildFeedCache(ctx context.Context) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO hive_feed_cache (account, post_id, created_at)
		SELECT author, id, created_at FROM hive_posts
		WHERE depth = 0 AND is_deleted = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to rebuild feed cache from posts: %w", err)
	}
	_, err = t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO hive_feed_cache (account, post_id, created_at)
		SELECT r.account, r.post_id, r.created_at
		FROM hive_reblogs r
		JOIN hive_posts p ON p.id = r.post_id
		WHERE p.is_deleted = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to rebuild feed cache from reblogs: %w", err)
	}
	return nil
}

// UpsertPostCache inserts or fully replaces a post's denormalized row.
func (t *sqliteTx) UpsertPostCache(ctx context.Context, row *storage.PostCacheRow) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO hive_posts_cache (post_id, title, preview, img_url, payout, promoted,
		                              payout_at, updated_at, is_paidout, is_nsfw,
		                              rshares, votes, sc_trend, sc_hot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (post_id) DO UPDATE SET
			title = excluded.title,
			preview = excluded.preview,
			img_url = excluded.img_url,
			payout = excluded.payout,
			promoted = excluded.promoted,
			payout_at = excluded.payout_at,
			updated_at = excluded.updated_at,
			is_paidout = excluded.is_paidout,
			is_nsfw = excluded.is_nsfw,
			rshares = excluded.rshares,
			votes = excluded.votes,
			sc_trend = excluded.sc_trend,
			sc_hot = excluded.sc_hot
	`, row.PostID, row.Title, row.Preview, row.ImgURL, row.Payout, row.Promoted,
		row.PayoutAt.UTC(), row.UpdatedAt.UTC(), row.IsPaidout, row.IsNsfw,
		row.Rshares, row.Votes, row.ScTrend, row.ScHot)
	if err != nil {
		return fmt.Errorf("failed to upsert post cache %d: %w", row.PostID, err)
	}
	return nil
}

// DeletePostCache drops a post's denormalized row.
func (t *sqliteTx) DeletePostCache(ctx context.Context, postID int64) error {
	_, err := t.conn.ExecContext(ctx, `DELETE FROM hive_posts_cache WHERE post_id = ?`, postID)
	if err != nil {
		return fmt.Errorf("failed to delete post cache %d: %w", postID, err)
	}
	return nil
}

// Community returns a registered community, or storage.ErrNotFound.
func (t *sqliteTx) Community(ctx context.Context, name string) (*storage.CommunityRow, error) {
	var c storage.CommunityRow
	err := t.conn.QueryRowContext(ctx, `
		SELECT name, title, about, settings, type_id, created_at
		FROM hive_communities WHERE name = ?
	`, name).Scan(&c.Name, &c.Title, &c.About, &c.Settings, &c.TypeID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("community %s: %w", name, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community %s: %w", name, err)
	}
	return &c, nil
}

// UpsertCommunity registers a community or updates its profile. created_at
// keeps its first value.
func (t *sqliteTx) UpsertCommunity(ctx context.Context, c *storage.CommunityRow) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO hive_communities (name, title, about, settings, type_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			title = excluded.title,
			about = excluded.about,
			settings = excluded.settings,
			type_id = excluded.type_id
	`, c.Name, c.Title, c.About, c.Settings, c.TypeID, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert community %s: %w", c.Name, err)
	}
	return nil
}

// IsCommunityMember reports whether an account is on a community's roster.
func (t *sqliteTx) IsCommunityMember(ctx context.Context, community, account string) (bool, error) {
	var exists bool
	err := t.conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM hive_members WHERE community = ? AND account = ?)
	`, community, account).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// IsCommunityAdmin reports whether an account holds the admin flag on a
// community's roster.
func (t *sqliteTx) IsCommunityAdmin(ctx context.Context, community, account string) (bool, error) {
	var isAdmin bool
	err := t.conn.QueryRowContext(ctx, `
		SELECT is_admin FROM hive_members WHERE community = ? AND account = ?
	`, community, account).Scan(&isAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check admin flag: %w", err)
	}
	return isAdmin, nil
}

// AddCommunityMember adds an account to a community's roster, updating the
// admin flag if already present.
func (t *sqliteTx) AddCommunityMember(ctx context.Context, community, account string, isAdmin bool) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO hive_members (community, account, is_admin)
		VALUES (?, ?, ?)
		ON CONFLICT (community, account) DO UPDATE SET is_admin = excluded.is_admin
	`, community, account, isAdmin)
	if err != nil {
		return fmt.Errorf("failed to add member %s to %s: %w", account, community, err)
	}
	return nil
}

// RemoveCommunityMember removes an account from a community's roster.
// Unknown members are no-ops.
func (t *sqliteTx) RemoveCommunityMember(ctx context.Context, community, account string) error {
	_, err := t.conn.ExecContext(ctx, `
		DELETE FROM hive_members WHERE community = ? AND account = ?
	`, community, account)
	if err != nil {
		return fmt.Errorf("failed to remove member %s from %s: %w", account, community, err)
	}
	return nil
}
