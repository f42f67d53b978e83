package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steemit/hivemind-go/internal/storage"
)

const (
	// maxTransactionRetries is the maximum number of retry attempts for
	// transaction failures due to serialization conflicts
	maxTransactionRetries = 5
	// initialRetryDelay is the initial delay before retrying a failed transaction
	initialRetryDelay = 50 * time.Millisecond
)

// Verify mysqlTx implements storage.Tx at compile time
var _ storage.Tx = (*mysqlTx)(nil)

// mysqlTx implements storage.Tx for MySQL.
type mysqlTx struct {
	tx *sql.Tx
}

// isSerializationError returns true for InnoDB deadlocks and lock wait
// timeouts, which resolve by retrying the whole transaction.
func isSerializationError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "deadlock found") ||
		strings.Contains(errStr, "lock wait timeout") ||
		strings.Contains(errStr, "try restarting transaction")
}

// RunInTransaction executes a function within a database transaction.
// Serialization conflicts are retried with exponential backoff; any other
// error rolls back and is returned as-is.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	var lastErr error
	retryDelay := initialRetryDelay

	for attempt := 0; attempt <= maxTransactionRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying transaction after serialization conflict",
				"attempt", attempt, "delay", retryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
			if retryDelay > 2*time.Second {
				retryDelay = 2 * time.Second
			}
		}

		lastErr = s.runTransactionOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isSerializationError(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("transaction failed after %d retries: %w", maxTransactionRetries, lastErr)
}

func (s *Store) runTransactionOnce(ctx context.Context, fn func(tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&mysqlTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return err
	}
	return nil
}

// InsertBlock records a processed block.
func (t *mysqlTx) InsertBlock(ctx context.Context, b *storage.BlockRow) error {
	_, err := t.tx.ExecContext(ctx, `
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
func (t *mysqlTx) AccountExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM hive_accounts WHERE name = ?)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account %s: %w", name, err)
	}
	return exists, nil
}

// InsertAccount registers a new account.
func (t *mysqlTx) InsertAccount(ctx context.Context, name string, createdAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO hive_accounts (name, created_at) VALUES (?, ?)
	`, name, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert account %s: %w", name, err)
	}
	return nil
}

// PostMeta returns the tree position of a post, or storage.ErrNotFound.
func (t *mysqlTx) PostMeta(ctx context.Context, author, permlink string) (*storage.PostMeta, error) {
	var m storage.PostMeta
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, depth, category, community, is_deleted
		FROM hive_posts
		WHERE author = ? AND permlink = ?
	`, author, permlink).Scan(&m.ID, &m.Depth, &m.Category, &m.Community, &m.IsDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s/%s: %w", author, permlink, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post %s/%s: %w", author, permlink, err)
	}
	return &m, nil
}

// InsertPost creates a post row and returns its id.
func (t *mysqlTx) InsertPost(ctx context.Context, p *storage.PostRow) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
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
func (t *mysqlTx) ReinstatePost(ctx context.Context, id int64, p *storage.PostRow) error {
	_, err := t.tx.ExecContext(ctx, `
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
func (t *mysqlTx) MarkPostDeleted(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE hive_posts SET is_deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark post %d deleted: %w", id, err)
	}
	return nil
}

// UpsertFollow creates or updates a follow edge. Replays of the same edge
// only ever move the state; created_at keeps its first value.
func (t *mysqlTx) UpsertFollow(ctx context.Context, follower, following string, state int, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO hive_follows (follower, following, state, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state)
	`, follower, following, state, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert follow %s -> %s: %w", follower, following, err)
	}
	return nil
}

// InsertReblog records a reblog. Duplicate reblogs are no-ops.
func (t *mysqlTx) InsertReblog(ctx context.Context, account string, postID int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT IGNORE INTO hive_reblogs (account, post_id, created_at)
		VALUES (?, ?, ?)
	`, account, postID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert reblog: %w", err)
	}
	return nil
}

// DeleteReblog removes a reblog. Unknown reblogs are no-ops.
func (t *mysqlTx) DeleteReblog(ctx context.Context, account string, postID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM hive_reblogs WHERE account = ? AND post_id = ? LIMIT 1
	`, account, postID)
	if err != nil {
		return fmt.Errorf("failed to delete reblog: %w", err)
	}
	return nil
}

// DeleteReblogsByPost removes every reblog of a post, used when the post
// itself is deleted.
func (t *mysqlTx) DeleteReblogsByPost(ctx context.Context, postID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM hive_reblogs WHERE post_id = ?
	`, postID)
	if err != nil {
		return fmt.Errorf("failed to delete reblogs of post %d: %w", postID, err)
	}
	return nil
}

// InsertFeedEntry adds a post to an account's materialized feed. Duplicate
// entries are no-ops, so replays and author-reblogs-own-post are harmless.
func (t *mysqlTx) InsertFeedEntry(ctx context.Context, account string, postID int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT IGNORE INTO hive_feed_cache (account, post_id, created_at)
		VALUES (?, ?, ?)
	`, account, postID, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert feed entry: %w", err)
	}
	return nil
}

// DeleteFeedEntry removes one account's feed entry for a post.
func (t *mysqlTx) DeleteFeedEntry(ctx context.Context, account string, postID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM hive_feed_cache WHERE account = ? AND post_id = ?
	`, account, postID)
	if err != nil {
		return fmt.Errorf("failed to delete feed entry: %w", err)
	}
	return nil
}

// DeleteFeedEntriesByPost removes a post from every feed it appears in.
func (t *mysqlTx) DeleteFeedEntriesByPost(ctx context.Context, postID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM hive_feed_cache WHERE post_id = ?`, postID)
	if err != nil {
		return fmt.Errorf("failed to delete feed entries for post %d: %w", postID, err)
	}
	return nil
}

// RebuildFeedCache repopulates hive_feed_cache from posts and reblogs.
// Existing rows are kept, so this is safe to run on a live database.
func (t *mysqlTx) RebuildFeedCache(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT IGNORE INTO hive_feed_cache (account, post_id, created_at)
		SELECT author, id, created_at FROM hive_posts
		WHERE depth = 0 AND is_deleted = 0
	`)
	if err != nil {
		return fmt.Errorf("failed to rebuild feed cache from posts: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT IGNORE INTO hive_feed_cache (account, post_id, created_at)
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
func (t *mysqlTx) UpsertPostCache(ctx context.Context, row *storage.PostCacheRow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO hive_posts_cache (post_id, title, preview, img_url, payout, promoted,
		                              payout_at, updated_at, is_paidout, is_nsfw,
		                              rshares, votes, sc_trend, sc_hot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			title = VALUES(title),
			preview = VALUES(preview),
			img_url = VALUES(img_url),
			payout = VALUES(payout),
			promoted = VALUES(promoted),
			payout_at = VALUES(payout_at),
			updated_at = VALUES(updated_at),
			is_paidout = VALUES(is_paidout),
			is_nsfw = VALUES(is_nsfw),
			rshares = VALUES(rshares),
			votes = VALUES(votes),
			sc_trend = VALUES(sc_trend),
			sc_hot = VALUES(sc_hot)
	`, row.PostID, row.Title, row.Preview, row.ImgURL, row.Payout, row.Promoted,
		row.PayoutAt.UTC(), row.UpdatedAt.UTC(), row.IsPaidout, row.IsNsfw,
		row.Rshares, row.Votes, row.ScTrend, row.ScHot)
	if err != nil {
		return fmt.Errorf("failed to upsert post cache %d: %w", row.PostID, err)
	}
	return nil
}

// DeletePostCache drops a post's denormalized row.
func (t *mysqlTx) DeletePostCache(ctx context.Context, postID int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM hive_posts_cache WHERE post_id = ?`, postID)
	if err != nil {
		return fmt.Errorf("failed to delete post cache %d: %w", postID, err)
	}
	return nil
}

// Community returns a registered community, or storage.ErrNotFound.
func (t *mysqlTx) Community(ctx context.Context, name string) (*storage.CommunityRow, error) {
	var c storage.CommunityRow
	err := t.tx.QueryRowContext(ctx, `
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
func (t *mysqlTx) UpsertCommunity(ctx context.Context, c *storage.CommunityRow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO hive_communities (name, title, about, settings, type_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			title = VALUES(title),
			about = VALUES(about),
			settings = VALUES(settings),
			type_id = VALUES(type_id)
	`, c.Name, c.Title, c.About, c.Settings, c.TypeID, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert community %s: %w", c.Name, err)
	}
	return nil
}

// IsCommunityMember reports whether an account is on a community's roster.
func (t *mysqlTx) IsCommunityMember(ctx context.Context, community, account string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM hive_members WHERE community = ? AND account = ?)
	`, community, account).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// IsCommunityAdmin reports whether an account holds the admin flag on a
// community's roster.
func (t *mysqlTx) IsCommunityAdmin(ctx context.Context, community, account string) (bool, error) {
	var isAdmin bool
	err := t.tx.QueryRowContext(ctx, `
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
func (t *mysqlTx) AddCommunityMember(ctx context.Context, community, account string, isAdmin bool) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO hive_members (community, account, is_admin)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE is_admin = VALUES(is_admin)
	`, community, account, isAdmin)
	if err != nil {
		return fmt.Errorf("failed to add member %s to %s: %w", account, community, err)
	}
	return nil
}

// RemoveCommunityMember removes an account from a community's roster.
// Unknown members are no-ops.
func (t *mysqlTx) RemoveCommunityMember(ctx context.Context, community, account string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM hive_members WHERE community = ? AND account = ?
	`, community, account)
	if err != nil {
		return fmt.Errorf("failed to remove member %s from %s: %w", account, community, err)
	}
	return nil
}
