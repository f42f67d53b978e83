package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/types"
)

const (
	// missingBatch caps one missing-fill pull.
	missingBatch = 1_000_000
	// refreshChunk is the number of posts refreshed per transaction during
	// batch passes.
	refreshChunk = 1000
	// previewLen is the number of runes of body kept in the cache row.
	previewLen = 80

	// Score timescales. A post needs roughly one order of magnitude more
	// rshares to out-trend a post this many seconds younger.
	trendTimescale = 480000
	hotTimescale   = 10000
)

// Cache maintains the denormalized hive_posts_cache and hive_feed_cache
// tables from upstream content. Batch entry points acquire their own
// transactions; the Tx variants run inside the live tail's block
// transaction.
type Cache struct {
	store storage.Store
	chain chain.Client
	log   *slog.Logger
}

// NewCache returns a maintainer over the given store and node.
func NewCache(store storage.Store, client chain.Client, log *slog.Logger) *Cache {
	return &Cache{store: store, chain: client, log: log}
}

// metaReader lets ref resolution run against either the pool or an open
// transaction; the live tail must see rows inserted earlier in its block.
type metaReader interface {
	PostMeta(ctx context.Context, author, permlink string) (*storage.PostMeta, error)
}

// resolveRefs maps "author/permlink" refs to post ids, skipping deleted
// posts. A ref with no row at all means the projection and dirty set have
// diverged, which is fatal.
func resolveRefs(ctx context.Context, r metaReader, refs []string) ([]storage.PostRef, error) {
	out := make([]storage.PostRef, 0, len(refs))
	for _, ref := range refs {
		author, permlink, ok := strings.Cut(ref, "/")
		if !ok {
			return nil, fmt.Errorf("malformed dirty ref %q: %w", ref, ErrIntegrity)
		}
		meta, err := r.PostMeta(ctx, author, permlink)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("dirty post %s has no row: %w", ref, ErrIntegrity)
		}
		if err != nil {
			return nil, err
		}
		if meta.IsDeleted {
			continue
		}
		out = append(out, storage.PostRef{ID: meta.ID, Author: author, Permlink: permlink})
	}
	return out, nil
}

// RefreshRefs resolves dirty refs and refreshes their cache rows in
// chunked transactions. Used after batch backfill.
func (c *Cache) RefreshRefs(ctx context.Context, refs []string, at time.Time) error {
	resolved, err := resolveRefs(ctx, c.store, refs)
	if err != nil {
		return err
	}
	return c.refreshBatch(ctx, resolved, at)
}

// RefreshRefsTx refreshes dirty refs inside an open transaction, resolving
// them through it so same-block inserts are visible.
func (c *Cache) RefreshRefsTx(ctx context.Context, tx storage.Tx, refs []string, at time.Time) error {
	resolved, err := resolveRefs(ctx, tx, refs)
	if err != nil {
		return err
	}
	return c.refreshInto(ctx, tx, resolved, at)
}

// RefreshPaidOut refreshes posts whose payout window closed by the given
// date, returning how many were due.
func (c *Cache) RefreshPaidOut(ctx context.Context, at time.Time) (int, error) {
	due, err := c.store.PayoutDueRefs(ctx, at)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	return len(due), c.refreshBatch(ctx, due, at)
}

// RefreshPaidOutTx is the live-tail variant. Due refs come from committed
// cache state; the writes join the block's transaction.
func (c *Cache) RefreshPaidOutTx(ctx context.Context, tx storage.Tx, at time.Time) (int, error) {
	due, err := c.store.PayoutDueRefs(ctx, at)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	return len(due), c.refreshInto(ctx, tx, due, at)
}

// FillMissing caches every post row newer than the newest cache entry.
// The loop is driven by the ref query so a deleted tail cannot spin it.
func (c *Cache) FillMissing(ctx context.Context) error {
	maxPost, err := c.store.MaxPostID(ctx)
	if err != nil {
		return err
	}
	maxCached, err := c.store.MaxCachedPostID(ctx)
	if err != nil {
		return err
	}
	c.log.Info("missing post cache entries", "count", maxPost-maxCached)
	if maxPost <= maxCached {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		afterID, err := c.store.MaxCachedPostID(ctx)
		if err != nil {
			return err
		}
		refs, err := c.store.PostRefsAfter(ctx, afterID, missingBatch)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		if err := c.refreshBatch(ctx, refs, time.Time{}); err != nil {
			return err
		}
	}
}

// RebuildFeedCache rederives the feed cache from posts and reblogs. It is
// idempotent and runs once at the end of initial sync.
func (c *Cache) RebuildFeedCache(ctx context.Context) error {
	c.log.Info("rebuilding feed cache")
	return c.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.RebuildFeedCache(ctx)
	})
}

// refreshBatch writes cache rows in chunked transactions with progress
// logging; large backfills run for hours.
func (c *Cache) refreshBatch(ctx context.Context, refs []storage.PostRef, at time.Time) error {
	for start := 0; start < len(refs); start += refreshChunk {
		end := min(start+refreshChunk, len(refs))
		err := c.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			return c.refreshInto(ctx, tx, refs[start:end], at)
		})
		if err != nil {
			return err
		}
		if len(refs) > refreshChunk {
			c.log.Info("updating posts", "done", end, "total", len(refs))
		}
	}
	return nil
}

// refreshInto fetches current content for each ref and upserts its cache
// row within the given transaction.
func (c *Cache) refreshInto(ctx context.Context, tx storage.Tx, refs []storage.PostRef, at time.Time) error {
	for _, ref := range refs {
		content, err := c.chain.GetContent(ctx, ref.Author, ref.Permlink)
		if err != nil {
			return fmt.Errorf("content @%s/%s: %w", ref.Author, ref.Permlink, err)
		}
		if err := tx.UpsertPostCache(ctx, buildCacheRow(ref.ID, content, at)); err != nil {
			return err
		}
	}
	return nil
}

// buildCacheRow derives one hive_posts_cache row from upstream content.
// A zero at leaves payout staleness to the content's own cashout state.
func buildCacheRow(postID int64, content *types.Content, at time.Time) *storage.PostCacheRow {
	var rshares int64
	for _, v := range content.ActiveVotes {
		rshares += int64(v.Rshares)
	}

	paidout := content.IsPaidOut()
	payoutAt := content.CashoutTime.UTC()
	if paidout {
		payoutAt = content.LastPayout.UTC()
	} else if !at.IsZero() && !content.CashoutTime.IsZero() && !payoutAt.After(at) {
		paidout = true
	}

	updatedAt := at
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	md := types.ParseMetadata(content.JSONMetadata)
	var imgURL string
	if len(md.Image) > 0 {
		imgURL = md.Image[0]
	}
	nsfw := false
	for _, tag := range md.Tags {
		if tag == "nsfw" {
			nsfw = true
			break
		}
	}

	created := content.Created.Time
	return &storage.PostCacheRow{
		PostID:    postID,
		Title:     content.Title,
		Preview:   truncate(content.Body, previewLen),
		ImgURL:    imgURL,
		Payout:    float64(content.PendingPayoutValue + content.TotalPayoutValue + content.CuratorPayoutValue),
		Promoted:  float64(content.Promoted),
		PayoutAt:  payoutAt,
		UpdatedAt: updatedAt,
		IsPaidout: paidout,
		IsNsfw:    nsfw,
		Rshares:   rshares,
		Votes:     len(content.ActiveVotes),
		ScTrend:   score(rshares, created, trendTimescale),
		ScHot:     score(rshares, created, hotTimescale),
	}
}

// score ranks a post by vote mass decayed against its age:
// sign(rshares) * log10(max(|rshares|/1e7, 1)) + created/timescale.
func score(rshares int64, created time.Time, timescale float64) float64 {
	mod := math.Abs(float64(rshares)) / 1e7
	if mod < 1 {
		mod = 1
	}
	var sign float64
	switch {
	case rshares > 0:
		sign = 1
	case rshares < 0:
		sign = -1
	}
	return sign*math.Log10(mod) + float64(created.Unix())/timescale
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
