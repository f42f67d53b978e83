// Package storage provides shared types for the indexer's relational store.
//
// The concrete backends live in the mysql and sqlite sub-packages. This
// package holds the interface and value types referenced by both the
// backends and their consumers (the projector, cache maintainer, sync
// driver, and read API).
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Follow states stored in hive_follows.
const (
	FollowStateClear  = 0
	FollowStateBlog   = 1
	FollowStateIgnore = 2
)

// BlockRow is one hive_blocks row.
type BlockRow struct {
	Num       uint32
	Hash      string
	Prev      string
	TxCount   int
	CreatedAt time.Time
}

// PostRow holds the insertable fields of a hive_posts row. ParentID is nil
// for root posts.
type PostRow struct {
	Author    string
	Permlink  string
	ParentID  *int64
	Category  string
	Community string
	Depth     int
	IsValid   bool
	CreatedAt time.Time
}

// PostMeta is the projector's view of an existing post row.
type PostMeta struct {
	ID        int64
	Depth     int
	Category  string
	Community string
	IsDeleted bool
}

// PostRef identifies a post for cache refresh.
type PostRef struct {
	ID       int64
	Author   string
	Permlink string
}

// PostCacheRow is one denormalized hive_posts_cache row.
type PostCacheRow struct {
	PostID    int64
	Title     string
	Preview   string
	ImgURL    string
	Payout    float64
	Promoted  float64
	PayoutAt  time.Time
	UpdatedAt time.Time
	IsPaidout bool
	IsNsfw    bool
	Rshares   int64
	Votes     int
	ScTrend   float64
	ScHot     float64
}

// CommunityRow is one hive_communities row.
type CommunityRow struct {
	Name      string
	Title     string
	About     string
	Settings  string
	TypeID    int
	CreatedAt time.Time
}

// FeedEntry is one blog or feed listing row served by the read API.
// RebloggedBy is populated only for personal feeds, and never includes the
// post's own author.
type FeedEntry struct {
	PostID      int64
	Author      string
	Permlink    string
	Title       string
	Payout      float64
	CreatedAt   time.Time
	RebloggedBy []string
}

// Store is the interface satisfied by *mysql.Store and *sqlite.Store.
// Consumers depend on this interface rather than on the concrete types so
// backends can be swapped by connection string.
type Store interface {
	// Schema and head state
	HasSchema(ctx context.Context) (bool, error)
	EnsureSchema(ctx context.Context) error
	LastBlock(ctx context.Context) (uint32, error)
	LastBlockTime(ctx context.Context) (time.Time, error)

	// Entity reads
	AccountExists(ctx context.Context, name string) (bool, error)
	PostMeta(ctx context.Context, author, permlink string) (*PostMeta, error)

	// Cache maintenance reads
	CacheEmpty(ctx context.Context) (bool, error)
	MaxPostID(ctx context.Context) (int64, error)
	MaxCachedPostID(ctx context.Context) (int64, error)
	PostRefsAfter(ctx context.Context, afterID int64, limit int) ([]PostRef, error)
	PayoutDueRefs(ctx context.Context, at time.Time) ([]PostRef, error)

	// Read API queries
	FollowCounts(ctx context.Context, account string) (followers, following int, err error)
	Followers(ctx context.Context, account string, skip, limit int) ([]string, error)
	Following(ctx context.Context, account string, skip, limit int) ([]string, error)
	BlogFeed(ctx context.Context, account string, skip, limit int) ([]FeedEntry, error)
	PersonalFeed(ctx context.Context, account string, skip, limit int) ([]FeedEntry, error)
	PayoutStats(ctx context.Context) (total, last24h float64, err error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
}

// Tx exposes the write operations that must run inside a single database
// transaction, plus the reads the projector needs mid-transaction.
//
// All projector writes for one block run under one Tx: if any operation
// returns an error the transaction is rolled back, on successful return it
// is committed. Key collisions on follows upsert state; collisions on
// reblogs and feed-cache rows are no-ops.
type Tx interface {
	// Blocks
	InsertBlock(ctx context.Context, b *BlockRow) error

	// Accounts
	AccountExists(ctx context.Context, name string) (bool, error)
	InsertAccount(ctx context.Context, name string, createdAt time.Time) error

	// Posts
	PostMeta(ctx context.Context, author, permlink string) (*PostMeta, error)
	InsertPost(ctx context.Context, p *PostRow) (int64, error)
	ReinstatePost(ctx context.Context, id int64, p *PostRow) error
	MarkPostDeleted(ctx context.Context, id int64) error

	// Follows and reblogs
	UpsertFollow(ctx context.Context, follower, following string, state int, at time.Time) error
	InsertReblog(ctx context.Context, account string, postID int64, at time.Time) error
	DeleteReblog(ctx context.Context, account string, postID int64) error
	DeleteReblogsByPost(ctx context.Context, postID int64) error

	// Feed cache
	InsertFeedEntry(ctx context.Context, account string, postID int64, at time.Time) error
	DeleteFeedEntry(ctx context.Context, account string, postID int64) error
	DeleteFeedEntriesByPost(ctx context.Context, postID int64) error
	RebuildFeedCache(ctx context.Context) error

	// Post cache
	UpsertPostCache(ctx context.Context, row *PostCacheRow) error
	DeletePostCache(ctx context.Context, postID int64) error

	// Communities
	Community(ctx context.Context, name string) (*CommunityRow, error)
	UpsertCommunity(ctx context.Context, c *CommunityRow) error
	IsCommunityMember(ctx context.Context, community, account string) (bool, error)
	IsCommunityAdmin(ctx context.Context, community, account string) (bool, error)
	AddCommunityMember(ctx context.Context, community, account string, isAdmin bool) error
	RemoveCommunityMember(ctx context.Context, community, account string) error
}
