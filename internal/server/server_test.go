package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/storage/sqlite"
	"github.com/steemit/hivemind-go/internal/types"
)

var apiBase = time.Date(2017, 6, 1, 12, 0, 0, 0, time.UTC)

// stubChain serves only the head number; the API never fetches blocks.
type stubChain struct {
	head uint32
}

func (c stubChain) HeadBlock(ctx context.Context) (uint32, error)        { return c.head, nil }
func (c stubChain) LastIrreversible(ctx context.Context) (uint32, error) { return c.head, nil }
func (c stubChain) HeadTime(ctx context.Context) (time.Time, error)      { return time.Time{}, nil }

func (c stubChain) GetBlock(ctx context.Context, num uint32) (*types.Block, error) {
	return nil, chain.ErrNotAvailable
}

func (c stubChain) GetBlockRange(ctx context.Context, lo, hi uint32) ([]*types.Block, error) {
	return nil, chain.ErrNotAvailable
}

func (c stubChain) GetContent(ctx context.Context, author, permlink string) (*types.Content, error) {
	return nil, chain.ErrNotAvailable
}

var _ chain.Client = stubChain{}

func newTestServer(t *testing.T, head uint32) (*Server, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("create test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(store, stubChain{head: head}, Config{MaxHeadAge: 30 * time.Second}, log)
	srv.now = func() time.Time { return apiBase }
	return srv, store
}

func seed(t *testing.T, s *sqlite.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	ctx := context.Background()
	if err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		return fn(ctx, tx)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	srv, store := newTestServer(t, 10)

	// nothing indexed yet
	rec := get(t, srv, "/health")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("empty store: code = %d, want 500", rec.Code)
	}

	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertBlock(ctx, &storage.BlockRow{
			Num: 5, Hash: "00000005ab", Prev: "00000004ab",
			CreatedAt: apiBase.Add(-5 * time.Second),
		})
	})

	rec = get(t, srv, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	if body["block"] != float64(5) {
		t.Errorf("block = %v, want 5", body["block"])
	}
	if body["head_age_seconds"] != float64(5) {
		t.Errorf("head_age_seconds = %v, want 5", body["head_age_seconds"])
	}

	// the indexer stalls: age exceeds the threshold
	srv.now = func() time.Time { return apiBase.Add(10 * time.Minute) }
	rec = get(t, srv, "/health")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("stale head: code = %d, want 500", rec.Code)
	}
	decode(t, rec, &body)
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "exceeds") {
		t.Errorf("error = %q", msg)
	}
}

func TestHeadState(t *testing.T) {
	srv, store := newTestServer(t, 10)
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertBlock(ctx, &storage.BlockRow{
			Num: 4, Hash: "00000004ab", CreatedAt: apiBase,
		})
	})

	rec := get(t, srv, "/head_state")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]float64
	decode(t, rec, &body)
	if body["steemd"] != 10 || body["hive"] != 4 || body["diff"] != 6 {
		t.Errorf("head state = %v, want steemd 10, hive 4, diff 6", body)
	}
}

type followsResponse struct {
	Account   string   `json:"account"`
	Count     int      `json:"count"`
	Followers []string `json:"followers"`
	Following []string `json:"following"`
}

func TestFollowersAndFollowing(t *testing.T) {
	srv, store := newTestServer(t, 10)
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.UpsertFollow(ctx, "bob", "alice", storage.FollowStateBlog, apiBase); err != nil {
			return err
		}
		if err := tx.UpsertFollow(ctx, "carol", "alice", storage.FollowStateBlog, apiBase.Add(time.Minute)); err != nil {
			return err
		}
		if err := tx.UpsertFollow(ctx, "dave", "alice", storage.FollowStateIgnore, apiBase.Add(2*time.Minute)); err != nil {
			return err
		}
		return tx.UpsertFollow(ctx, "alice", "bob", storage.FollowStateBlog, apiBase)
	})

	rec := get(t, srv, "/followers/alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body followsResponse
	decode(t, rec, &body)
	if body.Count != 2 {
		t.Errorf("count = %d, want 2 (mutes excluded)", body.Count)
	}
	if len(body.Followers) != 2 || body.Followers[0] != "carol" || body.Followers[1] != "bob" {
		t.Errorf("followers = %v, want [carol bob] newest first", body.Followers)
	}

	rec = get(t, srv, "/followers/alice?skip=1&limit=1")
	decode(t, rec, &body)
	if len(body.Followers) != 1 || body.Followers[0] != "bob" {
		t.Errorf("paged followers = %v, want [bob]", body.Followers)
	}

	rec = get(t, srv, "/following/alice")
	decode(t, rec, &body)
	if body.Count != 1 || len(body.Following) != 1 || body.Following[0] != "bob" {
		t.Errorf("following = %+v, want count 1 [bob]", body)
	}

	// unknown accounts yield empty arrays, not null
	rec = get(t, srv, "/followers/ghost")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"followers":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

type feedResponse struct {
	Account string          `json:"account"`
	Entries []feedEntryView `json:"entries"`
}

func TestBlogAndFeed(t *testing.T) {
	srv, store := newTestServer(t, 10)

	var helloID, worldID int64
	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		var err error
		helloID, err = tx.InsertPost(ctx, &storage.PostRow{
			Author: "alice", Permlink: "hello", Category: "life",
			Community: "alice", CreatedAt: apiBase,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertFeedEntry(ctx, "alice", helloID, apiBase); err != nil {
			return err
		}
		worldID, err = tx.InsertPost(ctx, &storage.PostRow{
			Author: "bob", Permlink: "world", Category: "life",
			Community: "bob", CreatedAt: apiBase.Add(time.Minute),
		})
		if err != nil {
			return err
		}
		if err := tx.InsertFeedEntry(ctx, "bob", worldID, apiBase.Add(time.Minute)); err != nil {
			return err
		}

		// bob reblogs alice's post a bit later
		if err := tx.InsertReblog(ctx, "bob", helloID, apiBase.Add(2*time.Minute)); err != nil {
			return err
		}
		if err := tx.InsertFeedEntry(ctx, "bob", helloID, apiBase.Add(2*time.Minute)); err != nil {
			return err
		}

		if err := tx.UpsertFollow(ctx, "carol", "bob", storage.FollowStateBlog, apiBase); err != nil {
			return err
		}
		return tx.UpsertPostCache(ctx, &storage.PostCacheRow{
			PostID: helloID, Title: "Hello", Payout: 1.25,
			PayoutAt: apiBase.Add(7 * 24 * time.Hour), UpdatedAt: apiBase,
		})
	})

	rec := get(t, srv, "/blog/bob")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var blog feedResponse
	decode(t, rec, &blog)
	if len(blog.Entries) != 2 {
		t.Fatalf("blog entries = %d, want own post plus reblog", len(blog.Entries))
	}
	if blog.Entries[0].PostID != helloID {
		t.Errorf("newest blog entry = %d, want reblogged %d", blog.Entries[0].PostID, helloID)
	}
	if blog.Entries[0].Title != "Hello" || blog.Entries[0].Payout != 1.25 {
		t.Errorf("cached fields = %q/%v", blog.Entries[0].Title, blog.Entries[0].Payout)
	}
	if blog.Entries[1].PostID != worldID || blog.Entries[1].Title != "" {
		t.Errorf("uncached entry = %+v", blog.Entries[1])
	}

	// carol follows bob only; her feed credits bob for the reblog
	rec = get(t, srv, "/feed/carol")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var feed feedResponse
	decode(t, rec, &feed)
	if len(feed.Entries) != 2 {
		t.Fatalf("feed entries = %d, want 2", len(feed.Entries))
	}
	for _, e := range feed.Entries {
		switch e.PostID {
		case helloID:
			if len(e.RebloggedBy) != 1 || e.RebloggedBy[0] != "bob" {
				t.Errorf("reblogged_by = %v, want [bob]", e.RebloggedBy)
			}
		case worldID:
			if len(e.RebloggedBy) != 0 {
				t.Errorf("own post credited as reblog: %v", e.RebloggedBy)
			}
		default:
			t.Errorf("unexpected feed entry %d", e.PostID)
		}
	}

	// alice follows nobody
	rec = get(t, srv, "/feed/alice")
	decode(t, rec, &feed)
	if len(feed.Entries) != 0 {
		t.Errorf("alice's feed = %d entries, want 0", len(feed.Entries))
	}
}

func TestPayoutStats(t *testing.T) {
	srv, store := newTestServer(t, 10)
	now := time.Now().UTC()

	seed(t, store, func(ctx context.Context, tx storage.Tx) error {
		mk := func(permlink string) (int64, error) {
			return tx.InsertPost(ctx, &storage.PostRow{
				Author: "alice", Permlink: permlink, Category: "life",
				Community: "alice", CreatedAt: now.Add(-72 * time.Hour),
			})
		}
		recent, err := mk("recent")
		if err != nil {
			return err
		}
		old, err := mk("old")
		if err != nil {
			return err
		}
		pending, err := mk("pending")
		if err != nil {
			return err
		}
		rows := []*storage.PostCacheRow{
			{PostID: recent, Payout: 10, IsPaidout: true, PayoutAt: now.Add(-time.Hour), UpdatedAt: now},
			{PostID: old, Payout: 5, IsPaidout: true, PayoutAt: now.Add(-48 * time.Hour), UpdatedAt: now},
			{PostID: pending, Payout: 3, PayoutAt: now.Add(24 * time.Hour), UpdatedAt: now},
		}
		for _, row := range rows {
			if err := tx.UpsertPostCache(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})

	rec := get(t, srv, "/stats/payouts")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]float64
	decode(t, rec, &body)
	if body["total"] != 15 {
		t.Errorf("total = %v, want settled 15", body["total"])
	}
	if body["last_24h"] != 10 {
		t.Errorf("last_24h = %v, want 10", body["last_24h"])
	}
}

func TestPageParamValidation(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	for _, path := range []string{
		"/followers/alice?skip=-1",
		"/followers/alice?limit=0",
		"/followers/alice?limit=1000",
		"/followers/alice?limit=abc",
		"/blog/alice?skip=x",
	} {
		if rec := get(t, srv, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", path, rec.Code)
		}
	}
}

func TestRouting(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health: code = %d, want 405", rec.Code)
	}

	if rec := get(t, srv, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route: code = %d, want 404", rec.Code)
	}
}
