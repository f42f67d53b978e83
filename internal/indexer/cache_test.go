package indexer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/storage/sqlite"
	"github.com/steemit/hivemind-go/internal/types"
)

// fakeChain is an in-memory chain.Client. The hooks let sync tests cancel
// deterministically instead of racing the poll loop.
type fakeChain struct {
	mu        sync.Mutex
	head      uint32
	irr       uint32
	headTime  time.Time
	blocks    map[uint32]*types.Block
	content   map[string]*types.Content
	headCalls int
	blockErr  error

	onHeadBlock func(calls int)
	onGetBlock  func(num uint32)
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks:  make(map[uint32]*types.Block),
		content: make(map[string]*types.Content),
	}
}

func (f *fakeChain) addBlock(b *types.Block) {
	num, err := b.Num()
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[num] = b
	if num > f.head {
		f.head = num
	}
	f.headTime = b.Timestamp.Time
}

func (f *fakeChain) setContent(c *types.Content) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[c.Author+"/"+c.Permlink] = c
}

func (f *fakeChain) HeadBlock(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	f.headCalls++
	calls := f.headCalls
	hook := f.onHeadBlock
	head := f.head
	f.mu.Unlock()
	if hook != nil {
		hook(calls)
	}
	return head, nil
}

func (f *fakeChain) LastIrreversible(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.irr, nil
}

func (f *fakeChain) HeadTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headTime, nil
}

func (f *fakeChain) GetBlock(ctx context.Context, num uint32) (*types.Block, error) {
	f.mu.Lock()
	b, ok := f.blocks[num]
	hook := f.onGetBlock
	failure := f.blockErr
	f.mu.Unlock()
	if hook != nil {
		hook(num)
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, chain.ErrNotAvailable
	}
	return b, nil
}

func (f *fakeChain) GetBlockRange(ctx context.Context, lo, hi uint32) ([]*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Block, 0, hi-lo)
	for n := lo; n < hi; n++ {
		b, ok := f.blocks[n]
		if !ok {
			return nil, fmt.Errorf("fake chain has no block %d", n)
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeChain) GetContent(ctx context.Context, author, permlink string) (*types.Content, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.content[author+"/"+permlink]
	if !ok {
		return nil, chain.ErrNotAvailable
	}
	return c, nil
}

var _ chain.Client = (*fakeChain)(nil)

func testContent(author, permlink, title string, created time.Time, rshares ...int64) *types.Content {
	votes := make([]types.Vote, len(rshares))
	for i, r := range rshares {
		votes[i] = types.Vote{
			Voter:   fmt.Sprintf("voter%d", i),
			Rshares: types.Int64(r),
			Percent: 10000,
			Time:    types.NewTime(created.Add(time.Hour)),
		}
	}
	return &types.Content{
		Author:             author,
		Permlink:           permlink,
		Title:              title,
		Body:               "body of " + permlink,
		Created:            types.NewTime(created),
		CashoutTime:        types.NewTime(created.Add(7 * 24 * time.Hour)),
		PendingPayoutValue: 1.5,
		ActiveVotes:        votes,
	}
}

func TestBuildCacheRowBasics(t *testing.T) {
	created := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	content := testContent("alice", "hello", "Hello", created, 50_000_000, -10_000_000)
	content.Body = strings.Repeat("x", 200)
	content.JSONMetadata = `{"tags": ["life", "nsfw"], "image": ["https://img/a.png", "https://img/b.png"]}`
	content.TotalPayoutValue = 2.0
	content.CuratorPayoutValue = 0.5

	at := created.Add(24 * time.Hour)
	row := buildCacheRow(7, content, at)

	if row.PostID != 7 {
		t.Errorf("post id = %d", row.PostID)
	}
	if row.Title != "Hello" {
		t.Errorf("title = %q", row.Title)
	}
	if len([]rune(row.Preview)) != previewLen {
		t.Errorf("preview length = %d, want %d", len([]rune(row.Preview)), previewLen)
	}
	if row.ImgURL != "https://img/a.png" {
		t.Errorf("img url = %q, want first image", row.ImgURL)
	}
	if !row.IsNsfw {
		t.Error("nsfw tag not detected")
	}
	if row.Payout != 4.0 {
		t.Errorf("payout = %v, want pending+total+curator = 4.0", row.Payout)
	}
	if row.Rshares != 40_000_000 {
		t.Errorf("rshares = %d, want summed 40000000", row.Rshares)
	}
	if row.Votes != 2 {
		t.Errorf("votes = %d, want 2", row.Votes)
	}
	if row.IsPaidout {
		t.Error("post inside payout window marked paid out")
	}
	if !row.PayoutAt.Equal(content.CashoutTime.Time) {
		t.Errorf("payout at = %v, want cashout time", row.PayoutAt)
	}
	if !row.UpdatedAt.Equal(at) {
		t.Errorf("updated at = %v, want %v", row.UpdatedAt, at)
	}
}

func TestBuildCacheRowPayoutStates(t *testing.T) {
	created := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

	// the node resets cashout_time to the epoch era once paid
	paid := testContent("alice", "old", "Old", created)
	paid.CashoutTime = types.NewTime(time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC))
	paid.LastPayout = types.NewTime(created.Add(7 * 24 * time.Hour))
	row := buildCacheRow(1, paid, created.Add(30*24*time.Hour))
	if !row.IsPaidout {
		t.Error("epoch cashout not recognized as paid out")
	}
	if !row.PayoutAt.Equal(paid.LastPayout.Time) {
		t.Errorf("payout at = %v, want last_payout", row.PayoutAt)
	}

	// window passed but the node still reports a liveish record
	stale := testContent("alice", "stale", "Stale", created)
	row = buildCacheRow(2, stale, created.Add(8*24*time.Hour))
	if !row.IsPaidout {
		t.Error("post past its cashout time should be forced paid out")
	}

	// zero at: no wall-clock judgement, updated_at defaults to now
	live := testContent("alice", "live", "Live", created)
	row = buildCacheRow(3, live, time.Time{})
	if row.IsPaidout {
		t.Error("live post marked paid out on zero-time refresh")
	}
	if row.UpdatedAt.IsZero() {
		t.Error("updated at not defaulted")
	}
}

func TestScore(t *testing.T) {
	created := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	base := float64(created.Unix()) / trendTimescale
	eps := 1e-9

	cases := []struct {
		name    string
		rshares int64
		want    float64
	}{
		{"no votes", 0, base},
		{"positive mass", 100_000_000, base + 1},
		{"negative mass", -100_000_000, base - 1},
		{"below noise floor", 5_000_000, base},
	}
	for _, tc := range cases {
		if got := score(tc.rshares, created, trendTimescale); math.Abs(got-tc.want) > eps {
			t.Errorf("%s: score = %v, want %v", tc.name, got, tc.want)
		}
	}

	// a younger post out-trends an older one at equal mass
	older := score(1000, created, trendTimescale)
	newer := score(1000, created.Add(time.Hour), trendTimescale)
	if newer <= older {
		t.Errorf("newer score %v not above older %v", newer, older)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 80); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	long := strings.Repeat("ab", 100)
	if got := truncate(long, 80); len([]rune(got)) != 80 {
		t.Errorf("truncate long: %d runes", len([]rune(got)))
	}
	// rune boundaries, not bytes
	multibyte := strings.Repeat("héllo", 30)
	got := truncate(multibyte, 80)
	if len([]rune(got)) != 80 {
		t.Errorf("truncate multibyte: %d runes", len([]rune(got)))
	}
	if !strings.HasPrefix(multibyte, got) {
		t.Error("truncate split a rune")
	}
}

func cacheFixture(t *testing.T) (*sqlite.Store, *fakeChain, *Cache) {
	t.Helper()
	s := newTestStore(t)
	fc := newFakeChain()
	return s, fc, NewCache(s, fc, discardLogger())
}

func TestRefreshRefsUpdatesCache(t *testing.T) {
	s, fc, c := cacheFixture(t)
	p := newTestProjector()
	ctx := context.Background()

	applyTestBlock(t, s, p, mkBlock(1, accountCreate(t, "alice")))
	applyTestBlock(t, s, p, mkBlock(2,
		comment(t, "alice", "hello", "", "life", "")))
	applyTestBlock(t, s, p, mkBlock(3,
		comment(t, "alice", "world", "", "life", "")))

	created := genesis.Add(6 * time.Second)
	fc.setContent(testContent("alice", "hello", "Hello", created, 25_000_000))
	fc.setContent(testContent("alice", "world", "World", created))

	at := created.Add(time.Hour)
	if err := c.RefreshRefs(ctx, []string{"alice/hello", "alice/world"}, at); err != nil {
		t.Fatalf("refresh refs: %v", err)
	}

	empty, err := s.CacheEmpty(ctx)
	if err != nil {
		t.Fatalf("cache empty: %v", err)
	}
	if empty {
		t.Fatal("cache still empty after refresh")
	}
	maxCached, err := s.MaxCachedPostID(ctx)
	if err != nil {
		t.Fatalf("max cached: %v", err)
	}
	if maxCached != 2 {
		t.Errorf("max cached post id = %d, want 2", maxCached)
	}

	// cached display fields surface through the feed queries
	entries, err := s.BlogFeed(ctx, "alice", 0, 10)
	if err != nil {
		t.Fatalf("blog feed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("blog feed = %d entries, want 2", len(entries))
	}
	byTitle := map[string]float64{}
	for _, e := range entries {
		byTitle[e.Title] = e.Payout
	}
	if byTitle["Hello"] != 1.5 {
		t.Errorf("cached payout = %v, want 1.5", byTitle["Hello"])
	}
}

func TestRefreshRefsSkipsDeleted(t *testing.T) {
	s, fc, c := cacheFixture(t)
	p := newTestProjector()
	ctx := context.Background()

	applyTestBlock(t, s, p, mkBlock(1, accountCreate(t, "alice")))
	applyTestBlock(t, s, p, mkBlock(2,
		comment(t, "alice", "keep", "", "life", ""),
		comment(t, "alice", "gone", "", "life", "")))
	applyTestBlock(t, s, p, mkBlock(3, deleteComment(t, "alice", "gone")))

	fc.setContent(testContent("alice", "keep", "Keep", genesis, 0))

	// no content registered for the deleted post: reaching the node for it
	// would fail the refresh
	if err := c.RefreshRefs(ctx, []string{"alice/keep", "alice/gone"}, genesis.Add(time.Hour)); err != nil {
		t.Fatalf("refresh refs: %v", err)
	}

	keep := mustPostMeta(t, s, "alice", "keep")
	maxCached, err := s.MaxCachedPostID(ctx)
	if err != nil {
		t.Fatalf("max cached: %v", err)
	}
	if maxCached != keep.ID {
		t.Errorf("max cached = %d, want only the live post %d", maxCached, keep.ID)
	}
}

func TestRefreshRefsIntegrityFailures(t *testing.T) {
	s, _, c := cacheFixture(t)
	p := newTestProjector()
	ctx := context.Background()

	applyTestBlock(t, s, p, mkBlock(1))

	if err := c.RefreshRefs(ctx, []string{"ghost/nothing"}, time.Time{}); !errors.Is(err, ErrIntegrity) {
		t.Errorf("unknown ref: err = %v, want ErrIntegrity", err)
	}
	if err := c.RefreshRefs(ctx, []string{"no-slash"}, time.Time{}); !errors.Is(err, ErrIntegrity) {
		t.Errorf("malformed ref: err = %v, want ErrIntegrity", err)
	}
}

func TestFillMissing(t *testing.T) {
	s, fc, c := cacheFixture(t)
	p := newTestProjector()
	ctx := context.Background()

	applyTestBlock(t, s, p, mkBlock(1, accountCreate(t, "alice")))
	applyTestBlock(t, s, p, mkBlock(2,
		comment(t, "alice", "one", "", "life", ""),
		comment(t, "alice", "two", "", "life", ""),
		comment(t, "alice", "three", "", "life", "")))
	for _, permlink := range []string{"one", "two", "three"} {
		fc.setContent(testContent("alice", permlink, permlink, genesis, 0))
	}

	if err := c.FillMissing(ctx); err != nil {
		t.Fatalf("fill missing: %v", err)
	}
	maxCached, err := s.MaxCachedPostID(ctx)
	if err != nil {
		t.Fatalf("max cached: %v", err)
	}
	if maxCached != 3 {
		t.Errorf("max cached = %d, want 3", maxCached)
	}

	// a deleted tail leaves nothing to fill and must not loop or fetch
	applyTestBlock(t, s, p, mkBlock(3,
		comment(t, "alice", "four", "", "life", "")))
	applyTestBlock(t, s, p, mkBlock(4, deleteComment(t, "alice", "four")))
	if err := c.FillMissing(ctx); err != nil {
		t.Fatalf("fill missing with deleted tail: %v", err)
	}
	maxCached, err = s.MaxCachedPostID(ctx)
	if err != nil {
		t.Fatalf("max cached: %v", err)
	}
	if maxCached != 3 {
		t.Errorf("max cached = %d after deleted tail, want 3", maxCached)
	}
}

func TestRefreshPaidOut(t *testing.T) {
	s, fc, c := cacheFixture(t)
	p := newTestProjector()
	ctx := context.Background()

	applyTestBlock(t, s, p, mkBlock(1, accountCreate(t, "alice")))
	applyTestBlock(t, s, p, mkBlock(2,
		comment(t, "alice", "hello", "", "life", "")))
	created := genesis
	content := testContent("alice", "hello", "Hello", created, 0)
	fc.setContent(content)

	// cache the post while its window is open
	if err := c.RefreshRefs(ctx, []string{"alice/hello"}, created.Add(time.Hour)); err != nil {
		t.Fatalf("refresh refs: %v", err)
	}

	cashout := content.CashoutTime.Time
	n, err := c.RefreshPaidOut(ctx, cashout.Add(time.Hour))
	if err != nil {
		t.Fatalf("refresh paid out: %v", err)
	}
	if n != 1 {
		t.Errorf("due posts = %d, want 1", n)
	}

	// second pass finds nothing: the row is settled
	n, err = c.RefreshPaidOut(ctx, cashout.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("refresh paid out again: %v", err)
	}
	if n != 0 {
		t.Errorf("due posts on second pass = %d, want 0", n)
	}
}

func TestRebuildFeedCache(t *testing.T) {
	s, _, c := cacheFixture(t)
	ctx := context.Background()

	// rows planted without feed entries, as if the cache were lost
	var aliceID int64
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		aliceID, err = tx.InsertPost(ctx, &storage.PostRow{
			Author: "alice", Permlink: "hello", Category: "life",
			Community: "alice", CreatedAt: genesis,
		})
		if err != nil {
			return err
		}
		return tx.InsertReblog(ctx, "bob", aliceID, genesis.Add(time.Minute))
	})
	if err != nil {
		t.Fatalf("plant rows: %v", err)
	}

	if ids := blogPostIDs(t, s, "alice"); len(ids) != 0 {
		t.Fatalf("feed cache unexpectedly populated: %v", ids)
	}

	if err := c.RebuildFeedCache(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if ids := blogPostIDs(t, s, "alice"); len(ids) != 1 || ids[0] != aliceID {
		t.Errorf("alice's blog after rebuild = %v", ids)
	}
	if ids := blogPostIDs(t, s, "bob"); len(ids) != 1 || ids[0] != aliceID {
		t.Errorf("bob's blog after rebuild = %v", ids)
	}

	// idempotent
	if err := c.RebuildFeedCache(ctx); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if ids := blogPostIDs(t, s, "alice"); len(ids) != 1 {
		t.Errorf("alice's blog after second rebuild = %v", ids)
	}
}
