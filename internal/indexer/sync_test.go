package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steemit/hivemind-go/internal/storage/sqlite"
	"github.com/steemit/hivemind-go/internal/types"
)

func newTestSyncer(t *testing.T, s *sqlite.Store, fc *fakeChain, checkpointsDir string) *Syncer {
	t.Helper()
	log := discardLogger()
	return NewSyncer(s, fc, newTestProjector(), NewCache(s, fc, log),
		Config{CheckpointsDir: checkpointsDir, TrailBlocks: 2}, log)
}

// cancelAfterHeadCalls arranges for ctx to be canceled once the live tail
// has polled the head the given number of times, which parks the test at a
// known block instead of sleeping.
func cancelAfterHeadCalls(fc *fakeChain, cancel context.CancelFunc, n int) {
	fc.onHeadBlock = func(calls int) {
		if calls >= n {
			cancel()
		}
	}
}

func TestRunInitialSync(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// blocks 1-2 come from a local archive
	writeCheckpoint(t, dir, 2,
		mkBlock(1, accountCreate(t, "alice")),
		mkBlock(2, comment(t, "alice", "hello", "", "life", "")))

	// 3-5 are backfilled (6 stays for the live tail), 6-7 arrive live
	for i := uint32(3); i <= 7; i++ {
		fc.addBlock(mkBlock(i))
	}
	fc.irr = 6
	fc.head = 9
	fc.setContent(testContent("alice", "hello", "Hello", genesis.Add(6*time.Second)))

	// polls: pass for 6, pass for 7, then park at 8
	cancelAfterHeadCalls(fc, cancel, 3)

	sy := newTestSyncer(t, s, fc, dir)
	if err := sy.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v, want context.Canceled", err)
	}

	bg := context.Background()
	last, err := s.LastBlock(bg)
	if err != nil {
		t.Fatalf("last block: %v", err)
	}
	if last != 7 {
		t.Errorf("last block = %d, want 7", last)
	}

	// initial sync finalization built both caches
	empty, err := s.CacheEmpty(bg)
	if err != nil {
		t.Fatalf("cache empty: %v", err)
	}
	if empty {
		t.Error("post cache empty after initial sync")
	}
	entries, err := s.BlogFeed(bg, "alice", 0, 10)
	if err != nil {
		t.Fatalf("blog feed: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Hello" {
		t.Errorf("blog feed = %+v, want the cached post", entries)
	}
}

func TestRunResumeSync(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	p := newTestProjector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bg := context.Background()

	// a previous run indexed blocks 1-2 and cached only the first post;
	// the second one simulates an unclean shutdown mid-fill
	applyTestBlock(t, s, p, mkBlock(1, accountCreate(t, "alice")))
	applyTestBlock(t, s, p, mkBlock(2,
		comment(t, "alice", "hello", "", "life", ""),
		comment(t, "alice", "world", "", "life", "")))
	created := genesis.Add(6 * time.Second)
	fc.setContent(testContent("alice", "hello", "Hello", created, 10_000_000))
	fc.setContent(testContent("alice", "world", "World", created))
	cache := NewCache(s, fc, discardLogger())
	if err := cache.RefreshRefs(bg, []string{"alice/hello"}, created); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	// block 3 backfills with a vote; 4-5 arrive live
	fc.addBlock(mkBlock(3, vote(t, "bob", "alice", "hello")))
	fc.addBlock(mkBlock(4))
	fc.addBlock(mkBlock(5))
	fc.irr = 4
	fc.head = 7
	cancelAfterHeadCalls(fc, cancel, 3)

	sy := newTestSyncer(t, s, fc, t.TempDir())
	if err := sy.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v, want context.Canceled", err)
	}

	last, err := s.LastBlock(bg)
	if err != nil {
		t.Fatalf("last block: %v", err)
	}
	if last != 5 {
		t.Errorf("last block = %d, want 5", last)
	}

	// the startup repair cached the post missed by the dirty shutdown
	maxCached, err := s.MaxCachedPostID(bg)
	if err != nil {
		t.Fatalf("max cached: %v", err)
	}
	if maxCached != 2 {
		t.Errorf("max cached = %d, want repaired 2", maxCached)
	}
}

func TestListenDetectsFork(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	p := newTestProjector()
	ctx := context.Background()

	applyTestBlock(t, s, p, mkBlock(1))
	applyTestBlock(t, s, p, mkBlock(2))

	fc.addBlock(mkBlock(3))
	forged := mkBlock(4)
	forged.Previous = blockID(999)
	fc.addBlock(forged)
	fc.head = 10

	sy := newTestSyncer(t, s, fc, t.TempDir())
	err := sy.listen(ctx)
	if !errors.Is(err, ErrFork) {
		t.Fatalf("listen: %v, want ErrFork", err)
	}

	// the unlinkable block left no trace
	last, err := s.LastBlock(ctx)
	if err != nil {
		t.Fatalf("last block: %v", err)
	}
	if last != 3 {
		t.Errorf("last block = %d, want 3", last)
	}
}

func TestListenAppliesRefreshesInBlockTx(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	p := newTestProjector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bg := context.Background()

	applyTestBlock(t, s, p, mkBlock(1, accountCreate(t, "alice")))

	// the live block both creates the post and dirties it; the refresh must
	// see the row inserted in the same transaction
	fc.addBlock(mkBlock(2, comment(t, "alice", "hello", "", "life", "")))
	fc.setContent(testContent("alice", "hello", "Hello", genesis.Add(6*time.Second)))
	fc.head = 10
	fc.onGetBlock = func(num uint32) {
		if num == 3 {
			cancel()
		}
	}

	sy := newTestSyncer(t, s, fc, t.TempDir())
	if err := sy.listen(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("listen: %v, want context.Canceled", err)
	}

	maxCached, err := s.MaxCachedPostID(bg)
	if err != nil {
		t.Fatalf("max cached: %v", err)
	}
	if maxCached != 1 {
		t.Errorf("max cached = %d, live block must refresh its own post", maxCached)
	}
}

func TestFetchBlock(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	sy := newTestSyncer(t, s, fc, t.TempDir())
	ctx := context.Background()

	// hard node errors abort instead of retrying
	boom := errors.New("rpc down")
	fc.blockErr = boom
	if _, err := sy.fetchBlock(ctx, 5); !errors.Is(err, boom) {
		t.Fatalf("fetch: %v, want the node error", err)
	}
	fc.blockErr = nil

	// not-yet-available blocks are polled for
	fc.onGetBlock = func(num uint32) {
		fc.addBlock(mkBlock(num))
	}
	b, err := sy.fetchBlock(ctx, 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if num, _ := b.Num(); num != 5 {
		t.Errorf("fetched block %d, want 5", num)
	}
}

func TestProjectBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	sy := newTestSyncer(t, s, fc, t.TempDir())
	ctx := context.Background()

	blocks := []*types.Block{
		mkBlock(1, accountCreate(t, "bob")),
		mkBlock(2, comment(t, "bob", "orphan", "ghost", "nothing", "")),
	}
	if _, err := sy.projectBatch(ctx, blocks); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("project batch: %v, want ErrIntegrity", err)
	}

	// the whole batch rolled back, block 1 included
	last, err := s.LastBlock(ctx)
	if err != nil {
		t.Fatalf("last block: %v", err)
	}
	if last != 0 {
		t.Errorf("last block = %d after failed batch, want 0", last)
	}
}

func TestWaitForBlockHonorsTrail(t *testing.T) {
	s := newTestStore(t)
	fc := newFakeChain()
	sy := newTestSyncer(t, s, fc, t.TempDir())

	fc.head = 10
	if err := sy.waitForBlock(context.Background(), 8); err != nil {
		t.Fatalf("wait for settled block: %v", err)
	}

	// a block closer than trail_blocks parks until canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancelAfterHeadCalls(fc, cancel, fc.headCalls+1)
	if err := sy.waitForBlock(ctx, 9); !errors.Is(err, context.Canceled) {
		t.Errorf("wait inside trail: %v, want context.Canceled", err)
	}
}
