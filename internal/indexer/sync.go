package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/storage"
	"github.com/steemit/hivemind-go/internal/telemetry"
	"github.com/steemit/hivemind-go/internal/types"
)

const indexerScopeName = "github.com/steemit/hivemind-go/indexer"

const (
	// rangeChunk is the window size for batch backfill from the node.
	rangeChunk = 1000
	// pollInterval paces the live tail's head and block polling.
	pollInterval = 500 * time.Millisecond
)

// Config holds the sync driver's tunables.
type Config struct {
	// CheckpointsDir is scanned for *.json.lst block archives.
	CheckpointsDir string
	// TrailBlocks is the lag kept behind the upstream head to dodge
	// micro-forks.
	TrailBlocks uint32
}

// Syncer drives the projection pipeline: schema init, checkpoint replay,
// range backfill, cache finalization, then the live tail. It is the
// single writer; every store mutation flows through it.
type Syncer struct {
	store     storage.Store
	chain     chain.Client
	projector *Projector
	cache     *Cache
	cfg       Config
	log       *slog.Logger

	blocksIndexed metric.Int64Counter
	blockSeconds  metric.Float64Histogram
}

// NewSyncer wires the pipeline together.
func NewSyncer(store storage.Store, client chain.Client, projector *Projector, cache *Cache, cfg Config, log *slog.Logger) *Syncer {
	if cfg.TrailBlocks == 0 {
		cfg.TrailBlocks = 2
	}
	m := telemetry.Meter(indexerScopeName)
	blocksIndexed, _ := m.Int64Counter("hive.indexer.blocks",
		metric.WithDescription("Blocks projected into the store"),
	)
	blockSeconds, _ := m.Float64Histogram("hive.indexer.block.seconds",
		metric.WithDescription("Wall time to apply one live block"),
		metric.WithUnit("s"),
	)
	return &Syncer{
		store:         store,
		chain:         client,
		projector:     projector,
		cache:         cache,
		cfg:           cfg,
		log:           log,
		blocksIndexed: blocksIndexed,
		blockSeconds:  blockSeconds,
	}
}

// Run executes the sync phases and then follows the head until ctx is
// canceled. It returns ErrFork when the live tail receives an unlinkable
// block.
func (s *Syncer) Run(ctx context.Context) error {
	ok, err := s.store.HasSchema(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("no tables found, initializing database")
		if err := s.store.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	isInitial, err := s.store.CacheEmpty(ctx)
	if err != nil {
		return err
	}
	if isInitial {
		s.log.Info("starting initial sync")
	} else {
		// repair in case the previous run did not exit cleanly
		if err := s.cache.FillMissing(ctx); err != nil {
			return err
		}
	}

	if err := s.syncFromCheckpoints(ctx); err != nil {
		return err
	}
	if err := s.syncFromChain(ctx, isInitial); err != nil {
		return err
	}

	if isInitial {
		s.log.Info("initial sync complete, building cache")
		if err := s.cache.FillMissing(ctx); err != nil {
			return err
		}
		if err := s.cache.RebuildFeedCache(ctx); err != nil {
			return err
		}
	}

	return s.listen(ctx)
}

// projectBatch applies blocks in one transaction and returns the merged
// dirty refs. On rollback nothing is returned, so retried transactions
// cannot leak refs.
func (s *Syncer) projectBatch(ctx context.Context, blocks []*types.Block) ([]string, error) {
	var dirty []string
	err := s.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		set := NewDirtySet()
		for _, b := range blocks {
			refs, err := s.projector.ApplyBlock(ctx, tx, b)
			if err != nil {
				return err
			}
			set.Add(refs...)
		}
		dirty = set.Refs()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.blocksIndexed.Add(ctx, int64(len(blocks)))
	return dirty, nil
}

// syncFromChain backfills from the store's head to the node's last
// irreversible block in windows of rangeChunk. The window loop stops one
// block short of the bound; the live tail picks it up.
func (s *Syncer) syncFromChain(ctx context.Context, isInitial bool) error {
	last, err := s.store.LastBlock(ctx)
	if err != nil {
		return err
	}
	lbound := last + 1
	ubound, err := s.chain.LastIrreversible(ctx)
	if err != nil {
		return err
	}

	s.log.Info("batch sync", "blocks", int64(ubound)-int64(lbound)+1, "from", lbound)
	dirty := NewDirtySet()
	for lbound < ubound {
		if err := ctx.Err(); err != nil {
			return err
		}
		to := min(lbound+rangeChunk, ubound)

		t0 := time.Now()
		blocks, err := s.chain.GetBlockRange(ctx, lbound, to)
		if err != nil {
			return err
		}
		t1 := time.Now()
		refs, err := s.projectBatch(ctx, blocks)
		if err != nil {
			return err
		}
		t2 := time.Now()
		dirty.Add(refs...)

		n := float64(to - lbound)
		rate := n / t2.Sub(t0).Seconds()
		s.log.Info("batch sync progress",
			"block", to-1,
			"rate", fmt.Sprintf("%.1f/s", rate),
			"rps", int(n/t1.Sub(t0).Seconds()),
			"wps", int(n/t2.Sub(t1).Seconds()),
			"remaining_min", fmt.Sprintf("%.2f", float64(ubound-to)/rate/60))

		lbound = to
	}

	// catch the cache up after reaching the head
	if !isInitial {
		s.log.Info("updating edited posts", "count", dirty.Len())
		if err := s.cache.RefreshRefs(ctx, dirty.Refs(), time.Time{}); err != nil {
			return err
		}
		date, err := s.chain.HeadTime(ctx)
		if err != nil {
			return err
		}
		paid, err := s.cache.RefreshPaidOut(ctx, date)
		if err != nil {
			return err
		}
		s.log.Info("processed payouts", "count", paid, "since", date)
	}
	return nil
}

// listen follows the head with a trail_blocks lag. Each block is checked
// against the previous hash, then projected together with its edit and
// payout refreshes in one transaction.
func (s *Syncer) listen(ctx context.Context) error {
	curr, err := s.store.LastBlock(ctx)
	if err != nil {
		return err
	}
	s.log.Info("entering live sync", "from", curr+1, "trail_blocks", s.cfg.TrailBlocks)

	var lastHash string
	for {
		curr++
		if err := s.waitForBlock(ctx, curr); err != nil {
			return err
		}
		block, err := s.fetchBlock(ctx, curr)
		if err != nil {
			return err
		}
		num, err := block.Num()
		if err != nil {
			return err
		}

		// the received block must link to our last
		if lastHash != "" && lastHash != block.Previous {
			return fmt.Errorf("have %s, got %s -> %s: %w",
				lastHash, block.Previous, block.ID, ErrFork)
		}
		lastHash = block.ID

		start := time.Now()
		var edits, payouts int
		err = s.store.RunInTransaction(ctx, func(tx storage.Tx) error {
			refs, err := s.projector.ApplyBlock(ctx, tx, block)
			if err != nil {
				return err
			}
			if err := s.cache.RefreshRefsTx(ctx, tx, refs, block.Timestamp.Time); err != nil {
				return err
			}
			paid, err := s.cache.RefreshPaidOutTx(ctx, tx, block.Timestamp.Time)
			if err != nil {
				return err
			}
			edits, payouts = len(refs), paid
			return nil
		})
		if err != nil {
			return err
		}

		secs := time.Since(start).Seconds()
		s.blocksIndexed.Add(ctx, 1)
		s.blockSeconds.Record(ctx, secs)
		s.log.Info("live block",
			"block", num,
			"time", block.Timestamp.Time,
			"txs", len(block.Transactions),
			"edits", edits,
			"payouts", payouts)
		if secs > 1 {
			s.log.Warn("slow block", "block", num, "seconds", secs)
		}
	}
}

// waitForBlock sleeps until the head has advanced trail_blocks past num.
func (s *Syncer) waitForBlock(ctx context.Context, num uint32) error {
	if s.cfg.TrailBlocks == 0 {
		return ctx.Err()
	}
	for {
		head, err := s.chain.HeadBlock(ctx)
		if err != nil {
			return err
		}
		if head >= num+s.cfg.TrailBlocks {
			return nil
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// fetchBlock retries until the node serves the block.
func (s *Syncer) fetchBlock(ctx context.Context, num uint32) (*types.Block, error) {
	for {
		b, err := s.chain.GetBlock(ctx, num)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, chain.ErrNotAvailable) {
			return nil, err
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
