// Package indexer contains the projection pipeline: the block projector,
// the post/feed cache maintainer, checkpoint replay, and the sync driver
// that sequences them against the upstream node.
//
// The pipeline is single-writer. One Syncer owns all writes to the store;
// running two against the same database corrupts the feed cache.
package indexer

import (
	"context"
	"errors"

	"github.com/steemit/hivemind-go/internal/chain"
	"github.com/steemit/hivemind-go/internal/storage"
)

// ErrFork is returned by the live tail when a fetched block does not link
// to the previously applied one. There is no pop-block facility; the
// operator restarts the indexer once the fork resolves.
var ErrFork = errors.New("unlinkable block")

// ErrIntegrity signals indexer-state corruption: a dirty ref or parent
// lookup resolving to no row. The current transaction is rolled back and
// the driver stops.
var ErrIntegrity = errors.New("indexer state integrity")

// DirtySet accumulates "author/permlink" refs touched by comment and vote
// ops, deduplicated, in first-seen order.
type DirtySet struct {
	seen map[string]bool
	refs []string
}

// NewDirtySet returns an empty set.
func NewDirtySet() *DirtySet {
	return &DirtySet{seen: make(map[string]bool)}
}

// Add appends refs not already present.
func (d *DirtySet) Add(refs ...string) {
	for _, ref := range refs {
		if d.seen[ref] {
			continue
		}
		d.seen[ref] = true
		d.refs = append(d.refs, ref)
	}
}

// Len returns the number of distinct refs.
func (d *DirtySet) Len() int { return len(d.refs) }

// Refs returns the refs in first-seen order. The slice is owned by the
// set; callers must not retain it past the next Add.
func (d *DirtySet) Refs() []string { return d.refs }

// HeadState reports indexer lag relative to the upstream head.
type HeadState struct {
	Steemd uint32 `json:"steemd"`
	Hive   uint32 `json:"hive"`
	Diff   int64  `json:"diff"`
}

// CurrentHeadState compares the store's last applied block against the
// node's head block.
func CurrentHeadState(ctx context.Context, store storage.Store, client chain.Client) (*HeadState, error) {
	steemd, err := client.HeadBlock(ctx)
	if err != nil {
		return nil, err
	}
	hive, err := store.LastBlock(ctx)
	if err != nil {
		return nil, err
	}
	return &HeadState{
		Steemd: steemd,
		Hive:   hive,
		Diff:   int64(steemd) - int64(hive),
	}, nil
}
