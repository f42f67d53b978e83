// Package chain provides the upstream steemd adapter. All block and
// content reads used by the indexer go through the Client interface so
// tests can substitute a fake node.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/steemit/hivemind-go/internal/types"
)

// ErrNotAvailable is returned when the node does not have the requested
// block or content yet. Callers near the head are expected to retry.
var ErrNotAvailable = errors.New("chain: not available")

// Client is the read interface over a steemd node.
type Client interface {
	// HeadBlock returns the current head block number.
	HeadBlock(ctx context.Context) (uint32, error)

	// LastIrreversible returns the last irreversible block number.
	LastIrreversible(ctx context.Context) (uint32, error)

	// HeadTime returns the node's head block timestamp (UTC).
	HeadTime(ctx context.Context) (time.Time, error)

	// GetBlock fetches a single block. Returns ErrNotAvailable when the
	// node has not produced (or does not yet serve) the block.
	GetBlock(ctx context.Context, num uint32) (*types.Block, error)

	// GetBlockRange fetches blocks in [lo, hi), ascending. Every block in
	// the range must exist; the range is only used below the irreversible
	// head.
	GetBlockRange(ctx context.Context, lo, hi uint32) ([]*types.Block, error)

	// GetContent fetches the current state of a post or comment. Returns
	// ErrNotAvailable when the node has no content for the pair.
	GetContent(ctx context.Context, author, permlink string) (*types.Content, error)
}
