package indexer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/steemit/hivemind-go/internal/types"
)

// checkpointChunk is the number of checkpoint lines projected per
// transaction.
const checkpointChunk = 250

// Checkpoint lines hold full blocks; the scanner buffer must fit the
// largest one.
const maxCheckpointLine = 32 << 20

// checkpointFile is one block archive: every line a JSON block, named by
// the block number its last line reaches.
type checkpointFile struct {
	end  uint32
	path string
}

// listCheckpoints enumerates <end>.json.lst files in dir, ascending by
// end block.
func listCheckpoints(dir string) ([]checkpointFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json.lst"))
	if err != nil {
		return nil, err
	}
	files := make([]checkpointFile, 0, len(paths))
	for _, p := range paths {
		numStr, _, _ := strings.Cut(filepath.Base(p), ".")
		end, err := strconv.ParseUint(numStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: bad block number in name: %w", p, err)
		}
		files = append(files, checkpointFile{end: uint32(end), path: p})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].end < files[j].end })
	return files, nil
}

// syncFromCheckpoints replays local block archives up to their last
// block. Files fully below the store's head are skipped; the straddling
// file is entered at the right line.
func (s *Syncer) syncFromCheckpoints(ctx context.Context) error {
	lastBlock, err := s.store.LastBlock(ctx)
	if err != nil {
		return err
	}
	files, err := listCheckpoints(s.cfg.CheckpointsDir)
	if err != nil {
		return err
	}

	var lastRead uint32
	for _, f := range files {
		if lastBlock < f.end {
			s.log.Info("loading checkpoint", "path", f.path, "last_block", lastBlock)
			skip := int(lastBlock) - int(lastRead)
			if err := s.syncFromFile(ctx, f.path, skip); err != nil {
				return err
			}
			lastBlock = f.end
		}
		lastRead = f.end
	}
	return nil
}

// syncFromFile replays one archive, skipping already-applied lines, in
// chunks of checkpointChunk blocks per transaction. Dirty refs are
// discarded: checkpoints cover historic ranges whose cache state is
// rebuilt by the missing-fill pass.
func (s *Syncer) syncFromFile(ctx context.Context, path string, skipLines int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256*1024), maxCheckpointLine)

	for i := 0; i < skipLines; i++ {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return fmt.Errorf("checkpoint %s: %w", path, err)
			}
			return nil
		}
	}

	batch := make([]*types.Block, 0, checkpointChunk)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := s.projectBatch(ctx, batch); err != nil {
			return fmt.Errorf("checkpoint %s: %w", path, err)
		}
		batch = batch[:0]
		return nil
	}

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var b types.Block
		if err := json.Unmarshal(line, &b); err != nil {
			return fmt.Errorf("checkpoint %s: decode block: %w", path, err)
		}
		batch = append(batch, &b)
		if len(batch) == checkpointChunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return flush()
}
