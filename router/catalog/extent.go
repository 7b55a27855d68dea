package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
)

// RangeResult is the answer of an extent query. Extents are concatenated
// in ascending shard order, shards that did not answer are listed in
// Unavailable and contributed nothing.
type RangeResult struct {
	Extents     []proto.Extent
	Unavailable []proto.ShardID
}

func (r *RangeResult) Complete() bool {
	return len(r.Unavailable) == 0
}

// SetExtents stores a batch of extents. Records without a sequence number
// are stamped with a fresh one, records crossing slice boundaries are
// stored as one piece per slice, and every piece is charged against the
// staging budget. The outcome of every record is reported in the result;
// a record fails when any of its pieces fails.
func (c *Catalog) SetExtents(ctx context.Context, extents []proto.Extent) (*BatchResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := c.checkBatch(len(extents)); err != nil {
		return nil, err
	}

	// pieces are counted before any is built, the budget is charged per piece
	result := newBatchResult(len(extents))
	maxPieces := uint64(c.cfg.StagingBytes / extentStageSize)
	var total uint64
	for i := range extents {
		e := &extents[i]
		if e.Value.Length == 0 || e.End() < e.Key.Offset {
			result.Errors[i] = fmt.Errorf("%w: %s of length %d", apierrors.ErrInvalidExtent, e.Key, e.Value.Length)
			continue
		}
		total += c.partitioner.CountPieces(*e)
		if total > maxPieces {
			return nil, fmt.Errorf("%w: more than %d pieces staged, budget %d bytes",
				apierrors.ErrOutOfMemory, maxPieces, c.cfg.StagingBytes)
		}
	}
	release, err := c.reserve(int64(total) * extentStageSize)
	if err != nil {
		return nil, err
	}
	defer release()

	pieces := make(map[proto.ShardID][]proto.Extent)
	owners := make(map[proto.ShardID][]int)
	for i := range extents {
		if result.Errors[i] != nil {
			continue
		}
		e := extents[i]
		if e.Value.Seq == 0 {
			e.Value.Seq = c.sequencer.Next()
		}
		for _, piece := range c.partitioner.SplitExtent(e) {
			shardID := c.partitioner.ShardForExtent(piece.Key)
			pieces[shardID] = append(pieces[shardID], piece)
			owners[shardID] = append(owners[shardID], i)
		}
	}

	shardIDs := sortedShards(owners)
	errs := make([][]error, len(shardIDs))
	c.fanout(shardIDs, func(i int, shardID proto.ShardID) {
		s := c.getShard(shardID)
		all := pieces[shardID]
		errs[i] = make([]error, len(all))
		for _, chunk := range chunks(len(all), c.cfg.MaxMetaPerSend) {
			if err := s.PutExtents(ctx, all[chunk[0]:chunk[1]]); err != nil {
				for j := chunk[0]; j < chunk[1]; j++ {
					errs[i][j] = err
				}
			}
		}
	})

	for i, shardID := range shardIDs {
		for j, err := range errs[i] {
			if err != nil {
				result.setIfNil(owners[shardID][j], err)
			}
		}
	}
	if err := result.FirstError(); err != nil {
		span.Warnf("set extents: %d of %d records failed, first: %s", len(result.Failed()), len(extents), err)
	}
	return result, nil
}

// GetExtents returns every record stored at one of keys.
func (c *Catalog) GetExtents(ctx context.Context, keys []proto.ExtentKey) (*RangeResult, error) {
	if err := c.checkBatch(len(keys)); err != nil {
		return nil, err
	}
	groups := make(map[proto.ShardID][]int)
	for i, k := range keys {
		shardID := c.partitioner.ShardForExtent(k)
		groups[shardID] = append(groups[shardID], i)
	}
	return c.queryExtents(ctx, groups, func(ctx context.Context, s *shard, idx []int) ([]proto.Extent, error) {
		sub := make([]proto.ExtentKey, len(idx))
		for j, i := range idx {
			sub[j] = keys[i]
		}
		return s.GetExtents(ctx, sub, c.cfg.MaxResults)
	})
}

// GetExtentRanges returns the records overlapping any of ranges.
func (c *Catalog) GetExtentRanges(ctx context.Context, ranges []proto.ExtentRange) (*RangeResult, error) {
	if err := c.checkBatch(len(ranges)); err != nil {
		return nil, err
	}
	groups := make(map[proto.ShardID][]int)
	for i, r := range ranges {
		for _, shardID := range c.partitioner.ShardsForExtentRange(r) {
			groups[shardID] = append(groups[shardID], i)
		}
	}
	return c.queryExtents(ctx, groups, func(ctx context.Context, s *shard, idx []int) ([]proto.Extent, error) {
		sub := make([]proto.ExtentRange, len(idx))
		for j, i := range idx {
			sub[j] = ranges[i]
		}
		return s.ScanExtents(ctx, sub, c.cfg.MaxResults)
	})
}

func (c *Catalog) queryExtents(ctx context.Context, groups map[proto.ShardID][]int,
	query func(ctx context.Context, s *shard, idx []int) ([]proto.Extent, error),
) (*RangeResult, error) {
	shardIDs := sortedShards(groups)
	rets := make([][]proto.Extent, len(shardIDs))
	errs := make([]error, len(shardIDs))
	c.fanout(shardIDs, func(i int, shardID proto.ShardID) {
		rets[i], errs[i] = query(ctx, c.getShard(shardID), groups[shardID])
	})

	result := &RangeResult{}
	total := 0
	for i, shardID := range shardIDs {
		if err := errs[i]; err != nil {
			if errors.Is(err, apierrors.ErrShardUnavailable) {
				result.Unavailable = append(result.Unavailable, shardID)
				continue
			}
			return nil, err
		}
		total += len(rets[i])
	}
	if total > c.cfg.MaxResults {
		return nil, fmt.Errorf("%w: %d extents, at most %d", apierrors.ErrTooManyResults, total, c.cfg.MaxResults)
	}
	result.Extents = make([]proto.Extent, 0, total)
	for i := range shardIDs {
		result.Extents = append(result.Extents, rets[i]...)
	}
	return result, nil
}
