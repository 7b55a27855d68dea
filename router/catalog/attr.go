package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
)

func checkAttr(attr *proto.FileAttr) error {
	if len(attr.Filename) > proto.MaxFilenameLen {
		return fmt.Errorf("%w: gfid %d filename of %d bytes", apierrors.ErrFilenameTooLong, attr.Gfid, len(attr.Filename))
	}
	return nil
}

func (c *Catalog) SetFileAttribute(ctx context.Context, attr proto.FileAttr) error {
	if attr.HasParent {
		return c.SetFileAttributeWithParent(ctx, attr, attr.Parent)
	}
	if err := checkAttr(&attr); err != nil {
		return err
	}
	return c.getShard(c.partitioner.ShardForGfid(attr.Gfid)).PutAttrs(ctx, []proto.FileAttr{attr})
}

// SetFileAttributes stores a batch of attributes with one call per shard.
// Records naming a parent get their edge written once the attribute is
// stored; a failed edge marks its record.
func (c *Catalog) SetFileAttributes(ctx context.Context, attrs []proto.FileAttr) (*BatchResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := c.checkBatch(len(attrs)); err != nil {
		return nil, err
	}
	size := int64(0)
	for i := range attrs {
		size += attrStageSize + int64(len(attrs[i].Filename))
	}
	release, err := c.reserve(size)
	if err != nil {
		return nil, err
	}
	defer release()

	result := newBatchResult(len(attrs))
	groups := make(map[proto.ShardID][]int)
	for i := range attrs {
		if err := checkAttr(&attrs[i]); err != nil {
			result.Errors[i] = err
			continue
		}
		shardID := c.partitioner.ShardForGfid(attrs[i].Gfid)
		groups[shardID] = append(groups[shardID], i)
	}

	shardIDs := sortedShards(groups)
	c.fanout(shardIDs, func(_ int, shardID proto.ShardID) {
		s := c.getShard(shardID)
		idx := groups[shardID]
		for _, chunk := range chunks(len(idx), c.cfg.MaxMetaPerSend) {
			sub := make([]proto.FileAttr, 0, chunk[1]-chunk[0])
			for _, i := range idx[chunk[0]:chunk[1]] {
				sub = append(sub, attrs[i])
			}
			if err := s.PutAttrs(ctx, sub); err != nil {
				// each position belongs to exactly one shard
				for _, i := range idx[chunk[0]:chunk[1]] {
					result.Errors[i] = err
				}
			}
		}
	})
	c.putParentEdges(ctx, attrs, result)
	if err := result.FirstError(); err != nil {
		span.Warnf("set file attributes: %d of %d records failed, first: %s", len(result.Failed()), len(attrs), err)
	}
	return result, nil
}

func (c *Catalog) putParentEdges(ctx context.Context, attrs []proto.FileAttr, result *BatchResult) {
	groups := make(map[proto.ShardID][]int)
	for i := range attrs {
		if result.Errors[i] != nil || !attrs[i].HasParent {
			continue
		}
		shardID := c.partitioner.ShardForGfid(attrs[i].Parent)
		groups[shardID] = append(groups[shardID], i)
	}
	if len(groups) == 0 {
		return
	}

	c.fanout(sortedShards(groups), func(_ int, shardID proto.ShardID) {
		s := c.getShard(shardID)
		idx := groups[shardID]
		for _, chunk := range chunks(len(idx), c.cfg.MaxMetaPerSend) {
			edges := make([]proto.Edge, 0, chunk[1]-chunk[0])
			for _, i := range idx[chunk[0]:chunk[1]] {
				edges = append(edges, proto.Edge{Parent: attrs[i].Parent, Child: attrs[i].Gfid})
			}
			if err := s.PutEdges(ctx, edges); err != nil {
				for _, i := range idx[chunk[0]:chunk[1]] {
					result.Errors[i] = err
				}
			}
		}
	})
}

// GetFileAttribute returns the attribute of gfid or ErrNotFound.
func (c *Catalog) GetFileAttribute(ctx context.Context, gfid proto.Gfid) (proto.FileAttr, error) {
	resp, err := c.getShard(c.partitioner.ShardForGfid(gfid)).GetAttrs(ctx, []proto.Gfid{gfid})
	if err != nil {
		return proto.FileAttr{}, err
	}
	if len(resp.Found) != 1 || !resp.Found[0] {
		return proto.FileAttr{}, fmt.Errorf("%w: gfid %d", apierrors.ErrNotFound, gfid)
	}
	return resp.Attrs[0], nil
}

// getFileAttributes resolves gfids with one call per shard. The returned
// slices are aligned with gfids.
func (c *Catalog) getFileAttributes(ctx context.Context, gfids []proto.Gfid) ([]proto.FileAttr, []bool, error) {
	groups := make(map[proto.ShardID][]int)
	for i, gfid := range gfids {
		shardID := c.partitioner.ShardForGfid(gfid)
		groups[shardID] = append(groups[shardID], i)
	}

	attrs := make([]proto.FileAttr, len(gfids))
	found := make([]bool, len(gfids))
	shardIDs := sortedShards(groups)
	errs := make([]error, len(shardIDs))
	c.fanout(shardIDs, func(i int, shardID proto.ShardID) {
		idx := groups[shardID]
		sub := make([]proto.Gfid, len(idx))
		for j, k := range idx {
			sub[j] = gfids[k]
		}
		resp, err := c.getShard(shardID).GetAttrs(ctx, sub)
		if err != nil {
			errs[i] = err
			return
		}
		for j, k := range idx {
			attrs[k], found[k] = resp.Attrs[j], resp.Found[j]
		}
	})
	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	return attrs, found, nil
}

// DeleteFileAttribute removes the attribute of gfid and its hierarchy edge.
func (c *Catalog) DeleteFileAttribute(ctx context.Context, gfid proto.Gfid) error {
	span := trace.SpanFromContextSafe(ctx)
	attr, err := c.GetFileAttribute(ctx, gfid)
	if err != nil {
		return err
	}
	if err = c.getShard(c.partitioner.ShardForGfid(gfid)).DeleteAttr(ctx, gfid); err != nil {
		return err
	}
	if !attr.HasParent {
		return nil
	}
	// an edge left behind names a missing attribute and is skipped by
	// GetChildren until the next rebuild removes it
	edge := proto.Edge{Parent: attr.Parent, Child: gfid}
	if err = c.getShard(c.partitioner.ShardForGfid(attr.Parent)).DeleteEdges(ctx, []proto.Edge{edge}); err != nil {
		span.Warnf("delete edge %d->%d failed: %s", edge.Parent, edge.Child, err)
	}
	return nil
}

// Laminate finalizes a file: its size is fixed and its extents are not
// expected to change any more.
func (c *Catalog) Laminate(ctx context.Context, gfid proto.Gfid, size uint64) (proto.FileAttr, error) {
	attr, err := c.GetFileAttribute(ctx, gfid)
	if err != nil {
		return proto.FileAttr{}, err
	}
	attr.Size = size
	attr.IsLaminated = true
	if err = c.SetFileAttribute(ctx, attr); err != nil {
		return proto.FileAttr{}, err
	}
	return attr, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, apierrors.ErrNotFound)
}
