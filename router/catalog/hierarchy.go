package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/proto"
)

// The hierarchy index is derived from the attribute index: an edge
// parent->child is valid only while the attribute of child names parent.
// Edges are written after their attribute and checked on every read, and
// RebuildHierarchy recomputes them from the attributes.

// SetFileAttributeWithParent stores attr as a child of parent. The
// attribute is written first; if the edge cannot be written the previous
// attribute is restored on a best effort basis and the edge error returned.
func (c *Catalog) SetFileAttributeWithParent(ctx context.Context, attr proto.FileAttr, parent proto.Gfid) error {
	span := trace.SpanFromContextSafe(ctx)
	attr.Parent, attr.HasParent = parent, true
	if err := checkAttr(&attr); err != nil {
		return err
	}

	prev, err := c.GetFileAttribute(ctx, attr.Gfid)
	hasPrev := err == nil
	if err != nil && !isNotFound(err) {
		return err
	}
	attrShard := c.getShard(c.partitioner.ShardForGfid(attr.Gfid))
	if err = attrShard.PutAttrs(ctx, []proto.FileAttr{attr}); err != nil {
		return err
	}

	edge := proto.Edge{Parent: parent, Child: attr.Gfid}
	edgeErr := c.getShard(c.partitioner.ShardForGfid(parent)).PutEdges(ctx, []proto.Edge{edge})
	if edgeErr == nil {
		return nil
	}

	if hasPrev {
		err = attrShard.PutAttrs(ctx, []proto.FileAttr{prev})
	} else {
		err = attrShard.DeleteAttr(ctx, attr.Gfid)
	}
	if err != nil {
		span.Errorf("roll back attribute of gfid[%d] failed: %s", attr.Gfid, err)
	}
	return edgeErr
}

// GetChildren returns the attributes of the children of parent. Edges whose
// attribute is gone or names another parent are skipped. More than
// MaxResults valid children fail the call with ErrTooManyResults.
func (c *Catalog) GetChildren(ctx context.Context, parent proto.Gfid) ([]proto.FileAttr, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := c.getShard(c.partitioner.ShardForGfid(parent))
	page := c.cfg.ScanCount
	if page > c.cfg.MaxMetaPerSend {
		page = c.cfg.MaxMetaPerSend
	}

	var (
		ret     []proto.FileAttr
		after   proto.Gfid
		started bool
	)
	for {
		children, err := s.ListChildren(ctx, parent, after, started, page)
		if err != nil {
			return nil, err
		}
		more := len(children) > page
		if more {
			children = children[:page]
		}
		if len(children) == 0 {
			return ret, nil
		}

		attrs, found, err := c.getFileAttributes(ctx, children)
		if err != nil {
			return nil, err
		}
		for i := range attrs {
			if !found[i] || !attrs[i].HasParent || attrs[i].Parent != parent {
				span.Debugf("skip stale edge %d->%d", parent, children[i])
				metrics.HierarchyStaleEdges.Inc()
				continue
			}
			ret = append(ret, attrs[i])
		}
		if len(ret) > c.cfg.MaxResults {
			return nil, fmt.Errorf("%w: parent %d has more than %d children", apierrors.ErrTooManyResults, parent, c.cfg.MaxResults)
		}
		if !more {
			return ret, nil
		}
		after, started = children[len(children)-1], true
	}
}

// RebuildHierarchy recomputes the hierarchy index from a full scan of the
// attribute index: every edge named by an attribute is written and every
// stored edge not named by one is deleted. Deletion is skipped when an
// attribute shard could not be scanned.
func (c *Catalog) RebuildHierarchy(ctx context.Context) (*proto.RebuildStats, error) {
	span := trace.SpanFromContextSafe(ctx)
	stats := &proto.RebuildStats{}
	expected := make(map[proto.Edge]struct{})
	edges := make(map[proto.ShardID][]proto.Edge)

	for _, shardID := range c.partitioner.AllShards() {
		s := c.getShard(shardID)
		var marker proto.Gfid
		started := false
		for {
			resp, err := s.ScanAttrs(ctx, marker, started, c.cfg.ScanCount)
			if err != nil {
				if !errors.Is(err, apierrors.ErrShardUnavailable) {
					return nil, err
				}
				span.Warnf("rebuild: scan attributes of shard[%d] failed: %s", shardID, err)
				stats.FailedShards = append(stats.FailedShards, shardID)
				break
			}
			for _, a := range resp.Attrs {
				stats.AttrsScanned++
				if !a.HasParent {
					continue
				}
				e := proto.Edge{Parent: a.Parent, Child: a.Gfid}
				expected[e] = struct{}{}
				owner := c.partitioner.ShardForGfid(a.Parent)
				edges[owner] = append(edges[owner], e)
			}
			if !resp.HasMore {
				break
			}
			marker, started = resp.NextMarker, true
		}
	}
	attrScanFailed := len(stats.FailedShards) > 0

	for shardID, all := range edges {
		s := c.getShard(shardID)
		for _, chunk := range chunks(len(all), c.cfg.MaxMetaPerSend) {
			if err := s.PutEdges(ctx, all[chunk[0]:chunk[1]]); err != nil {
				span.Warnf("rebuild: put edges to shard[%d] failed: %s", shardID, err)
				stats.FailedShards = appendShard(stats.FailedShards, shardID)
				break
			}
			stats.EdgesInserted += uint64(chunk[1] - chunk[0])
		}
	}
	metrics.HierarchyRepairs.WithLabelValues("inserted").Add(float64(stats.EdgesInserted))
	if attrScanFailed {
		return stats, nil
	}

	for _, shardID := range c.partitioner.AllShards() {
		if err := c.pruneEdges(ctx, shardID, expected, stats); err != nil {
			if !errors.Is(err, apierrors.ErrShardUnavailable) {
				return nil, err
			}
			span.Warnf("rebuild: prune edges of shard[%d] failed: %s", shardID, err)
			stats.FailedShards = appendShard(stats.FailedShards, shardID)
		}
	}
	span.Infof("rebuild hierarchy done: %+v", *stats)
	return stats, nil
}

func (c *Catalog) pruneEdges(ctx context.Context, shardID proto.ShardID, expected map[proto.Edge]struct{}, stats *proto.RebuildStats) error {
	s := c.getShard(shardID)
	var marker proto.Edge
	started := false
	for {
		resp, err := s.ScanEdges(ctx, marker, started, c.cfg.ScanCount)
		if err != nil {
			return err
		}
		var stale []proto.Edge
		for _, e := range resp.Edges {
			stats.EdgesScanned++
			if _, ok := expected[e]; !ok {
				stale = append(stale, e)
			}
		}
		if len(stale) > 0 {
			if err = s.DeleteEdges(ctx, stale); err != nil {
				return err
			}
			stats.EdgesDeleted += uint64(len(stale))
			metrics.HierarchyRepairs.WithLabelValues("deleted").Add(float64(len(stale)))
		}
		if !resp.HasMore {
			return nil
		}
		marker, started = resp.NextMarker, true
	}
}

func appendShard(shards []proto.ShardID, shardID proto.ShardID) []proto.ShardID {
	for _, s := range shards {
		if s == shardID {
			return shards
		}
	}
	return append(shards, shardID)
}
