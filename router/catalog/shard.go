package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/proto"
)

type shardResult struct {
	ret interface{}
	err error
}

// shard issues calls to one shard under the per call timeout.
type shard struct {
	shardID proto.ShardID
	tr      *Transport
	timeout time.Duration
}

func (s *shard) header() proto.ShardOpHeader {
	return proto.ShardOpHeader{ShardID: s.shardID}
}

// do runs f against the shard. A shard that does not answer before the
// timeout is reported unavailable, its late answer is dropped.
func (s *shard) do(ctx context.Context, f func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error)) (interface{}, error) {
	srv, err := s.tr.GetShard(ctx, s.shardID)
	if err != nil {
		return nil, s.classify(ctx, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	done := make(chan shardResult, 1)
	go func() {
		ret, err := f(ctx, srv)
		done <- shardResult{ret: ret, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, s.classify(ctx, r.err)
		}
		return r.ret, nil
	case <-ctx.Done():
		return nil, s.classify(ctx, ctx.Err())
	}
}

// classify tags transport, timeout and admission failures with the shard
// id. Errors already carrying a shard and caller errors pass through.
func (s *shard) classify(ctx context.Context, err error) error {
	span := trace.SpanFromContextSafe(ctx)
	switch {
	case errors.Is(err, apierrors.ErrShardUnavailable):
		metrics.RouterShardErrors.WithLabelValues("unavailable").Inc()
	case errors.Is(err, apierrors.ErrIndex):
		metrics.RouterShardErrors.WithLabelValues("index").Inc()
		span.Errorf("shard[%d] index error: %s", s.shardID, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, apierrors.ErrShardBusy), errors.Is(err, apierrors.ErrShardDoesNotExist):
		metrics.RouterShardErrors.WithLabelValues("unavailable").Inc()
		span.Warnf("shard[%d] unavailable: %s", s.shardID, err)
		return apierrors.NewShardUnavailable(s.shardID, err)
	default:
		metrics.RouterShardErrors.WithLabelValues("rejected").Inc()
	}
	return err
}

func (s *shard) PutExtents(ctx context.Context, extents []proto.Extent) error {
	metrics.RouterBatchRecords.WithLabelValues(proto.IndexName(proto.ExtentIndexID)).Observe(float64(len(extents)))
	_, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.PutExtents(ctx, &proto.PutExtentsRequest{Header: s.header(), Extents: extents})
	})
	return err
}

func (s *shard) GetExtents(ctx context.Context, keys []proto.ExtentKey, limit int) ([]proto.Extent, error) {
	ret, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.GetExtents(ctx, &proto.GetExtentsRequest{Header: s.header(), Keys: keys, Limit: limit})
	})
	if err != nil {
		return nil, err
	}
	return ret.(*proto.GetExtentsResponse).Extents, nil
}

func (s *shard) ScanExtents(ctx context.Context, ranges []proto.ExtentRange, limit int) ([]proto.Extent, error) {
	ret, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.ScanExtents(ctx, &proto.ScanExtentsRequest{Header: s.header(), Ranges: ranges, Limit: limit})
	})
	if err != nil {
		return nil, err
	}
	return ret.(*proto.ScanExtentsResponse).Extents, nil
}

func (s *shard) PutAttrs(ctx context.Context, attrs []proto.FileAttr) error {
	metrics.RouterBatchRecords.WithLabelValues(proto.IndexName(proto.AttrIndexID)).Observe(float64(len(attrs)))
	_, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.PutAttrs(ctx, &proto.PutAttrsRequest{Header: s.header(), Attrs: attrs})
	})
	return err
}

func (s *shard) GetAttrs(ctx context.Context, gfids []proto.Gfid) (*proto.GetAttrsResponse, error) {
	ret, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.GetAttrs(ctx, &proto.GetAttrsRequest{Header: s.header(), Gfids: gfids})
	})
	if err != nil {
		return nil, err
	}
	return ret.(*proto.GetAttrsResponse), nil
}

func (s *shard) DeleteAttr(ctx context.Context, gfid proto.Gfid) error {
	_, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.DeleteAttr(ctx, &proto.DeleteAttrRequest{Header: s.header(), Gfid: gfid})
	})
	return err
}

func (s *shard) ScanAttrs(ctx context.Context, marker proto.Gfid, started bool, count int) (*proto.ScanAttrsResponse, error) {
	ret, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.ScanAttrs(ctx, &proto.ScanAttrsRequest{Header: s.header(), Marker: marker, Started: started, Count: count})
	})
	if err != nil {
		return nil, err
	}
	return ret.(*proto.ScanAttrsResponse), nil
}

func (s *shard) PutEdges(ctx context.Context, edges []proto.Edge) error {
	metrics.RouterBatchRecords.WithLabelValues(proto.IndexName(proto.HierarchyIndexID)).Observe(float64(len(edges)))
	_, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.PutEdges(ctx, &proto.PutEdgesRequest{Header: s.header(), Edges: edges})
	})
	return err
}

func (s *shard) DeleteEdges(ctx context.Context, edges []proto.Edge) error {
	_, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.DeleteEdges(ctx, &proto.DeleteEdgesRequest{Header: s.header(), Edges: edges})
	})
	return err
}

func (s *shard) ListChildren(ctx context.Context, parent, after proto.Gfid, started bool, limit int) ([]proto.Gfid, error) {
	ret, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.ListChildren(ctx, &proto.ListChildrenRequest{
			Header: s.header(), Parent: parent, After: after, Started: started, Limit: limit,
		})
	})
	if err != nil {
		return nil, err
	}
	return ret.(*proto.ListChildrenResponse).Children, nil
}

func (s *shard) ScanEdges(ctx context.Context, marker proto.Edge, started bool, count int) (*proto.ScanEdgesResponse, error) {
	ret, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.ScanEdges(ctx, &proto.ScanEdgesRequest{Header: s.header(), Marker: marker, Started: started, Count: count})
	})
	if err != nil {
		return nil, err
	}
	return ret.(*proto.ScanEdgesResponse), nil
}

func (s *shard) Commit(ctx context.Context) error {
	_, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.Commit(ctx, &proto.CommitRequest{Header: s.header()})
	})
	return err
}

func (s *shard) Stats(ctx context.Context) (proto.ShardStats, error) {
	ret, err := s.do(ctx, func(ctx context.Context, srv proto.MetaShardServer) (interface{}, error) {
		return srv.ShardStats(ctx, &proto.ShardStatsRequest{Header: s.header()})
	})
	if err != nil {
		return proto.ShardStats{}, err
	}
	return ret.(*proto.ShardStatsResponse).Stats, nil
}
