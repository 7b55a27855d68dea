package client

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
)

type (
	ShardServerConfig struct {
		// Addresses holds the grpc address of every rank, indexed by rank.
		Addresses       []string               `json:"addresses"`
		TransportConfig TransportConfig        `json:"transport"`
		Partitioner     *partition.Partitioner `json:"-"`
	}

	// ShardServerClient reaches the shards owned by other ranks. One
	// connection per owner rank is dialed on first use.
	ShardServerClient struct {
		addresses   []string
		partitioner *partition.Partitioner
		conns       sync.Map
		group       singleflight.Group
		dialOpts    []grpc.DialOption
		tc          TransportConfig
	}

	shardServer struct {
		shardID proto.ShardID
		client  *proto.MetaShardClient
	}
)

func NewShardServerClient(cfg *ShardServerConfig) (*ShardServerClient, error) {
	if cfg.Partitioner == nil {
		return nil, fmt.Errorf("%w: shard server client without partitioner", apierrors.ErrConfig)
	}
	initTransportConfig(&cfg.TransportConfig)
	return &ShardServerClient{
		addresses:   cfg.Addresses,
		partitioner: cfg.Partitioner,
		dialOpts:    generateDialOpts(&cfg.TransportConfig),
		tc:          cfg.TransportConfig,
	}, nil
}

// GetClient returns the server of shardID. A rank that cannot be dialed is
// reported as an unavailable shard.
func (s *ShardServerClient) GetClient(ctx context.Context, shardID proto.ShardID) (proto.MetaShardServer, error) {
	if int(shardID) >= s.partitioner.NumShards() {
		return nil, fmt.Errorf("%w: shard %d of %d", apierrors.ErrShardDoesNotExist, shardID, s.partitioner.NumShards())
	}
	rank := s.partitioner.OwnerRank(shardID)
	if int(rank) >= len(s.addresses) || s.addresses[rank] == "" {
		return nil, fmt.Errorf("%w: no address of rank %d serving shard %d", apierrors.ErrShardDoesNotExist, rank, shardID)
	}

	conn, err := s.getConn(ctx, rank)
	if err != nil {
		return nil, apierrors.NewShardUnavailable(shardID, err)
	}
	return &shardServer{shardID: shardID, client: proto.NewMetaShardClient(conn)}, nil
}

func (s *ShardServerClient) Close() {
	s.conns.Range(func(key, value interface{}) bool {
		value.(*grpc.ClientConn).Close()
		s.conns.Delete(key)
		return true
	})
}

func (s *ShardServerClient) getConn(ctx context.Context, rank proto.Rank) (*grpc.ClientConn, error) {
	if v, ok := s.conns.Load(rank); ok {
		return v.(*grpc.ClientConn), nil
	}

	v, err, _ := s.group.Do(strconv.Itoa(int(rank)), func() (interface{}, error) {
		if v, ok := s.conns.Load(rank); ok {
			return v, nil
		}
		span := trace.SpanFromContextSafe(ctx)
		dialCtx, cancel := context.WithTimeout(ctx, time.Duration(s.tc.ConnectTimeoutMs)*time.Millisecond)
		defer cancel()
		conn, err := grpc.DialContext(dialCtx, s.addresses[rank], s.dialOpts...)
		if err != nil {
			span.Warnf("dial rank[%d] at %s failed: %s", rank, s.addresses[rank], err)
			return nil, err
		}
		s.conns.Store(rank, conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*grpc.ClientConn), nil
}

func (s *shardServer) PutExtents(ctx context.Context, req *proto.PutExtentsRequest) (*proto.PutExtentsResponse, error) {
	resp, err := s.client.PutExtents(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) GetExtents(ctx context.Context, req *proto.GetExtentsRequest) (*proto.GetExtentsResponse, error) {
	resp, err := s.client.GetExtents(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) ScanExtents(ctx context.Context, req *proto.ScanExtentsRequest) (*proto.ScanExtentsResponse, error) {
	resp, err := s.client.ScanExtents(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) PutAttrs(ctx context.Context, req *proto.PutAttrsRequest) (*proto.PutAttrsResponse, error) {
	resp, err := s.client.PutAttrs(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) GetAttrs(ctx context.Context, req *proto.GetAttrsRequest) (*proto.GetAttrsResponse, error) {
	resp, err := s.client.GetAttrs(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) DeleteAttr(ctx context.Context, req *proto.DeleteAttrRequest) (*proto.DeleteAttrResponse, error) {
	resp, err := s.client.DeleteAttr(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) ScanAttrs(ctx context.Context, req *proto.ScanAttrsRequest) (*proto.ScanAttrsResponse, error) {
	resp, err := s.client.ScanAttrs(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) PutEdges(ctx context.Context, req *proto.PutEdgesRequest) (*proto.PutEdgesResponse, error) {
	resp, err := s.client.PutEdges(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) DeleteEdges(ctx context.Context, req *proto.DeleteEdgesRequest) (*proto.DeleteEdgesResponse, error) {
	resp, err := s.client.DeleteEdges(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) ListChildren(ctx context.Context, req *proto.ListChildrenRequest) (*proto.ListChildrenResponse, error) {
	resp, err := s.client.ListChildren(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) ScanEdges(ctx context.Context, req *proto.ScanEdgesRequest) (*proto.ScanEdgesResponse, error) {
	resp, err := s.client.ScanEdges(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) Commit(ctx context.Context, req *proto.CommitRequest) (*proto.CommitResponse, error) {
	resp, err := s.client.Commit(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}

func (s *shardServer) ShardStats(ctx context.Context, req *proto.ShardStatsRequest) (*proto.ShardStatsResponse, error) {
	resp, err := s.client.ShardStats(ctx, req)
	return resp, apierrors.FromStatus(s.shardID, err)
}
