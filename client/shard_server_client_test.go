package client

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/burstfs/metadb/common/kvstore"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
	sscatalog "github.com/burstfs/metadb/shardserver/catalog"
	"github.com/burstfs/metadb/shardserver/store"
	"github.com/burstfs/metadb/util"
)

func statusInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	return resp, apierrors.ToStatus(err)
}

// serveShard serves the shard of rank 0 on a random local port.
func serveShard(t *testing.T, part partition.Config) string {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	ss, err := sscatalog.NewCatalog(ctx, &sscatalog.Config{
		StoreConfig: store.Config{Path: path, KVType: kvstore.MemoryKVType},
		Partition:   part,
	})
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer(grpc.UnaryInterceptor(statusInterceptor))
	proto.RegisterMetaShardServer(s, ss)
	go s.Serve(lis)
	t.Cleanup(func() {
		s.Stop()
		ss.Close(ctx)
		os.RemoveAll(path)
	})
	return lis.Addr().String()
}

func TestShardServerClient(t *testing.T) {
	ctx := context.TODO()
	part := partition.Config{MaxRecsPerSlice: 16, ServerRatio: 2, NumServers: 4}
	addr := serveShard(t, part)
	p, err := partition.New(part)
	require.NoError(t, err)

	_, err = NewShardServerClient(&ShardServerConfig{})
	require.ErrorIs(t, err, apierrors.ErrConfig)

	// shard 1 is owned by rank 2, whose port refuses connections
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := closed.Addr().String()
	closed.Close()
	c, err := NewShardServerClient(&ShardServerConfig{
		Addresses:       []string{addr, "", deadAddr},
		TransportConfig: TransportConfig{ConnectTimeoutMs: 200},
		Partitioner:     p,
	})
	require.NoError(t, err)
	defer c.Close()

	srv, err := c.GetClient(ctx, 0)
	require.NoError(t, err)
	header := proto.ShardOpHeader{ShardID: 0}
	e := proto.Extent{Key: proto.ExtentKey{Fid: 1, Offset: 0}, Value: proto.ExtentValue{Length: 8, Addr: 64, Seq: 1}}
	_, err = srv.PutExtents(ctx, &proto.PutExtentsRequest{Header: header, Extents: []proto.Extent{e}})
	require.NoError(t, err)
	got, err := srv.GetExtents(ctx, &proto.GetExtentsRequest{Header: header, Keys: []proto.ExtentKey{e.Key}})
	require.NoError(t, err)
	require.Equal(t, []proto.Extent{e}, got.Extents)

	// api errors survive the wire
	bad := e
	bad.Value.Length = 0
	_, err = srv.PutExtents(ctx, &proto.PutExtentsRequest{Header: header, Extents: []proto.Extent{bad}})
	require.ErrorIs(t, err, apierrors.ErrInvalidExtent)
	_, err = srv.DeleteAttr(ctx, &proto.DeleteAttrRequest{Header: header, Gfid: 3})
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	_, err = srv.ScanExtents(ctx, &proto.ScanExtentsRequest{Header: header, Ranges: []proto.ExtentRange{{Fid: 1, Start: 0, End: 8}}, Limit: 0})
	require.NoError(t, err)

	// a second lookup reuses the connection
	srv2, err := c.GetClient(ctx, 0)
	require.NoError(t, err)
	resp, err := srv2.ShardStats(ctx, &proto.ShardStatsRequest{Header: header})
	require.NoError(t, err)
	require.Equal(t, proto.ShardID(0), resp.Stats.ShardID)

	_, err = c.GetClient(ctx, 1)
	require.ErrorIs(t, err, apierrors.ErrShardUnavailable)
	_, err = c.GetClient(ctx, 2)
	require.ErrorIs(t, err, apierrors.ErrShardDoesNotExist)

	c2, err := NewShardServerClient(&ShardServerConfig{Addresses: []string{addr}, Partitioner: p})
	require.NoError(t, err)
	defer c2.Close()
	_, err = c2.GetClient(ctx, 1)
	require.ErrorIs(t, err, apierrors.ErrShardDoesNotExist)
}
