package server

import (
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/burstfs/metadb/client"
	"github.com/burstfs/metadb/common/kvstore"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
)

// startCluster runs every rank in process, each rank serving grpc on its
// own local port.
func startCluster(t *testing.T, numServers, ratio int) []*Server {
	ctx := context.TODO()
	listeners := make([]net.Listener, numServers)
	addrs := make([]string, numServers)
	for i := range listeners {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
		addrs[i] = lis.Addr().String()
	}

	servers := make([]*Server, numServers)
	for i := range servers {
		cfg := &Config{
			Rank:            proto.Rank(i),
			NumServers:      numServers,
			ServerAddrs:     addrs,
			MetaDBPath:      t.TempDir(),
			MetaServerRatio: ratio,
			MetaRangeSize:   16,
			MaxMetaPerSend:  8,
			ShardTimeoutMS:  2000,
			TransportConfig: client.TransportConfig{ConnectTimeoutMs: 500},
		}
		cfg.StoreConfig.KVType = kvstore.MemoryKVType
		s, err := NewServer(ctx, cfg)
		require.NoError(t, err)
		rs := NewRPCServer(s)
		rs.serve(listeners[i])
		t.Cleanup(func() {
			rs.Stop()
			s.Close(ctx)
		})
		servers[i] = s
	}
	return servers
}

func TestServer_Cluster(t *testing.T) {
	ctx := context.TODO()
	servers := startCluster(t, 2, 1)
	for i, s := range servers {
		require.Equal(t, proto.NodeRoleMetaServer, s.Node().Role)
		require.Equal(t, proto.Rank(i), s.Node().Rank)
	}

	// [0, 16) lives on shard 0 and [16, 32) on shard 1
	result, err := servers[0].Router().SetExtents(ctx, []proto.Extent{{
		Key:   proto.ExtentKey{Fid: 1, Offset: 0},
		Value: proto.ExtentValue{Delegator: 1, Length: 32, Addr: 100, AppID: 7, Rank: 1},
	}})
	require.NoError(t, err)
	require.True(t, result.OK())

	plan, err := servers[1].Router().ReadExtents(ctx, 1, 0, 40)
	require.NoError(t, err)
	require.False(t, plan.Incomplete)
	require.Len(t, plan.Segments, 2)
	require.Equal(t, uint64(0), plan.Segments[0].Offset)
	require.Equal(t, uint64(32), plan.Segments[0].Length)
	require.Equal(t, uint64(100), plan.Segments[0].Value.Addr)
	require.NotZero(t, plan.Segments[0].Value.Seq)
	require.True(t, plan.Segments[1].Hole)
	require.Equal(t, uint64(32), plan.Segments[1].Offset)
	require.Equal(t, uint64(8), plan.Segments[1].Length)

	// the edge of 0xabcd is on shard 0, the attribute of 0x1234 on shard 1
	require.NoError(t, servers[1].Router().SetFileAttributeWithParent(ctx,
		proto.FileAttr{Gfid: 0x1234, Fid: 0x1234, Filename: "/d/f", Mode: 0o644}, 0xabcd))
	children, err := servers[0].Router().GetChildren(ctx, 0xabcd)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "/d/f", children[0].Filename)

	stats, err := servers[0].Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.NumServers)
	require.Equal(t, 2, stats.NumShards)
	require.Len(t, stats.Shards, 2)
	require.Empty(t, stats.Unavailable)
	require.NoError(t, servers[0].Router().Commit(ctx))

	h := NewHttpServer(servers[1])
	ts := httptest.NewServer(h.newHandler())
	defer ts.Close()
	admin := client.NewAdminClient(&client.AdminConfig{Addr: ts.URL})

	serverStats, err := admin.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, proto.Rank(1), serverStats.Node.Rank)
	require.Len(t, serverStats.Shards, 2)

	plan, err = admin.ReadExtents(ctx, 1, 8, 16)
	require.NoError(t, err)
	require.Len(t, plan.Segments, 1)
	require.Equal(t, uint64(8), plan.Segments[0].Offset)
	require.Equal(t, uint64(16), plan.Segments[0].Length)
	require.Equal(t, uint64(108), plan.Segments[0].Value.Addr)
	_, err = admin.ReadExtents(ctx, 1, math.MaxUint64, 2)
	require.Error(t, err)

	children, err = admin.GetChildren(ctx, 0xabcd)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, proto.Gfid(0x1234), children[0].Gfid)

	rebuild, err := admin.RebuildHierarchy(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rebuild.AttrsScanned)
	require.Zero(t, rebuild.EdgesDeleted)
	require.Empty(t, rebuild.FailedShards)
	require.NoError(t, admin.Commit(ctx))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "MetaDB_reader_segments")
}

func TestServer_RouterOnly(t *testing.T) {
	ctx := context.TODO()
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := closed.Addr().String()
	closed.Close()

	// rank 1 of a ratio 2 cluster owns no shard
	cfg := &Config{
		Rank:            1,
		NumServers:      2,
		ServerAddrs:     []string{deadAddr, "127.0.0.1:0"},
		MetaServerRatio: 2,
		MetaRangeSize:   16,
		ShardTimeoutMS:  1000,
		TransportConfig: client.TransportConfig{ConnectTimeoutMs: 200},
	}
	s, err := NewServer(ctx, cfg)
	require.NoError(t, err)
	defer s.Close(ctx)
	require.Equal(t, proto.NodeRoleServer, s.Node().Role)
	require.ErrorIs(t, s.Sanitize(ctx), apierrors.ErrNotMetaServer)

	_, err = s.Router().GetFileAttribute(ctx, 1)
	require.ErrorIs(t, err, apierrors.ErrShardUnavailable)

	ts := httptest.NewServer(NewHttpServer(s).newHandler())
	defer ts.Close()
	admin := client.NewAdminClient(&client.AdminConfig{Addr: ts.URL})

	stats, err := admin.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumShards)
	require.Empty(t, stats.Shards)
	require.Equal(t, []proto.ShardID{0}, stats.Unavailable)

	err = admin.Sanitize(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")
}

func TestHttpStatus(t *testing.T) {
	require.Equal(t, http.StatusNotFound, httpStatus(apierrors.ErrNotFound))
	require.Equal(t, http.StatusBadRequest, httpStatus(apierrors.ErrBatchTooLarge))
	require.Equal(t, http.StatusServiceUnavailable, httpStatus(apierrors.NewShardUnavailable(3, context.DeadlineExceeded)))
	require.Equal(t, http.StatusInternalServerError, httpStatus(apierrors.NewIndexError(3, io.ErrUnexpectedEOF)))
}
