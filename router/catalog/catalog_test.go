package catalog

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/burstfs/metadb/common/kvstore"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
	sscatalog "github.com/burstfs/metadb/shardserver/catalog"
	"github.com/burstfs/metadb/shardserver/store"
	"github.com/burstfs/metadb/util"
)

const testFid proto.Fid = 2

type testCluster struct {
	router *Catalog
	shards []*sscatalog.Catalog
	tr     *Transport
}

// newTestCluster runs n metadata servers in process, one shard each, with
// 16 byte slices so that small files already spread over every shard.
func newTestCluster(t *testing.T, n int, modify func(cfg *Config)) *testCluster {
	ctx := context.TODO()
	part := partition.Config{MaxRecsPerSlice: 16, ServerRatio: 1, NumServers: n}
	tc := &testCluster{tr: NewTransport(nil)}
	for rank := 0; rank < n; rank++ {
		path, err := util.GenTmpPath()
		require.NoError(t, err)
		ss, err := sscatalog.NewCatalog(ctx, &sscatalog.Config{
			StoreConfig: store.Config{Path: path, KVType: kvstore.MemoryKVType},
			Partition:   part,
			Rank:        proto.Rank(rank),
		})
		require.NoError(t, err)
		t.Cleanup(func() {
			ss.Close(ctx)
			os.RemoveAll(path)
		})
		tc.shards = append(tc.shards, ss)
		tc.tr.AddLocal(proto.ShardID(rank), ss)
	}

	cfg := &Config{
		Partition:      part,
		MaxMetaPerSend: 8,
		ShardTimeoutMS: 2000,
		Transport:      tc.tr,
	}
	if modify != nil {
		modify(cfg)
	}
	router, err := NewCatalog(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(router.Close)
	tc.router = router
	return tc
}

// fail routes shardID to a server that answers every data call with err,
// after block is closed when block is set.
func (tc *testCluster) fail(shardID proto.ShardID, err error, block chan struct{}) {
	tc.tr.AddLocal(shardID, &faultyShard{MetaShardServer: tc.shards[shardID], err: err, block: block})
}

func (tc *testCluster) heal(shardID proto.ShardID) {
	tc.tr.AddLocal(shardID, tc.shards[shardID])
}

type faultyShard struct {
	proto.MetaShardServer
	err   error
	block chan struct{}
}

func (f *faultyShard) fault(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *faultyShard) PutExtents(ctx context.Context, req *proto.PutExtentsRequest) (*proto.PutExtentsResponse, error) {
	if err := f.fault(ctx); err != nil {
		return nil, err
	}
	return f.MetaShardServer.PutExtents(ctx, req)
}

func (f *faultyShard) ScanExtents(ctx context.Context, req *proto.ScanExtentsRequest) (*proto.ScanExtentsResponse, error) {
	if err := f.fault(ctx); err != nil {
		return nil, err
	}
	return f.MetaShardServer.ScanExtents(ctx, req)
}

func (f *faultyShard) PutAttrs(ctx context.Context, req *proto.PutAttrsRequest) (*proto.PutAttrsResponse, error) {
	if err := f.fault(ctx); err != nil {
		return nil, err
	}
	return f.MetaShardServer.PutAttrs(ctx, req)
}

func (f *faultyShard) ScanAttrs(ctx context.Context, req *proto.ScanAttrsRequest) (*proto.ScanAttrsResponse, error) {
	if err := f.fault(ctx); err != nil {
		return nil, err
	}
	return f.MetaShardServer.ScanAttrs(ctx, req)
}

func (f *faultyShard) PutEdges(ctx context.Context, req *proto.PutEdgesRequest) (*proto.PutEdgesResponse, error) {
	if err := f.fault(ctx); err != nil {
		return nil, err
	}
	return f.MetaShardServer.PutEdges(ctx, req)
}

func (f *faultyShard) ListChildren(ctx context.Context, req *proto.ListChildrenRequest) (*proto.ListChildrenResponse, error) {
	if err := f.fault(ctx); err != nil {
		return nil, err
	}
	return f.MetaShardServer.ListChildren(ctx, req)
}

func ext(fid proto.Fid, offset, length, addr, seq uint64) proto.Extent {
	return proto.Extent{
		Key:   proto.ExtentKey{Fid: fid, Offset: offset},
		Value: proto.ExtentValue{Delegator: 1, Length: length, Addr: addr, AppID: 7, Rank: 1, Seq: seq},
	}
}

func TestCatalog_Config(t *testing.T) {
	ctx := context.TODO()
	_, err := NewCatalog(ctx, &Config{
		Partition: partition.Config{MaxRecsPerSlice: 16, ServerRatio: 1, NumServers: 1},
		Transport: NewTransport(nil),
	})
	require.ErrorIs(t, err, apierrors.ErrConfig)
	_, err = NewCatalog(ctx, &Config{
		Partition:      partition.Config{MaxRecsPerSlice: 16, ServerRatio: 1, NumServers: 1},
		MaxMetaPerSend: 8,
	})
	require.ErrorIs(t, err, apierrors.ErrConfig)
	_, err = NewCatalog(ctx, &Config{MaxMetaPerSend: 8, Transport: NewTransport(nil)})
	require.ErrorIs(t, err, apierrors.ErrConfig)
}

func TestCatalog_BatchBoundary(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, nil)
	c := tc.router

	batch := make([]proto.Extent, 8)
	for i := range batch {
		batch[i] = ext(3, uint64(i)*4, 4, uint64(i)*4, uint64(i+1))
	}
	result, err := c.SetExtents(ctx, batch)
	require.NoError(t, err)
	require.True(t, result.OK())
	got, err := c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: 3, Start: 0, End: 32}})
	require.NoError(t, err)
	require.True(t, got.Complete())
	require.ElementsMatch(t, batch, got.Extents)

	// one record over the bound is refused as a whole
	over := make([]proto.Extent, 9)
	for i := range over {
		over[i] = ext(4, uint64(i)*4, 4, 0, 1)
	}
	_, err = c.SetExtents(ctx, over)
	require.ErrorIs(t, err, apierrors.ErrBatchTooLarge)
	got, err = c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: 4, Start: 0, End: 1 << 20}})
	require.NoError(t, err)
	require.Len(t, got.Extents, 0)

	_, err = c.SetFileAttributes(ctx, make([]proto.FileAttr, 9))
	require.ErrorIs(t, err, apierrors.ErrBatchTooLarge)
	_, err = c.GetExtents(ctx, make([]proto.ExtentKey, 9))
	require.ErrorIs(t, err, apierrors.ErrBatchTooLarge)
	_, err = c.GetExtentRanges(ctx, make([]proto.ExtentRange, 9))
	require.ErrorIs(t, err, apierrors.ErrBatchTooLarge)
}

func TestCatalog_SetExtents(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 3, nil)
	c := tc.router

	// the first record crosses five slices, the second is invalid and the
	// third gets a sequence number
	result, err := c.SetExtents(ctx, []proto.Extent{
		ext(testFid, 10, 60, 100, 5),
		ext(testFid, 80, 0, 0, 5),
		ext(testFid, 90, 2, 0, 0),
	})
	require.NoError(t, err)
	require.False(t, result.OK())
	require.Equal(t, []int{1}, result.Failed())
	require.ErrorIs(t, result.FirstError(), apierrors.ErrInvalidExtent)

	got, err := c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 100}})
	require.NoError(t, err)
	require.Len(t, got.Extents, 6)
	total := uint64(0)
	for _, e := range got.Extents {
		if e.Key.Offset == 90 {
			require.NotZero(t, e.Value.Seq)
			continue
		}
		require.Equal(t, uint64(5), e.Value.Seq)
		require.Equal(t, e.Key.Offset+90, e.Value.Addr)
		require.Equal(t, c.Partitioner().ShardForExtent(e.Key), c.Partitioner().ShardForExtent(proto.ExtentKey{Fid: testFid, Offset: e.End() - 1}))
		total += e.Value.Length
	}
	require.Equal(t, uint64(60), total)

	keys, err := c.GetExtents(ctx, []proto.ExtentKey{{Fid: testFid, Offset: 10}, {Fid: testFid, Offset: 16}, {Fid: testFid, Offset: 11}})
	require.NoError(t, err)
	require.Equal(t, []proto.Extent{ext(testFid, 10, 6, 100, 5), ext(testFid, 16, 16, 106, 5)}, keys.Extents)

	// every piece was accepted by the shard the partitioner names
	for offset := uint64(0); offset < 200; offset += 7 {
		result, err = c.SetExtents(ctx, []proto.Extent{ext(5, offset, 1, offset, 1)})
		require.NoError(t, err)
		require.True(t, result.OK(), offset)
	}
}

func TestCatalog_ShardUnavailable(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, func(cfg *Config) { cfg.ShardTimeoutMS = 50 })
	c := tc.router

	result, err := c.SetExtents(ctx, []proto.Extent{ext(testFid, 0, 32, 0, 1)})
	require.NoError(t, err)
	require.True(t, result.OK())

	// a shard that never answers
	block := make(chan struct{})
	defer close(block)
	tc.fail(1, nil, block)
	got, err := c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 32}})
	require.NoError(t, err)
	require.False(t, got.Complete())
	require.Equal(t, []proto.ShardID{1}, got.Unavailable)
	require.Equal(t, []proto.Extent{ext(testFid, 0, 16, 0, 1)}, got.Extents)

	result, err = c.SetExtents(ctx, []proto.Extent{ext(testFid, 8, 4, 0, 2), ext(testFid, 12, 8, 0, 2)})
	require.NoError(t, err)
	require.Equal(t, []int{1}, result.Failed())
	require.True(t, apierrors.IsRetryable(result.Errors[1]))
	shardID, ok := apierrors.ShardOf(result.Errors[1])
	require.True(t, ok)
	require.Equal(t, proto.ShardID(1), shardID)

	// a busy shard is unavailable too, an index fault is not
	tc.fail(1, apierrors.ErrShardBusy, nil)
	got, err = c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 32}})
	require.NoError(t, err)
	require.Equal(t, []proto.ShardID{1}, got.Unavailable)

	tc.fail(1, apierrors.NewIndexError(1, errors.New("io error")), nil)
	_, err = c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 32}})
	require.ErrorIs(t, err, apierrors.ErrIndex)
	require.False(t, apierrors.IsRetryable(err))

	// no route at all
	tc.tr.local.Delete(proto.ShardID(1))
	got, err = c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 32}})
	require.NoError(t, err)
	require.Equal(t, []proto.ShardID{1}, got.Unavailable)

	tc.heal(1)
	got, err = c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 32}})
	require.NoError(t, err)
	require.True(t, got.Complete())
	require.Len(t, got.Extents, 4)
}

func TestCatalog_Limits(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, func(cfg *Config) {
		cfg.MaxResults = 2
		cfg.StagingBytes = 3 * extentStageSize
	})
	c := tc.router

	_, err := c.SetExtents(ctx, []proto.Extent{ext(testFid, 0, 1, 0, 1), ext(testFid, 1, 1, 0, 1), ext(testFid, 2, 1, 0, 1), ext(testFid, 3, 1, 0, 1)})
	require.ErrorIs(t, err, apierrors.ErrOutOfMemory)
	require.Zero(t, atomic.LoadInt64(&c.staged))

	result, err := c.SetExtents(ctx, []proto.Extent{ext(testFid, 0, 1, 0, 1), ext(testFid, 1, 1, 0, 1), ext(testFid, 20, 1, 0, 1)})
	require.NoError(t, err)
	require.True(t, result.OK())
	require.Zero(t, atomic.LoadInt64(&c.staged))

	got, err := c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 2}})
	require.NoError(t, err)
	require.Len(t, got.Extents, 2)
	// two from shard 0 and one from shard 1 are over the bound together
	_, err = c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 32}})
	require.ErrorIs(t, err, apierrors.ErrTooManyResults)
}

func TestCatalog_SplitBudget(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, func(cfg *Config) {
		cfg.StagingBytes = 1024
	})
	c := tc.router

	// 16 byte slices: one record of 200000 slices is far over 16 pieces
	_, err := c.SetExtents(ctx, []proto.Extent{ext(testFid, 0, 16*200000, 0, 1)})
	require.ErrorIs(t, err, apierrors.ErrOutOfMemory)
	_, err = c.SetExtents(ctx, []proto.Extent{ext(testFid, 0, 1<<62, 0, 1)})
	require.ErrorIs(t, err, apierrors.ErrOutOfMemory)
	require.Zero(t, atomic.LoadInt64(&c.staged))
	got, err := c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 1 << 10}})
	require.NoError(t, err)
	require.Len(t, got.Extents, 0)

	// exactly the budget is accepted
	result, err := c.SetExtents(ctx, []proto.Extent{ext(testFid, 8, 16*14, 0, 1), ext(testFid+1, 0, 1, 0, 1)})
	require.NoError(t, err)
	require.True(t, result.OK())
	got, err = c.GetExtentRanges(ctx, []proto.ExtentRange{{Fid: testFid, Start: 0, End: 1 << 10}})
	require.NoError(t, err)
	require.Len(t, got.Extents, 15)
}

func TestSequencer(t *testing.T) {
	clock := uint64(10)
	s := &Sequencer{now: func() uint64 { return clock }}
	require.Equal(t, uint64(10), s.Next())
	require.Equal(t, uint64(11), s.Next())
	clock = 5
	require.Equal(t, uint64(12), s.Next())
	clock = 100
	require.Equal(t, uint64(100), s.Next())

	s = NewSequencer()
	last := s.Next()
	for i := 0; i < 1000; i++ {
		next := s.Next()
		require.Greater(t, next, last)
		last = next
	}
}

func TestChunks(t *testing.T) {
	require.Nil(t, chunks(0, 4))
	require.Equal(t, [][2]int{{0, 4}, {4, 8}, {8, 9}}, chunks(9, 4))
	require.Equal(t, [][2]int{{0, 4}}, chunks(4, 4))
}

func TestCatalog_CommitStats(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, nil)
	c := tc.router

	result, err := c.SetExtents(ctx, []proto.Extent{ext(testFid, 0, 32, 0, 1)})
	require.NoError(t, err)
	require.True(t, result.OK())
	require.NoError(t, c.SetFileAttribute(ctx, proto.FileAttr{Gfid: 1}))
	require.NoError(t, c.Commit(ctx))

	stats, unavailable, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, unavailable, 0)
	require.Len(t, stats, 2)
	for i, st := range stats {
		require.Equal(t, proto.ShardID(i), st.ShardID)
		require.Equal(t, uint64(1), st.Indexes[0].Puts)
		require.NotZero(t, st.Indexes[0].FlushAt)
	}
	require.Equal(t, uint64(1), stats[0].Indexes[1].Puts)

	tc.tr.local.Delete(proto.ShardID(1))
	stats, unavailable, err = c.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, []proto.ShardID{1}, unavailable)
	require.ErrorIs(t, c.Commit(ctx), apierrors.ErrShardUnavailable)
}
