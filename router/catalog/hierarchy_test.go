package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
)

// with 16 gfids per slice and two shards, gfids 0-15 live on shard 0 and
// 16-31 on shard 1
func TestCatalog_FileAttributes(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, nil)
	c := tc.router

	attr := proto.FileAttr{Gfid: 0xbeef, Fid: 9, Filename: "/unifycr/file", Mode: 0o644, Size: 42}
	require.NoError(t, c.SetFileAttribute(ctx, attr))
	got, err := c.GetFileAttribute(ctx, 0xbeef)
	require.NoError(t, err)
	require.Equal(t, attr, got)

	_, err = c.GetFileAttribute(ctx, 0xbeee)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	long := attr
	long.Filename = strings.Repeat("f", proto.MaxFilenameLen+1)
	require.ErrorIs(t, c.SetFileAttribute(ctx, long), apierrors.ErrFilenameTooLong)

	batch := []proto.FileAttr{{Gfid: 5, Filename: "/a"}, {Gfid: 6, Filename: long.Filename}, {Gfid: 17, Filename: "/b"}, {Gfid: 40, Filename: "/c"}}
	result, err := c.SetFileAttributes(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, []int{1}, result.Failed())
	for _, i := range []int{0, 2, 3} {
		got, err = c.GetFileAttribute(ctx, batch[i].Gfid)
		require.NoError(t, err)
		require.Equal(t, batch[i], got)
	}
	_, err = c.GetFileAttribute(ctx, 6)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	laminated, err := c.Laminate(ctx, 0xbeef, 4096)
	require.NoError(t, err)
	require.True(t, laminated.IsLaminated)
	require.Equal(t, uint64(4096), laminated.Size)
	got, err = c.GetFileAttribute(ctx, 0xbeef)
	require.NoError(t, err)
	require.Equal(t, laminated, got)
	_, err = c.Laminate(ctx, 0xbeee, 1)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	require.NoError(t, c.DeleteFileAttribute(ctx, 0xbeef))
	_, err = c.GetFileAttribute(ctx, 0xbeef)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	require.ErrorIs(t, c.DeleteFileAttribute(ctx, 0xbeef), apierrors.ErrNotFound)

	tc.fail(1, apierrors.ErrShardBusy, nil)
	err = c.SetFileAttribute(ctx, proto.FileAttr{Gfid: 18})
	require.True(t, apierrors.IsRetryable(err))
	result, err = c.SetFileAttributes(ctx, []proto.FileAttr{{Gfid: 7}, {Gfid: 19}})
	require.NoError(t, err)
	require.Equal(t, []int{1}, result.Failed())
}

func TestCatalog_Children(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, nil)
	c := tc.router
	const parent proto.Gfid = 0xabcd

	children := []proto.FileAttr{
		{Gfid: 1, Filename: "/dir/one"},
		{Gfid: 2, Filename: "/dir/two"},
		{Gfid: 0x1234, Filename: "/dir/three"},
	}
	for i := range children {
		require.NoError(t, c.SetFileAttributeWithParent(ctx, children[i], parent))
		children[i].Parent, children[i].HasParent = parent, true
	}
	got, err := c.GetChildren(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, children, got)

	got, err = c.GetChildren(ctx, 0x10)
	require.NoError(t, err)
	require.Len(t, got, 0)

	// moving a child leaves a stale edge behind that readers skip
	moved := children[1]
	require.NoError(t, c.SetFileAttributeWithParent(ctx, moved, 0x10))
	moved.Parent = 0x10
	got, err = c.GetChildren(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{children[0], children[2]}, got)
	got, err = c.GetChildren(ctx, 0x10)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{moved}, got)

	require.NoError(t, c.DeleteFileAttribute(ctx, 1))
	got, err = c.GetChildren(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{children[2]}, got)

	stats, err := c.RebuildHierarchy(ctx)
	require.NoError(t, err)
	require.Equal(t, proto.RebuildStats{AttrsScanned: 2, EdgesInserted: 2, EdgesScanned: 3, EdgesDeleted: 1}, *stats)
	resp, err := tc.shards[0].ListChildren(ctx, &proto.ListChildrenRequest{Header: proto.ShardOpHeader{ShardID: 0}, Parent: parent})
	require.NoError(t, err)
	require.Equal(t, []proto.Gfid{0x1234}, resp.Children)

	// the children listing is served by the parent's shard
	tc.fail(0, apierrors.ErrShardBusy, nil)
	_, err = c.GetChildren(ctx, parent)
	require.True(t, apierrors.IsRetryable(err))
}

func TestCatalog_ChildrenLimit(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, func(cfg *Config) { cfg.MaxResults = 2 })
	c := tc.router

	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 1}, 0xabcd))
	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 17}, 0xabcd))
	got, err := c.GetChildren(ctx, 0xabcd)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 2}, 0xabcd))
	_, err = c.GetChildren(ctx, 0xabcd)
	require.ErrorIs(t, err, apierrors.ErrTooManyResults)

	// only valid children count against the bound
	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 2}, 0x10))
	got, err = c.GetChildren(ctx, 0xabcd)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{
		{Gfid: 1, Parent: 0xabcd, HasParent: true},
		{Gfid: 17, Parent: 0xabcd, HasParent: true},
	}, got)
}

func TestCatalog_ChildrenPaged(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, func(cfg *Config) {
		cfg.MaxResults = 2
		cfg.ScanCount = 1
	})
	c := tc.router

	for _, gfid := range []proto.Gfid{1, 2, 17, 18} {
		require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: gfid}, 0x77))
	}
	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 2}, 0x78))
	_, err := c.GetChildren(ctx, 0x77)
	require.ErrorIs(t, err, apierrors.ErrTooManyResults)

	require.NoError(t, c.DeleteFileAttribute(ctx, 18))
	got, err := c.GetChildren(ctx, 0x77)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{
		{Gfid: 1, Parent: 0x77, HasParent: true},
		{Gfid: 17, Parent: 0x77, HasParent: true},
	}, got)
	got, err = c.GetChildren(ctx, 0x78)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{{Gfid: 2, Parent: 0x78, HasParent: true}}, got)
}

func TestCatalog_BatchChildren(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, nil)
	c := tc.router
	const parent proto.Gfid = 0xabcd

	batch := []proto.FileAttr{
		{Gfid: 3, Filename: "/dir/a", Parent: parent, HasParent: true},
		{Gfid: 20, Filename: "/dir/b", Parent: parent, HasParent: true},
		{Gfid: 21, Filename: "/c"},
		{Gfid: 0x1234, Filename: "/dir/d", Parent: parent, HasParent: true},
	}
	result, err := c.SetFileAttributes(ctx, batch)
	require.NoError(t, err)
	require.Len(t, result.Failed(), 0)
	got, err := c.GetChildren(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{batch[0], batch[1], batch[3]}, got)

	single := proto.FileAttr{Gfid: 5, Filename: "/dir/e", Parent: parent, HasParent: true}
	require.NoError(t, c.SetFileAttribute(ctx, single))
	got, err = c.GetChildren(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{batch[0], single, batch[1], batch[3]}, got)

	// the edges of parent 16 live on shard 1
	tc.fail(1, apierrors.ErrShardBusy, nil)
	result, err = c.SetFileAttributes(ctx, []proto.FileAttr{
		{Gfid: 6, Parent: 16, HasParent: true},
		{Gfid: 7, Parent: parent, HasParent: true},
	})
	require.NoError(t, err)
	require.Equal(t, []int{0}, result.Failed())
	require.True(t, apierrors.IsRetryable(result.Errors[0]))
}

func TestCatalog_ParentRollback(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, nil)
	c := tc.router

	// the child lives on shard 0, the parent's edges on shard 1
	tc.fail(1, apierrors.NewIndexError(1, errors.New("io error")), nil)
	err := c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 3, Filename: "/new"}, 16)
	require.ErrorIs(t, err, apierrors.ErrIndex)
	_, err = c.GetFileAttribute(ctx, 3)
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	prev := proto.FileAttr{Gfid: 3, Filename: "/prev"}
	require.NoError(t, c.SetFileAttribute(ctx, prev))
	err = c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 3, Filename: "/new"}, 16)
	require.ErrorIs(t, err, apierrors.ErrIndex)
	got, err := c.GetFileAttribute(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, prev, got)

	tc.heal(1)
	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 3, Filename: "/new"}, 16))
	children, err := c.GetChildren(ctx, 16)
	require.NoError(t, err)
	require.Equal(t, []proto.FileAttr{{Gfid: 3, Filename: "/new", Parent: 16, HasParent: true}}, children)
}

func TestCatalog_RebuildPartial(t *testing.T) {
	ctx := context.TODO()
	tc := newTestCluster(t, 2, func(cfg *Config) { cfg.ScanCount = 1 })
	c := tc.router

	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 3}, 0xabcd))
	require.NoError(t, c.SetFileAttributeWithParent(ctx, proto.FileAttr{Gfid: 4}, 0xabcd))
	stale := proto.Edge{Parent: 0xabcd, Child: 5}
	_, err := tc.shards[0].PutEdges(ctx, &proto.PutEdgesRequest{Header: proto.ShardOpHeader{ShardID: 0}, Edges: []proto.Edge{stale}})
	require.NoError(t, err)

	// nothing is pruned while an attribute shard cannot be scanned
	tc.fail(1, apierrors.ErrShardBusy, nil)
	stats, err := c.RebuildHierarchy(ctx)
	require.NoError(t, err)
	require.Equal(t, []proto.ShardID{1}, stats.FailedShards)
	require.Equal(t, uint64(2), stats.AttrsScanned)
	require.Equal(t, uint64(2), stats.EdgesInserted)
	require.Zero(t, stats.EdgesDeleted)

	tc.heal(1)
	stats, err = c.RebuildHierarchy(ctx)
	require.NoError(t, err)
	require.Len(t, stats.FailedShards, 0)
	require.Equal(t, uint64(3), stats.EdgesScanned)
	require.Equal(t, uint64(1), stats.EdgesDeleted)
	resp, err := tc.shards[0].ListChildren(ctx, &proto.ListChildrenRequest{Header: proto.ShardOpHeader{ShardID: 0}, Parent: 0xabcd})
	require.NoError(t, err)
	require.Equal(t, []proto.Gfid{3, 4}, resp.Children)

	tc.fail(0, apierrors.NewIndexError(0, errors.New("io error")), nil)
	_, err = c.RebuildHierarchy(ctx)
	require.ErrorIs(t, err, apierrors.ErrIndex)
}
