package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/burstfs/metadb/common/kvstore"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/util"
)

func testManifests() []Manifest {
	base := Manifest{MaxRecsPerSlice: 1 << 20, ServerRatio: 1, NumServers: 2}
	extent, attr, hierarchy := base, base, base
	extent.IndexID, extent.IndexType, extent.IndexName, extent.KeyType = proto.ExtentIndexID, proto.PrimaryIndexType, "extent", proto.ExtentKeyType
	attr.IndexID, attr.IndexType, attr.IndexName, attr.KeyType = proto.AttrIndexID, proto.PrimaryIndexType, "file_attr", proto.IntKeyType
	hierarchy.IndexID, hierarchy.IndexType, hierarchy.IndexName, hierarchy.KeyType = proto.HierarchyIndexID, proto.SecondaryIndexType, "hierarchy", proto.IntKeyType
	return []Manifest{extent, attr, hierarchy}
}

func TestLayoutNames(t *testing.T) {
	require.Equal(t, "unifycr_db-1-3", DBName("unifycr_db", 1, 3))
	require.Equal(t, "unifycr_db-1-3_stats", StatsName("unifycr_db", 1, 3))
	require.Equal(t, "manifest2_2_3", ManifestName(proto.SecondaryIndexType, 2, 3))
}

func TestStore_OpenReopenSanitize(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	cfg := &Config{Path: path, Name: "testdb", KVType: kvstore.RocksdbLsmKVType}
	s, err := NewStore(ctx, cfg, 1, testManifests())
	require.NoError(t, err)
	require.Len(t, s.Indexes(), 3)

	idx := s.Index(proto.AttrIndexID)
	require.Equal(t, filepath.Join(path, "testdb-1-1"), idx.Location())
	require.NoError(t, idx.KVStore().SetRaw(ctx, "", []byte("k"), []byte("v"), nil))
	idx.AddPuts(3)
	idx.AddDeletes(1)
	require.NoError(t, idx.FlushStats(ctx))
	for _, name := range []string{"testdb-1-1", "testdb-1-1_stats", "manifest1_1_1", "manifest2_2_1", "testdb-0-1"} {
		_, err := os.Stat(filepath.Join(path, name))
		require.NoError(t, err, name)
	}
	s.Close()
	s.Close()

	// counters and data survive a restart
	s, err = NewStore(ctx, cfg, 1, testManifests())
	require.NoError(t, err)
	idx = s.Index(proto.AttrIndexID)
	st := idx.Stats(ctx)
	require.Equal(t, uint64(3), st.Puts)
	require.Equal(t, uint64(1), st.Deletes)
	require.NotZero(t, st.FlushAt)
	v, err := idx.KVStore().GetRaw(ctx, "", []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
	s.Close()

	// a different partitioning refuses to reopen
	changed := testManifests()
	for i := range changed {
		changed[i].MaxRecsPerSlice = 1 << 10
	}
	_, err = NewStore(ctx, cfg, 1, changed)
	require.ErrorIs(t, err, apierrors.ErrConfig)

	s, err = NewStore(ctx, cfg, 1, testManifests())
	require.NoError(t, err)
	require.NoError(t, s.Sanitize(ctx))
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestStore_MemoryAndConfig(t *testing.T) {
	ctx := context.TODO()
	_, err := NewStore(ctx, &Config{}, 0, testManifests())
	require.ErrorIs(t, err, apierrors.ErrConfig)

	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	cfg := &Config{Path: path, KVType: kvstore.MemoryKVType}
	s, err := NewStore(ctx, cfg, 0, testManifests())
	require.NoError(t, err)
	require.Equal(t, defaultDBName, cfg.Name)
	_, err = os.Stat(filepath.Join(path, ManifestName(proto.PrimaryIndexType, proto.ExtentIndexID, 0)))
	require.NoError(t, err)
	require.NoError(t, s.Sanitize(ctx))
}
