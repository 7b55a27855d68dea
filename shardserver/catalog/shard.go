package catalog

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/burstfs/metadb/common/kvstore"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/shardserver/catalog/persistent"
	"github.com/burstfs/metadb/shardserver/store"
)

const keyLocksNum = 1024

type shardConfig struct {
	shardID     proto.ShardID
	rank        proto.Rank
	partitioner *partition.Partitioner
	store       *store.Store
}

func newShard(cfg *shardConfig) *shard {
	return &shard{
		shardID:     cfg.shardID,
		rank:        cfg.rank,
		partitioner: cfg.partitioner,
		store:       cfg.store,
		extents:     cfg.store.Index(proto.ExtentIndexID),
		attrs:       cfg.store.Index(proto.AttrIndexID),
		edges:       cfg.store.Index(proto.HierarchyIndexID),
	}
}

// shard serves the extent, file attribute and hierarchy indexes of one
// shard id out of the stores of the owning rank.
type shard struct {
	shardID     proto.ShardID
	rank        proto.Rank
	partitioner *partition.Partitioner
	store       *store.Store

	extents *store.IndexStore
	attrs   *store.IndexStore
	edges   *store.IndexStore

	keyLocks [keyLocksNum]sync.Mutex
}

func (s *shard) PutExtents(ctx context.Context, extents []proto.Extent) error {
	kvStore := s.extents.KVStore()
	batch := kvStore.NewWriteBatch()
	defer batch.Close()

	for i := range extents {
		e := &extents[i]
		if err := s.checkExtent(e); err != nil {
			return err
		}
		batch.Put(dataCF, encodeExtentKey(e.Key, &e.Value), persistent.MarshalExtentValue(&e.Value))
	}
	if err := kvStore.Write(ctx, batch, nil); err != nil {
		return s.indexError(errors.Info(err, "write extents"))
	}
	s.extents.AddPuts(len(extents))
	metrics.ShardRecordsWritten.WithLabelValues(s.extents.Manifest().IndexName).Add(float64(len(extents)))
	return nil
}

// GetExtents returns every stored record whose key equals one of keys,
// including the records of reissued writes.
func (s *shard) GetExtents(ctx context.Context, keys []proto.ExtentKey, limit int) ([]proto.Extent, error) {
	kvStore := s.extents.KVStore()
	readOpt, done := s.snapshotReadOption(kvStore)
	defer done()

	var ret []proto.Extent
	for _, k := range keys {
		if s.partitioner.ShardForExtent(k) != s.shardID {
			return nil, fmt.Errorf("%w: extent %s on shard %d", apierrors.ErrShardNotOwned, k, s.shardID)
		}
		lr := kvStore.List(ctx, dataCF, encodeExtentSeekKey(k.Fid, k.Offset), nil, readOpt)
		var err error
		ret, err = s.collectExtents(lr, ret, limit, nil)
		lr.Close()
		if err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// ScanExtents returns the records overlapping any of ranges. A record never
// crosses a slice boundary, so the scan of a range starts at the first
// offset of the slice holding Start.
func (s *shard) ScanExtents(ctx context.Context, ranges []proto.ExtentRange, limit int) ([]proto.Extent, error) {
	kvStore := s.extents.KVStore()
	readOpt, done := s.snapshotReadOption(kvStore)
	defer done()

	var ret []proto.Extent
	for _, r := range ranges {
		if r.End <= r.Start {
			continue
		}
		lr := kvStore.List(ctx, dataCF, encodeExtentPrefix(r.Fid), encodeExtentSeekKey(r.Fid, s.partitioner.SliceStart(r.Start)), readOpt)
		var err error
		ret, err = s.collectExtents(lr, ret, limit, &r)
		lr.Close()
		if err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (s *shard) collectExtents(lr kvstore.ListReader, ret []proto.Extent, limit int, r *proto.ExtentRange) ([]proto.Extent, error) {
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, s.indexError(errors.Info(err, "read next extent"))
		}
		if key == nil {
			return ret, nil
		}
		e := proto.Extent{}
		e.Key.Fid, e.Key.Offset, _ = decodeExtentKey(key)
		if r != nil && e.Key.Offset >= r.End {
			return ret, nil
		}
		if err = persistent.UnmarshalExtentValue(value, &e.Value); err != nil {
			return nil, s.indexError(errors.Info(err, "unmarshal extent", e.Key.String()))
		}
		if r != nil && !e.Overlaps(r.Start, r.End) {
			continue
		}
		if limit > 0 && len(ret) >= limit {
			return nil, fmt.Errorf("%w: more than %d extents on shard %d", apierrors.ErrTooManyResults, limit, s.shardID)
		}
		ret = append(ret, e)
	}
}

func (s *shard) PutAttrs(ctx context.Context, attrs []proto.FileAttr) error {
	kvStore := s.attrs.KVStore()
	batch := kvStore.NewWriteBatch()
	defer batch.Close()

	for i := range attrs {
		a := &attrs[i]
		if len(a.Filename) > proto.MaxFilenameLen {
			return fmt.Errorf("%w: gfid %d filename of %d bytes", apierrors.ErrFilenameTooLong, a.Gfid, len(a.Filename))
		}
		if err := s.checkGfid(a.Gfid); err != nil {
			return err
		}
		batch.Put(dataCF, encodeAttrKey(a.Gfid), persistent.MarshalFileAttr(a))
	}
	if err := kvStore.Write(ctx, batch, nil); err != nil {
		return s.indexError(errors.Info(err, "write file attrs"))
	}
	s.attrs.AddPuts(len(attrs))
	metrics.ShardRecordsWritten.WithLabelValues(s.attrs.Manifest().IndexName).Add(float64(len(attrs)))
	return nil
}

func (s *shard) GetAttrs(ctx context.Context, gfids []proto.Gfid) ([]proto.FileAttr, []bool, error) {
	kvStore := s.attrs.KVStore()
	readOpt, done := s.snapshotReadOption(kvStore)
	defer done()

	attrs := make([]proto.FileAttr, len(gfids))
	found := make([]bool, len(gfids))
	for i, gfid := range gfids {
		if err := s.checkGfid(gfid); err != nil {
			return nil, nil, err
		}
		data, err := kvStore.GetRaw(ctx, dataCF, encodeAttrKey(gfid), readOpt)
		if err != nil {
			if err == kvstore.ErrNotFound {
				continue
			}
			return nil, nil, s.indexError(errors.Info(err, "get file attr", gfid))
		}
		if err = persistent.UnmarshalFileAttr(data, &attrs[i]); err != nil {
			return nil, nil, s.indexError(errors.Info(err, "unmarshal file attr", gfid))
		}
		found[i] = true
	}
	return attrs, found, nil
}

// DeleteAttr removes the attribute of gfid, ErrNotFound if none is stored.
func (s *shard) DeleteAttr(ctx context.Context, gfid proto.Gfid) error {
	if err := s.checkGfid(gfid); err != nil {
		return err
	}
	key := encodeAttrKey(gfid)
	lock := s.getKeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	kvStore := s.attrs.KVStore()
	if _, err := kvStore.GetRaw(ctx, dataCF, key, nil); err != nil {
		if err == kvstore.ErrNotFound {
			return fmt.Errorf("%w: gfid %d", apierrors.ErrNotFound, gfid)
		}
		return s.indexError(errors.Info(err, "get file attr", gfid))
	}
	if err := kvStore.Delete(ctx, dataCF, key, nil); err != nil {
		return s.indexError(errors.Info(err, "delete file attr", gfid))
	}
	s.attrs.AddDeletes(1)
	metrics.ShardRecordsDeleted.WithLabelValues(s.attrs.Manifest().IndexName).Inc()
	return nil
}

// ScanAttrs returns up to count attributes after marker in gfid order.
func (s *shard) ScanAttrs(ctx context.Context, marker proto.Gfid, started bool, count int) (ret []proto.FileAttr, hasMore bool, err error) {
	var start []byte
	if started {
		start = encodeAttrKey(marker)
	}
	lr := s.attrs.KVStore().List(ctx, dataCF, nil, start, nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, false, s.indexError(errors.Info(err, "read next file attr"))
		}
		if key == nil {
			return ret, false, nil
		}
		if started && decodeAttrKey(key) == marker {
			continue
		}
		if len(ret) >= count {
			return ret, true, nil
		}
		a := proto.FileAttr{}
		if err = persistent.UnmarshalFileAttr(value, &a); err != nil {
			return nil, false, s.indexError(errors.Info(err, "unmarshal file attr", decodeAttrKey(key)))
		}
		ret = append(ret, a)
	}
}

func (s *shard) PutEdges(ctx context.Context, edges []proto.Edge) error {
	kvStore := s.edges.KVStore()
	batch := kvStore.NewWriteBatch()
	defer batch.Close()

	for _, e := range edges {
		if err := s.checkGfid(e.Parent); err != nil {
			return err
		}
		batch.Put(dataCF, encodeEdgeKey(e), nil)
	}
	if err := kvStore.Write(ctx, batch, nil); err != nil {
		return s.indexError(errors.Info(err, "write edges"))
	}
	s.edges.AddPuts(len(edges))
	metrics.ShardRecordsWritten.WithLabelValues(s.edges.Manifest().IndexName).Add(float64(len(edges)))
	return nil
}

func (s *shard) DeleteEdges(ctx context.Context, edges []proto.Edge) error {
	kvStore := s.edges.KVStore()
	batch := kvStore.NewWriteBatch()
	defer batch.Close()

	for _, e := range edges {
		if err := s.checkGfid(e.Parent); err != nil {
			return err
		}
		batch.Delete(dataCF, encodeEdgeKey(e))
	}
	if err := kvStore.Write(ctx, batch, nil); err != nil {
		return s.indexError(errors.Info(err, "delete edges"))
	}
	s.edges.AddDeletes(len(edges))
	metrics.ShardRecordsDeleted.WithLabelValues(s.edges.Manifest().IndexName).Add(float64(len(edges)))
	return nil
}

// ListChildren returns the children of parent in gfid order, past after
// when started is set. With a positive limit at most limit+1 children are
// read, so the caller can tell an exact fit from an overflow.
func (s *shard) ListChildren(ctx context.Context, parent, after proto.Gfid, started bool, limit int) ([]proto.Gfid, error) {
	if err := s.checkGfid(parent); err != nil {
		return nil, err
	}
	var start []byte
	if started {
		start = encodeEdgeKey(proto.Edge{Parent: parent, Child: after})
	}
	lr := s.edges.KVStore().List(ctx, dataCF, encodeEdgePrefix(parent), start, nil)
	defer lr.Close()

	var ret []proto.Gfid
	for limit <= 0 || len(ret) <= limit {
		key, _, err := lr.ReadNextCopy()
		if err != nil {
			return nil, s.indexError(errors.Info(err, "read next edge"))
		}
		if key == nil {
			break
		}
		child := decodeEdgeKey(key).Child
		if started && child == after {
			continue
		}
		ret = append(ret, child)
	}
	return ret, nil
}

// ScanEdges returns up to count edges after marker in (parent, child) order.
func (s *shard) ScanEdges(ctx context.Context, marker proto.Edge, started bool, count int) (ret []proto.Edge, hasMore bool, err error) {
	var start []byte
	if started {
		start = encodeEdgeKey(marker)
	}
	lr := s.edges.KVStore().List(ctx, dataCF, nil, start, nil)
	defer lr.Close()

	for {
		key, _, err := lr.ReadNextCopy()
		if err != nil {
			return nil, false, s.indexError(errors.Info(err, "read next edge"))
		}
		if key == nil {
			return ret, false, nil
		}
		e := decodeEdgeKey(key)
		if started && e == marker {
			continue
		}
		if len(ret) >= count {
			return ret, true, nil
		}
		ret = append(ret, e)
	}
}

// Commit flushes every index of the shard and persists its counters.
func (s *shard) Commit(ctx context.Context) error {
	for _, idx := range s.store.Indexes() {
		if err := idx.KVStore().FlushCF(ctx, dataCF); err != nil {
			return s.indexError(errors.Info(err, "flush", idx.Manifest().IndexName))
		}
		if err := idx.FlushStats(ctx); err != nil {
			return s.indexError(err)
		}
	}
	return nil
}

func (s *shard) Stats(ctx context.Context) proto.ShardStats {
	st := proto.ShardStats{ShardID: s.shardID, Rank: s.rank}
	for _, idx := range s.store.Indexes() {
		st.Indexes = append(st.Indexes, idx.Stats(ctx))
	}
	return st
}

func (s *shard) checkExtent(e *proto.Extent) error {
	if e.Value.Length == 0 {
		return fmt.Errorf("%w: zero length %s", apierrors.ErrInvalidExtent, e.Key)
	}
	if e.End() < e.Key.Offset {
		return fmt.Errorf("%w: %s overflows", apierrors.ErrInvalidExtent, e.Key)
	}
	if s.partitioner.SliceStart(e.Key.Offset) != s.partitioner.SliceStart(e.End()-1) {
		return fmt.Errorf("%w: %s of length %d crosses a slice", apierrors.ErrInvalidExtent, e.Key, e.Value.Length)
	}
	if s.partitioner.ShardForExtent(e.Key) != s.shardID {
		return fmt.Errorf("%w: extent %s on shard %d", apierrors.ErrShardNotOwned, e.Key, s.shardID)
	}
	return nil
}

func (s *shard) checkGfid(gfid proto.Gfid) error {
	if s.partitioner.ShardForGfid(gfid) != s.shardID {
		return fmt.Errorf("%w: gfid %d on shard %d", apierrors.ErrShardNotOwned, gfid, s.shardID)
	}
	return nil
}

func (s *shard) snapshotReadOption(kvStore kvstore.Store) (kvstore.ReadOption, func()) {
	snap := kvStore.NewSnapshot()
	readOpt := kvStore.NewReadOption()
	readOpt.SetSnapShot(snap)
	return readOpt, func() {
		readOpt.Close()
		snap.Close()
	}
}

func (s *shard) indexError(err error) error {
	return apierrors.NewIndexError(s.shardID, err)
}

func (s *shard) getKeyLock(key []byte) *sync.Mutex {
	idx := crc32.ChecksumIEEE(key) % keyLocksNum
	return &s.keyLocks[idx]
}
