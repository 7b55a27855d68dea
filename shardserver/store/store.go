package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/burstfs/metadb/common/kvstore"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
)

const (
	manifestFilePrefix = "manifest"
	statsFileSuffix    = "_stats"

	defaultDBName = "unifycr_db"
)

type Config struct {
	Path           string            `json:"path"`
	Name           string            `json:"name"`
	KVType         kvstore.LsmKVType `json:"kv_type"`
	KVOption       kvstore.Option    `json:"kv_option"`
	BlockCacheSize uint64            `json:"block_cache_size"`
	WriteBufSize   uint64            `json:"write_buf_size"`
}

// Manifest pins the partitioning an index was created with. A shard reopened
// under a different partitioning would serve keys it does not own.
type Manifest struct {
	IndexID         proto.IndexID   `json:"index_id"`
	IndexType       proto.IndexType `json:"index_type"`
	IndexName       string          `json:"index_name"`
	KeyType         string          `json:"key_type"`
	Rank            proto.Rank      `json:"rank"`
	MaxRecsPerSlice uint64          `json:"max_recs_per_slice"`
	ServerRatio     int             `json:"server_ratio"`
	NumServers      int             `json:"num_servers"`
}

type statsFile struct {
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	Used    uint64 `json:"used"`
	FlushAt int64  `json:"flush_at"`
}

// IndexStore is the on-disk home of one index on one rank: a kv database,
// its stats file and its manifest file.
type IndexStore struct {
	manifest     Manifest
	dbName       string
	statsName    string
	manifestName string

	puts    uint64
	deletes uint64
	flushAt int64

	fs      RawFS
	kvStore kvstore.Store
}

type Store struct {
	cfg     Config
	rank    proto.Rank
	fs      RawFS
	cache   kvstore.LruCache
	wbm     kvstore.WriteBufferManager
	indexes map[proto.IndexID]*IndexStore
	closed  bool
	lock    sync.Mutex
}

func DBName(name string, indexID proto.IndexID, rank proto.Rank) string {
	return fmt.Sprintf("%s-%d-%d", name, indexID, rank)
}

func StatsName(name string, indexID proto.IndexID, rank proto.Rank) string {
	return DBName(name, indexID, rank) + statsFileSuffix
}

func ManifestName(indexType proto.IndexType, indexID proto.IndexID, rank proto.Rank) string {
	return fmt.Sprintf("%s%d_%d_%d", manifestFilePrefix, indexType, indexID, rank)
}

// NewStore opens, or creates, the databases of every manifest on rank.
func NewStore(ctx context.Context, cfg *Config, rank proto.Rank, manifests []Manifest) (*Store, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty meta db path", apierrors.ErrConfig)
	}

	s := &Store{
		cfg:     *cfg,
		rank:    rank,
		fs:      newPosixRawFS(cfg.Path),
		indexes: make(map[proto.IndexID]*IndexStore, len(manifests)),
	}
	if cfg.BlockCacheSize > 0 {
		s.cache = kvstore.NewCache(ctx, cfg.KVType, cfg.BlockCacheSize)
	}
	if cfg.WriteBufSize > 0 {
		s.wbm = kvstore.NewWriteBufferManager(ctx, cfg.KVType, cfg.WriteBufSize)
	}

	for _, m := range manifests {
		m.Rank = rank
		idx, err := s.openIndex(ctx, m)
		if err != nil {
			span.Errorf("open index[%s] on rank[%d] failed: %s", m.IndexName, rank, errors.Detail(err))
			s.Close()
			return nil, err
		}
		s.indexes[m.IndexID] = idx
	}
	return s, nil
}

func (s *Store) Index(id proto.IndexID) *IndexStore {
	return s.indexes[id]
}

func (s *Store) Indexes() []*IndexStore {
	ret := make([]*IndexStore, 0, len(s.indexes))
	for _, id := range []proto.IndexID{proto.ExtentIndexID, proto.AttrIndexID, proto.HierarchyIndexID} {
		if idx, ok := s.indexes[id]; ok {
			ret = append(ret, idx)
		}
	}
	return ret
}

func (s *Store) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, idx := range s.indexes {
		idx.kvStore.Close()
	}
	if s.wbm != nil {
		s.wbm.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
}

// Sanitize closes the store and removes the database, stats and manifest
// file of every index.
func (s *Store) Sanitize(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	s.Close()

	var firstErr error
	for _, idx := range s.Indexes() {
		for _, name := range []string{idx.dbName, idx.statsName, idx.manifestName} {
			if err := s.fs.Remove(name); err != nil {
				span.Errorf("remove %s failed: %s", s.fs.Path(name), err)
				if firstErr == nil {
					firstErr = errors.Info(err, "sanitize", name)
				}
			}
		}
	}
	return firstErr
}

func (s *Store) openIndex(ctx context.Context, m Manifest) (*IndexStore, error) {
	idx := &IndexStore{
		manifest:     m,
		dbName:       DBName(s.cfg.Name, m.IndexID, m.Rank),
		statsName:    StatsName(s.cfg.Name, m.IndexID, m.Rank),
		manifestName: ManifestName(m.IndexType, m.IndexID, m.Rank),
		fs:           s.fs,
	}
	if err := idx.checkManifest(); err != nil {
		return nil, err
	}
	if err := idx.loadStats(); err != nil {
		return nil, err
	}

	opt := s.cfg.KVOption
	opt.CreateIfMissing = true
	opt.Cache = s.cache
	opt.WriteBufferManager = s.wbm
	kvStore, err := kvstore.NewKVStore(ctx, s.fs.Path(idx.dbName), s.cfg.KVType, &opt)
	if err != nil {
		return nil, errors.Info(err, "open kv store", idx.dbName)
	}
	idx.kvStore = kvStore
	return idx, nil
}

func (idx *IndexStore) KVStore() kvstore.Store { return idx.kvStore }

func (idx *IndexStore) Manifest() Manifest { return idx.manifest }

func (idx *IndexStore) Location() string { return idx.fs.Path(idx.dbName) }

func (idx *IndexStore) AddPuts(n int) { atomic.AddUint64(&idx.puts, uint64(n)) }

func (idx *IndexStore) AddDeletes(n int) { atomic.AddUint64(&idx.deletes, uint64(n)) }

func (idx *IndexStore) Stats(ctx context.Context) proto.IndexStats {
	st := proto.IndexStats{
		Index:    idx.manifest.IndexID,
		Name:     idx.manifest.IndexName,
		Puts:     atomic.LoadUint64(&idx.puts),
		Deletes:  atomic.LoadUint64(&idx.deletes),
		FlushAt:  atomic.LoadInt64(&idx.flushAt),
		Location: idx.Location(),
	}
	if kvStats, err := idx.kvStore.Stats(ctx); err == nil {
		st.Used = kvStats.Used
	}
	return st
}

// FlushStats writes the index counters to the stats file.
func (idx *IndexStore) FlushStats(ctx context.Context) error {
	st := idx.Stats(ctx)
	now := time.Now().Unix()
	data, err := json.Marshal(statsFile{Puts: st.Puts, Deletes: st.Deletes, Used: st.Used, FlushAt: now})
	if err != nil {
		return err
	}
	if err = writeRawFile(idx.fs, idx.statsName, data); err != nil {
		return errors.Info(err, "write stats file", idx.statsName)
	}
	atomic.StoreInt64(&idx.flushAt, now)
	return nil
}

func (idx *IndexStore) loadStats() error {
	exist, err := idx.fs.Exist(idx.statsName)
	if err != nil || !exist {
		return err
	}
	data, err := readRawFile(idx.fs, idx.statsName)
	if err != nil {
		return errors.Info(err, "read stats file", idx.statsName)
	}
	st := statsFile{}
	if err = json.Unmarshal(data, &st); err != nil {
		return errors.Info(err, "json unmarshal stats failed")
	}
	idx.puts, idx.deletes, idx.flushAt = st.Puts, st.Deletes, st.FlushAt
	return nil
}

func (idx *IndexStore) checkManifest() error {
	exist, err := idx.fs.Exist(idx.manifestName)
	if err != nil {
		return err
	}
	if !exist {
		data, err := json.Marshal(idx.manifest)
		if err != nil {
			return err
		}
		return writeRawFile(idx.fs, idx.manifestName, data)
	}

	data, err := readRawFile(idx.fs, idx.manifestName)
	if err != nil {
		return errors.Info(err, "read manifest", idx.manifestName)
	}
	stored := Manifest{}
	if err = json.Unmarshal(data, &stored); err != nil {
		return errors.Info(err, "json unmarshal manifest failed")
	}
	if stored != idx.manifest {
		return fmt.Errorf("%w: manifest %s was created with %+v, reopened with %+v",
			apierrors.ErrConfig, idx.manifestName, stored, idx.manifest)
	}
	return nil
}

func initConfig(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = defaultDBName
	}
	if cfg.KVType == "" {
		cfg.KVType = kvstore.RocksdbLsmKVType
	}
}
