package catalog

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/shardserver/store"
	"github.com/burstfs/metadb/util/limiter"
)

const (
	defaultTaskPoolSize        = 16
	defaultMaxRequestRecords   = 4 * proto.DefaultMaxMetaPerSend
	defaultStatsFlushIntervalS = 60
	defaultScanCount           = 1 << 10
)

type Config struct {
	StoreConfig         store.Config        `json:"store_config"`
	Partition           partition.Config    `json:"partition"`
	Rank                proto.Rank          `json:"rank"`
	LimitConfig         limiter.LimitConfig `json:"limit_config"`
	MaxRequestRecords   int                 `json:"max_request_records"`
	StatsFlushIntervalS int                 `json:"stats_flush_interval_s"`
}

// Catalog serves the shards owned by this rank.
type Catalog struct {
	shards      sync.Map
	partitioner *partition.Partitioner
	limiter     limiter.Limiter
	taskPool    taskpool.TaskPool
	done        chan struct{}
	closeOnce   sync.Once
	loopWg      sync.WaitGroup
	cfg         *Config
}

func NewCatalog(ctx context.Context, cfg *Config) (*Catalog, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)

	partitioner, err := partition.New(cfg.Partition)
	if err != nil {
		return nil, err
	}
	shardID, ok := partitioner.ShardOfRank(cfg.Rank)
	if !ok {
		return nil, fmt.Errorf("%w: rank %d", apierrors.ErrNotMetaServer, cfg.Rank)
	}
	st, err := store.NewStore(ctx, &cfg.StoreConfig, cfg.Rank, manifests(cfg.Partition))
	if err != nil {
		span.Errorf("open store of shard[%d] failed: %s", shardID, errors.Detail(err))
		return nil, err
	}

	c := &Catalog{
		partitioner: partitioner,
		limiter:     limiter.NewLimiter(cfg.LimitConfig),
		taskPool:    taskpool.New(defaultTaskPoolSize, defaultTaskPoolSize),
		done:        make(chan struct{}),
		cfg:         cfg,
	}
	c.shards.Store(shardID, newShard(&shardConfig{
		shardID:     shardID,
		rank:        cfg.Rank,
		partitioner: partitioner,
		store:       st,
	}))
	span.Infof("rank[%d] serves shard[%d] of %d", cfg.Rank, shardID, partitioner.NumShards())

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		c.loop(ctx)
	}()
	return c, nil
}

func (c *Catalog) PutExtents(ctx context.Context, req *proto.PutExtentsRequest) (*proto.PutExtentsResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireWrite(ctx, len(req.Extents), len(req.Extents)*extentRecordSize)
	if err != nil {
		return nil, err
	}
	defer release()

	if err = s.PutExtents(ctx, req.Extents); err != nil {
		return nil, err
	}
	return &proto.PutExtentsResponse{}, nil
}

func (c *Catalog) GetExtents(ctx context.Context, req *proto.GetExtentsRequest) (*proto.GetExtentsResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireRead(ctx, len(req.Keys))
	if err != nil {
		return nil, err
	}
	defer release()

	extents, err := s.GetExtents(ctx, req.Keys, req.Limit)
	if err != nil {
		return nil, err
	}
	c.waitRead(ctx, len(extents)*extentRecordSize)
	return &proto.GetExtentsResponse{Extents: extents}, nil
}

func (c *Catalog) ScanExtents(ctx context.Context, req *proto.ScanExtentsRequest) (*proto.ScanExtentsResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireRead(ctx, len(req.Ranges))
	if err != nil {
		return nil, err
	}
	defer release()

	extents, err := s.ScanExtents(ctx, req.Ranges, req.Limit)
	if err != nil {
		return nil, err
	}
	c.waitRead(ctx, len(extents)*extentRecordSize)
	return &proto.ScanExtentsResponse{Extents: extents}, nil
}

func (c *Catalog) PutAttrs(ctx context.Context, req *proto.PutAttrsRequest) (*proto.PutAttrsResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	size := 0
	for i := range req.Attrs {
		size += attrRecordSize + len(req.Attrs[i].Filename)
	}
	release, err := c.acquireWrite(ctx, len(req.Attrs), size)
	if err != nil {
		return nil, err
	}
	defer release()

	if err = s.PutAttrs(ctx, req.Attrs); err != nil {
		return nil, err
	}
	return &proto.PutAttrsResponse{}, nil
}

func (c *Catalog) GetAttrs(ctx context.Context, req *proto.GetAttrsRequest) (*proto.GetAttrsResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireRead(ctx, len(req.Gfids))
	if err != nil {
		return nil, err
	}
	defer release()

	attrs, found, err := s.GetAttrs(ctx, req.Gfids)
	if err != nil {
		return nil, err
	}
	return &proto.GetAttrsResponse{Attrs: attrs, Found: found}, nil
}

func (c *Catalog) DeleteAttr(ctx context.Context, req *proto.DeleteAttrRequest) (*proto.DeleteAttrResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireWrite(ctx, 1, attrRecordSize)
	if err != nil {
		return nil, err
	}
	defer release()

	if err = s.DeleteAttr(ctx, req.Gfid); err != nil {
		return nil, err
	}
	return &proto.DeleteAttrResponse{}, nil
}

func (c *Catalog) ScanAttrs(ctx context.Context, req *proto.ScanAttrsRequest) (*proto.ScanAttrsResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	count := c.scanCount(req.Count)
	release, err := c.acquireRead(ctx, count)
	if err != nil {
		return nil, err
	}
	defer release()

	attrs, hasMore, err := s.ScanAttrs(ctx, req.Marker, req.Started, count)
	if err != nil {
		return nil, err
	}
	resp := &proto.ScanAttrsResponse{Attrs: attrs, HasMore: hasMore}
	if len(attrs) > 0 {
		resp.NextMarker = attrs[len(attrs)-1].Gfid
	}
	return resp, nil
}

func (c *Catalog) PutEdges(ctx context.Context, req *proto.PutEdgesRequest) (*proto.PutEdgesResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireWrite(ctx, len(req.Edges), len(req.Edges)*edgeKeySize)
	if err != nil {
		return nil, err
	}
	defer release()

	if err = s.PutEdges(ctx, req.Edges); err != nil {
		return nil, err
	}
	return &proto.PutEdgesResponse{}, nil
}

func (c *Catalog) DeleteEdges(ctx context.Context, req *proto.DeleteEdgesRequest) (*proto.DeleteEdgesResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireWrite(ctx, len(req.Edges), len(req.Edges)*edgeKeySize)
	if err != nil {
		return nil, err
	}
	defer release()

	if err = s.DeleteEdges(ctx, req.Edges); err != nil {
		return nil, err
	}
	return &proto.DeleteEdgesResponse{}, nil
}

func (c *Catalog) ListChildren(ctx context.Context, req *proto.ListChildrenRequest) (*proto.ListChildrenResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	release, err := c.acquireRead(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer release()

	children, err := s.ListChildren(ctx, req.Parent, req.After, req.Started, req.Limit)
	if err != nil {
		return nil, err
	}
	return &proto.ListChildrenResponse{Children: children}, nil
}

func (c *Catalog) ScanEdges(ctx context.Context, req *proto.ScanEdgesRequest) (*proto.ScanEdgesResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	count := c.scanCount(req.Count)
	release, err := c.acquireRead(ctx, count)
	if err != nil {
		return nil, err
	}
	defer release()

	edges, hasMore, err := s.ScanEdges(ctx, req.Marker, req.Started, count)
	if err != nil {
		return nil, err
	}
	resp := &proto.ScanEdgesResponse{Edges: edges, HasMore: hasMore}
	if len(edges) > 0 {
		resp.NextMarker = edges[len(edges)-1]
	}
	return resp, nil
}

func (c *Catalog) Commit(ctx context.Context, req *proto.CommitRequest) (*proto.CommitResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	if err = s.Commit(ctx); err != nil {
		return nil, err
	}
	return &proto.CommitResponse{}, nil
}

func (c *Catalog) ShardStats(ctx context.Context, req *proto.ShardStatsRequest) (*proto.ShardStatsResponse, error) {
	s, err := c.getShard(req.Header.ShardID)
	if err != nil {
		return nil, err
	}
	return &proto.ShardStatsResponse{Stats: s.Stats(ctx)}, nil
}

// Shards returns the ids of the shards served by this rank.
func (c *Catalog) Shards() []proto.ShardID {
	var ret []proto.ShardID
	c.shards.Range(func(key, value interface{}) bool {
		ret = append(ret, key.(proto.ShardID))
		return true
	})
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func (c *Catalog) Stats(ctx context.Context) []proto.ShardStats {
	var ret []proto.ShardStats
	for _, shardID := range c.Shards() {
		s, _ := c.getShard(shardID)
		ret = append(ret, s.Stats(ctx))
	}
	return ret
}

func (c *Catalog) Partitioner() *partition.Partitioner {
	return c.partitioner
}

func (c *Catalog) LimitStatus() limiter.Status {
	return c.limiter.Status()
}

// Close stops the background loop, persists the counters of every shard
// and closes its stores.
func (c *Catalog) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.stopLoop()
		c.flushStats(ctx)
		c.rangeShard(func(s *shard) { s.store.Close() })
		c.taskPool.Close()
	})
}

// Sanitize closes the catalog and removes every database, stats and
// manifest file it owns.
func (c *Catalog) Sanitize(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.stopLoop()
		c.taskPool.Close()
	})
	var firstErr error
	c.rangeShard(func(s *shard) {
		if err := s.store.Sanitize(ctx); err != nil && firstErr == nil {
			firstErr = apierrors.NewIndexError(s.shardID, err)
		}
	})
	return firstErr
}

func (c *Catalog) loop(ctx context.Context) {
	interval := time.Duration(c.cfg.StatsFlushIntervalS) * time.Second
	flushTicker := time.NewTicker(interval)
	defer flushTicker.Stop()

	for {
		select {
		case <-flushTicker.C:
			_, ctx := trace.StartSpanFromContext(ctx, "")
			c.flushStats(ctx)
			flushTicker.Reset(interval + time.Duration(rand.Intn(10))*time.Second)
		case <-c.done:
			return
		}
	}
}

func (c *Catalog) stopLoop() {
	close(c.done)
	c.loopWg.Wait()
}

func (c *Catalog) flushStats(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	var wg sync.WaitGroup
	c.rangeShard(func(s *shard) {
		for _, idx := range s.store.Indexes() {
			idx := idx
			wg.Add(1)
			c.taskPool.Run(func() {
				defer wg.Done()
				if err := idx.FlushStats(ctx); err != nil {
					span.Warnf("flush stats of shard[%d] index[%s] failed: %s", s.shardID, idx.Manifest().IndexName, errors.Detail(err))
				}
			})
		}
	})
	wg.Wait()
}

func (c *Catalog) rangeShard(f func(s *shard)) {
	c.shards.Range(func(key, value interface{}) bool {
		f(value.(*shard))
		return true
	})
}

func (c *Catalog) getShard(shardID proto.ShardID) (*shard, error) {
	v, ok := c.shards.Load(shardID)
	if !ok {
		return nil, fmt.Errorf("%w: shard %d on rank %d", apierrors.ErrShardDoesNotExist, shardID, c.cfg.Rank)
	}
	return v.(*shard), nil
}

func (c *Catalog) acquireWrite(ctx context.Context, records, size int) (func(), error) {
	if records > c.cfg.MaxRequestRecords {
		return nil, fmt.Errorf("%w: %d records in one request", apierrors.ErrBatchTooLarge, records)
	}
	if err := c.limiter.AcquireWrite(); err != nil {
		metrics.ShardRejected.WithLabelValues("write").Inc()
		return nil, fmt.Errorf("%w: %s", apierrors.ErrShardBusy, err)
	}
	if err := c.limiter.WaitWrite(ctx, size); err != nil {
		c.limiter.ReleaseWrite()
		metrics.ShardRejected.WithLabelValues("write").Inc()
		return nil, fmt.Errorf("%w: %s", apierrors.ErrShardBusy, err)
	}
	return c.limiter.ReleaseWrite, nil
}

func (c *Catalog) acquireRead(ctx context.Context, records int) (func(), error) {
	if records > c.cfg.MaxRequestRecords {
		return nil, fmt.Errorf("%w: %d keys in one request", apierrors.ErrBatchTooLarge, records)
	}
	if err := c.limiter.AcquireRead(); err != nil {
		metrics.ShardRejected.WithLabelValues("read").Inc()
		return nil, fmt.Errorf("%w: %s", apierrors.ErrShardBusy, err)
	}
	return c.limiter.ReleaseRead, nil
}

// waitRead charges the read bandwidth after the fact, the size of a read is
// only known once it is served
func (c *Catalog) waitRead(ctx context.Context, size int) {
	if err := c.limiter.WaitRead(ctx, size); err != nil {
		trace.SpanFromContextSafe(ctx).Debugf("wait read bandwidth: %s", err)
	}
}

func (c *Catalog) scanCount(count int) int {
	if count <= 0 {
		return defaultScanCount
	}
	if count > c.cfg.MaxRequestRecords {
		return c.cfg.MaxRequestRecords
	}
	return count
}

// manifests describes the three indexes every metadata server keeps.
func manifests(cfg partition.Config) []store.Manifest {
	base := store.Manifest{
		MaxRecsPerSlice: cfg.MaxRecsPerSlice,
		ServerRatio:     cfg.ServerRatio,
		NumServers:      cfg.NumServers,
	}
	extent, attr, hierarchy := base, base, base
	extent.IndexID, extent.IndexType, extent.KeyType = proto.ExtentIndexID, proto.PrimaryIndexType, proto.ExtentKeyType
	attr.IndexID, attr.IndexType, attr.KeyType = proto.AttrIndexID, proto.PrimaryIndexType, proto.IntKeyType
	hierarchy.IndexID, hierarchy.IndexType, hierarchy.KeyType = proto.HierarchyIndexID, proto.SecondaryIndexType, proto.IntKeyType
	ret := []store.Manifest{extent, attr, hierarchy}
	for i := range ret {
		ret[i].IndexName = proto.IndexName(ret[i].IndexID)
	}
	return ret
}

// rough on-disk record sizes used to charge bandwidth
const (
	extentRecordSize = extentKeySize + 48
	attrRecordSize   = attrKeySize + 64
)

func initConfig(cfg *Config) {
	if cfg.MaxRequestRecords <= 0 {
		cfg.MaxRequestRecords = defaultMaxRequestRecords
	}
	if cfg.StatsFlushIntervalS <= 0 {
		cfg.StatsFlushIntervalS = defaultStatsFlushIntervalS
	}
}
