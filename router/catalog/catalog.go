package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
)

const (
	defaultMaxResults        = proto.DefaultMaxFileCntPerNode
	defaultStagingBytes      = 256 << 20
	defaultShardTimeoutMS    = 10000
	defaultFanoutConcurrency = 64
	defaultScanCount         = 1 << 10

	// staged bytes charged per record
	extentStageSize = 64
	attrStageSize   = 96
)

type Config struct {
	Partition partition.Config `json:"partition"`
	// MaxMetaPerSend bounds the records of one batched call.
	MaxMetaPerSend int `json:"max_meta_per_send"`
	// MaxResults bounds the records returned by one range query or
	// children listing.
	MaxResults        int   `json:"max_results"`
	StagingBytes      int64 `json:"staging_bytes"`
	ShardTimeoutMS    int   `json:"shard_timeout_ms"`
	FanoutConcurrency int   `json:"fanout_concurrency"`
	ScanCount         int   `json:"scan_count"`

	Transport *Transport `json:"-"`
}

// Catalog is the client facing side of the metadata index. It routes
// extent, attribute and hierarchy operations to the shards that own them
// and merges the answers.
type Catalog struct {
	partitioner *partition.Partitioner
	transport   *Transport
	sequencer   *Sequencer
	taskPool    taskpool.TaskPool
	timeout     time.Duration
	staged      int64
	closeOnce   sync.Once
	cfg         *Config
}

func NewCatalog(ctx context.Context, cfg *Config) (*Catalog, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := initConfig(cfg); err != nil {
		return nil, err
	}
	partitioner, err := partition.New(cfg.Partition)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		partitioner: partitioner,
		transport:   cfg.Transport,
		sequencer:   NewSequencer(),
		taskPool:    taskpool.New(cfg.FanoutConcurrency, cfg.FanoutConcurrency),
		timeout:     time.Duration(cfg.ShardTimeoutMS) * time.Millisecond,
		cfg:         cfg,
	}
	span.Debugf("router catalog over %d shards, max per send %d", partitioner.NumShards(), cfg.MaxMetaPerSend)
	return c, nil
}

func (c *Catalog) Partitioner() *partition.Partitioner {
	return c.partitioner
}

// Commit flushes the indexes of every shard to stable storage.
func (c *Catalog) Commit(ctx context.Context) error {
	shardIDs := c.partitioner.AllShards()
	errs := make([]error, len(shardIDs))
	c.fanout(shardIDs, func(i int, shardID proto.ShardID) {
		errs[i] = c.getShard(shardID).Commit(ctx)
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats collects the index stats of every shard. Shards that do not answer
// are returned apart.
func (c *Catalog) Stats(ctx context.Context) ([]proto.ShardStats, []proto.ShardID, error) {
	shardIDs := c.partitioner.AllShards()
	stats := make([]proto.ShardStats, len(shardIDs))
	errs := make([]error, len(shardIDs))
	c.fanout(shardIDs, func(i int, shardID proto.ShardID) {
		stats[i], errs[i] = c.getShard(shardID).Stats(ctx)
	})

	ret := make([]proto.ShardStats, 0, len(shardIDs))
	var unavailable []proto.ShardID
	for i, shardID := range shardIDs {
		if err := errs[i]; err != nil {
			if !errors.Is(err, apierrors.ErrShardUnavailable) {
				return nil, nil, err
			}
			unavailable = append(unavailable, shardID)
			continue
		}
		ret = append(ret, stats[i])
	}
	return ret, unavailable, nil
}

func (c *Catalog) Close() {
	c.closeOnce.Do(func() {
		c.taskPool.Close()
		c.transport.Close()
	})
}

// BatchResult holds the outcome of every record of a batched call, aligned
// with the input. A nil entry means the record was stored.
type BatchResult struct {
	Errors []error
}

func newBatchResult(n int) *BatchResult {
	return &BatchResult{Errors: make([]error, n)}
}

func (r *BatchResult) OK() bool {
	return r.FirstError() == nil
}

// Failed returns the input positions of the records that were not stored.
func (r *BatchResult) Failed() []int {
	var ret []int
	for i, err := range r.Errors {
		if err != nil {
			ret = append(ret, i)
		}
	}
	return ret
}

func (r *BatchResult) FirstError() error {
	for _, err := range r.Errors {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *BatchResult) setIfNil(i int, err error) {
	if r.Errors[i] == nil {
		r.Errors[i] = err
	}
}

// reserve charges n bytes against the staging budget.
func (c *Catalog) reserve(n int64) (func(), error) {
	for {
		cur := atomic.LoadInt64(&c.staged)
		if cur+n > c.cfg.StagingBytes {
			return nil, fmt.Errorf("%w: %d bytes staged, %d more requested, budget %d",
				apierrors.ErrOutOfMemory, cur, n, c.cfg.StagingBytes)
		}
		if atomic.CompareAndSwapInt64(&c.staged, cur, cur+n) {
			metrics.RouterStagedBytes.Add(float64(n))
			return func() {
				atomic.AddInt64(&c.staged, -n)
				metrics.RouterStagedBytes.Sub(float64(n))
			}, nil
		}
	}
}

func (c *Catalog) checkBatch(n int) error {
	if n > c.cfg.MaxMetaPerSend {
		return fmt.Errorf("%w: %d records, at most %d per send", apierrors.ErrBatchTooLarge, n, c.cfg.MaxMetaPerSend)
	}
	return nil
}

// fanout runs f once per shard on the task pool and waits for all of them.
func (c *Catalog) fanout(shardIDs []proto.ShardID, f func(i int, shardID proto.ShardID)) {
	var wg sync.WaitGroup
	wg.Add(len(shardIDs))
	for i, shardID := range shardIDs {
		i, shardID := i, shardID
		c.taskPool.Run(func() {
			defer wg.Done()
			f(i, shardID)
		})
	}
	wg.Wait()
}

func (c *Catalog) getShard(shardID proto.ShardID) *shard {
	return &shard{shardID: shardID, tr: c.transport, timeout: c.timeout}
}

func sortedShards(m map[proto.ShardID][]int) []proto.ShardID {
	ret := make([]proto.ShardID, 0, len(m))
	for shardID := range m {
		ret = append(ret, shardID)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

func chunks(n, size int) [][2]int {
	var ret [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		ret = append(ret, [2]int{start, end})
	}
	return ret
}

func initConfig(cfg *Config) error {
	if cfg.MaxMetaPerSend <= 0 {
		return fmt.Errorf("%w: max meta per send %d", apierrors.ErrConfig, cfg.MaxMetaPerSend)
	}
	if cfg.Transport == nil {
		return fmt.Errorf("%w: no shard transport", apierrors.ErrConfig)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.StagingBytes <= 0 {
		cfg.StagingBytes = defaultStagingBytes
	}
	if cfg.ShardTimeoutMS <= 0 {
		cfg.ShardTimeoutMS = defaultShardTimeoutMS
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = defaultFanoutConcurrency
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = defaultScanCount
	}
	return nil
}
