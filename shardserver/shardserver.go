package shardserver

import (
	"context"

	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/shardserver/catalog"
	"github.com/burstfs/metadb/shardserver/store"
	"github.com/burstfs/metadb/util/limiter"
)

// requests may carry several router sends merged per shard
const requestRecordsFactor = 4

type Config struct {
	StoreConfig         store.Config        `json:"store_config"`
	Partition           partition.Config    `json:"partition"`
	Rank                proto.Rank          `json:"rank"`
	LimitConfig         limiter.LimitConfig `json:"limit_config"`
	MaxMetaPerSend      int                 `json:"max_meta_per_send"`
	StatsFlushIntervalS int                 `json:"stats_flush_interval_s"`
}

type ShardServer struct {
	*catalog.Catalog
}

// NewShardServer opens the shard owned by cfg.Rank. A rank that is not a
// metadata server owns nothing and gets a nil server.
func NewShardServer(ctx context.Context, cfg *Config) (*ShardServer, error) {
	p, err := partition.New(cfg.Partition)
	if err != nil {
		return nil, err
	}
	if !p.IsMetaServer(cfg.Rank) {
		return nil, nil
	}

	c, err := catalog.NewCatalog(ctx, &catalog.Config{
		StoreConfig:         cfg.StoreConfig,
		Partition:           cfg.Partition,
		Rank:                cfg.Rank,
		LimitConfig:         cfg.LimitConfig,
		MaxRequestRecords:   cfg.MaxMetaPerSend * requestRecordsFactor,
		StatsFlushIntervalS: cfg.StatsFlushIntervalS,
	})
	if err != nil {
		return nil, err
	}
	return &ShardServer{Catalog: c}, nil
}

// Local maps the owned shards to this server, for in process routing.
func (s *ShardServer) Local() map[proto.ShardID]proto.MetaShardServer {
	ret := make(map[proto.ShardID]proto.MetaShardServer)
	if s == nil {
		return ret
	}
	for _, shardID := range s.Shards() {
		ret[shardID] = s.Catalog
	}
	return ret
}
