package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/burstfs/metadb/client"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/shardserver/store"
	"github.com/burstfs/metadb/util/limiter"
)

const (
	EnvMetaDBPath      = "UNIFYCR_META_DB_PATH"
	EnvMetaDBName      = "UNIFYCR_META_DB_NAME"
	EnvMetaServerRatio = "UNIFYCR_META_SERVER_RATIO"
	EnvMetaRangeSize   = "UNIFYCR_META_RANGE_SIZE"
	EnvMetaMaxPerSend  = "UNIFYCR_META_MAX_PER_SEND"
	EnvServerRank      = "UNIFYCR_SERVER_RANK"
	EnvServerCount     = "UNIFYCR_SERVER_COUNT"

	defaultEnvFile = ".env"
)

type Config struct {
	Rank       proto.Rank `json:"rank"`
	NumServers int        `json:"num_servers"`
	// ServerAddrs holds the grpc address of every rank, indexed by rank.
	ServerAddrs []string `json:"server_addrs"`
	GrpcAddr    string   `json:"grpc_addr"`
	HttpAddr    string   `json:"http_addr"`

	MetaDBPath      string `json:"meta_db_path"`
	MetaDBName      string `json:"meta_db_name"`
	MetaServerRatio int    `json:"meta_server_ratio"`
	MetaRangeSize   uint64 `json:"meta_range_size"`
	MaxMetaPerSend  int    `json:"max_meta_per_send"`

	StoreConfig         store.Config           `json:"store_config"`
	LimitConfig         limiter.LimitConfig    `json:"limit_config"`
	StatsFlushIntervalS int                    `json:"stats_flush_interval_s"`
	MaxResults          int                    `json:"max_results"`
	StagingBytes        int64                  `json:"staging_bytes"`
	ShardTimeoutMS      int                    `json:"shard_timeout_ms"`
	FanoutConcurrency   int                    `json:"fanout_concurrency"`
	TransportConfig     client.TransportConfig `json:"transport"`
}

// LoadEnv overrides cfg with the UNIFYCR_* environment variables. The files
// are read into the environment first, variables already set win. Without
// files an optional .env in the working directory is read.
func LoadEnv(cfg *Config, files ...string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("%w: load env files %v: %s", apierrors.ErrConfig, files, err)
		}
	} else if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: load %s: %s", apierrors.ErrConfig, defaultEnvFile, err)
	}

	if v, ok := os.LookupEnv(EnvMetaDBPath); ok {
		cfg.MetaDBPath = v
	}
	if v, ok := os.LookupEnv(EnvMetaDBName); ok {
		cfg.MetaDBName = v
	}
	if err := lookupInt(EnvMetaServerRatio, &cfg.MetaServerRatio); err != nil {
		return err
	}
	if v, ok := os.LookupEnv(EnvMetaRangeSize); ok {
		size, err := strconv.ParseUint(v, 10, 64)
		if err != nil || size == 0 {
			return fmt.Errorf("%w: %s=%q", apierrors.ErrConfig, EnvMetaRangeSize, v)
		}
		cfg.MetaRangeSize = size
	}
	if err := lookupInt(EnvMetaMaxPerSend, &cfg.MaxMetaPerSend); err != nil {
		return err
	}
	if v, ok := os.LookupEnv(EnvServerRank); ok {
		rank, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", apierrors.ErrConfig, EnvServerRank, v)
		}
		cfg.Rank = proto.Rank(rank)
	}
	return lookupInt(EnvServerCount, &cfg.NumServers)
}

// lookupInt sets *dst from a positive integer variable.
func lookupInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%w: %s=%q", apierrors.ErrConfig, key, v)
	}
	*dst = n
	return nil
}

// Partition returns the partitioning every rank of the cluster must agree on.
func (cfg *Config) Partition() partition.Config {
	return partition.Config{
		MaxRecsPerSlice: cfg.MetaRangeSize,
		ServerRatio:     cfg.MetaServerRatio,
		NumServers:      cfg.NumServers,
	}
}

// Validate fills defaults and rejects configurations no server can run with.
func (cfg *Config) Validate() error {
	if cfg.NumServers < 0 || cfg.MetaServerRatio < 0 || cfg.MaxMetaPerSend < 0 {
		return fmt.Errorf("%w: servers %d, meta server ratio %d, max meta per send %d",
			apierrors.ErrConfig, cfg.NumServers, cfg.MetaServerRatio, cfg.MaxMetaPerSend)
	}
	if cfg.NumServers == 0 {
		cfg.NumServers = 1
	}
	if cfg.MetaServerRatio == 0 {
		cfg.MetaServerRatio = 1
	}
	if cfg.MetaRangeSize == 0 {
		cfg.MetaRangeSize = proto.DefaultMetaRangeSize
	}
	if cfg.MaxMetaPerSend == 0 {
		cfg.MaxMetaPerSend = proto.DefaultMaxMetaPerSend
	}
	if int(cfg.Rank) >= cfg.NumServers {
		return fmt.Errorf("%w: rank %d of %d servers", apierrors.ErrConfig, cfg.Rank, cfg.NumServers)
	}
	if len(cfg.ServerAddrs) > 0 && len(cfg.ServerAddrs) != cfg.NumServers {
		return fmt.Errorf("%w: %d server addresses for %d servers", apierrors.ErrConfig, len(cfg.ServerAddrs), cfg.NumServers)
	}
	if cfg.GrpcAddr == "" && len(cfg.ServerAddrs) > 0 {
		cfg.GrpcAddr = cfg.ServerAddrs[cfg.Rank]
	}

	p, err := partition.New(cfg.Partition())
	if err != nil {
		return err
	}
	if p.IsMetaServer(cfg.Rank) && cfg.MetaDBPath == "" {
		return fmt.Errorf("%w: rank %d is a metadata server without %s", apierrors.ErrConfig, cfg.Rank, EnvMetaDBPath)
	}
	cfg.StoreConfig.Path = cfg.MetaDBPath
	cfg.StoreConfig.Name = cfg.MetaDBName
	return nil
}
