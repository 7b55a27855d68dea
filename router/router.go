package router

import (
	"context"

	"github.com/burstfs/metadb/client"
	"github.com/burstfs/metadb/partition"
	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/router/catalog"
)

type Config struct {
	CatalogConfig catalog.Config           `json:"catalog_config"`
	ServerConfig  client.ShardServerConfig `json:"server_config"`
	// Local holds the shards served by this process, they are called in place.
	Local map[proto.ShardID]proto.MetaShardServer `json:"-"`
}

type Router struct {
	*catalog.Catalog
}

func NewRouter(ctx context.Context, cfg *Config) (*Router, error) {
	p, err := partition.New(cfg.CatalogConfig.Partition)
	if err != nil {
		return nil, err
	}
	cfg.ServerConfig.Partitioner = p
	remote, err := client.NewShardServerClient(&cfg.ServerConfig)
	if err != nil {
		return nil, err
	}

	tr := catalog.NewTransport(remote)
	for shardID, srv := range cfg.Local {
		tr.AddLocal(shardID, srv)
	}
	cfg.CatalogConfig.Transport = tr
	c, err := catalog.NewCatalog(ctx, &cfg.CatalogConfig)
	if err != nil {
		remote.Close()
		return nil, err
	}
	return &Router{Catalog: c}, nil
}
