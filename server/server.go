// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/burstfs/metadb/client"
	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
	"github.com/burstfs/metadb/router"
	"github.com/burstfs/metadb/router/catalog"
	"github.com/burstfs/metadb/shardserver"
)

// Server is one rank of the metadata service. Every rank routes requests;
// metadata servers also own a shard and answer for it.
type Server struct {
	cfg         *Config
	node        proto.NodeInfo
	router      *router.Router
	shardServer *shardserver.ShardServer
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		node: proto.NodeInfo{
			Rank:     cfg.Rank,
			Role:     proto.NodeRoleServer,
			GrpcAddr: cfg.GrpcAddr,
			HttpAddr: cfg.HttpAddr,
		},
	}
	shardServer, err := shardserver.NewShardServer(ctx, &shardserver.Config{
		StoreConfig:         cfg.StoreConfig,
		Partition:           cfg.Partition(),
		Rank:                cfg.Rank,
		LimitConfig:         cfg.LimitConfig,
		MaxMetaPerSend:      cfg.MaxMetaPerSend,
		StatsFlushIntervalS: cfg.StatsFlushIntervalS,
	})
	if err != nil {
		return nil, err
	}
	if shardServer != nil {
		s.shardServer = shardServer
		s.node.Role = proto.NodeRoleMetaServer
	}

	r, err := router.NewRouter(ctx, &router.Config{
		CatalogConfig: catalog.Config{
			Partition:         cfg.Partition(),
			MaxMetaPerSend:    cfg.MaxMetaPerSend,
			MaxResults:        cfg.MaxResults,
			StagingBytes:      cfg.StagingBytes,
			ShardTimeoutMS:    cfg.ShardTimeoutMS,
			FanoutConcurrency: cfg.FanoutConcurrency,
		},
		ServerConfig: client.ShardServerConfig{
			Addresses:       cfg.ServerAddrs,
			TransportConfig: cfg.TransportConfig,
		},
		Local: shardServer.Local(),
	})
	if err != nil {
		if s.shardServer != nil {
			s.shardServer.Close(ctx)
		}
		return nil, err
	}
	s.router = r

	span.Infof("rank %d of %d started as %s", cfg.Rank, cfg.NumServers, s.node.Role)
	return s, nil
}

func (s *Server) Router() *router.Router {
	return s.router
}

func (s *Server) Node() proto.NodeInfo {
	return s.node
}

// Stats reports the shards of the whole cluster as seen from this rank.
func (s *Server) Stats(ctx context.Context) (*proto.ServerStats, error) {
	shards, unavailable, err := s.router.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &proto.ServerStats{
		Node:        s.node,
		NumServers:  s.cfg.NumServers,
		NumShards:   s.router.Partitioner().NumShards(),
		Shards:      shards,
		Unavailable: unavailable,
	}, nil
}

// Sanitize removes the databases of the shard owned by this rank. The
// server cannot serve its shard afterwards.
func (s *Server) Sanitize(ctx context.Context) error {
	if s.shardServer == nil {
		return fmt.Errorf("%w: rank %d", apierrors.ErrNotMetaServer, s.cfg.Rank)
	}
	return s.shardServer.Sanitize(ctx)
}

func (s *Server) Close(ctx context.Context) {
	s.router.Close()
	if s.shardServer != nil {
		s.shardServer.Close(ctx)
	}
}
