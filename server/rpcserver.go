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
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/metrics"
	"github.com/burstfs/metadb/proto"
)

type RPCServer struct {
	grpcServer *grpc.Server

	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		rs.unaryInterceptorWithTracer,
		metrics.GRPCMetrics.UnaryServerInterceptor(),
		rs.unaryInterceptorWithStatus,
	))
	if rs.shardServer != nil {
		proto.RegisterMetaShardServer(s, rs.shardServer)
	}
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

// Serve listens on addr and serves in the background.
func (r *RPCServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.serve(lis)
	log.Info("grpc server is running at:", lis.Addr())
	return nil
}

func (r *RPCServer) serve(lis net.Listener) {
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Fatal("grpc server exits:", err)
		}
	}()
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if reqID := md.Get(proto.ReqIdKey); len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
			return handler(ctx, req)
		}
	}
	_, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	return handler(ctx, req)
}

func (r *RPCServer) unaryInterceptorWithStatus(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		span := trace.SpanFromContextSafe(ctx)
		span.Debugf("%s failed: %s", info.FullMethod, err)
		return nil, apierrors.ToStatus(err)
	}
	return resp, nil
}
