package client

import (
	"context"
	"math"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/burstfs/metadb/proto"
)

const (
	defaultConnectTimeoutMs   = 3000
	defaultKeepaliveTimeoutS  = 5
	defaultBackoffBaseDelayMs = 100
	defaultBackoffMaxDelayMs  = 3000
)

type TransportConfig struct {
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`
}

func unaryInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, span.TraceID())
	return invoker(ctx, method, req, reply, cc, opts...)
}

func generateDialOpts(cfg *TransportConfig) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Millisecond * time.Duration(cfg.ConnectTimeoutMs),
		}),
		grpc.WithChainUnaryInterceptor(unaryInterceptorWithTracer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}
}

func initTransportConfig(cfg *TransportConfig) {
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if cfg.KeepaliveTimeoutS == 0 {
		cfg.KeepaliveTimeoutS = defaultKeepaliveTimeoutS
	}
	if cfg.BackoffBaseDelayMs == 0 {
		cfg.BackoffBaseDelayMs = defaultBackoffBaseDelayMs
	}
	if cfg.BackoffMaxDelayMs == 0 {
		cfg.BackoffMaxDelayMs = defaultBackoffMaxDelayMs
	}
}
