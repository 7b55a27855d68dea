package catalog

import (
	"context"
	"fmt"
	"sync"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
)

// ShardServerClient reaches the shards served by other ranks.
type ShardServerClient interface {
	GetClient(ctx context.Context, shardID proto.ShardID) (proto.MetaShardServer, error)
	Close()
}

// Transport resolves a shard id to the server answering for it. Shards of
// this process are called in place, the others through the remote client.
type Transport struct {
	local  sync.Map
	remote ShardServerClient
}

func NewTransport(remote ShardServerClient) *Transport {
	return &Transport{remote: remote}
}

func (t *Transport) AddLocal(shardID proto.ShardID, srv proto.MetaShardServer) {
	t.local.Store(shardID, srv)
}

func (t *Transport) GetShard(ctx context.Context, shardID proto.ShardID) (proto.MetaShardServer, error) {
	if v, ok := t.local.Load(shardID); ok {
		return v.(proto.MetaShardServer), nil
	}
	if t.remote == nil {
		return nil, fmt.Errorf("%w: no route to shard %d", apierrors.ErrShardDoesNotExist, shardID)
	}
	return t.remote.GetClient(ctx, shardID)
}

func (t *Transport) Close() {
	if t.remote != nil {
		t.remote.Close()
	}
}
