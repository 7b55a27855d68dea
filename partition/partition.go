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

// Package partition maps index keys to shards. Every process given the same
// Config computes the same mapping, no coordination is involved.
//
// The key space is cut into slices of MaxRecsPerSlice consecutive values.
// An extent slice combines the file id with the offset slice, an attribute or
// hierarchy slice is the gfid divided by the slice size. Slices are dealt to
// shards round robin, and shard i is owned by the metadata server of rank
// i*ServerRatio.
package partition

import (
	"fmt"
	"math"
	"sort"

	apierrors "github.com/burstfs/metadb/errors"
	"github.com/burstfs/metadb/proto"
)

const maxSliceIndex = math.MaxUint32

type Config struct {
	MaxRecsPerSlice uint64 `json:"max_recs_per_slice"`
	ServerRatio     int    `json:"server_ratio"`
	NumServers      int    `json:"num_servers"`
}

type Partitioner struct {
	cfg       Config
	numShards uint32
}

func New(cfg Config) (*Partitioner, error) {
	if cfg.MaxRecsPerSlice == 0 {
		return nil, fmt.Errorf("%w: max records per slice must be positive", apierrors.ErrConfig)
	}
	if cfg.ServerRatio < 1 {
		return nil, fmt.Errorf("%w: server ratio %d", apierrors.ErrConfig, cfg.ServerRatio)
	}
	if cfg.NumServers < 1 {
		return nil, fmt.Errorf("%w: server count %d", apierrors.ErrConfig, cfg.NumServers)
	}
	n := (cfg.NumServers + cfg.ServerRatio - 1) / cfg.ServerRatio
	return &Partitioner{cfg: cfg, numShards: uint32(n)}, nil
}

func (p *Partitioner) Config() Config { return p.cfg }

func (p *Partitioner) NumShards() int { return int(p.numShards) }

func (p *Partitioner) AllShards() []proto.ShardID {
	ret := make([]proto.ShardID, p.numShards)
	for i := range ret {
		ret[i] = proto.ShardID(i)
	}
	return ret
}

func (p *Partitioner) IsMetaServer(rank proto.Rank) bool {
	_, ok := p.ShardOfRank(rank)
	return ok
}

func (p *Partitioner) OwnerRank(shardID proto.ShardID) proto.Rank {
	return proto.Rank(shardID) * proto.Rank(p.cfg.ServerRatio)
}

// ShardOfRank returns the shard served by rank, if rank is a metadata server.
func (p *Partitioner) ShardOfRank(rank proto.Rank) (proto.ShardID, bool) {
	ratio := proto.Rank(p.cfg.ServerRatio)
	if rank%ratio != 0 || int(rank) >= p.cfg.NumServers {
		return 0, false
	}
	return proto.ShardID(rank / ratio), true
}

func (p *Partitioner) ShardForExtent(key proto.ExtentKey) proto.ShardID {
	return p.shardOfSlice(p.extentSlice(key.Fid, p.sliceIndex(key.Offset)))
}

func (p *Partitioner) ShardForGfid(gfid proto.Gfid) proto.ShardID {
	return p.shardOfSlice(uint64(orderedInt32(gfid)) / p.cfg.MaxRecsPerSlice)
}

// SliceStart returns the first offset of the slice holding offset.
func (p *Partitioner) SliceStart(offset uint64) uint64 {
	return p.sliceIndex(offset) * p.cfg.MaxRecsPerSlice
}

// SliceEnd returns the exclusive end offset of the slice holding offset,
// math.MaxUint64 for the last slice.
func (p *Partitioner) SliceEnd(offset uint64) uint64 {
	idx := p.sliceIndex(offset)
	if idx == maxSliceIndex || idx+1 > math.MaxUint64/p.cfg.MaxRecsPerSlice {
		return math.MaxUint64
	}
	return (idx + 1) * p.cfg.MaxRecsPerSlice
}

// ShardsForExtentRange returns the ascending, distinct shards holding any
// offset of r.
func (p *Partitioner) ShardsForExtentRange(r proto.ExtentRange) []proto.ShardID {
	if r.End <= r.Start {
		return nil
	}
	first, last := p.sliceIndex(r.Start), p.sliceIndex(r.End-1)
	if last-first+1 >= uint64(p.numShards) {
		return p.AllShards()
	}

	seen := make(map[proto.ShardID]struct{})
	ret := make([]proto.ShardID, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		shardID := p.shardOfSlice(p.extentSlice(r.Fid, idx))
		if _, ok := seen[shardID]; ok {
			continue
		}
		seen[shardID] = struct{}{}
		ret = append(ret, shardID)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// CountPieces returns the number of pieces SplitExtent cuts e into,
// without building them.
func (p *Partitioner) CountPieces(e proto.Extent) uint64 {
	if e.Value.Length == 0 {
		return 1
	}
	end := e.End()
	if end < e.Key.Offset {
		end = math.MaxUint64
	}
	return p.sliceIndex(end-1) - p.sliceIndex(e.Key.Offset) + 1
}

// SplitExtent cuts e at slice boundaries so that every piece is stored in
// exactly one slice. Pieces keep the value of e with length and address
// advanced accordingly.
func (p *Partitioner) SplitExtent(e proto.Extent) []proto.Extent {
	if e.Value.Length == 0 {
		return []proto.Extent{e}
	}
	var ret []proto.Extent
	offset, end := e.Key.Offset, e.End()
	if end < offset {
		end = math.MaxUint64
	}
	for offset < end {
		pieceEnd := p.SliceEnd(offset)
		if pieceEnd > end {
			pieceEnd = end
		}
		piece := e
		piece.Key.Offset = offset
		piece.Value.Length = pieceEnd - offset
		piece.Value.Addr = e.Value.Addr + (offset - e.Key.Offset)
		ret = append(ret, piece)
		offset = pieceEnd
	}
	return ret
}

func (p *Partitioner) sliceIndex(offset uint64) uint64 {
	idx := offset / p.cfg.MaxRecsPerSlice
	if idx > maxSliceIndex {
		idx = maxSliceIndex
	}
	return idx
}

func (p *Partitioner) extentSlice(fid proto.Fid, idx uint64) uint64 {
	return uint64(orderedInt32(fid))<<32 | idx
}

func (p *Partitioner) shardOfSlice(slice uint64) proto.ShardID {
	return proto.ShardID(slice % uint64(p.numShards))
}

// orderedInt32 maps int32 onto uint32 keeping the order.
func orderedInt32(v int32) uint32 {
	return uint32(v) ^ 0x80000000
}
