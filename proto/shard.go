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

package proto

import "context"

// MetaShardServer is served by every metadata server for the shards it owns.
// The router reaches it in process or through the gRPC stub.
type MetaShardServer interface {
	PutExtents(ctx context.Context, req *PutExtentsRequest) (*PutExtentsResponse, error)
	GetExtents(ctx context.Context, req *GetExtentsRequest) (*GetExtentsResponse, error)
	ScanExtents(ctx context.Context, req *ScanExtentsRequest) (*ScanExtentsResponse, error)

	PutAttrs(ctx context.Context, req *PutAttrsRequest) (*PutAttrsResponse, error)
	GetAttrs(ctx context.Context, req *GetAttrsRequest) (*GetAttrsResponse, error)
	DeleteAttr(ctx context.Context, req *DeleteAttrRequest) (*DeleteAttrResponse, error)
	ScanAttrs(ctx context.Context, req *ScanAttrsRequest) (*ScanAttrsResponse, error)

	PutEdges(ctx context.Context, req *PutEdgesRequest) (*PutEdgesResponse, error)
	DeleteEdges(ctx context.Context, req *DeleteEdgesRequest) (*DeleteEdgesResponse, error)
	ListChildren(ctx context.Context, req *ListChildrenRequest) (*ListChildrenResponse, error)
	ScanEdges(ctx context.Context, req *ScanEdgesRequest) (*ScanEdgesResponse, error)

	Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error)
	ShardStats(ctx context.Context, req *ShardStatsRequest) (*ShardStatsResponse, error)
}

type ShardOpHeader struct {
	ShardID ShardID `json:"shard_id"`
}

type (
	PutExtentsRequest struct {
		Header  ShardOpHeader `json:"header"`
		Extents []Extent      `json:"extents"`
	}
	PutExtentsResponse struct{}

	GetExtentsRequest struct {
		Header ShardOpHeader `json:"header"`
		Keys   []ExtentKey   `json:"keys"`
		Limit  int           `json:"limit"`
	}
	GetExtentsResponse struct {
		Extents []Extent `json:"extents"`
	}

	ScanExtentsRequest struct {
		Header ShardOpHeader `json:"header"`
		Ranges []ExtentRange `json:"ranges"`
		Limit  int           `json:"limit"`
	}
	ScanExtentsResponse struct {
		Extents []Extent `json:"extents"`
	}
)

type (
	PutAttrsRequest struct {
		Header ShardOpHeader `json:"header"`
		Attrs  []FileAttr    `json:"attrs"`
	}
	PutAttrsResponse struct{}

	GetAttrsRequest struct {
		Header ShardOpHeader `json:"header"`
		Gfids  []Gfid        `json:"gfids"`
	}
	// GetAttrsResponse is aligned with the request gfids, Found[i] reports
	// whether Attrs[i] holds a stored attribute.
	GetAttrsResponse struct {
		Attrs []FileAttr `json:"attrs"`
		Found []bool     `json:"found"`
	}

	DeleteAttrRequest struct {
		Header ShardOpHeader `json:"header"`
		Gfid   Gfid          `json:"gfid"`
	}
	DeleteAttrResponse struct{}

	// ScanAttrsRequest pages through a shard in key order. Marker is ignored
	// on the first page, when Started is false.
	ScanAttrsRequest struct {
		Header  ShardOpHeader `json:"header"`
		Marker  Gfid          `json:"marker"`
		Started bool          `json:"started"`
		Count   int           `json:"count"`
	}
	ScanAttrsResponse struct {
		Attrs      []FileAttr `json:"attrs"`
		NextMarker Gfid       `json:"next_marker"`
		HasMore    bool       `json:"has_more"`
	}
)

type (
	PutEdgesRequest struct {
		Header ShardOpHeader `json:"header"`
		Edges  []Edge        `json:"edges"`
	}
	PutEdgesResponse struct{}

	DeleteEdgesRequest struct {
		Header ShardOpHeader `json:"header"`
		Edges  []Edge        `json:"edges"`
	}
	DeleteEdgesResponse struct{}

	ListChildrenRequest struct {
		Header ShardOpHeader `json:"header"`
		Parent Gfid          `json:"parent"`
		// After resumes a listing past that child when Started is set.
		After   Gfid `json:"after"`
		Started bool `json:"started"`
		Limit   int  `json:"limit"`
	}
	ListChildrenResponse struct {
		Children []Gfid `json:"children"`
	}

	ScanEdgesRequest struct {
		Header  ShardOpHeader `json:"header"`
		Marker  Edge          `json:"marker"`
		Started bool          `json:"started"`
		Count   int           `json:"count"`
	}
	ScanEdgesResponse struct {
		Edges      []Edge `json:"edges"`
		NextMarker Edge   `json:"next_marker"`
		HasMore    bool   `json:"has_more"`
	}
)

type (
	CommitRequest struct {
		Header ShardOpHeader `json:"header"`
	}
	CommitResponse struct{}

	ShardStatsRequest struct {
		Header ShardOpHeader `json:"header"`
	}
	ShardStatsResponse struct {
		Stats ShardStats `json:"stats"`
	}
)

// IndexStats counts the records put into and deleted from one index of a
// shard since it was created. Rewrites of an existing key count as puts.
type IndexStats struct {
	Index    IndexID `json:"index"`
	Name     string  `json:"name"`
	Puts     uint64  `json:"puts"`
	Deletes  uint64  `json:"deletes"`
	Used     uint64  `json:"used"`
	FlushAt  int64   `json:"flush_at"`
	Location string  `json:"location"`
}

type ShardStats struct {
	ShardID ShardID      `json:"shard_id"`
	Rank    Rank         `json:"rank"`
	Indexes []IndexStats `json:"indexes"`
}

type RebuildStats struct {
	AttrsScanned  uint64    `json:"attrs_scanned"`
	EdgesInserted uint64    `json:"edges_inserted"`
	EdgesScanned  uint64    `json:"edges_scanned"`
	EdgesDeleted  uint64    `json:"edges_deleted"`
	FailedShards  []ShardID `json:"failed_shards,omitempty"`
}
