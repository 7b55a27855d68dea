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

const (
	ReqIdKey = "req-id"

	// MaxFilenameLen bounds FileAttr.Filename in bytes.
	MaxFilenameLen = 1024

	DefaultMaxMetaPerSend    = 1 << 17
	DefaultMaxFileCntPerNode = 1 << 20
	DefaultMetaRangeSize     = 1 << 20
)

type (
	Fid       = int32
	Gfid      = int32
	ShardID   = uint32
	IndexID   = uint32
	IndexType = uint32
	Rank      = uint32
)

// index ids follow the primary, file_attr and secondary numbering of the
// on-disk layout, so a restarted server reopens the same files
const (
	ExtentIndexID    IndexID = 0
	AttrIndexID      IndexID = 1
	HierarchyIndexID IndexID = 2
)

const (
	PrimaryIndexType   IndexType = 1
	SecondaryIndexType IndexType = 2
)

const (
	ExtentKeyType = "extent"
	IntKeyType    = "int"
)

func IndexName(id IndexID) string {
	switch id {
	case ExtentIndexID:
		return "extent"
	case AttrIndexID:
		return "file_attr"
	case HierarchyIndexID:
		return "hierarchy"
	default:
		return "unknown"
	}
}
