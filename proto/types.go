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

import "fmt"

// ExtentKey orders by fid, then offset. Keys are not unique: a reissued
// write at the same key is stored as a separate record.
type ExtentKey struct {
	Fid    Fid    `json:"fid"`
	Offset uint64 `json:"offset"`
}

func (k ExtentKey) Compare(than ExtentKey) int {
	switch {
	case k.Fid < than.Fid:
		return -1
	case k.Fid > than.Fid:
		return 1
	case k.Offset < than.Offset:
		return -1
	case k.Offset > than.Offset:
		return 1
	default:
		return 0
	}
}

func (k ExtentKey) Less(than ExtentKey) bool {
	return k.Compare(than) < 0
}

func (k ExtentKey) String() string {
	return fmt.Sprintf("(fid=%d, offset=%d)", k.Fid, k.Offset)
}

// ExtentValue locates [offset, offset+length) of a file on a server.
// Seq orders overlapping writes, the higher one wins.
type ExtentValue struct {
	Delegator int32  `json:"delegator"`
	Length    uint64 `json:"length"`
	Addr      uint64 `json:"addr"`
	AppID     int32  `json:"app_id"`
	Rank      int32  `json:"rank"`
	Seq       uint64 `json:"seq"`
}

type Extent struct {
	Key   ExtentKey   `json:"key"`
	Value ExtentValue `json:"value"`
}

// End is the exclusive end offset of the extent.
func (e *Extent) End() uint64 {
	return e.Key.Offset + e.Value.Length
}

// Overlaps reports whether the extent intersects [start, end).
func (e *Extent) Overlaps(start, end uint64) bool {
	return e.Key.Offset < end && e.End() > start
}

func (e Extent) String() string {
	return fmt.Sprintf("key%s, val(del=%d, len=%d, addr=%d, app=%d, rank=%d, seq=%d)",
		e.Key, e.Value.Delegator, e.Value.Length, e.Value.Addr, e.Value.AppID, e.Value.Rank, e.Value.Seq)
}

// ExtentRange is the half-open span [Start, End) of one file.
type ExtentRange struct {
	Fid   Fid    `json:"fid"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

type FileAttr struct {
	Gfid        Gfid   `json:"gfid"`
	Fid         Fid    `json:"fid"`
	Filename    string `json:"filename"`
	Mode        uint32 `json:"mode"`
	UID         uint32 `json:"uid"`
	GID         uint32 `json:"gid"`
	Size        uint64 `json:"size"`
	Atime       int64  `json:"atime"`
	Mtime       int64  `json:"mtime"`
	Ctime       int64  `json:"ctime"`
	IsLaminated bool   `json:"is_laminated"`
	Parent      Gfid   `json:"parent"`
	HasParent   bool   `json:"has_parent"`
}

// Edge is one parent to child entry of the hierarchy index.
type Edge struct {
	Parent Gfid `json:"parent"`
	Child  Gfid `json:"child"`
}
