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

package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
)

const memoryTreeDegree = 32

type (
	memItem struct {
		key   []byte
		value []byte
	}
	memoryStore struct {
		path   string
		cols   map[CF]*btree.BTree
		used   int64
		closed bool
		lock   sync.RWMutex
	}
	memSnapshot struct {
		cols map[CF][]*memItem
	}
	memReadOption struct {
		snap *memSnapshot
	}
	memWriteOption struct{}
	memBatchOp     struct {
		col    CF
		key    []byte
		value  []byte
		end    []byte
		delete bool
	}
	memWriteBatch struct {
		ops []memBatchOp
	}
	memListReader struct {
		items  []*memItem
		source func(start []byte) ([]*memItem, error)
		prefix []byte
		pos    int
		err    error
	}
	bytesGetter []byte
)

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

func (i *memItem) Copy() btree.Item {
	return &memItem{key: i.key, value: i.value}
}

func newMemoryStore(ctx context.Context, path string, option *Option) (Store, error) {
	s := &memoryStore{path: path, cols: make(map[CF]*btree.BTree)}
	s.cols[defaultCF] = btree.New(memoryTreeDegree)
	for _, col := range option.ColumnFamily {
		s.cols[col] = btree.New(memoryTreeDegree)
	}
	return s, nil
}

func (b bytesGetter) Key() []byte   { return b }
func (b bytesGetter) Value() []byte { return b }
func (b bytesGetter) Size() int     { return len(b) }
func (b bytesGetter) Close()        {}

func (ss *memSnapshot) Close() {}

func (ro *memReadOption) SetSnapShot(snap Snapshot) { ro.snap = snap.(*memSnapshot) }
func (ro *memReadOption) Close()                    {}

func (wo memWriteOption) SetSync(value bool)    {}
func (wo memWriteOption) DisableWAL(value bool) {}
func (wo memWriteOption) Close()                {}

func (w *memWriteBatch) Put(col CF, key, value []byte) {
	w.ops = append(w.ops, memBatchOp{col: col, key: clone(key), value: clone(value)})
}

func (w *memWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, memBatchOp{col: col, key: clone(key), delete: true})
}

func (w *memWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.ops = append(w.ops, memBatchOp{col: col, key: clone(startKey), end: clone(endKey), delete: true})
}

func (w *memWriteBatch) Count() int { return len(w.ops) }
func (w *memWriteBatch) Close()     { w.ops = nil }

func (lr *memListReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	k, v, err := lr.ReadNextCopy()
	if err != nil || k == nil {
		return nil, nil, err
	}
	return bytesGetter(k), bytesGetter(v), nil
}

func (lr *memListReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if lr.err != nil {
		return nil, nil, lr.err
	}
	if lr.pos >= len(lr.items) {
		return nil, nil, nil
	}
	item := lr.items[lr.pos]
	if lr.prefix != nil && !bytes.HasPrefix(item.key, lr.prefix) {
		lr.pos = len(lr.items)
		return nil, nil, nil
	}
	lr.pos++
	return item.key, item.value, nil
}

func (lr *memListReader) SeekTo(key []byte) {
	lr.items, lr.err = lr.source(key)
	lr.pos = 0
}

func (lr *memListReader) Close() { lr.items = nil }

func (s *memoryStore) NewSnapshot() Snapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()
	snap := &memSnapshot{cols: make(map[CF][]*memItem, len(s.cols))}
	for col, tree := range s.cols {
		items := make([]*memItem, 0, tree.Len())
		tree.Ascend(func(i btree.Item) bool {
			items = append(items, i.(*memItem))
			return true
		})
		snap.cols[col] = items
	}
	return snap
}

func (s *memoryStore) NewReadOption() ReadOption   { return &memReadOption{} }
func (s *memoryStore) NewWriteOption() WriteOption { return memWriteOption{} }
func (s *memoryStore) NewWriteBatch() WriteBatch   { return &memWriteBatch{} }

func (s *memoryStore) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if s.cols[col] == nil {
		s.cols[col] = btree.New(memoryTreeDegree)
	}
	return nil
}

func (s *memoryStore) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cols {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *memoryStore) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	_, ok := s.cols[col]
	s.lock.RUnlock()
	return ok
}

func (s *memoryStore) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (ValueGetter, error) {
	value, err := s.GetRaw(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	return bytesGetter(value), nil
}

func (s *memoryStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	if snap := snapshotOf(readOpt); snap != nil {
		items := snap.cols[normalizeCF(col)]
		idx := searchItems(items, key)
		if idx < len(items) && bytes.Equal(items[idx].key, key) {
			return clone(items[idx].value), nil
		}
		return nil, ErrNotFound
	}

	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	found := s.getTree(col).Get(&memItem{key: key})
	if found == nil {
		return nil, ErrNotFound
	}
	return clone(found.(*memItem).value), nil
}

func (s *memoryStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	batch := &memWriteBatch{}
	batch.Put(col, key, value)
	return s.Write(ctx, batch, writeOpt)
}

func (s *memoryStore) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	batch := &memWriteBatch{}
	batch.Delete(col, key)
	return s.Write(ctx, batch, writeOpt)
}

// List copies the matching range out of the tree under the read lock, so a
// reader never observes a batch applied after it was created.
func (s *memoryStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	col = normalizeCF(col)
	var source func(start []byte) ([]*memItem, error)
	if snap := snapshotOf(readOpt); snap != nil {
		items := snap.cols[col]
		source = func(start []byte) ([]*memItem, error) {
			return items[searchItems(items, start):], nil
		}
	} else {
		source = func(start []byte) ([]*memItem, error) {
			s.lock.RLock()
			defer s.lock.RUnlock()
			if s.closed {
				return nil, ErrStoreClosed
			}
			var items []*memItem
			s.getTree(col).AscendGreaterOrEqual(&memItem{key: start}, func(i btree.Item) bool {
				item := i.(*memItem)
				if prefix != nil && !bytes.HasPrefix(item.key, prefix) {
					return false
				}
				items = append(items, item)
				return true
			})
			return items, nil
		}
	}

	start := marker
	if len(start) == 0 {
		start = prefix
	}
	lr := &memListReader{source: source, prefix: prefix}
	lr.SeekTo(start)
	return lr
}

func (s *memoryStore) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	ops := batch.(*memWriteBatch).ops
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for i := range ops {
		if _, ok := s.cols[normalizeCF(ops[i].col)]; !ok {
			return fmt.Errorf("col:%s not exist", ops[i].col.String())
		}
	}
	for _, op := range ops {
		tree := s.getTree(op.col)
		switch {
		case !op.delete:
			if old := tree.ReplaceOrInsert(&memItem{key: op.key, value: op.value}); old != nil {
				s.used -= int64(len(old.(*memItem).key) + len(old.(*memItem).value))
			}
			s.used += int64(len(op.key) + len(op.value))
		case op.end == nil:
			if old := tree.Delete(&memItem{key: op.key}); old != nil {
				s.used -= int64(len(old.(*memItem).key) + len(old.(*memItem).value))
			}
		default:
			var doomed []btree.Item
			tree.AscendRange(&memItem{key: op.key}, &memItem{key: op.end}, func(i btree.Item) bool {
				doomed = append(doomed, i)
				return true
			})
			for _, item := range doomed {
				tree.Delete(item)
				s.used -= int64(len(item.(*memItem).key) + len(item.(*memItem).value))
			}
		}
	}
	return nil
}

func (s *memoryStore) FlushCF(ctx context.Context, col CF) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *memoryStore) Stats(ctx context.Context) (Stats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return Stats{
		Used:        uint64(s.used),
		MemoryUsage: MemoryUsage{MemtableUsage: uint64(s.used), Total: uint64(s.used)},
	}, nil
}

func (s *memoryStore) Close() {
	s.lock.Lock()
	s.closed = true
	s.cols = make(map[CF]*btree.BTree)
	s.lock.Unlock()
}

func (s *memoryStore) getTree(col CF) *btree.BTree {
	tree, ok := s.cols[normalizeCF(col)]
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return tree
}

func snapshotOf(readOpt ReadOption) *memSnapshot {
	if ro, ok := readOpt.(*memReadOption); ok && ro != nil {
		return ro.snap
	}
	return nil
}

func searchItems(items []*memItem, key []byte) int {
	return sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
}

func normalizeCF(col CF) CF {
	if col == "" {
		return defaultCF
	}
	return col
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
