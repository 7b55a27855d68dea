// Copyright 2023 The Cuber Authors.
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
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type (
	rocksdb struct {
		path      string
		db        *rdb.DB
		opt       *rdb.Options
		readOpt   *rdb.ReadOptions
		writeOpt  *rdb.WriteOptions
		flushOpt  *rdb.FlushOptions
		cfHandles map[CF]*rdb.ColumnFamilyHandle
		lock      sync.RWMutex
	}
	lruCache struct {
		cache *rdb.Cache
	}
	writeBufferManager struct {
		manager *rdb.WriteBufferManager
	}
	snapshot struct {
		db   *rdb.DB
		snap *rdb.Snapshot
	}
	readOption struct {
		opt *rdb.ReadOptions
	}
	writeOption struct {
		opt *rdb.WriteOptions
	}
	listReader struct {
		iterator *rdb.Iterator
		prefix   []byte
		started  bool
	}
	keyGetter struct {
		key *rdb.Slice
	}
	valueGetter struct {
		value *rdb.Slice
	}
	writeBatch struct {
		s     *rocksdb
		batch *rdb.WriteBatch
	}
)

func newRocksdb(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	dbOpt := genRocksdbOpts(option)

	cols := make([]CF, 0, len(option.ColumnFamily)+1)
	cols = append(cols, defaultCF)
	for _, col := range option.ColumnFamily {
		if col != defaultCF {
			cols = append(cols, col)
		}
	}
	cfNames := make([]string, len(cols))
	cfOpts := make([]*rdb.Options, len(cols))
	for i := range cols {
		cfNames[i] = cols[i].String()
		cfOpts[i] = dbOpt
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(dbOpt, path, cfNames, cfOpts)
	if err != nil {
		return nil, err
	}
	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle, len(cfhs))
	for i, h := range cfhs {
		cfhMap[cols[i]] = h
	}

	wo := rdb.NewDefaultWriteOptions()
	wo.SetSync(option.Sync)
	wo.DisableWAL(option.DisableWal)

	return &rocksdb{
		db:        db,
		path:      path,
		opt:       dbOpt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  wo,
		flushOpt:  rdb.NewDefaultFlushOptions(),
		cfHandles: cfhMap,
	}, nil
}

func newRocksdbLruCache(ctx context.Context, size uint64) LruCache {
	return &lruCache{cache: rdb.NewLRUCache(size)}
}

func (c *lruCache) GetUsage() uint64       { return c.cache.GetUsage() }
func (c *lruCache) GetPinnedUsage() uint64 { return c.cache.GetPinnedUsage() }
func (c *lruCache) Close()                 { c.cache.Destroy() }

func newRocksdbWriteBufferManager(ctx context.Context, bufferSize uint64) WriteBufferManager {
	return &writeBufferManager{manager: rdb.NewWriteBufferManager(bufferSize)}
}

func (m *writeBufferManager) Close() { m.manager.Destroy() }

func (ss *snapshot) Close() { ss.db.ReleaseSnapshot(ss.snap) }

func (ro *readOption) SetSnapShot(snap Snapshot) {
	ro.opt.SetSnapshot(snap.(*snapshot).snap)
}

func (ro *readOption) Close() { ro.opt.Destroy() }

func (wo *writeOption) SetSync(value bool)    { wo.opt.SetSync(value) }
func (wo *writeOption) DisableWAL(value bool) { wo.opt.DisableWAL(value) }
func (wo *writeOption) Close()                { wo.opt.Destroy() }

func (kg keyGetter) Key() []byte { return kg.key.Data() }
func (kg keyGetter) Close()      { kg.key.Free() }

func (vg valueGetter) Value() []byte { return vg.value.Data() }
func (vg valueGetter) Size() int     { return vg.value.Size() }
func (vg valueGetter) Close()        { vg.value.Free() }

func (lr *listReader) ReadNext() (key KeyGetter, val ValueGetter, err error) {
	if lr.started {
		lr.iterator.Next()
	}
	lr.started = true
	if err = lr.iterator.Err(); err != nil {
		return nil, nil, err
	}
	if !lr.iterator.Valid() {
		return nil, nil, nil
	}
	if lr.prefix != nil && !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	return keyGetter{key: lr.iterator.Key()}, valueGetter{value: lr.iterator.Value()}, nil
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	key = append([]byte(nil), kg.Key()...)
	value = append([]byte(nil), vg.Value()...)
	kg.Close()
	vg.Close()
	return
}

func (lr *listReader) SeekTo(key []byte) {
	lr.started = false
	lr.iterator.Seek(key)
}

func (lr *listReader) Close() { lr.iterator.Close() }

func (w *writeBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.getColumnFamily(col), key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.s.getColumnFamily(col), key)
}

func (w *writeBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.batch.DeleteRangeCF(w.s.getColumnFamily(col), startKey, endKey)
}

func (w *writeBatch) Count() int { return w.batch.Count() }
func (w *writeBatch) Close()     { w.batch.Destroy() }

func (s *rocksdb) NewSnapshot() Snapshot {
	return &snapshot{db: s.db, snap: s.db.NewSnapshot()}
}

func (s *rocksdb) NewReadOption() ReadOption {
	return &readOption{opt: rdb.NewDefaultReadOptions()}
}

func (s *rocksdb) NewWriteOption() WriteOption {
	return &writeOption{opt: rdb.NewDefaultWriteOptions()}
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cfHandles[col] != nil {
		return nil
	}
	h, err := s.db.CreateColumnFamily(s.opt, col.String())
	if err != nil {
		return err
	}
	s.cfHandles[col] = h
	return nil
}

func (s *rocksdb) GetAllColumns() (ret []CF) {
	s.lock.RLock()
	for col := range s.cfHandles {
		ret = append(ret, col)
	}
	s.lock.RUnlock()
	return
}

func (s *rocksdb) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.lock.RLock()
	_, ok := s.cfHandles[col]
	s.lock.RUnlock()
	return ok
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (ValueGetter, error) {
	v, err := s.db.GetCF(s.readOption(readOpt), s.getColumnFamily(col), key)
	if err != nil {
		return nil, err
	}
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return valueGetter{value: v}, nil
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	v, err := s.db.GetCF(s.readOption(readOpt), s.getColumnFamily(col), key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.Data()...), nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	return s.db.PutCF(s.writeOption(writeOpt), s.getColumnFamily(col), key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	return s.db.DeleteCF(s.writeOption(writeOpt), s.getColumnFamily(col), key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	t := s.db.NewIteratorCF(s.readOption(readOpt), s.getColumnFamily(col))
	switch {
	case len(marker) > 0:
		t.Seek(marker)
	case prefix != nil:
		t.Seek(prefix)
	default:
		t.SeekToFirst()
	}
	return &listReader{iterator: t, prefix: prefix}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	return s.db.Write(s.writeOption(writeOpt), batch.(*writeBatch).batch)
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	return s.db.FlushCF(s.flushOpt, s.getColumnFamily(col))
}

func (s *rocksdb) Stats(ctx context.Context) (stats Stats, err error) {
	var (
		size                     int64
		totalIndexAndFilterUsage uint64
		totalMemtableUsage       uint64
	)
	files := s.db.GetLiveFilesMetaData()
	for i := range files {
		size += files[i].Size
	}

	s.lock.RLock()
	for _, cf := range s.cfHandles {
		indexAndFilterUsage, _ := strconv.ParseUint(s.db.GetPropertyCF("rocksdb.estimate-table-readers-mem", cf), 10, 64)
		memtableUsage, _ := strconv.ParseUint(s.db.GetPropertyCF("rocksdb.cur-size-all-mem-tables", cf), 10, 64)
		totalIndexAndFilterUsage += indexAndFilterUsage
		totalMemtableUsage += memtableUsage
	}
	s.lock.RUnlock()
	blockCacheUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.block-cache-usage"), 10, 64)
	blockPinnedUsage, _ := strconv.ParseUint(s.db.GetProperty("rocksdb.block-cache-pinned-usage"), 10, 64)
	stats = Stats{
		Used: uint64(size),
		MemoryUsage: MemoryUsage{
			BlockCacheUsage:     blockCacheUsage,
			IndexAndFilterUsage: totalIndexAndFilterUsage,
			MemtableUsage:       totalMemtableUsage,
			BlockPinnedUsage:    blockPinnedUsage,
			Total:               blockCacheUsage + totalIndexAndFilterUsage + totalMemtableUsage + blockPinnedUsage,
		},
	}
	return
}

func (s *rocksdb) Close() {
	s.writeOpt.Destroy()
	s.readOpt.Destroy()
	s.flushOpt.Destroy()
	for i := range s.cfHandles {
		s.cfHandles[i].Destroy()
	}
	s.db.Close()
	s.opt.Destroy()
}

func (s *rocksdb) readOption(readOpt ReadOption) *rdb.ReadOptions {
	if readOpt != nil {
		return readOpt.(*readOption).opt
	}
	return s.readOpt
}

func (s *rocksdb) writeOption(writeOpt WriteOption) *rdb.WriteOptions {
	if writeOpt != nil {
		return writeOpt.(*writeOption).opt
	}
	return s.writeOpt
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	s.lock.RLock()
	cf, ok := s.cfHandles[col]
	s.lock.RUnlock()
	if !ok {
		panic(fmt.Sprintf("col:%s not exist", col.String()))
	}
	return cf
}

func genRocksdbOpts(opt *Option) (opts *rdb.Options) {
	opts = rdb.NewDefaultOptions()
	blockBaseOpt := rdb.NewDefaultBlockBasedTableOptions()
	opts.SetCreateIfMissing(opt.CreateIfMissing)
	if opt.BlockSize > 0 {
		blockBaseOpt.SetBlockSize(opt.BlockSize)
	}
	if opt.Cache != nil {
		blockBaseOpt.SetBlockCache(opt.Cache.(*lruCache).cache)
	} else if opt.BlockCache > 0 {
		blockBaseOpt.SetBlockCache(rdb.NewLRUCache(opt.BlockCache))
	}
	opts.SetEnablePipelinedWrite(opt.EnablePipelinedWrite)
	if opt.MaxBackgroundJobs > 0 {
		opts.SetMaxBackgroundCompactions(opt.MaxBackgroundJobs)
	}
	if opt.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(opt.MaxOpenFiles)
	}
	if opt.MaxWriteBufferNumber > 0 {
		opts.SetMaxWriteBufferNumber(opt.MaxWriteBufferNumber)
	}
	if opt.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(opt.WriteBufferSize)
	}
	if opt.TargetFileSizeBase > 0 {
		opts.SetTargetFileSizeBase(opt.TargetFileSizeBase)
	}
	if opt.KeepLogFileNum > 0 {
		opts.SetKeepLogFileNum(opt.KeepLogFileNum)
	}
	if opt.MaxLogFileSize > 0 {
		opts.SetMaxLogFileSize(opt.MaxLogFileSize)
	}
	if opt.Level0SlowdownWritesTrigger > 0 {
		opts.SetLevel0SlowdownWritesTrigger(opt.Level0SlowdownWritesTrigger)
	}
	if opt.Level0StopWritesTrigger > 0 {
		opts.SetLevel0StopWritesTrigger(opt.Level0StopWritesTrigger)
	}
	switch opt.CompactionStyle {
	case FIFOStyle:
		opts.SetCompactionStyle(rdb.FIFOCompactionStyle)
	case LevelStyle:
		opts.SetCompactionStyle(rdb.LevelCompactionStyle)
	case UniversalStyle:
		opts.SetCompactionStyle(rdb.UniversalCompactionStyle)
	default:
	}
	if opt.WriteBufferManager != nil {
		opts.SetWriteBufferManager(opt.WriteBufferManager.(*writeBufferManager).manager)
	}
	if opt.MaxWalLogSize > 0 {
		opts.SetMaxTotalWalSize(opt.MaxWalLogSize)
	}

	opts.SetStatsDumpPeriodSec(0)
	opts.SetStatsPersistPeriodSec(0)
	opts.SetBlockBasedTableFactory(blockBaseOpt)
	opts.SetCreateIfMissingColumnFamilies(true)
	return
}
