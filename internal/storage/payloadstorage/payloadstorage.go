// Package payloadstorage implements the embedded KV column of spec.md §4.2:
// offset → CBOR-encoded payload JSON, backed by an embedded KV store, with an
// in-memory hash mirror kept for hot reads and rebuilt from the store on
// open.
//
// The wrapper shape (Opts/DB/WriteOptions/ReadOptions, Load/Store/prefix
// iteration) follows milvus's internal/kv/rocksdb/rocksdb_kv.go;
// github.com/tecbot/gorocksdb (replaced by the milvus-io fork, as milvus's
// go.mod does) is the embedded store, and github.com/fxamacker/cbor/v2
// encodes values per §6 ("Payload storage uses a general-purpose embedded KV
// column ... with 32-bit offset keys and CBOR values").
package payloadstorage

import (
	"encoding/binary"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/tecbot/gorocksdb"

	"github.com/segmentcore/engine/internal/merr"
)

// Payload is the JSON-object-shaped document attached to a point.
type Payload map[string]any

// Storage is the payload storage contract used by segment and proxysegment.
type Storage interface {
	Get(offset uint32) (Payload, bool, error)
	Set(offset uint32, payload Payload) error
	SetField(offset uint32, key string, value any) error
	DeleteField(offset uint32, key string) error
	Clear(offset uint32) error
	Delete(offset uint32) error
	Flush() error
	Close() error
}

// RocksStorage persists payloads in a single gorocksdb column keyed by
// big-endian uint32 offset, mirrored in an in-memory map for hot reads,
// mirroring milvus's RocksdbKV field layout.
type RocksStorage struct {
	opts         *gorocksdb.Options
	db           *gorocksdb.DB
	writeOptions *gorocksdb.WriteOptions
	readOptions  *gorocksdb.ReadOptions

	mu     sync.RWMutex
	mirror map[uint32]Payload
}

func OpenRocksStorage(dir string) (*RocksStorage, error) {
	bbto := gorocksdb.NewDefaultBlockBasedTableOptions()
	bbto.SetCacheIndexAndFilterBlocks(true)
	bbto.SetBlockCache(gorocksdb.NewLRUCache(0))
	opts := gorocksdb.NewDefaultOptions()
	opts.SetBlockBasedTableFactory(bbto)
	opts.IncreaseParallelism(2)
	opts.SetCreateIfMissing(true)

	db, err := gorocksdb.OpenDb(opts, dir)
	if err != nil {
		return nil, merr.Wrap(merr.ErrServiceError, err, "open payload storage column")
	}
	s := &RocksStorage{
		opts:         opts,
		db:           db,
		writeOptions: gorocksdb.NewDefaultWriteOptions(),
		readOptions:  gorocksdb.NewDefaultReadOptions(),
		mirror:       map[uint32]Payload{},
	}
	if err := s.rebuildMirror(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func offsetKey(offset uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, offset)
	return buf
}

func (s *RocksStorage) rebuildMirror() error {
	it := s.db.NewIterator(s.readOptions)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := it.Key()
		val := it.Value()
		offset := binary.BigEndian.Uint32(key.Data())
		var payload Payload
		if err := cbor.Unmarshal(val.Data(), &payload); err != nil {
			key.Free()
			val.Free()
			return merr.Wrap(merr.ErrInconsistentStorage, err, "decode payload during mirror rebuild")
		}
		s.mirror[offset] = payload
		key.Free()
		val.Free()
	}
	if err := it.Err(); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "iterate payload storage")
	}
	return nil
}

func (s *RocksStorage) Get(offset uint32) (Payload, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.mirror[offset]
	if !ok {
		return nil, false, nil
	}
	return p, true, nil
}

func (s *RocksStorage) persist(offset uint32, payload Payload) error {
	buf, err := cbor.Marshal(payload)
	if err != nil {
		return merr.Wrap(merr.ErrTypeError, err, "encode payload")
	}
	if err := s.db.Put(s.writeOptions, offsetKey(offset), buf); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "put payload")
	}
	return nil
}

func (s *RocksStorage) Set(offset uint32, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(offset, payload); err != nil {
		return err
	}
	s.mirror[offset] = payload
	return nil
}

func (s *RocksStorage) SetField(offset uint32, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := s.mirror[offset]
	if payload == nil {
		payload = Payload{}
	} else {
		cp := make(Payload, len(payload))
		for k, v := range payload {
			cp[k] = v
		}
		payload = cp
	}
	payload[key] = value
	if err := s.persist(offset, payload); err != nil {
		return err
	}
	s.mirror[offset] = payload
	return nil
}

func (s *RocksStorage) DeleteField(offset uint32, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := s.mirror[offset]
	if payload == nil {
		return nil
	}
	cp := make(Payload, len(payload))
	for k, v := range payload {
		if k != key {
			cp[k] = v
		}
	}
	if err := s.persist(offset, cp); err != nil {
		return err
	}
	s.mirror[offset] = cp
	return nil
}

func (s *RocksStorage) Clear(offset uint32) error {
	return s.Set(offset, Payload{})
}

func (s *RocksStorage) Delete(offset uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete(s.writeOptions, offsetKey(offset)); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "delete payload")
	}
	delete(s.mirror, offset)
	return nil
}

func (s *RocksStorage) Flush() error {
	fo := gorocksdb.NewDefaultFlushOptions()
	defer fo.Destroy()
	if err := s.db.Flush(fo); err != nil {
		return merr.Wrap(merr.ErrServiceError, err, "flush payload storage")
	}
	return nil
}

func (s *RocksStorage) Close() error {
	s.db.Close()
	return nil
}
