package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	p\x00<partition>              -> created_at (8 bytes, unix nanos)
//	e\x00<partition>\x00<key>     -> stored_at (8 bytes, unix nanos) + response bytes
const (
	partitionKeyPrefix = "p\x00"
	entryKeyPrefix     = "e\x00"
	keySeparator       = "\x00"
)

// BadgerCache stores partitions in a Badger key-value store.
type BadgerCache struct {
	db         *badger.DB
	writeMutex *sync.Mutex
}

// NewBadgerCache opens a Badger store in the given directory.
// If the directory is empty, the store is kept in memory.
func NewBadgerCache(dir string) (BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return BadgerCache{}, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return BadgerCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func partitionKey(partition string) []byte {
	return []byte(partitionKeyPrefix + partition)
}

func entryPrefix(partition string) []byte {
	return []byte(entryKeyPrefix + partition + keySeparator)
}

func entryKey(partition, key string) []byte {
	return append(entryPrefix(partition), key...)
}

func encodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func openTxn(txn *badger.Txn, partition string) error {
	_, err := txn.Get(partitionKey(partition))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return txn.Set(partitionKey(partition), encodeTime(time.Now()))
	}
	return err
}

func (b BadgerCache) Open(partition string) error {
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		return openTxn(txn, partition)
	})
}

func (b BadgerCache) Partitions() ([]string, error) {
	type created struct {
		name string
		at   uint64
	}
	all := make([]created, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(partitionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			name := string(item.Key()[len(prefix):])
			all = append(all, created{name: name, at: binary.BigEndian.Uint64(value)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].at < all[j].at
	})
	names := make([]string, 0, len(all))
	for _, c := range all {
		names = append(names, c.name)
	}
	return names, nil
}

func (b BadgerCache) Get(partition, key string) (CacheEntry, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(partition, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	if len(value) < 8 {
		return CacheEntry{}, false, fmt.Errorf("corrupt entry %s in %s", key, partition)
	}
	return CacheEntry{
		Key:      key,
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(value[:8]))),
		Bytes:    value[8:],
	}, true, nil
}

func (b BadgerCache) Put(partition string, entry CacheEntry) error {
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	value := append(encodeTime(entry.StoredAt), entry.Bytes...)
	return b.db.Update(func(txn *badger.Txn) error {
		if err := openTxn(txn, partition); err != nil {
			return err
		}
		return txn.Set(entryKey(partition, entry.Key), value)
	})
}

func (b BadgerCache) Delete(partition string) (bool, error) {
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()
	existed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(partitionKey(partition))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(partitionKey(partition))
	})
	if err != nil || !existed {
		return false, err
	}
	if err := b.db.DropPrefix(entryPrefix(partition)); err != nil {
		return true, err
	}
	return true, nil
}

func (b BadgerCache) Keys(partition string, cb func(string)) error {
	keys := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(partitionKey(partition)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrPartitionNotFound
			}
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := entryPrefix(partition)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (b BadgerCache) Close() error {
	return b.db.Close()
}
