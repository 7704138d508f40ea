package cache

import (
	"errors"
	"time"
)

// ErrPartitionNotFound is returned when an operation needs an existing partition.
var ErrPartitionNotFound = errors.New("partition not found")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// in named partitions. A partition is an isolated key space: the same key
// may be stored in several partitions without interference.
//
// Implementations must be thread-safe!
// Every method must be atomic with respect to the other methods.
type CacheProvider interface {
	// Open creates the named partition if it does not exist yet.
	// Opening an existing partition is a no-op.
	Open(partition string) error
	// Partitions returns the names of all partitions in creation order.
	Partitions() ([]string, error)
	// Get returns the entry stored under the key in the given partition.
	// The boolean is false if either the partition or the key is missing.
	Get(partition, key string) (CacheEntry, bool, error)
	// Put stores the entry in the given partition, replacing any entry
	// with the same key. The partition is created if needed.
	Put(partition string, entry CacheEntry) error
	// Delete removes the partition and every entry in it.
	// It returns false if there was no such partition.
	Delete(partition string) (bool, error)
	// Keys calls the given callback for each key in the partition.
	// It returns ErrPartitionNotFound for unknown partitions.
	Keys(partition string, cb func(string)) error
	// Close releases the underlying storage.
	Close() error
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
