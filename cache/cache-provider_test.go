package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	badger, err := NewBadgerCache("")
	require.NoError(t, err)
	all := map[string]CacheProvider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
		"badger": badger,
	}
	t.Cleanup(func() {
		for _, p := range all {
			p.Close()
		}
	})
	return all
}

func forEachProvider(t *testing.T, test func(t *testing.T, p CacheProvider)) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			test(t, p)
		})
	}
}

func TestPutAndGet(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		storedAt := time.Unix(1700000000, 0)
		require.NoError(t, p.Put("static-v1", CacheEntry{Key: "GET:/", StoredAt: storedAt, Bytes: []byte("root")}))

		entry, ok, err := p.Get("static-v1", "GET:/")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "root", string(entry.Bytes))
		assert.True(t, storedAt.Equal(entry.StoredAt), "stored at %s", entry.StoredAt)
	})
}

func TestGetMissing(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		_, ok, err := p.Get("nope", "GET:/")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, p.Open("static-v1"))
		_, ok, err = p.Get("static-v1", "GET:/")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPutOverwrites(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		require.NoError(t, p.Put("dynamic-v1", CacheEntry{Key: "GET:/api", Bytes: []byte("first")}))
		require.NoError(t, p.Put("dynamic-v1", CacheEntry{Key: "GET:/api", Bytes: []byte("second")}))

		entry, ok, err := p.Get("dynamic-v1", "GET:/api")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "second", string(entry.Bytes))
	})
}

func TestPartitionsAreIsolated(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		require.NoError(t, p.Put("static-v1", CacheEntry{Key: "GET:/", Bytes: []byte("static")}))
		require.NoError(t, p.Put("dynamic-v1", CacheEntry{Key: "GET:/", Bytes: []byte("dynamic")}))

		entry, _, err := p.Get("static-v1", "GET:/")
		require.NoError(t, err)
		assert.Equal(t, "static", string(entry.Bytes))
		entry, _, err = p.Get("dynamic-v1", "GET:/")
		require.NoError(t, err)
		assert.Equal(t, "dynamic", string(entry.Bytes))
	})
}

func TestPartitionsInCreationOrder(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		for _, name := range []string{"b", "a", "c"} {
			require.NoError(t, p.Open(name))
			time.Sleep(time.Millisecond)
		}
		// opening again keeps the original position
		require.NoError(t, p.Open("b"))

		names, err := p.Partitions()
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a", "c"}, names)
	})
}

func TestDelete(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		require.NoError(t, p.Put("old-v0", CacheEntry{Key: "GET:/", Bytes: []byte("old")}))
		require.NoError(t, p.Put("new-v1", CacheEntry{Key: "GET:/", Bytes: []byte("new")}))

		deleted, err := p.Delete("old-v0")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = p.Delete("old-v0")
		require.NoError(t, err)
		assert.False(t, deleted)

		names, err := p.Partitions()
		require.NoError(t, err)
		assert.Equal(t, []string{"new-v1"}, names)

		_, ok, err := p.Get("old-v0", "GET:/")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = p.Get("new-v1", "GET:/")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestKeys(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		require.NoError(t, p.Put("static-v1", CacheEntry{Key: "GET:/style.css"}))
		require.NoError(t, p.Put("static-v1", CacheEntry{Key: "GET:/"}))

		keys := make([]string, 0)
		require.NoError(t, p.Keys("static-v1", func(key string) {
			keys = append(keys, key)
		}))
		assert.ElementsMatch(t, []string{"GET:/", "GET:/style.css"}, keys)

		assert.ErrorIs(t, p.Keys("missing", func(string) {}), ErrPartitionNotFound)
	})
}

func TestConcurrentPuts(t *testing.T) {
	forEachProvider(t, func(t *testing.T, p CacheProvider) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := fmt.Sprintf("GET:/item/%d", i)
				assert.NoError(t, p.Put("dynamic-v1", CacheEntry{Key: key, Bytes: []byte(key)}))
			}()
		}
		wg.Wait()

		count := 0
		require.NoError(t, p.Keys("dynamic-v1", func(string) { count++ }))
		assert.Equal(t, 20, count)
	})
}

func TestInMemorySQLiteCachesAreIsolated(t *testing.T) {
	first, err := NewSQLiteCache("")
	require.NoError(t, err)
	defer first.Close()
	second, err := NewSQLiteCache("")
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Open("static"))
	require.NoError(t, first.Put("static", CacheEntry{Key: "GET /", Bytes: []byte("first")}))

	partitions, err := second.Partitions()
	require.NoError(t, err)
	assert.Empty(t, partitions)
	_, ok, err := second.Get("static", "GET /")
	require.NoError(t, err)
	assert.False(t, ok)
}
