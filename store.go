package offlineshell

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-shell/cache"
	cachekey "github.com/always-cache/offline-shell/pkg/cache-key"
	serializer "github.com/always-cache/offline-shell/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// CacheStore manages the named partitions on top of a cache provider.
// It is shared by every worker version; each call is atomic.
type CacheStore struct {
	provider cache.CacheProvider
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
}

func NewCacheStore(provider cache.CacheProvider, logger zerolog.Logger) *CacheStore {
	return &CacheStore{
		provider: provider,
		keyer:    cachekey.NewCacheKeyer(),
		log:      logger,
	}
}

// Open creates the partition if it does not exist.
func (s *CacheStore) Open(partition string) error {
	if err := s.provider.Open(partition); err != nil {
		return fmt.Errorf("open partition %s: %w", partition, err)
	}
	return nil
}

// Match looks the request up in a single partition.
func (s *CacheStore) Match(partition string, r *http.Request) (*serializer.Captured, bool, error) {
	key, err := s.keyer.GetKey(r)
	if err != nil {
		return nil, false, nil
	}
	entry, ok, err := s.provider.Get(partition, key)
	if err != nil {
		return nil, false, fmt.Errorf("get %s from %s: %w", key, partition, err)
	}
	if !ok {
		return nil, false, nil
	}
	res, err := serializer.FromBytes(entry.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s from %s: %w", key, partition, err)
	}
	s.log.Trace().Str("key", key).Str("partition", partition).Msg("Found cached response")
	return res, true, nil
}

// MatchAny looks the request up in every partition, in creation order,
// and returns the first hit together with the partition it came from.
// A partition that fails to answer is skipped.
func (s *CacheStore) MatchAny(r *http.Request) (*serializer.Captured, string, bool, error) {
	names, err := s.provider.Partitions()
	if err != nil {
		return nil, "", false, fmt.Errorf("list partitions: %w", err)
	}
	var errs []error
	for _, name := range names {
		res, ok, err := s.Match(name, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return res, name, true, nil
		}
	}
	return nil, "", false, errors.Join(errs...)
}

// Put stores the response under the request's identity, replacing any
// previous entry. Only GET requests are stored.
func (s *CacheStore) Put(partition string, r *http.Request, res serializer.Stored) error {
	key, err := s.keyer.GetKey(r)
	if err != nil {
		return err
	}
	now := time.Now()
	b, err := res.Bytes(now)
	if err != nil {
		return err
	}
	if err := s.provider.Put(partition, cache.CacheEntry{Key: key, StoredAt: now, Bytes: b}); err != nil {
		return fmt.Errorf("put %s into %s: %w", key, partition, err)
	}
	s.log.Trace().Str("key", key).Str("partition", partition).Msg("Cache write")
	return nil
}

// Delete removes the partition. It reports whether the partition existed.
func (s *CacheStore) Delete(partition string) (bool, error) {
	deleted, err := s.provider.Delete(partition)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", partition, err)
	}
	return deleted, nil
}

// Keys returns the names of all partitions.
func (s *CacheStore) Keys() ([]string, error) {
	return s.provider.Partitions()
}

// Requests returns requests for every entry stored in the partition.
func (s *CacheStore) Requests(partition string) ([]*http.Request, error) {
	requests := make([]*http.Request, 0)
	err := s.provider.Keys(partition, func(key string) {
		req, err := s.keyer.GetRequestFromKey(key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Could not create request from key")
			return
		}
		requests = append(requests, req)
	})
	return requests, err
}
