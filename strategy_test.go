package offlineshell

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-shell/cache"
	cachestatus "github.com/always-cache/offline-shell/pkg/cache-status"
	responsetransformer "github.com/always-cache/offline-shell/pkg/response-transformer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(origin Network, provider cache.CacheProvider, rules responsetransformer.Rules) (*Executor, *CacheStore) {
	store := NewCacheStore(provider, zerolog.Nop())
	exec := NewExecutor(store, origin, NewPartitions("speller", "v1"), "Speller", rules, nil, zerolog.Nop())
	return exec, store
}

func TestStaticServesFromCacheWithoutNetwork(t *testing.T) {
	origin := newShellOrigin("v1")
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)
	ctx := context.Background()

	first, err := exec.Static(ctx, newGet(t, "/style.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", readBody(t, first))
	assert.True(t, first.Status.Stored)
	assert.Equal(t, 1, origin.callCount("/style.css"))

	second, err := exec.Static(ctx, newGet(t, "/style.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", readBody(t, second))
	assert.True(t, second.Status.IsHit())
	assert.Equal(t, 1, origin.callCount("/style.css"))
}

func TestStaticStoresOnlySuccess(t *testing.T) {
	origin := newFakeOrigin()
	exec, store := newTestExecutor(origin, cache.NewMemCache(), nil)

	res, err := exec.Static(context.Background(), newGet(t, "/missing.css"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Response.StatusCode)
	assert.False(t, res.Status.Stored)
	assert.Equal(t, http.StatusNotFound, res.Status.FwdStatus)

	_, ok, err := store.Match("speller-static-v1", newGet(t, "/missing.css"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStaticOfflineDocumentGetsOfflinePage(t *testing.T) {
	origin := newShellOrigin("v1")
	origin.offline.Store(true)
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)

	for _, target := range []string{"/", "/index.html", "http://speller.test/"} {
		res, err := exec.Static(context.Background(), newGet(t, target))
		require.NoError(t, err, target)
		assert.Equal(t, http.StatusOK, res.Response.StatusCode)
		assert.Equal(t, "text/html; charset=utf-8", res.Response.Header.Get("Content-Type"))
		assert.Equal(t, cachestatus.DetailOfflinePage, res.Status.Detail)
		assert.Contains(t, readBody(t, res), "offline")
	}
}

func TestStaticOfflineAssetFails(t *testing.T) {
	origin := newShellOrigin("v1")
	origin.offline.Store(true)
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)

	res, err := exec.Static(context.Background(), newGet(t, "/style.css"))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Nil(t, res.Response)
	assert.Equal(t, cachestatus.DetailNetworkError, res.Status.Detail)
}

func TestDynamicFallsBackToCacheWhenOffline(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/words", http.StatusOK, `["cat"]`, "application/json")
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)
	ctx := context.Background()

	online, err := exec.Dynamic(ctx, newGet(t, "/api/words"))
	require.NoError(t, err)
	assert.Equal(t, `["cat"]`, readBody(t, online))
	assert.True(t, online.Status.Stored)
	assert.False(t, online.Status.IsHit())

	origin.offline.Store(true)
	offline, err := exec.Dynamic(ctx, newGet(t, "/api/words"))
	require.NoError(t, err)
	assert.Equal(t, `["cat"]`, readBody(t, offline))
	assert.Equal(t, "application/json", offline.Response.Header.Get("Content-Type"))
	assert.True(t, offline.Status.IsHit())
	assert.Equal(t, cachestatus.DetailCacheFallback, offline.Status.Detail)
}

func TestDynamicFallbackDoesNotReplayCookies(t *testing.T) {
	var offline atomic.Bool
	network := NetworkFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		if offline.Load() {
			return nil, &FetchError{URL: r.URL.String(), Err: errors.New("connection refused")}
		}
		header := make(http.Header)
		header.Set("Content-Type", "application/json")
		header.Add("Set-Cookie", "session=alice; Path=/")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader(`{"user":"alice"}`)),
			Request:    r,
		}, nil
	})
	exec, _ := newTestExecutor(network, cache.NewMemCache(), nil)
	ctx := context.Background()

	online, err := exec.Dynamic(ctx, newGet(t, "/api/me"))
	require.NoError(t, err)
	assert.True(t, online.Status.Stored)
	assert.Equal(t, "session=alice; Path=/", online.Response.Header.Get("Set-Cookie"))

	offline.Store(true)
	cached, err := exec.Dynamic(ctx, newGet(t, "/api/me"))
	require.NoError(t, err)
	assert.True(t, cached.Status.IsHit())
	assert.Equal(t, "application/json", cached.Response.Header.Get("Content-Type"))
	assert.Empty(t, cached.Response.Header.Values("Set-Cookie"))
}

func TestDynamicPrefersNetwork(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/words", http.StatusOK, "old", "text/plain")
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)
	ctx := context.Background()

	_, err := exec.Dynamic(ctx, newGet(t, "/api/words"))
	require.NoError(t, err)
	origin.set("/api/words", http.StatusOK, "new", "text/plain")

	res, err := exec.Dynamic(ctx, newGet(t, "/api/words"))
	require.NoError(t, err)
	assert.Equal(t, "new", readBody(t, res))
	assert.Equal(t, 2, origin.callCount("/api/words"))
}

func TestDynamicDoesNotStoreErrors(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/words", http.StatusInternalServerError, "boom", "text/plain")
	exec, store := newTestExecutor(origin, cache.NewMemCache(), nil)

	res, err := exec.Dynamic(context.Background(), newGet(t, "/api/words"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.Response.StatusCode)
	assert.False(t, res.Status.Stored)

	_, _, ok, err := store.MatchAny(newGet(t, "/api/words"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamicOfflineMissFails(t *testing.T) {
	origin := newFakeOrigin()
	origin.offline.Store(true)
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)

	res, err := exec.Dynamic(context.Background(), newGet(t, "/api/words"))
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Nil(t, res.Response)
}

func TestDynamicFallbackSearchesEveryPartition(t *testing.T) {
	origin := newShellOrigin("v1")
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)
	ctx := context.Background()

	// lands in the static partition
	_, err := exec.Static(ctx, newGet(t, "/data.json"))
	require.NoError(t, err)

	origin.offline.Store(true)
	res, err := exec.Dynamic(ctx, newGet(t, "/data.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"words":[]}`, readBody(t, res))
}

func TestImageOfflineGetsPlaceholder(t *testing.T) {
	origin := newFakeOrigin()
	origin.offline.Store(true)
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)

	res := exec.Image(context.Background(), newGet(t, "http://speller.test/images/cat.svg"))
	require.NotNil(t, res.Response)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	assert.Equal(t, "image/svg+xml", res.Response.Header.Get("Content-Type"))
	assert.Equal(t, cachestatus.DetailPlaceholder, res.Status.Detail)
	body := readBody(t, res)
	assert.Contains(t, body, ">cat</text>")
	assert.Contains(t, body, ">C</text>")
}

func TestImageErrorStatusGetsPlaceholder(t *testing.T) {
	origin := newFakeOrigin()
	exec, store := newTestExecutor(origin, cache.NewMemCache(), nil)

	res := exec.Image(context.Background(), newGet(t, "/images/dog.png"))
	assert.Equal(t, "image/svg+xml", res.Response.Header.Get("Content-Type"))
	assert.Equal(t, http.StatusNotFound, res.Status.FwdStatus)
	assert.False(t, res.Status.Stored)
	assert.Contains(t, readBody(t, res), ">dog</text>")

	_, _, ok, err := store.MatchAny(newGet(t, "/images/dog.png"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImageStoredInDynamicPartition(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/images/cat.png", http.StatusOK, "PNG", "image/png")
	exec, store := newTestExecutor(origin, cache.NewMemCache(), nil)
	ctx := context.Background()

	res := exec.Image(ctx, newGet(t, "/images/cat.png"))
	assert.Equal(t, "PNG", readBody(t, res))
	assert.True(t, res.Status.Stored)

	_, ok, err := store.Match("speller-dynamic-v1", newGet(t, "/images/cat.png"))
	require.NoError(t, err)
	assert.True(t, ok)

	origin.offline.Store(true)
	cached := exec.Image(ctx, newGet(t, "/images/cat.png"))
	assert.True(t, cached.Status.IsHit())
	assert.Equal(t, "PNG", readBody(t, cached))
	assert.Equal(t, 1, origin.callCount("/images/cat.png"))
}

func TestStoredCopyIsIndependent(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/words", http.StatusOK, "original", "text/plain")
	exec, store := newTestExecutor(origin, cache.NewMemCache(), nil)

	res, err := exec.Dynamic(context.Background(), newGet(t, "/api/words"))
	require.NoError(t, err)
	body, err := res.Response.ReadBody()
	require.NoError(t, err)
	copy(body, "mutated!")
	res.Response.Header.Set("Content-Type", "text/mutated")

	cached, ok, err := store.Match("speller-dynamic-v1", newGet(t, "/api/words"))
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := cached.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, "original", string(stored))
	assert.Equal(t, "text/plain", cached.Header.Get("Content-Type"))
}

func TestStoreFailureDoesNotAffectResponse(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/words", http.StatusOK, "words", "text/plain")
	exec, _ := newTestExecutor(origin, failingPuts{cache.NewMemCache()}, nil)

	res, err := exec.Dynamic(context.Background(), newGet(t, "/api/words"))
	require.NoError(t, err)
	assert.Equal(t, "words", readBody(t, res))
	assert.False(t, res.Status.Stored)
	assert.Equal(t, cachestatus.DetailStoreFailed, res.Status.Detail)
}

func TestRulesApplyBeforeStoring(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/api/words", http.StatusOK, "words", "text/plain")
	rules := responsetransformer.Rules{{Prefix: "/api", Override: "max-age=60"}}
	exec, store := newTestExecutor(origin, cache.NewMemCache(), rules)

	res, err := exec.Dynamic(context.Background(), newGet(t, "/api/words"))
	require.NoError(t, err)
	assert.Equal(t, "max-age=60", res.Response.Header.Get("Cache-Control"))

	cached, ok, err := store.Match("speller-dynamic-v1", newGet(t, "/api/words"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "max-age=60", cached.Header.Get("Cache-Control"))
}

func TestExecuteDispatchesByStrategy(t *testing.T) {
	origin := newShellOrigin("v1")
	origin.offline.Store(true)
	exec, _ := newTestExecutor(origin, cache.NewMemCache(), nil)
	ctx := context.Background()

	res, err := exec.Execute(ctx, StrategyImage, newGet(t, "/images/owl.svg"))
	require.NoError(t, err)
	assert.Equal(t, StrategyImage, res.Strategy)

	res, err = exec.Execute(ctx, StrategyStatic, newGet(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, StrategyStatic, res.Strategy)

	_, err = exec.Execute(ctx, StrategyDynamic, newGet(t, "/api/words"))
	assert.ErrorIs(t, err, ErrNetwork)

	_, err = exec.Execute(ctx, Strategy("bogus"), newGet(t, "/"))
	assert.Error(t, err)
}
