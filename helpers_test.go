package offlineshell

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-shell/cache"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var shellResources = []string{"/", "/index.html", "/style.css", "/script.js", "/data.json", "/manifest.json"}

type fakeResource struct {
	status      int
	body        string
	contentType string
}

// fakeOrigin is an in-memory origin. Taking it offline makes every fetch
// fail the way an unreachable host does.
type fakeOrigin struct {
	mu        sync.Mutex
	resources map[string]fakeResource
	calls     map[string]int
	methods   []string
	offline   atomic.Bool
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		resources: make(map[string]fakeResource),
		calls:     make(map[string]int),
	}
}

// newShellOrigin serves the application shell and a version document.
func newShellOrigin(version string) *fakeOrigin {
	o := newFakeOrigin()
	o.set("/", http.StatusOK, "<html>home</html>", "text/html")
	o.set("/index.html", http.StatusOK, "<html>index</html>", "text/html")
	o.set("/style.css", http.StatusOK, "body{}", "text/css")
	o.set("/script.js", http.StatusOK, "console.log(1)", "text/javascript")
	o.set("/data.json", http.StatusOK, `{"words":[]}`, "application/json")
	o.set("/manifest.json", http.StatusOK, `{"name":"Speller"}`, "application/json")
	o.setVersion(version)
	return o
}

func (o *fakeOrigin) set(path string, status int, body, contentType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resources[path] = fakeResource{status: status, body: body, contentType: contentType}
}

func (o *fakeOrigin) setVersion(version string) {
	o.set("/version.json", http.StatusOK, `{"version":"`+version+`"}`, "application/json")
}

func (o *fakeOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	o.mu.Lock()
	o.calls[r.URL.Path]++
	o.methods = append(o.methods, r.Method)
	res, ok := o.resources[r.URL.Path]
	o.mu.Unlock()

	if o.offline.Load() {
		return nil, &FetchError{URL: r.URL.String(), Err: errors.New("connection refused")}
	}
	if !ok {
		res = fakeResource{status: http.StatusNotFound, body: "not found", contentType: "text/plain"}
	}
	header := make(http.Header)
	header.Set("Content-Type", res.contentType)
	return &http.Response{
		StatusCode: res.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(res.body)),
		Request:    r,
	}, nil
}

func (o *fakeOrigin) callCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

func (o *fakeOrigin) totalCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.calls {
		total += n
	}
	return total
}

func (o *fakeOrigin) resetCalls() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = make(map[string]int)
	o.methods = nil
}

func (o *fakeOrigin) lastMethod() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.methods) == 0 {
		return ""
	}
	return o.methods[len(o.methods)-1]
}

// failingPuts refuses every write.
type failingPuts struct {
	cache.CacheProvider
}

func (failingPuts) Put(string, cache.CacheEntry) error {
	return errors.New("disk full")
}

func testConfig(origin Network, mods ...func(*Config)) Config {
	logger := zerolog.Nop()
	cfg := Config{
		Cache:           cache.NewMemCache(),
		Network:         origin,
		AppName:         "Speller",
		CachePrefix:     "speller",
		Version:         "v1",
		StaticResources: shellResources,
		UpdateInterval:  -1,
		Logger:          &logger,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	return cfg
}

func newTestHost(t *testing.T, origin Network, mods ...func(*Config)) *Host {
	t.Helper()
	h, err := New(testConfig(origin, mods...))
	require.NoError(t, err)
	return h
}

// startedHost returns a host with the configured version installed and active.
func startedHost(t *testing.T, origin Network, mods ...func(*Config)) *Host {
	t.Helper()
	h := newTestHost(t, origin, mods...)
	require.NoError(t, h.Start(context.Background()))
	require.NotNil(t, h.Active())
	return h
}

func newGet(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, res Result) string {
	t.Helper()
	require.NotNil(t, res.Response)
	body, err := res.Response.ReadBody()
	require.NoError(t, err)
	return string(body)
}
