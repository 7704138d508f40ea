package offlineshell

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func originFor(t *testing.T, srv *httptest.Server) Network {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return NewOriginNetwork(*u, "")
}

func TestOriginNetworkFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "quiz", r.Header.Get("X-App"))
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, "body{} "+r.URL.RequestURI())
	}))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodGet, "http://speller.test/style.css?v=1", nil)
	req.Header.Set("X-App", "quiz")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	res, err := originFor(t, srv).Fetch(context.Background(), req)
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "body{} /style.css?v=1", string(body))
}

func TestOriginNetworkDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/index.html", http.StatusFound)
	}))
	defer srv.Close()

	res, err := originFor(t, srv).Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/index.html", res.Header.Get("Location"))
}

func TestOriginNetworkForwardsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		io.WriteString(w, strings.ToUpper(string(body)))
	}))
	defer srv.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/score", strings.NewReader("ten"))
	res, err := originFor(t, srv).Fetch(context.Background(), req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "TEN", string(body))
}

func TestOriginNetworkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	network := originFor(t, srv)
	srv.Close()

	_, err := network.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}
