package offlineshell

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrNetwork marks failures to get any response from the origin.
// Responses with error status codes are not network failures.
var ErrNetwork = errors.New("network unreachable")

// FetchError is returned when the origin could not be reached.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrNetwork.
func (e *FetchError) Is(target error) bool {
	return target == ErrNetwork
}

// Network fetches requests from the origin.
// Implementations must not impose their own deadlines: a fetch fails only
// when the origin cannot be reached or the context is cancelled.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

type originNetwork struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

// NewOriginNetwork returns a Network sending requests to the origin URL.
// Redirects are returned as is, for the browser to follow.
func NewOriginNetwork(originURL url.URL, originHost string) Network {
	n := &originNetwork{
		originURL:  originURL,
		originHost: originHost,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		n.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return n
}

// Fetch the resource specified in the incoming request from the origin.
func (n *originNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := n.originURL.Scheme + "://" + n.originURL.Host + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, r.Body)
	if err != nil {
		return nil, fmt.Errorf("create request for %s: %w", uri, err)
	}
	req.ContentLength = r.ContentLength
	if n.originHost != "" {
		req.Host = n.originHost
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	// let the client negotiate and decode compression so stored bodies are plain
	req.Header.Del("Accept-Encoding")

	res, err := n.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: uri, Err: err}
	}
	return res, nil
}
