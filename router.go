package offlineshell

import (
	"net/http"
	"strings"
)

// Strategy names the way a request is answered.
type Strategy string

const (
	// StrategyStatic is cache-first against the static partition.
	StrategyStatic Strategy = "static"
	// StrategyDynamic is network-first with a fallback to any partition.
	StrategyDynamic Strategy = "dynamic"
	// StrategyImage is cache-first with a synthesized placeholder.
	StrategyImage Strategy = "image"
)

const imagesSegment = "/images/"

// Router picks the strategy for intercepted requests.
type Router struct {
	staticResources []string
}

func NewRouter(staticResources []string) Router {
	return Router{staticResources: staticResources}
}

// Route returns the strategy for the request.
// The boolean is false for requests that are not intercepted (non-GET);
// those go to the network untouched.
//
// Image paths win over static resources when both match.
func (rt Router) Route(r *http.Request) (Strategy, bool) {
	if r.Method != http.MethodGet {
		return "", false
	}
	if strings.Contains(r.URL.Path, imagesSegment) {
		return StrategyImage, true
	}
	if rt.IsStatic(r) {
		return StrategyStatic, true
	}
	return StrategyDynamic, true
}

// IsStatic reports whether the full request URL ends with one of the
// static resource paths.
func (rt Router) IsStatic(r *http.Request) bool {
	full := requestURL(r)
	for _, resource := range rt.staticResources {
		if strings.HasSuffix(full, resource) {
			return true
		}
	}
	return false
}

// requestURL reconstructs the absolute URL of an incoming request.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// isDocument reports whether the request asks for an HTML document,
// i.e. an ".html" path or a directory such as the root.
func isDocument(r *http.Request) bool {
	full := requestURL(r)
	return strings.HasSuffix(full, ".html") || strings.HasSuffix(full, "/")
}

// isNavigation reports whether the request loads a page.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
