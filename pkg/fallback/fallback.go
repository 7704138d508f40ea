// Package fallback synthesizes content served when neither a partition nor
// the origin can answer: an offline page for documents and a placeholder
// image for pictures. Generation never touches the network or a cache.
package fallback

import (
	"bytes"
	"net/http"
	"net/url"
	"path"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	serializer "github.com/always-cache/offline-shell/pkg/response-serializer"
)

const (
	// PlaceholderSize is the width and height of the placeholder canvas.
	PlaceholderSize = 200
	// PlaceholderCacheControl lets browsers keep placeholders for a day.
	PlaceholderCacheControl = "max-age=86400"
)

var placeholderTemplate = template.Must(template.New("placeholder").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<svg width="{{.Size}}" height="{{.Size}}" viewBox="0 0 {{.Size}} {{.Size}}" xmlns="http://www.w3.org/2000/svg">
  <rect x="10" y="10" width="180" height="180" rx="15" fill="#f0f4f7" stroke="#667eea" stroke-width="3"/>
  <circle cx="100" cy="80" r="30" fill="#667eea"/>
  <text x="100" y="85" font-family="Arial, sans-serif" font-weight="bold" text-anchor="middle" dominant-baseline="central" font-size="36" fill="#ffffff">{{.Letter | html}}</text>
  <text x="100" y="170" font-family="Arial, sans-serif" font-weight="bold" text-anchor="middle" dominant-baseline="central" font-size="14" fill="#333333">{{.Name | html}}</text>
  <text x="100" y="185" font-family="Arial, sans-serif" text-anchor="middle" dominant-baseline="central" font-size="10" fill="#999999">Image unavailable</text>
</svg>
`))

var offlineTemplate = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.AppName | html}} - Offline</title>
<style>
  body {
    font-family: Arial, sans-serif;
    display: flex;
    justify-content: center;
    align-items: center;
    height: 100vh;
    margin: 0;
    background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
    color: #ffffff;
    text-align: center;
  }
  .offline { background: rgba(255, 255, 255, 0.1); padding: 2rem; border-radius: 15px; }
  h1 { margin-top: 0; }
  button { background: #4caf50; color: #ffffff; border: none; padding: 10px 20px; border-radius: 5px; cursor: pointer; margin-top: 1rem; }
  button:hover { background: #45a049; }
</style>
</head>
<body>
<div class="offline">
  <h1>{{.AppName | html}}</h1>
  <h2>You're offline</h2>
  <p>This page is not available without a connection. Try again when you are back online.</p>
  <button type="button" onclick="window.location.reload()">Try again</button>
</div>
</body>
</html>
`))

// ImageName returns the base file name of the image URL without its extension.
// Query strings and fragments are ignored.
func ImageName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	// a directory has no file name
	if p == "" || strings.HasSuffix(p, "/") {
		return ""
	}
	base := path.Base(p)
	if base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// initial returns the first character of name in upper case.
func initial(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 || r == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(r))
}

// Placeholder renders the placeholder SVG for the image URL.
// The output depends on nothing but the file name in the URL.
func Placeholder(rawURL string) []byte {
	name := ImageName(rawURL)
	buf := &bytes.Buffer{}
	// the template only fails on writer errors, which bytes.Buffer does not produce
	_ = placeholderTemplate.Execute(buf, struct {
		Size   int
		Letter string
		Name   string
	}{PlaceholderSize, initial(name), name})
	return buf.Bytes()
}

// OfflinePage renders the self-contained offline document.
func OfflinePage(appName string) []byte {
	buf := &bytes.Buffer{}
	_ = offlineTemplate.Execute(buf, struct{ AppName string }{appName})
	return buf.Bytes()
}

// PlaceholderResponse wraps Placeholder in a 200 image/svg+xml response.
func PlaceholderResponse(rawURL string) *serializer.Captured {
	header := make(http.Header)
	header.Set("Content-Type", "image/svg+xml")
	header.Set("Cache-Control", PlaceholderCacheControl)
	return serializer.New(http.StatusOK, header, Placeholder(rawURL))
}

// OfflineResponse wraps OfflinePage in a 200 text/html response.
func OfflineResponse(appName string) *serializer.Captured {
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return serializer.New(http.StatusOK, header, OfflinePage(appName))
}
