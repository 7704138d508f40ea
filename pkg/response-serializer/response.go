package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const storedAtHeaderName = "Offline-Shell-Stored-At"

// ErrBodyUsed is returned when a captured body is read a second time.
var ErrBodyUsed = errors.New("response body already used")

// Captured is a fully buffered response.
// Status and headers may be inspected freely, but the body can be consumed
// exactly once: either by reading it, or by handing the response to a cache.
// A response that is both returned to a caller and stored must be split
// with Tee before either consumer touches the body.
type Captured struct {
	StatusCode int
	Header     http.Header
	// When the response was stored, zero if it never was.
	StoredAt time.Time

	body []byte
	used atomic.Bool
}

// Stored is a response copy owned by a cache partition.
// The only ways to get one are Captured.Tee and Captured.Handoff.
type Stored struct {
	c *Captured
}

// New creates a captured response from its parts.
// The body slice is owned by the returned value.
func New(statusCode int, header http.Header, body []byte) *Captured {
	if header == nil {
		header = make(http.Header)
	}
	return &Captured{
		StatusCode: statusCode,
		Header:     header,
		body:       body,
	}
}

// Capture reads and closes the body of an origin response.
func Capture(res *http.Response) (*Captured, error) {
	var body []byte
	if res.Body != nil {
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	return New(res.StatusCode, res.Header.Clone(), body), nil
}

// OK reports whether the status code is in the 2xx range.
func (c *Captured) OK() bool {
	return c.StatusCode >= 200 && c.StatusCode < 300
}

// ReadBody consumes the body.
func (c *Captured) ReadBody() ([]byte, error) {
	if !c.used.CompareAndSwap(false, true) {
		return nil, ErrBodyUsed
	}
	return c.body, nil
}

// Tee duplicates the response for a cache.
// The receiver stays readable and shares nothing with the returned copy.
func (c *Captured) Tee() (Stored, error) {
	if c.used.Load() {
		return Stored{}, ErrBodyUsed
	}
	dup := New(c.StatusCode, storableHeader(c.Header), slices.Clone(c.body))
	dup.StoredAt = c.StoredAt
	return Stored{c: dup}, nil
}

// Handoff gives the response itself to a cache.
// The receiver can not be read afterwards.
func (c *Captured) Handoff() (Stored, error) {
	if !c.used.CompareAndSwap(false, true) {
		return Stored{}, ErrBodyUsed
	}
	c.Header = storableHeader(c.Header)
	return Stored{c: c}, nil
}

// Headers that belong to one connection or one user and are never stored.
var unstorableHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Set-Cookie",
	"Set-Cookie2",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// storableHeader returns a copy of h without hop-by-hop and cookie headers,
// including the ones listed in Connection.
func storableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return make(http.Header)
	}
	for _, v := range out.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range unstorableHeaders {
		out.Del(name)
	}
	return out
}

// Bytes returns the HTTP/1.1 representation of the stored response,
// stamped with the given storage time.
func (s Stored) Bytes(storedAt time.Time) ([]byte, error) {
	if s.c == nil {
		return nil, errors.New("empty stored response")
	}
	header := s.c.Header.Clone()
	header.Set(storedAtHeaderName, strconv.FormatInt(storedAt.UnixNano(), 10))
	res := &http.Response{
		StatusCode:    s.c.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(s.c.body)),
	}
	if len(s.c.body) > 0 {
		res.Body = io.NopCloser(bytes.NewReader(s.c.body))
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write stored response: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes parses a response previously produced by Stored.Bytes.
func FromBytes(b []byte) (*Captured, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("read stored response: %w", err)
	}
	c, err := Capture(res)
	if err != nil {
		return nil, err
	}
	if v := c.Header.Get(storedAtHeaderName); v != "" {
		if nanos, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.StoredAt = time.Unix(0, nanos)
		}
	}
	c.Header.Del(storedAtHeaderName)
	return c, nil
}
