// Package cache stores HTTP responses in version-tagged cache groups
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when no stored response matches
	ErrNotFound = errors.New("cache entry not found")
	// ErrTooLarge is returned by NewEntry for bodies over the cache limit
	ErrTooLarge = errors.New("response body exceeds cache limit")
)

// Kind names the role of a cache group
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
	KindAPI     Kind = "api"
)

// Groups holds the current version-tagged group names
type Groups struct {
	Static  string
	Dynamic string
	API     string
}

// GroupNames builds the group names for prefix and version, e.g.
// anchor-static-v3
func GroupNames(prefix, version string) Groups {
	name := func(k Kind) string { return fmt.Sprintf("%s-%s-%s", prefix, k, version) }
	return Groups{
		Static:  name(KindStatic),
		Dynamic: name(KindDynamic),
		API:     name(KindAPI),
	}
}

// All returns the group names in match order
func (g Groups) All() []string {
	return []string{g.Static, g.Dynamic, g.API}
}

// Name returns the group name for kind
func (g Groups) Name(k Kind) string {
	switch k {
	case KindStatic:
		return g.Static
	case KindAPI:
		return g.API
	default:
		return g.Dynamic
	}
}

// Entry is a stored response
type Entry struct {
	Group    string
	Key      string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// RequestKey returns the canonical key for req: its absolute URL with the
// fragment dropped and query parameters sorted
func RequestKey(req *http.Request) string {
	u := *req.URL
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	if u.Host == "" {
		u.Host = req.Host
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		if q, err := url.ParseQuery(u.RawQuery); err == nil {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// NewEntry snapshots resp into an entry. The body is consumed and replaced
// with an equivalent reader so the caller can still send the response on.
// Bodies over maxBody are left streaming and ErrTooLarge is returned.
func NewEntry(group string, req *http.Request, resp *http.Response, maxBody int64) (*Entry, error) {
	var body []byte
	var err error
	if maxBody > 0 {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if maxBody > 0 && int64(len(body)) > maxBody {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return nil, ErrTooLarge
	}

	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		Group:    group,
		Key:      RequestKey(req),
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Response rebuilds an *http.Response for req from the entry
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
