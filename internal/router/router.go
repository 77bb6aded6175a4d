// Package router is the agent's request router: every proxied request is
// classified by path and answered through one of three caching strategies
// over the cache groups.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/cache"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
)

// Response headers describing how a response was produced
const (
	HeaderCache    = "X-Cache"
	HeaderStrategy = "X-Cache-Strategy"

	CacheHit         = "HIT"
	CacheMiss        = "MISS"
	CacheRevalidated = "REVALIDATED"
	CacheOffline     = "OFFLINE"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// VersionRecorder persists the active cache version on activation
type VersionRecorder interface {
	SetActiveCacheVersion(ctx context.Context, version string) error
}

// Config configures a Router
type Config struct {
	Upstream          string
	Rules             []Rule
	Version           string
	ShellURLs         []string
	OfflinePath       string
	MaxCacheBody      int64
	RevalidateTimeout time.Duration
}

// Router answers proxied requests from the cache or the upstream origin
type Router struct {
	upstream          *url.URL
	rules             []Rule
	version           string
	shellURLs         []string
	offlinePath       string
	maxCacheBody      int64
	revalidateTimeout time.Duration

	store    *cache.Store
	fetcher  Fetcher
	versions VersionRecorder
	proxy    *httputil.ReverseProxy
	logger   *loggy.Logger

	active      atomic.Bool
	revalidates sync.WaitGroup
	now         func() time.Time
}

// New creates a router in front of cfg.Upstream. It passes everything
// straight through until Activate is called.
func New(cfg Config, store *cache.Store, fetcher Fetcher, versions VersionRecorder, logger *loggy.Logger) (*Router, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("upstream url must be http or https: %s", cfg.Upstream)
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules(CacheFirst)
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = 30 * time.Second
	}
	if cfg.OfflinePath == "" {
		cfg.OfflinePath = "/offline"
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	if t, ok := fetcher.(*http.Client); ok && t.Transport != nil {
		proxy.Transport = t.Transport
	}

	return &Router{
		upstream:          upstream,
		rules:             rules,
		version:           cfg.Version,
		shellURLs:         cfg.ShellURLs,
		offlinePath:       cfg.OfflinePath,
		maxCacheBody:      cfg.MaxCacheBody,
		revalidateTimeout: cfg.RevalidateTimeout,
		store:             store,
		fetcher:           fetcher,
		versions:          versions,
		proxy:             proxy,
		logger:            logger,
		now:               time.Now,
	}, nil
}

// Active reports whether the router has been activated and is serving
// through its strategies
func (r *Router) Active() bool {
	return r.active.Load()
}

// Version returns the cache version the router was built for
func (r *Router) Version() string {
	return r.version
}

// Store returns the cache store
func (r *Router) Store() *cache.Store {
	return r.store
}

// Wait blocks until in-flight background revalidations finish
func (r *Router) Wait() {
	r.revalidates.Wait()
}

// Fetch answers req, an absolute request to the upstream origin, through
// the strategy its path classifies to. Errors are returned to the caller;
// ServeHTTP turns them into offline fallbacks.
func (r *Router) Fetch(req *http.Request) (*http.Response, error) {
	if !r.Active() || !isHTTP(req.URL) {
		return r.fetcher.Do(req)
	}

	rule := Classify(r.rules, req.URL.Path)

	var resp *http.Response
	var err error
	switch rule.Strategy {
	case CacheFirst:
		resp, err = r.cacheFirst(req)
	case NetworkFirst:
		resp, err = r.networkFirst(req)
	default:
		resp, err = r.staleWhileRevalidate(req)
	}
	if err != nil {
		return nil, err
	}

	resp.Header.Set(HeaderStrategy, string(rule.Strategy))
	return resp, nil
}

// ServeHTTP proxies an incoming request to the upstream origin
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.Active() || isUpgrade(req) {
		r.proxy.ServeHTTP(w, req)
		return
	}

	out := r.outbound(req)
	resp, err := r.Fetch(out)
	if err != nil {
		r.logger.Log(req.Context(), slog.LevelDebug, "Network unavailable, serving fallback",
			"path", req.URL.Path, "error", err)
		resp = r.fallback(out, req)
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		header[k] = append(header[k][:0], vv...)
	}
	w.WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("Copying response body failed", "path", req.URL.Path, "error", err)
	}
}

// outbound rewrites an incoming request to target the upstream origin
func (r *Router) outbound(req *http.Request) *http.Request {
	out := req.Clone(req.Context())

	target := *r.upstream
	target.Path = joinPath(r.upstream.Path, req.URL.Path)
	target.RawPath = ""
	target.RawQuery = req.URL.RawQuery
	target.Fragment = ""

	out.URL = &target
	out.Host = r.upstream.Host
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out
}

// upstreamURL resolves a shell path against the upstream origin
func (r *Router) upstreamURL(path string) string {
	target := *r.upstream
	p, query, _ := strings.Cut(path, "?")
	target.Path = joinPath(r.upstream.Path, p)
	target.RawQuery = query
	return target.String()
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}

func isHTTP(u *url.URL) bool {
	return u.Scheme == "http" || u.Scheme == "https"
}

func isUpgrade(req *http.Request) bool {
	return req.Header.Get("Upgrade") != "" &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
