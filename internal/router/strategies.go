package router

import (
	"context"
	"errors"
	"net/http"

	"github.com/tildaslashalef/anchorsync/internal/cache"
)

// cacheFirst serves a stored copy when there is one and otherwise fetches
// and stores successful responses in the static group
func (r *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	if entry := r.lookup(req); entry != nil {
		resp := entry.Response(req)
		resp.Header.Set(HeaderCache, CacheHit)
		return resp, nil
	}

	resp, err := r.fetcher.Do(req)
	if err != nil {
		return nil, err
	}

	r.put(req.Context(), cache.KindStatic, req, resp)
	resp.Header.Set(HeaderCache, CacheMiss)
	return resp, nil
}

// networkFirst prefers the network, refreshing the api or dynamic group,
// and falls back to any stored copy when the network fails
func (r *Router) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := r.fetcher.Do(req)
	if err == nil {
		kind := cache.KindDynamic
		if IsAPIPath(req.URL.Path) {
			kind = cache.KindAPI
		}

		status := CacheMiss
		if r.put(req.Context(), kind, req, resp) {
			status = CacheRevalidated
		}
		resp.Header.Set(HeaderCache, status)
		return resp, nil
	}

	if entry := r.lookup(req); entry != nil {
		r.logger.Debug("Network failed, serving cached copy", "url", req.URL.String(), "error", err)
		cached := entry.Response(req)
		cached.Header.Set(HeaderCache, CacheOffline)
		return cached, nil
	}

	return nil, err
}

// staleWhileRevalidate serves a stored copy immediately and refreshes the
// dynamic group in the background. Without a stored copy the caller waits
// for the network.
func (r *Router) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	if entry := r.lookup(req); entry != nil {
		r.revalidate(req)
		resp := entry.Response(req)
		resp.Header.Set(HeaderCache, CacheHit)
		return resp, nil
	}

	resp, err := r.fetcher.Do(req)
	if err != nil {
		return nil, err
	}

	r.put(req.Context(), cache.KindDynamic, req, resp)
	resp.Header.Set(HeaderCache, CacheMiss)
	return resp, nil
}

// revalidate refetches req on its own goroutine, detached from the
// client's request context
func (r *Router) revalidate(req *http.Request) {
	r.revalidates.Add(1)
	go func() {
		defer r.revalidates.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.revalidateTimeout)
		defer cancel()

		bg := req.Clone(ctx)
		resp, err := r.fetcher.Do(bg)
		if err != nil {
			r.logger.Debug("Background revalidation failed", "url", req.URL.String(), "error", err)
			return
		}
		defer resp.Body.Close()

		if r.put(ctx, cache.KindDynamic, bg, resp) {
			r.logger.Debug("Revalidated cache entry", "url", req.URL.String())
		}
	}()
}

// lookup returns the stored copy of a GET request, or nil
func (r *Router) lookup(req *http.Request) *cache.Entry {
	if req.Method != http.MethodGet {
		return nil
	}

	entry, err := r.store.Match(req.Context(), req)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.Warn("Cache lookup failed", "url", req.URL.String(), "error", err)
		}
		return nil
	}
	return entry
}

// put writes a successful GET response into the group for kind and
// reports whether it was stored. resp stays readable either way.
func (r *Router) put(ctx context.Context, kind cache.Kind, req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	if err := r.store.Put(ctx, kind, req, resp, r.maxCacheBody); err != nil {
		if errors.Is(err, cache.ErrTooLarge) {
			r.logger.Debug("Response too large to cache", "url", req.URL.String())
		} else {
			r.logger.Warn("Failed to cache response", "url", req.URL.String(), "error", err)
		}
		return false
	}
	return true
}
