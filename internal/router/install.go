package router

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tildaslashalef/anchorsync/internal/cache"
)

// InstallResult reports which shell files were prefetched
type InstallResult struct {
	Cached []string         `json:"cached"`
	Failed map[string]error `json:"-"`
}

// Install opens the current cache groups and prefetches the shell files
// into the static group. A shell file that cannot be fetched is logged and
// skipped; only failing to open the groups is an error.
func (r *Router) Install(ctx context.Context) (*InstallResult, error) {
	if err := r.store.Open(ctx); err != nil {
		return nil, fmt.Errorf("opening cache groups: %w", err)
	}

	result := &InstallResult{Failed: make(map[string]error)}
	for _, path := range r.shellURLs {
		if err := r.prefetch(ctx, path); err != nil {
			r.logger.Warn("Failed to cache shell file", "path", path, "error", err)
			result.Failed[path] = err
			continue
		}
		result.Cached = append(result.Cached, path)
	}

	r.logger.Info("Cache installed",
		"version", r.version,
		"cached", len(result.Cached),
		"failed", len(result.Failed))
	return result, nil
}

func (r *Router) prefetch(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.upstreamURL(path), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := r.fetcher.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return r.store.Put(ctx, cache.KindStatic, req, resp, r.maxCacheBody)
}

// Activate deletes cache groups from other versions, records the active
// version and starts serving through the caching strategies
func (r *Router) Activate(ctx context.Context) ([]string, error) {
	deleted, err := r.store.Prune(ctx)
	if err != nil {
		return deleted, fmt.Errorf("pruning cache groups: %w", err)
	}

	if r.versions != nil {
		if err := r.versions.SetActiveCacheVersion(ctx, r.version); err != nil {
			return deleted, fmt.Errorf("recording active cache version: %w", err)
		}
	}

	r.active.Store(true)
	r.logger.Info("Cache activated", "version", r.version, "deleted_groups", len(deleted))
	return deleted, nil
}
