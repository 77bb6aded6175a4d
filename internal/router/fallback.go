package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/cache"
)

const offlineHTML = `<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>Offline</h1><p>Sem conexão. Os dados salvos serão sincronizados quando a rede voltar.</p></body>
</html>
`

// fallback builds the response for a request the network could not
// answer. in is the client's original request.
func (r *Router) fallback(out, in *http.Request) *http.Response {
	switch {
	case isNavigation(in):
		for _, path := range []string{"/", r.offlinePath} {
			entry, err := r.store.MatchKey(out.Context(), r.upstreamURL(path))
			if err != nil {
				if !errors.Is(err, cache.ErrNotFound) {
					r.logger.Warn("Cache lookup failed", "path", path, "error", err)
				}
				continue
			}
			resp := entry.Response(out)
			resp.Header.Set(HeaderCache, CacheOffline)
			return resp
		}
		return syntheticResponse(out, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(offlineHTML))

	case IsAPIPath(in.URL.Path):
		body, _ := json.Marshal(map[string]any{
			"error":     "Network unavailable",
			"offline":   true,
			"timestamp": r.now().UTC().Format(time.RFC3339),
		})
		return syntheticResponse(out, http.StatusServiceUnavailable, "application/json", body)

	default:
		return syntheticResponse(out, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
	}
}

// isNavigation reports whether req is a top-level page load
func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set(HeaderCache, CacheOffline)

	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
