// Package server exposes the sync facade as a local HTTP API under /_sync/
// and hands every other request to the caching router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tildaslashalef/anchorsync/internal/config"
	"github.com/tildaslashalef/anchorsync/internal/facade"
	"github.com/tildaslashalef/anchorsync/internal/loggy"
	"github.com/tildaslashalef/anchorsync/internal/notify"
)

// Server is the agent's local HTTP listener
type Server struct {
	cfg     config.ProxyConfig
	facade  *facade.Facade
	hub     *notify.Hub
	proxy   http.Handler
	maxBody int64
	logger  *loggy.Logger

	httpServer *http.Server
}

// New creates a server. proxy answers everything outside /_sync/.
func New(cfg config.ProxyConfig, f *facade.Facade, hub *notify.Hub, proxy http.Handler, maxUpload int64, logger *loggy.Logger) *Server {
	return &Server{
		cfg:     cfg,
		facade:  f,
		hub:     hub,
		proxy:   proxy,
		maxBody: maxUpload,
		logger:  logger,
	}
}

// SetListenAddr overrides the configured listen address
func (s *Server) SetListenAddr(addr string) {
	s.cfg.ListenAddr = addr
}

// Handler returns the full route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /_sync/write", s.handleWrite)
	mux.HandleFunc("GET /_sync/pending", s.handlePending)
	mux.HandleFunc("DELETE /_sync/pending", s.handleClear)
	mux.HandleFunc("POST /_sync/now", s.handleSyncNow)
	mux.HandleFunc("POST /_sync/foreground", s.handleForeground)
	mux.HandleFunc("POST /_sync/retry", s.handleRetry)
	mux.HandleFunc("GET /_sync/records/{table}", s.handleListRecords)
	mux.HandleFunc("GET /_sync/records/{table}/{id}", s.handleGetRecord)
	mux.HandleFunc("POST /_sync/photos", s.handlePhoto)
	mux.HandleFunc("GET /_sync/status", s.handleStatus)
	mux.Handle("GET /_sync/ws", s.hub.Handler())
	mux.HandleFunc("/_sync/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("no sync endpoint %s %s", r.Method, r.URL.Path))
	})
	mux.Handle("/", s.proxy)

	return s.withRequestID(mux)
}

// withRequestID tags each request's context with an id and a logger
// carrying it
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = loggy.NewRequestID()
		}

		ctx := loggy.WithRequestID(r.Context(), id)
		ctx = loggy.WithLogger(ctx, s.logger.With("request_id", id))
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Log(ctx, slog.LevelDebug, "Request handled",
			"method", r.Method, "path", r.URL.Path, "request_id", id, "duration", time.Since(start))
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Agent listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.hub.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	s.logger.Info("Agent stopped listening")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		loggy.Error("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := loggy.FromContext(r.Context())
	if status >= 500 {
		logger.Error("Request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
