// Package http serves the preview host: the realm websocket, health and
// metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/conneroisu/isolate/internal/config"
	"github.com/conneroisu/isolate/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

// Handlers provides every route the router serves.
type Handlers interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	HandleHealth(w http.ResponseWriter, r *http.Request)
	HandleMetrics(w http.ResponseWriter, r *http.Request)
}

// Router owns the HTTP server lifecycle.
type Router struct {
	mux     *http.ServeMux
	handler http.Handler
	addr    string

	mu         sync.Mutex
	httpServer *http.Server
	isShutdown bool
}

// NewRouter registers routes and wraps them with chain.
func NewRouter(cfg *config.Config, handlers Handlers, chain *middleware.Chain) *Router {
	if handlers == nil {
		panic("Router: handlers cannot be nil")
	}
	if chain == nil {
		chain = middleware.NewChain()
	}

	r := &Router{mux: http.NewServeMux(), addr: cfg.Address()}
	r.mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	r.mux.HandleFunc("GET /health", handlers.HandleHealth)
	r.mux.HandleFunc("GET /metrics", handlers.HandleMetrics)
	r.handler = chain.Apply(r.mux)
	return r
}

// Handler returns the wrapped mux, e.g. for httptest.
func (r *Router) Handler() http.Handler { return r.handler }

// Addr returns the configured listen address.
func (r *Router) Addr() string { return r.addr }

// Start listens on the configured address and serves until ctx is done.
func (r *Router) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	r.mu.Lock()
	if r.isShutdown {
		r.mu.Unlock()
		_ = ln.Close()
		return errors.New("Router: already shut down")
	}
	srv := &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	r.httpServer = srv
	r.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("Router: server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return r.Shutdown(shutdownCtx)
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Shutdown stops the server. It is idempotent.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isShutdown {
		return nil
	}
	r.isShutdown = true
	if r.httpServer == nil {
		return nil
	}
	if err := r.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("Router: shutdown failed: %w", err)
	}
	return nil
}
