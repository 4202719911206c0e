package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/bestfirst/bus"
	"github.com/petal-labs/bestfirst/sse"
)

// eventServer exposes the event stream of running searches and, when
// configured, the Prometheus scrape endpoint.
type eventServer struct {
	httpServer *http.Server
	listener   net.Listener
	errCh      chan error
}

// startEventServer listens on addr and serves in the background. metrics may be nil.
func startEventServer(addr string, store bus.EventStore, eb bus.EventBus, metrics http.Handler, out io.Writer, logger *slog.Logger) (*eventServer, error) {
	mux := http.NewServeMux()
	if store != nil && eb != nil {
		sse.Routes(mux, store, eb)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := &eventServer{
		httpServer: &http.Server{
			Handler:           withCORS(mux, "*"),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		errCh:    make(chan error, 1),
	}
	go func() {
		fmt.Fprintf(out, "Serving events on http://%s\n", ln.Addr())
		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("event server failed", "addr", addr, "error", err)
		}
		s.errCh <- err
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *eventServer) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for open streams to end.
func (s *eventServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	if err := <-s.errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func withCORS(next http.Handler, allowedOrigin string) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
