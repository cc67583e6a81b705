package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var errNoMetricsAddr = errors.New("no metricsAddr configured")

// webServer serves /metrics. It can be started and stopped at runtime on
// behalf of the configuration server.
type webServer struct {
	handler http.Handler
	log     *zap.SugaredLogger
	srv     *http.Server
	addr    string
	mu      sync.Mutex
}

func newWebServer(addr string, reg *prometheus.Registry) *webServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &webServer{
		addr:    addr,
		handler: mux,
		log:     zap.S().Named("web"),
	}
}

// Run starts the server if an address is configured and stops it when ctx is
// done.
func (w *webServer) Run(ctx context.Context) error {
	if w.addr != "" {
		if err := w.Start(); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return w.Stop()
}

func (w *webServer) Start() error {
	if w.addr == "" {
		return errNoMetricsAddr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}
	srv := &http.Server{Handler: w.handler, ReadHeaderTimeout: readHeaderTimeout}
	w.srv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Warnw("metrics server stopped", "err", err)
		}
	}()
	w.log.Infow("metrics server started", "addr", ln.Addr())
	return nil
}

func (w *webServer) Stop() error {
	w.mu.Lock()
	srv := w.srv
	w.srv = nil
	w.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop metrics server: %w", err)
	}
	return nil
}

// running reports whether the server is listening.
func (w *webServer) running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.srv != nil
}
