package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/punchd/punchd/internal/metrics"
)

// maybeServeMetrics starts a bare /metrics listener for a Listener or
// Connector process when addr is non-empty, so punch-side counters are
// scrapeable even outside the Rendezvous Server's admin mux. It returns
// a func that shuts the server down; the func is a no-op if addr was
// empty.
func maybeServeMetrics(addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown error")
		}
	}
}
