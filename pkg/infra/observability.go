package infra

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the binary can do its job right now
type HealthFunc func() bool

func NewObservabilityMux(name string, healthy HealthFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(name + " DEGRADED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(name + " ALIVE"))
	})
	return mux
}

// StartObservabilityServer serves /metrics and /health until ctx is done
func StartObservabilityServer(ctx context.Context, port, name string, healthy HealthFunc, logger *slog.Logger) {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      NewObservabilityMux(name, healthy),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
