package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"admission-gateway/internal/logging"
)

// Minimal upstream for local checks: it echoes what the gateway forwarded.
func main() {
	logger, err := logging.New(os.Getenv("LOG_LEVEL"), true)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	addr := ":8081"
	if v := os.Getenv("UPSTREAM_LISTEN_ADDR"); v != "" {
		addr = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		logger.Info("request received",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.String("forwarded_for", r.Header.Get("X-Forwarded-For")),
		)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": r.Header.Get("X-Request-ID"),
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("upstream listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("upstream stopped", zap.Error(err))
	}
}
