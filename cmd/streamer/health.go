package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/streamsub/internal/stream"
	"github.com/rickgao/streamsub/internal/version"
	"github.com/rickgao/streamsub/internal/writer"
)

type statsSource interface {
	Stats() stream.Stats
}

type pinger interface {
	Ping(ctx context.Context) error
}

type writerStats interface {
	Stats() writer.WriterMetrics
}

// newHealthHandler serves client state on path. db and w may be nil.
func newHealthHandler(path string, client statsSource, db pinger, w writerStats) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats := client.Stats()

		health := struct {
			Status     string         `json:"status"`
			Build      version.Info   `json:"build"`
			Stream     stream.Stats   `json:"stream"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Build:      version.Get(),
			Stream:     stats,
			Components: make(map[string]any),
		}

		switch stats.Mode {
		case stream.ModePolling, stream.ModeConnecting:
			health.Status = "degraded"
		}

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}

		if w != nil {
			health.Components["writer"] = w.Stats()
		}

		rw.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(rw).Encode(health)
	})

	return mux
}
