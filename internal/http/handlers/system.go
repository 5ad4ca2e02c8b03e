package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"clipcast/internal/relay"
	"clipcast/pkg/logger"
	"clipcast/pkg/response"
)

type SystemHandler struct {
	DB     *pgxpool.Pool
	RDB    *redis.Client
	Relay  *relay.Relay
	Logger *logger.Logger
}

func NewSystemHandler(db *pgxpool.Pool, rdb *redis.Client, rly *relay.Relay, log *logger.Logger) *SystemHandler {
	return &SystemHandler{DB: db, RDB: rdb, Relay: rly, Logger: log}
}

// HandleHealth reports readiness of the API and its dependencies.
func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.DB.Ping(ctx); err != nil {
		response.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	if err := h.RDB.Ping(ctx).Err(); err != nil {
		response.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
		return
	}

	response.JSON(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// HandleMetrics exposes relay statistics for monitoring.
func (h *SystemHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := h.Relay.Stats()

	response.JSON(w, map[string]any{
		"connections":    stats.Connections,
		"channels":       stats.Channels,
		"frames_sent":    stats.FramesSent,
		"frames_dropped": stats.FramesDropped,
		"timestamp":      time.Now().UTC(),
	})
}
