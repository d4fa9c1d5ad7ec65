package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/syncular/syncular/internal/metrics"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// --- Sync API (any principal) ---
	sync := s.echo.Group("/sync", s.requireAuth, s.rateLimit("sync", s.syncLimiter))
	sync.POST("", s.handleSync)
	sync.GET("/snapshot-chunks/:chunkId", s.handleChunk)

	// The WebSocket endpoint authenticates in-band when no bearer is
	// present, so it sits outside the requireAuth group.
	s.echo.GET("/sync/realtime", s.handleRealtime)

	// --- Console API (admin credentials) ---
	console := s.echo.Group("/console", s.requireAuth, s.requireAdmin, s.rateLimit("console", s.consoleLimiter))

	console.GET("/stats", s.handleStats)
	console.GET("/stats/timeseries", s.handleTimeseries)
	console.GET("/stats/latency", s.handleLatency)

	console.GET("/commits", s.handleListCommits)
	console.GET("/commits/:seq", s.handleGetCommit)

	console.GET("/clients", s.handleListClients)
	console.DELETE("/clients/:clientId", s.handleEvictClient)

	console.GET("/handlers", s.handleListHandlers)
	console.GET("/timeline", s.handleTimeline)

	console.GET("/operations", s.handleListOperations)
	console.GET("/operations/:id", s.handleGetOperation)

	console.GET("/events", s.handleListEvents)
	console.GET("/events/live", s.handleLiveEvents)
	console.GET("/events/:id", s.handleGetEvent)
	console.GET("/events/:id/payload", s.handleGetEventPayload)
	console.POST("/events/prune", s.handlePruneEvents)
	console.DELETE("/events", s.handleDeleteEvents)

	console.POST("/prune", s.handlePrune)
	console.POST("/prune/preview", s.handlePrunePreview)
	console.POST("/compact", s.handleCompact)
	console.POST("/notify-data-change", s.handleNotifyDataChange)

	console.POST("/tokens", s.handleCreateToken)

	console.GET("/api-keys", s.handleListAPIKeys)
	console.GET("/api-keys/:id", s.handleGetAPIKey)
	console.POST("/api-keys", s.handleCreateAPIKey)
	console.POST("/api-keys/:id/rotate", s.handleRotateAPIKey)
	console.POST("/api-keys/:id/rotate/stage", s.handleStageRotateAPIKey)
	console.POST("/api-keys/bulk-revoke", s.handleBulkRevokeAPIKeys)
	console.DELETE("/api-keys/:id", s.handleDeleteAPIKey)
}

// handleHealth reports liveness: version, instance, storage
// reachability, and the realtime connection count.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, map[string]any{
		"status":      status,
		"version":     "0.3.0",
		"instanceId":  s.cfg.InstanceID,
		"connections": s.registry.ConnectionCount(),
	})
}
