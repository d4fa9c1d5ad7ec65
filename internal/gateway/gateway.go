// Package gateway is the federation console: a stateless aggregator
// that fans console reads out to every configured sync instance and
// merges the results, tagging each item with the instance it came
// from. Writes and inherently single-instance reads are proxied to
// exactly one instance.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/syncerr"
)

// Gateway wraps the Echo instance and the downstream HTTP client.
type Gateway struct {
	echo   *echo.Echo
	cfg    *config.GatewayConfig
	client *http.Client
	byID   map[string]config.Instance
	log    zerolog.Logger
}

// New creates a configured gateway with all routes registered.
func New(cfg *config.GatewayConfig) *Gateway {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	byID := make(map[string]config.Instance, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		byID[inst.InstanceID] = inst
	}

	g := &Gateway{
		echo: e,
		cfg:  cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		},
		byID: byID,
		log:  logging.WithComponent("gateway"),
	}

	e.Use(middleware.Recover())
	e.Use(g.requestID)

	g.registerRoutes()
	return g
}

// Handler exposes the underlying mux, mainly for httptest servers.
func (g *Gateway) Handler() http.Handler {
	return g.echo
}

// Start runs the gateway until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.log.Info().
			Str("addr", g.cfg.ListenAddr).
			Int("instances", len(g.cfg.Instances)).
			Msg("gateway listening")
		if err := g.echo.Start(g.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.echo.Shutdown(shutdownCtx)
	}
}

func (g *Gateway) registerRoutes() {
	g.echo.GET("/health", g.handleHealth)
	g.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	console := g.echo.Group("/console")

	console.GET("/instances", g.handleInstances)
	console.GET("/instances/health", g.handleInstancesHealth)

	// Merged reads.
	console.GET("/stats", g.handleStats)
	console.GET("/stats/timeseries", g.handleTimeseries)
	console.GET("/stats/latency", g.handleLatency)
	console.GET("/commits", g.mergedList(commitsList))
	console.GET("/clients", g.mergedList(clientsList))
	console.GET("/timeline", g.mergedList(timelineList))
	console.GET("/operations", g.mergedList(operationsList))
	console.GET("/events", g.mergedList(eventsList))
	console.GET("/api-keys", g.mergedList(apiKeysList))
	console.GET("/events/live", g.handleLiveEvents)

	// Federated detail lookups.
	console.GET("/commits/:seq", g.detail(commitDetail))
	console.GET("/operations/:id", g.detail(operationDetail))
	console.GET("/events/:id", g.detail(eventDetail))
	console.GET("/events/:id/payload", g.detail(eventPayloadDetail))

	// Single-instance paths: proxied verbatim to exactly one target.
	console.GET("/handlers", g.proxyOne)
	console.DELETE("/clients/:clientId", g.proxyOne)
	console.POST("/events/prune", g.proxyOne)
	console.DELETE("/events", g.proxyOne)
	console.POST("/prune", g.proxyOne)
	console.POST("/prune/preview", g.proxyOne)
	console.POST("/compact", g.proxyOne)
	console.POST("/notify-data-change", g.proxyOne)
	console.POST("/tokens", g.proxyOne)
	console.GET("/api-keys/:id", g.proxyOne)
	console.POST("/api-keys", g.proxyOne)
	console.POST("/api-keys/:id/rotate", g.proxyOne)
	console.POST("/api-keys/:id/rotate/stage", g.proxyOne)
	console.POST("/api-keys/bulk-revoke", g.proxyOne)
	console.DELETE("/api-keys/:id", g.proxyOne)
}

// requestID propagates an inbound X-Request-Id or mints one. The same
// id travels on every downstream call the request fans out to.
func (g *Gateway) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

const requestIDKey = "requestId"

func requestIDOf(c echo.Context) string {
	if id, ok := c.Get(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// fail writes the classified error as {error, message}.
func (g *Gateway) fail(c echo.Context, err error) error {
	se := syncerr.From(err)
	if se.Code == syncerr.CodeInternal {
		g.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("request failed")
	}
	return c.JSON(se.Status, map[string]string{
		"error":   se.Code,
		"message": se.Message,
	})
}

// failAll reports that every selected instance failed.
func (g *Gateway) failAll(c echo.Context, failed []FailedInstance) error {
	return c.JSON(http.StatusBadGateway, map[string]any{
		"error":           syncerr.CodeDownstreamUnavailable,
		"message":         "all selected instances failed",
		"failedInstances": failed,
	})
}

// enabled lists the instances the gateway may target, in config order.
func (g *Gateway) enabled() []config.Instance {
	out := make([]config.Instance, 0, len(g.cfg.Instances))
	for _, inst := range g.cfg.Instances {
		if inst.IsEnabled() {
			out = append(out, inst)
		}
	}
	return out
}

// selected resolves the instanceId/instanceIds filter to concrete
// targets. An empty filter selects every enabled instance.
func (g *Gateway) selected(c echo.Context) ([]config.Instance, error) {
	filter := make(map[string]struct{})
	if id := c.QueryParam("instanceId"); id != "" {
		filter[id] = struct{}{}
	}
	for _, id := range strings.Split(c.QueryParam("instanceIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			filter[id] = struct{}{}
		}
	}

	enabled := g.enabled()
	if len(filter) == 0 {
		if len(enabled) == 0 {
			return nil, errNoInstances()
		}
		return enabled, nil
	}

	out := make([]config.Instance, 0, len(filter))
	for _, inst := range enabled {
		if _, ok := filter[inst.InstanceID]; ok {
			out = append(out, inst)
		}
	}
	if len(out) == 0 {
		return nil, errNoInstances()
	}
	return out, nil
}

// selectOne is selected for endpoints that target exactly one
// instance.
func (g *Gateway) selectOne(c echo.Context) (config.Instance, error) {
	insts, err := g.selected(c)
	if err != nil {
		return config.Instance{}, err
	}
	if len(insts) != 1 {
		return config.Instance{}, syncerr.New(syncerr.CodeInstanceRequired, http.StatusBadRequest,
			"this endpoint targets exactly one instance; pass instanceId")
	}
	return insts[0], nil
}

func errNoInstances() error {
	return syncerr.New(syncerr.CodeNoInstancesSelected, http.StatusBadRequest,
		"no enabled instances match the selection")
}

// handleHealth reports the gateway's own liveness.
func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   "0.3.0",
		"instances": len(g.cfg.Instances),
	})
}

// instanceView is the public shape of a configured instance. Tokens
// never leave the gateway.
type instanceView struct {
	InstanceID string `json:"instanceId"`
	Label      string `json:"label"`
	BaseURL    string `json:"baseUrl"`
	Enabled    bool   `json:"enabled"`
}

func (g *Gateway) handleInstances(c echo.Context) error {
	views := make([]instanceView, len(g.cfg.Instances))
	for i, inst := range g.cfg.Instances {
		views[i] = instanceView{
			InstanceID: inst.InstanceID,
			Label:      inst.Label,
			BaseURL:    inst.BaseURL,
			Enabled:    inst.IsEnabled(),
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": views})
}

// instanceHealth is one probe outcome.
type instanceHealth struct {
	InstanceID     string    `json:"instanceId"`
	Label          string    `json:"label"`
	Healthy        bool      `json:"healthy"`
	Status         int       `json:"status,omitempty"`
	ResponseTimeMs float64   `json:"responseTimeMs"`
	CheckedAt      time.Time `json:"checkedAt"`
	Error          string    `json:"error,omitempty"`
}

// handleInstancesHealth probes every selected instance's stats
// endpoint. Probe failures are data, not errors: this endpoint never
// returns a 502.
func (g *Gateway) handleInstancesHealth(c echo.Context) error {
	insts, err := g.selected(c)
	if err != nil {
		return g.fail(c, err)
	}
	bearer := bearerOf(c)

	results := fanOut(c.Request().Context(), insts, func(ctx context.Context, inst config.Instance) (instanceHealth, error) {
		probe := instanceHealth{
			InstanceID: inst.InstanceID,
			Label:      inst.Label,
			CheckedAt:  time.Now().UTC(),
		}
		started := time.Now()
		var stats map[string]any
		err := g.fetchJSON(ctx, inst, "/console/stats", nil, bearer, requestIDOf(c), &stats)
		probe.ResponseTimeMs = float64(time.Since(started).Microseconds()) / 1000
		if err != nil {
			f := failureOf(inst.InstanceID, err)
			probe.Error = f.Reason
			probe.Status = f.Status
			return probe, nil
		}
		probe.Healthy = true
		probe.Status = http.StatusOK
		return probe, nil
	})

	probes := make([]instanceHealth, len(results))
	for i, r := range results {
		probes[i] = r.value
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": probes})
}
