// Package server provides the HTTP surface of a sync instance, built
// on Echo v4. It hosts the combined sync endpoint, snapshot chunk
// fetch, the realtime WebSocket, and the management console API.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/syncular/syncular/internal/auth"
	"github.com/syncular/syncular/internal/config"
	"github.com/syncular/syncular/internal/engine"
	"github.com/syncular/syncular/internal/logging"
	"github.com/syncular/syncular/internal/maintenance"
	"github.com/syncular/syncular/internal/metrics"
	"github.com/syncular/syncular/internal/ratelimit"
	"github.com/syncular/syncular/internal/realtime"
	"github.com/syncular/syncular/internal/recorder"
	"github.com/syncular/syncular/internal/scope"
	"github.com/syncular/syncular/internal/store"
	"github.com/syncular/syncular/internal/syncerr"
)

// Rate limit defaults, requests per minute.
const (
	defaultSyncPerMinute    = 600
	defaultConsolePerMinute = 240
)

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	store    store.Store
	engine   *engine.Engine
	scopes   *scope.Registry
	registry *realtime.Registry
	auth     *auth.Authenticator
	tokens   *auth.Manager
	rec      *recorder.Recorder
	maint    *maintenance.Runner

	syncLimiter    *ratelimit.Limiter
	consoleLimiter *ratelimit.Limiter

	log zerolog.Logger
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, st store.Store, eng *engine.Engine, scopes *scope.Registry, registry *realtime.Registry, authn *auth.Authenticator, tokens *auth.Manager, rec *recorder.Recorder, maint *maintenance.Runner) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	syncPerMin := cfg.RateLimit.SyncPerMinute
	if syncPerMin <= 0 {
		syncPerMin = defaultSyncPerMinute
	}
	consolePerMin := cfg.RateLimit.ConsolePerMinute
	if consolePerMin <= 0 {
		consolePerMin = defaultConsolePerMinute
	}

	s := &Server{
		echo:           e,
		cfg:            cfg,
		store:          st,
		engine:         eng,
		scopes:         scopes,
		registry:       registry,
		auth:           authn,
		tokens:         tokens,
		rec:            rec,
		maint:          maint,
		syncLimiter:    ratelimit.New(time.Minute, int64(syncPerMin)),
		consoleLimiter: ratelimit.New(time.Minute, int64(consolePerMin)),
		log:            logging.WithComponent("server"),
	}

	e.Use(middleware.Recover())
	e.Use(s.requestID)

	s.registerRoutes()
	return s
}

// Handler exposes the underlying mux, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

const (
	principalKey = "principal"
	requestIDKey = "requestId"
)

// getPrincipal retrieves the principal set by requireAuth.
func getPrincipal(c echo.Context) *auth.Principal {
	if pr, ok := c.Get(principalKey).(*auth.Principal); ok {
		return pr
	}
	return nil
}

// requestIDOf returns the request id minted or propagated by the
// requestID middleware.
func requestIDOf(c echo.Context) string {
	if id, ok := c.Get(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// requestID propagates an inbound X-Request-Id or mints one, and
// echoes it on the response.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
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

// requireAuth is middleware that resolves the Bearer credential to a
// principal: admin key, sync token, or API key.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return s.fail(c, syncerr.Unauthenticated("Authorization header with Bearer token is required"))
		}

		pr, err := s.auth.Authenticate(c.Request().Context(), token)
		if err != nil {
			return s.fail(c, syncerr.New(syncerr.CodeInvalidToken, http.StatusUnauthorized, "invalid or expired credentials"))
		}

		c.Set(principalKey, pr)
		return next(c)
	}
}

// requireAdmin gates the console. It must run after requireAuth.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		pr := getPrincipal(c)
		if pr == nil || !pr.Admin() {
			return s.fail(c, syncerr.Forbidden("console access requires an admin credential"))
		}
		return next(c)
	}
}

// rateLimit enforces the per-caller budget for a route class and sets
// the X-RateLimit-* headers on every response.
func (s *Server) rateLimit(class string, limiter *ratelimit.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := limiter.Allow(callerKey(c))

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second).Seconds())))
				metrics.RateLimited.WithLabelValues(class).Inc()
				return s.fail(c, syncerr.RateLimited("rate limit exceeded for %s", class))
			}
			return next(c)
		}
	}
}

// callerKey identifies the budget owner: the authenticated actor when
// present, else the remote address.
func callerKey(c echo.Context) string {
	if pr := getPrincipal(c); pr != nil {
		if pr.KeyID != "" {
			return "key:" + pr.KeyID
		}
		return "actor:" + pr.ActorID
	}
	return "ip:" + c.RealIP()
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// fail writes the classified error as {error, message}. Unclassified
// errors are logged and surface as opaque 500s.
func (s *Server) fail(c echo.Context, err error) error {
	se := syncerr.From(err)
	if se.Code == syncerr.CodeInternal {
		s.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("request failed")
	}
	return c.JSON(se.Status, map[string]string{
		"error":   se.Code,
		"message": se.Message,
	})
}

// partitionOf resolves the partition a request addresses: the
// principal's bound partition, or the explicit partitionId query
// parameter for admin credentials, or the default.
func partitionOf(c echo.Context, pr *auth.Principal) string {
	if pr != nil && pr.PartitionID != "" {
		return pr.PartitionID
	}
	if p := c.QueryParam("partitionId"); p != "" {
		return p
	}
	return engine.DefaultPartition
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
