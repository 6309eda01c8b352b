// Package server maps the tenant stores, search engines, and
// subscription managers onto the FHIR REST surface: CRUD with version
// semantics, search bundles, compartment routes, transaction ingestion,
// subscription operations, and a websocket notification endpoint.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fhir-candle/candle/internal/config"
	"github.com/fhir-candle/candle/internal/store"
	"github.com/fhir-candle/candle/internal/tenant"
)

// Server owns the echo instance and the shared delivery fabric. One
// server fronts every tenant; the first path segment picks the tenant.
type Server struct {
	cfg     config.Config
	coord   *tenant.Coordinator
	logger  zerolog.Logger
	echo    *echo.Echo
	hub     *Hub
	metrics *Metrics
}

func New(cfg config.Config, coord *tenant.Coordinator, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:     cfg,
		coord:   coord,
		logger:  logger,
		echo:    e,
		hub:     NewHub(logger),
		metrics: NewMetrics(),
	}

	e.Use(echomw.Recover())
	e.Use(requestLogger(logger))
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.CORSOrigins}))
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	g := e.Group("/:tenant", s.metrics.Middleware(), ContentNegotiation(), s.ScopeCheck(), ConditionalRead())
	g.POST("", s.handleBundle)
	g.GET("/metadata", s.handleCapability)
	g.GET("/ws", s.handleWebsocket)
	g.GET("/:type", s.handleSearch)
	g.POST("/:type", s.handleCreate)
	g.POST("/:type/_search", s.handleSearch)
	g.GET("/:type/:id", s.handleRead)
	g.PUT("/:type/:id", s.handleUpdate)
	g.DELETE("/:type/:id", s.handleDelete)
	g.GET("/:type/:id/_history", s.handleHistory)
	g.GET("/:type/:id/_history/:vid", s.handleVRead)
	g.GET("/:type/:id/:child", s.handleInstanceChild)

	// Every tenant's dispatch workers share the one hub; notifications
	// carry the tenant name in the broadcast key.
	for _, name := range coord.Names() {
		if t, err := coord.Get(name); err == nil {
			t.Subscriptions.SetBroadcaster(&tenantBroadcaster{hub: s.hub, tenant: name})
		}
	}

	return s
}

// Handler exposes the routing tree, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.cfg.Port)
	if s.cfg.TLSEnabled {
		return s.echo.StartTLS(addr, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "up",
		"tenants": s.coord.Names(),
	})
}

// tenant resolves the path's tenant or writes the 404 outcome itself.
func (s *Server) tenant(c echo.Context) (*tenant.Tenant, bool) {
	t, err := s.coord.Get(c.Param("tenant"))
	if err != nil {
		_ = s.outcome(c, http.StatusNotFound, "not-found", "unknown tenant: "+c.Param("tenant"))
		return nil, false
	}
	return t, true
}

// readBody decodes the request payload with the serializer matching its
// Content-Type.
func readBody(c echo.Context) (map[string]interface{}, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	return requestSerializer(c).Unmarshal(data)
}

// respondResource writes one stored resource with its version headers.
func (s *Server) respondResource(c echo.Context, status int, res *store.Resource) error {
	h := c.Response().Header()
	h.Set("ETag", res.ETag())
	h.Set("Last-Modified", res.LastModified.UTC().Format(http.TimeFormat))
	return s.respondTree(c, status, res.Content)
}

// respondTree writes any resource tree in the negotiated format.
func (s *Server) respondTree(c echo.Context, status int, tree map[string]interface{}) error {
	sz := responseSerializer(c)
	data, err := sz.Marshal(tree)
	if err != nil {
		return err
	}
	return c.Blob(status, sz.MediaType()+"; charset=utf-8", data)
}

// baseURL reconstructs the tenant-rooted URL prefix for Location
// headers and bundle links.
func baseURL(c echo.Context, tenantName string) string {
	return c.Scheme() + "://" + c.Request().Host + "/" + tenantName
}

// requestLogger emits one structured line per request.
func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ev := logger.Info()
			if status >= http.StatusInternalServerError {
				ev = logger.Error()
			}
			ev.Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
			return err
		}
	}
}
