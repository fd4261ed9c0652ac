// Package http exposes the panel and control surface over gin: the
// annotator panel, the render-job/annotated rendezvous, SSE events, and
// the pause/allowlist controls.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/visor-agent/visor/internal/domain/service"
	"github.com/visor-agent/visor/internal/infrastructure/gate"
	"github.com/visor-agent/visor/internal/infrastructure/persistence"
	"github.com/visor-agent/visor/internal/infrastructure/policy"
	"github.com/visor-agent/visor/internal/infrastructure/runstore"
	"github.com/visor-agent/visor/internal/infrastructure/sse"
	"github.com/visor-agent/visor/internal/interfaces/http/handlers"
)

// Server wraps the HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config is the HTTP listener configuration.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// Deps collects everything the handlers need.
type Deps struct {
	Engine    *service.EngineLoop
	Executor  service.Executor
	Gate      *gate.Gate
	Policies  *policy.Store
	TurnStore *runstore.TurnStore
	Broker    *sse.Broker
	TurnIndex *persistence.TurnIndex // nil disables GET /turns
	WS        http.Handler           // nil disables GET /ws
}

// NewServer builds the router and server. Start must be called to listen.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	panelHandler := handlers.NewPanelHandler(deps.Engine, deps.Executor, deps.Gate, deps.Policies, deps.TurnStore, deps.Broker, logger)
	eventsHandler := handlers.NewEventsHandler(deps.Broker, deps.TurnStore, logger)

	setupRoutes(router, panelHandler, eventsHandler, deps)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Router builds just the handler, for tests.
func Router(deps Deps, logger *zap.Logger) http.Handler {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	panelHandler := handlers.NewPanelHandler(deps.Engine, deps.Executor, deps.Gate, deps.Policies, deps.TurnStore, deps.Broker, logger)
	eventsHandler := handlers.NewEventsHandler(deps.Broker, deps.TurnStore, logger)
	setupRoutes(router, panelHandler, eventsHandler, deps)
	return router
}

// Start begins listening. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, panel *handlers.PanelHandler, events *handlers.EventsHandler, deps Deps) {
	router.GET("/", panel.Index)
	router.GET("/health", panel.Health)
	router.GET("/events", events.Stream)

	router.GET("/render_job", panel.RenderJob)
	router.POST("/annotated", panel.Annotated)

	router.POST("/pause", panel.Pause)
	router.POST("/unpause", panel.Unpause)

	router.GET("/allowed_tools", panel.GetAllowedTools)
	router.POST("/allowed_tools", panel.SetAllowedTools)

	router.POST("/debug/execute", panel.DebugExecute)

	if deps.TurnIndex != nil {
		turnsHandler := handlers.NewTurnsHandler(deps.TurnIndex)
		router.GET("/turns", turnsHandler.List)
	}
	if deps.WS != nil {
		router.GET("/ws", gin.WrapH(deps.WS))
	}
}

// ginLogger logs each request through zap.
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
