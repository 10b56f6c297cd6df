// Package server hosts the HTTP control surface: the REST API, the health
// endpoint and the WebSocket upgrade route.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	"github.com/taskforge/taskforge/internal/common/httpmw"
	"github.com/taskforge/taskforge/internal/common/logger"
)

// Server wraps the HTTP listener and its gin router.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
	logger     *logger.Logger
}

// New builds the router with the shared middleware chain and the health
// endpoint. Handlers are attached by the caller via Router before Start.
func New(cfg config.ServerConfig, log *logger.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "taskforge"))
	router.Use(httpmw.OtelTracing("taskforge"))
	router.Use(httpmw.BodySizeLimit(cfg.MaxBodyBytes))
	router.Use(httpmw.LocalhostBypassAuth(cfg.AuthToken))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "taskforge"})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		router: router,
		logger: log.WithComponent("http_server"),
	}
}

// Router exposes the gin engine for route registration.
func (s *Server) Router() *gin.Engine { return s.router }

// Start runs the listener until it fails or Shutdown is called. It always
// returns a non-nil error; http.ErrServerClosed signals a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains inflight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
