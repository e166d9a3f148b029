package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"leaderd/pkg/api/middleware"
	"leaderd/pkg/election"
)

// StatusSource reports this peer's view of the election.
type StatusSource interface {
	Status() election.Status
}

// Server exposes election status, health and metrics over HTTP.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	source     StatusSource
	log        *zap.Logger
}

// Config holds API server configuration.
type Config struct {
	Addr    string
	Service string
	Source  StatusSource
	Logger  *zap.Logger
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.Service))
	router.Use(middleware.MetricsMiddleware("/metrics"))
	router.Use(middleware.LoggerMiddleware(log))

	s := &Server{
		router: router,
		source: cfg.Source,
		log:    log,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("Starting status server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "status server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		el := v1.Group("/election")
		{
			el.GET("/status", s.getStatus)
			el.GET("/leader", s.getLeader)
		}
	}
}
