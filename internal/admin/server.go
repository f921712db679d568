// Package admin owns the HTTP sidecar surface: health, readiness and
// metrics. It has no role in the wire protocol itself.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wireserv/internal/observability"
)

// Status is the live server state exposed on /health and /ready.
type Status interface {
	ActiveConnections() int
}

type Server struct {
	router  *gin.Engine
	httpSrv *http.Server
	status  Status
	started time.Time
}

func New(status Status) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))

	s := &Server{
		router:  r,
		status:  status,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(s.started).String(),
			"connections": s.status.ActiveConnections(),
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.started).String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves the admin surface until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
