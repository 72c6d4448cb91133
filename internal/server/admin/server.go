package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"pouw-captcha/coordinator"
	"pouw-captcha/groundtruth"
	"pouw-captcha/internal/metrics"
	"pouw-captcha/internal/server/middleware"
	"pouw-captcha/internal/validation"
	"pouw-captcha/logging"
	"pouw-captcha/registry"
	"pouw-captcha/risk"
	"pouw-captcha/shards"
)

// Components are the engine parts the admin endpoints inspect. Registry,
// Scorer and Validator may be nil; the endpoints that need them then answer
// 503.
type Components struct {
	Registry     *registry.Registry
	Shards       *shards.Manager
	Cache        *groundtruth.Cache
	Coordinator  *coordinator.Coordinator
	Scorer       *risk.Scorer
	Validator    *validation.InferenceValidator
	DefaultModel string
}

type Server struct {
	e         *echo.Echo
	c         Components
	startedAt time.Time
}

func NewServer(components Components) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{
		e:         e,
		c:         components,
		startedAt: time.Now(),
	}

	e.Use(middleware.LoggingMiddleware)
	g := e.Group("/v1/")

	g.GET("status", s.getStatus)
	g.GET("models", s.getModels)
	g.POST("models/reload", s.reloadModels)
	g.GET("ground-truth/stats", s.getGroundTruthStats)
	g.POST("ground-truth/save", s.saveGroundTruth)

	g.POST("debug/score", s.postScore)
	g.POST("debug/assign", s.postAssign)
	g.POST("debug/validate", s.postValidate)

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) Start(addr string) {
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			logging.Error("Admin server stopped", logging.Server, "addr", addr, "error", err)
		}
	}()
	logging.Info("Admin server started", logging.Server, "addr", addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
