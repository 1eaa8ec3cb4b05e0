package webapi

import (
	"context"
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/waconsole/config"
	"github.com/talkincode/waconsole/internal/instances"
	"go.uber.org/zap"
)

// Server exposes the sync engine over HTTP for local dashboards and
// automation. It is a thin shell: every handler delegates to the controller
// bundle and returns the store's projection.
type Server struct {
	cfg  *config.AppConfig
	ctrl *instances.Controller
	e    *echo.Echo
}

func NewServer(cfg *config.AppConfig, ctrl *instances.Controller) *Server {
	s := &Server{cfg: cfg, ctrl: ctrl, e: echo.New()}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.Use(requestLogger())

	api := s.e.Group("/api")
	if cfg.Web.JwtSecret != "" {
		api.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey: []byte(cfg.Web.JwtSecret),
		}))
	}
	s.registerRoutes(api)
	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	zap.L().Info("web api listening", zap.String("listen", s.cfg.Web.Listen))
	err := s.e.Start(s.cfg.Web.Listen)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("http request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	})
}
