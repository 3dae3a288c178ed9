package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/sourcewell/goldenindex/internal/coordinator"
	"github.com/sourcewell/goldenindex/internal/events"
)

// Config bundles the tunables Server needs beyond its Coordinator/Hub.
type Config struct {
	Port            int
	JWTSecret       string
	TokenTTL        time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DefaultConfig returns sensible defaults, mirroring
// http.DefaultServerConfig's shape.
func DefaultConfig(port int, jwtSecret string) Config {
	return Config{
		Port:            port,
		JWTSecret:       jwtSecret,
		TokenTTL:        24 * time.Hour,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// Server is the echo-backed transport surface in front of a Coordinator.
type Server struct {
	coord    *coordinator.Coordinator
	hub      *events.Hub
	tokens   *TokenService
	upgrader websocket.Upgrader
	cfg      Config
	log      *logrus.Entry

	echo *echo.Echo
}

// New builds a Server and registers every route, ready for Start.
func New(coord *coordinator.Coordinator, hub *events.Hub, cfg Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		coord:  coord,
		hub:    hub,
		tokens: NewTokenService(cfg.JWTSecret, cfg.TokenTTL),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg: cfg,
		log: log.WithField("component", "rest"),
	}
	s.echo = s.newEcho()
	s.routes()
	return s
}

// newEcho builds an *echo.Echo with the teacher's standard middleware
// stack (logger, recover, CORS, request ID), grounded on
// http.NewEchoServer.
func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
	e.HTTPErrorHandler = s.errorHandler
	return e
}

// errorHandler mirrors http.CustomHTTPErrorHandler's shape: render echo's
// own HTTPError with its intended status, anything else as a 500.
func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}
	if c.Response().Committed {
		return
	}
	if sendErr := c.JSON(code, errorResponse{Error: message}); sendErr != nil {
		s.log.WithError(sendErr).Warn("failed to write error response")
	}
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.Health)

	auth := s.echo.Group("/auth")
	auth.POST("/token", s.IssueToken)

	protected := s.echo.Group("/v1/api")
	protected.Use(s.tokens.jwtMiddleware())
	protected.POST("/search", s.Search)
	protected.GET("/goldens", s.ListGoldens)
	protected.POST("/goldens", s.AddGolden)
	protected.POST("/goldens/:alias/refresh", s.RefreshGolden)
	protected.GET("/jobs", s.ListJobs)
	protected.GET("/jobs/:id", s.GetJob)
	protected.GET("/payloads/:handle", s.GetPayload)
	protected.GET("/events", s.Events)
}

// Start runs the HTTP server until it errors or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.WithField("addr", addr).Info("starting REST server")
	err := s.echo.StartServer(httpServer)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, grounded on
// http.GracefulShutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("shutting down REST server")
	return s.echo.Shutdown(shutdownCtx)
}
