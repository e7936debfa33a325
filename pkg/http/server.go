package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fighter4/ChartSight/pkg/http/middleware"
	applogger "github.com/fighter4/ChartSight/pkg/logger"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerOption configures Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	host              string
	port              int
	read, write, idle time.Duration
	bodyLimit         string
	corsOrigins       []string
	metricsPath       string
	slow              time.Duration
	logger            *applogger.Logger
}

func WithHost(host string) ServerOption { return func(c *serverConfig) { c.host = host } }
func WithPort(port int) ServerOption { return func(c *serverConfig) { c.port = port } }

// WithTimeouts sets read, write and idle timeouts. Write must cover the
// slowest analysis.
func WithTimeouts(read, write, idle time.Duration) ServerOption {
	return func(c *serverConfig) { c.read, c.write, c.idle = read, write, idle }
}

// WithBodyLimit caps request bodies, e.g. "16M". Charts arrive as data URIs.
func WithBodyLimit(limit string) ServerOption {
	return func(c *serverConfig) { c.bodyLimit = limit }
}

// WithCORSOrigins sets allowed origins. Empty disables CORS headers.
func WithCORSOrigins(origins ...string) ServerOption {
	return func(c *serverConfig) { c.corsOrigins = origins }
}

// WithMetricsPath sets the Prometheus scrape path. Empty disables metrics.
func WithMetricsPath(path string) ServerOption {
	return func(c *serverConfig) { c.metricsPath = path }
}

// WithSlowRequest sets the latency above which requests are logged as slow.
func WithSlowRequest(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.slow = d }
}

func WithLogger(l *applogger.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = l }
}

// Server is the echo HTTP server with the standard middleware stack.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *applogger.Logger
}

func NewServer(handler Handler, opts ...ServerOption) *Server {
	cfg := serverConfig{
		host:        "0.0.0.0",
		port:        8080,
		read:        15 * time.Second,
		write:       3 * time.Minute,
		idle:        time.Minute,
		bodyLimit:   "16M",
		corsOrigins: []string{"*"},
		metricsPath: "/metrics",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	l := cfg.logger
	if l == nil {
		l = applogger.Nop()
	}

	e := echo.New()
	e.HideBanner, e.HidePort = true, true
	e.Server.ReadTimeout = cfg.read
	e.Server.WriteTimeout = cfg.write
	e.Server.IdleTimeout = cfg.idle
	e.HTTPErrorHandler = errorHandler(l)

	e.Use(echomw.RequestID())
	e.Use(middleware.Observe(middleware.ObserveConfig{Logger: l, Metrics: cfg.metricsPath != "", Slow: cfg.slow}))
	e.Use(echomw.RecoverWithConfig(echomw.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			l.Error("panic recovered",
				applogger.String("route", c.Path()),
				applogger.String("stack", string(stack)),
				applogger.Error(err))
			return Internal("internal server error").Wrap(err)
		},
	}))
	if cfg.bodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.bodyLimit))
	}
	if len(cfg.corsOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.corsOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	if handler != nil {
		handler.RegisterRoutes(e)
	}
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.metricsPath != "" {
		e.GET(cfg.metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	return &Server{echo: e, addr: net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port)), logger: l}
}

// errorHandler renders router and middleware errors in the API envelope.
func errorHandler(l *applogger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			err = NewError(he.Code, "ERR_HTTP", fmt.Sprint(he.Message))
		}
		if werr := Fail(c, err); werr != nil {
			l.Warn("write error response", applogger.Error(werr))
		}
	}
}

// Start listens in the background. A failed bind is reported before return.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.echo.Listener = ln
	go func() {
		s.logger.Info("http server listening", applogger.String("addr", ln.Addr().String()))
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", applogger.Error(err))
		}
	}()
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Echo exposes the router, mostly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }
