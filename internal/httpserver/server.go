package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ncecere/usage_tracker/internal/config"
	"github.com/ncecere/usage_tracker/internal/health"
	"github.com/ncecere/usage_tracker/internal/observability"
)

// Server is the operational HTTP surface of a daemon: liveness, readiness
// and metrics.
type Server struct {
	app     *fiber.App
	cfg     config.ServerConfig
	logger  *slog.Logger
	monitor *health.Monitor
}

// New constructs a server with baseline middleware ready. monitor and
// metrics may be nil.
func New(cfg config.ServerConfig, name string, monitor *health.Monitor, metrics *observability.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          name,
		ReadTimeout:           10 * time.Second,
		IdleTimeout:           60 * time.Second,
		ReadBufferSize:        4 * 1024,
		WriteBufferSize:       4 * 1024,
	})

	app.Use(requestid.New())
	app.Use(recover.New())

	if metrics != nil {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			if route == "" {
				route = c.Path()
			}
			metrics.RecordHTTPRequest(c.UserContext(), c.Method(), route, c.Response().StatusCode(), time.Since(start))
			return err
		})
	}

	if metrics != nil && metrics.TracerProvider() != nil {
		tracer := otel.Tracer(name + "/http")
		app.Use(func(c *fiber.Ctx) error {
			spanCtx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path())
			c.SetUserContext(spanCtx)
			err := c.Next()
			route := ""
			if r := c.Route(); r != nil {
				route = r.Path
			}
			span.SetAttributes(
				attribute.String("http.method", c.Method()),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", c.Response().StatusCode()),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else if status := c.Response().StatusCode(); status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			span.End()
			return err
		})
	}

	if metrics != nil {
		if handler := metrics.PrometheusHandler(); handler != nil {
			app.Get("/metrics", adaptor.HTTPHandler(handler))
		}
	}

	s := &Server{app: app, cfg: cfg, logger: logger, monitor: monitor}
	s.registerHealthRoutes()
	return s
}

// Listen blocks until context cancellation or a fatal listen error occurs.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.cfg.ListenAddr)
	}()
	s.logger.Info("ops server listening", slog.String("addr", s.cfg.ListenAddr))

	select {
	case <-ctx.Done():
		timeout := s.cfg.GracefulShutdownDelay
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.app.ShutdownWithContext(shutdownCtx)
		if err == nil {
			err = <-errCh
		}
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerHealthRoutes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	s.app.Get("/readyz", func(c *fiber.Ctx) error {
		if s.monitor == nil {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
		}
		checks := make(map[string]fiber.Map)
		for _, st := range s.monitor.Snapshot() {
			check := fiber.Map{
				"status":     "ok",
				"latency_ms": st.LatencyMS,
				"checked_at": st.CheckedAt,
			}
			if !st.OK {
				check["status"] = "error"
				check["error"] = st.Error
			}
			checks[st.Name] = check
		}
		if !s.monitor.Ready() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"checks": checks,
			})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
			"checks": checks,
		})
	})
}
