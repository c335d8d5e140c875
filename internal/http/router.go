package http

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"reelforge/internal/config"
	"reelforge/internal/metrics"
	"reelforge/internal/resolver"
	"reelforge/internal/service"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, svc *service.Service, res *resolver.Resolver, db *sql.DB, rdb *redis.Client, logger *slog.Logger) *Server {
	app := fiber.New()

	// Inject config, service, and resolver into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("service", svc)
		c.Locals("resolver", res)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"ok": true})
		}

		// Deep health: check DB and Redis connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		ok := true
		dbStatus := "ok"
		if db == nil {
			dbStatus = "disabled"
		} else if err := db.PingContext(ctx); err != nil {
			dbStatus = "error"
			ok = false
		}

		redisStatus := "ok"
		if rdb == nil {
			redisStatus = "disabled"
		} else if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "error"
			ok = false
		}

		code := fiber.StatusOK
		if !ok {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"ok":    ok,
			"db":    dbStatus,
			"redis": redisStatus,
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain; version=0.0.4")
		return c.SendString(metrics.Render())
	})

	v1 := app.Group("/v1", identityMiddleware())
	v1.Post("/videos", submitVideoHandler)
	v1.Get("/videos", listVideosHandler)
	v1.Get("/videos/:id/status", videoStatusHandler)
	v1.Post("/videos/:id/cancel", cancelVideoHandler)
	v1.Get("/videos/:id/download", downloadHandler)
	v1.Get("/videos/:id/preview", previewHandler)
	v1.Get("/stats", statsHandler)

	return &Server{app: app, config: cfg, logger: logger}
}

func (s *Server) Listen() error {
	host := s.config.Server.Host
	port := s.config.Server.Port
	if port == 0 {
		port = 8080
	}
	return s.app.Listen(fmt.Sprintf("%s:%d", host, port))
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }
