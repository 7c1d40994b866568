package http

import (
	"context"
	"time"

	"inbox_server/infra/database"
	"inbox_server/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db      *pgxpool.Pool
	redis   *redis.Client
	mongo   *mongo.Client
	latency *metrics.LatencyTracker
}

// NewHealthHandler creates a health handler with its dependency probes.
func NewHealthHandler(db *pgxpool.Pool, redisClient *redis.Client, mongoClient *mongo.Client, latency *metrics.LatencyTracker) *HealthHandler {
	return &HealthHandler{
		db:      db,
		redis:   redisClient,
		mongo:   mongoClient,
		latency: latency,
	}
}

// Register registers health routes.
func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/health/stats", h.Stats)
	app.Get("/ready", h.Ready)
	app.Get("/health/ready", h.Ready)
}

// Health is the liveness probe.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Stats reports connection pool statistics for the backing stores.
func (h *HealthHandler) Stats(c *fiber.Ctx) error {
	stats := fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.db != nil {
		stats["postgres"] = database.GetPoolStats(h.db)
	}
	if h.redis != nil {
		stats["redis"] = database.GetRedisStats(h.redis)
	}
	if h.latency != nil {
		stats["http_latency"] = h.latency.Stats().ToMap()
	}
	return c.JSON(stats)
}

// Ready checks every backing store.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			checks["postgres"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	if h.mongo != nil {
		if err := h.mongo.Ping(ctx, nil); err != nil {
			checks["mongodb"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["mongodb"] = "healthy"
		}
	} else {
		checks["mongodb"] = "not configured"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
