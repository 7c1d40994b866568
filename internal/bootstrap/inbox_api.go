package bootstrap

import (
	"strings"
	"time"

	"inbox_server/adapter/in/http"
	"inbox_server/config"
	"inbox_server/infra/middleware"
	"inbox_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the HTTP server with all routes wired.
func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	logLevel := logger.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   logLevel,
		Service: "inbox-api",
	})

	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             10 * 1024 * 1024,
		ServerHeader:          "",
		DisableDefaultDate:    true,
		StreamRequestBody:     true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger(deps.HTTPLatency))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS. Credentials require explicit origins, never "*".
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health probes (no auth)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.MongoDB, deps.HTTPLatency)
	healthHandler.Register(app)

	// Webhooks (no JWT; HMAC signature is the auth). Rate limited and
	// size capped since the route is open to the network.
	webhookLimiter := middleware.NewRateLimiter(300, time.Minute)
	app.Use("/webhooks", webhookLimiter.Handler(), middleware.MaxBodySize(256*1024))
	app.Use("/api/v1/webhooks", webhookLimiter.Handler(), middleware.MaxBodySize(256*1024))

	webhookHandler := http.NewWebhookHandler(
		deps.AccountRepo,
		deps.Producer,
		deps.Producer,
		deps.RealtimeAdapter,
		cfg.AggregatorWebhookSecret,
	)
	webhookHandler.Register(app)

	// Authenticated API
	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	sseHandler := http.NewSSEHandler(deps.SSEHub, deps.RealtimeAdapter, deps.ZLog)
	sseHandler.Register(api)

	conversationHandler := http.NewConversationHandler(deps.ConversationService, deps.BodyService)
	conversationHandler.Register(api)

	syncHandler := http.NewSyncHandler(deps.SyncService, deps.AccountRepo, deps.Producer)
	syncHandler.Register(api)

	logger.Info("API server initialized")

	return app, cleanup, nil
}
