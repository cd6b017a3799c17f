package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/api/internal/auth"
	"github.com/reelcraft/api/internal/client"
	"github.com/reelcraft/api/internal/config"
	"github.com/reelcraft/api/internal/handler"
	"github.com/reelcraft/api/internal/logging"
	"github.com/reelcraft/api/internal/middleware"
	"github.com/reelcraft/api/internal/observability"
	"github.com/reelcraft/api/internal/planner"
	"github.com/reelcraft/api/internal/service"
	ws "github.com/reelcraft/api/internal/websocket"
	"github.com/reelcraft/api/pkg/circuitbreaker"
	"github.com/reelcraft/api/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		log.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	b, err := openBackends(cfg, redisClient)
	if err != nil {
		log.Error("failed to open job store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer b.close()
	log.Info("job store ready", "driver", b.driver)

	// R2 is optional: without it artifacts resolve against an in-process bucket.
	var storage client.StorageClient
	r2Configured := false
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn("R2 client not initialized", "error", err)
		} else {
			storage = r2
			r2Configured = true
		}
	}
	if storage == nil {
		log.Info("R2 storage not configured, using in-memory storage")
		storage = client.NewMemoryStorage(cfg.R2.BucketName)
	}

	fleet := client.NewRenderFleetClient(&cfg.Fleet)
	if !fleet.IsConfigured() {
		log.Warn("render fleet not configured", "baseUrl", cfg.Fleet.BaseURL)
	}

	plan := planner.New(planner.Config{
		MaxWorkers:        cfg.Orchestrator.MaxWorkers,
		MinShard:          cfg.Orchestrator.MinShard,
		MaxShard:          cfg.Orchestrator.MaxShard,
		DefaultFPS:        cfg.Orchestrator.DefaultFPS,
		DefaultDurationMs: cfg.Orchestrator.DefaultDurationMs,
	})
	breaker := circuitbreaker.New(circuitbreaker.Config{})

	dispatcher := service.NewDispatcher(fleet, b.store, breaker, service.DispatcherConfig{
		Timeout:       cfg.Orchestrator.DispatchTimeout,
		RenderTimeout: cfg.Fleet.RenderTimeout,
		Bucket:        storage.Bucket(),
		Codec:         cfg.Fleet.Codec,
	}, metrics)
	aggregator := service.NewAggregator(b.store, fleet, storage, service.AggregatorConfig{
		ProgressTimeout: cfg.Orchestrator.ProgressTimeout,
		StorageTimeout:  cfg.Orchestrator.StorageTimeout,
		PresignExpiry:   cfg.R2.PresignExpiry,
		Weights: service.Weights{
			Render:  cfg.Progress.RenderWeight,
			Encode:  cfg.Progress.EncodeWeight,
			Combine: cfg.Progress.CombineWeight,
		},
	}, metrics)
	watch := service.NewWatchScheduler(asynqClient, cfg.Orchestrator.WatchInitial, cfg.Orchestrator.WatchMax)
	renderService := service.NewRenderService(b.store, plan, dispatcher, aggregator, watch, metrics)
	reaper := service.NewReaper(b.store, b.locker, b.audit, service.ReaperConfig{
		StuckAfter: cfg.Reaper.StuckAfter,
		BatchSize:  cfg.Reaper.BatchSize,
		LeaseTTL:   cfg.Reaper.LeaseTTL,
	}, metrics)

	hub := ws.NewHub()
	go hub.Run(ctx)

	var tokenVerifier auth.TokenVerifier
	if cfg.Auth.JWKSIssuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Auth)
		if err != nil {
			log.Warn("JWKS verifier not initialized", "issuer", cfg.Auth.JWKSIssuer, "error", err)
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}

	validate := validator.New()
	renderHandler := handler.NewRenderHandler(renderService, validate)
	adminHandler := handler.NewAdminHandler(reaper, b.audit, renderService)
	wsHandler := handler.NewWSHandler(hub, renderService)
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.Auth.JWTSecret)
	healthHandler := handler.NewHealthHandler(
		map[string]handler.HealthCheck{
			"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		map[string]bool{
			"r2":    r2Configured,
			"fleet": fleet.IsConfigured(),
			"auth":  tokenVerifier != nil || cfg.Auth.JWTSecret != "",
			"admin": cfg.Auth.AdminKey != "",
		},
	)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind the gateway ForwardAuth has already run; trust X-Caller-Id.
		log.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(tokenVerifier, cfg.Auth.JWTSecret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams}\n"
	}
	app.Use(logger.New(logger.Config{Format: logFormat}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Admin-Key",
	}))
	app.Use(middleware.Metrics(metrics))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", healthHandler.Health)
	app.Get("/metrics", adaptor.HTTPHandler(metricsHandler))

	// ForwardAuth verification endpoint, called by the gateway
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api")

	render := api.Group("/render", apiAuthMiddleware)
	render.Post("/start", rateLimiter.StartLimit(cfg.RateLimit.StartPerMin), renderHandler.Start)
	render.Get("/status/:jobId", renderHandler.Status)

	admin := api.Group("/admin", middleware.AdminKey(cfg.Auth.AdminKey))
	admin.Post("/reaper/sweep", adminHandler.Sweep)
	admin.Get("/reaper/audit", adminHandler.Audits)
	admin.Get("/jobs/:jobId", adminHandler.Job)

	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/jobs/:jobId", wsHandler.Serve())

	app.Use(func(c *fiber.Ctx) error {
		return response.NotFound(c, "Route not found")
	})

	workers, err := startWorkers(cfg, redisOpt, workerDeps{
		renders:   renderService,
		watch:     watch,
		reaper:    reaper,
		purger:    b.purger,
		hub:       hub,
		retention: cfg.Store.Retention,
	})
	if err != nil {
		log.Error("failed to start task workers", "error", err)
		os.Exit(1)
	}
	defer workers.shutdown()

	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr, "env", cfg.Server.Env)
	if err := app.Listen(addr); err != nil {
		log.Error("server error", "error", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	} else {
		slog.Error("unhandled request error", "path", c.Path(), "error", err)
	}

	return c.Status(code).JSON(response.ErrorResponse{
		Error: response.ErrorDetail{
			Code:    response.CodeServiceError,
			Message: message,
		},
	})
}
