package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/handler"
	"github.com/makeasinger/songforge/internal/limiter"
	"github.com/makeasinger/songforge/internal/logging"
	"github.com/makeasinger/songforge/internal/middleware"
	"github.com/makeasinger/songforge/internal/pipeline"
	"github.com/makeasinger/songforge/internal/queue"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/internal/store"
	"github.com/makeasinger/songforge/internal/store/memory"
	"github.com/makeasinger/songforge/internal/store/postgres"
	ws "github.com/makeasinger/songforge/internal/websocket"
	"github.com/makeasinger/songforge/internal/worker"
)

func main() {
	// .env is optional outside development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.Server.Env, cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := openStore(ctx, cfg, log)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not available")
		redisUp = false
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	enqueuer := queue.NewEnqueuer(asynqClient, cfg.Pipeline.MaxRetry)

	// Initialize WebSocket hub
	hub := ws.NewHub(log)
	go hub.Run()

	generator := client.NewGenerationClient(&cfg.Worker, log)
	if !generator.IsConfigured() {
		log.Warn().Msg("generation worker endpoints not configured")
	}

	var presigner client.Presigner
	if s3Client, err := client.NewS3Client(ctx, &cfg.S3); err != nil {
		log.Warn().Err(err).Msg("object storage disabled")
	} else {
		presigner = s3Client
	}

	ownerLimiter := newOwnerLimiter(cfg, redisClient, redisUp, st, log)

	exec := pipeline.NewExecutor(st, generator, ownerLimiter, enqueuer, hub, cfg.Worker.DispatchTimeout, log)
	reaper := pipeline.NewReaper(exec, cfg.Pipeline.ReaperInterval, log)
	go reaper.Run(ctx)

	songWorker := worker.NewSongWorker(exec, enqueuer, cfg.Pipeline.OwnerPollDelay, log)
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Pipeline.Concurrency,
		Queues: map[string]int{
			queue.QueueSongs: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(songWorker.HandleError),
		Logger:       logging.NewAsynqLogger(log),
		LogLevel:     logging.AsynqLevel(log.GetLevel()),
	})

	mux := asynq.NewServeMux()
	songWorker.Register(mux)
	if err := srv.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("failed to start task server")
	}

	// Initialize services and handlers
	validate := validator.New()
	songService := service.NewSongService(st, enqueuer, presigner, cfg.S3.PresignExpiry, log)
	songHandler := handler.NewSongHandler(songService, validate)
	userHandler := handler.NewUserHandler(songService)
	streamHandler := handler.NewStreamHandler(songService, hub)
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-User-Id",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// API routes
	api := app.Group("/api", middleware.GatewayAuth())

	songs := api.Group("/songs")
	songs.Get("", songHandler.List)
	songs.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), songHandler.Generate)
	songs.Get("/:songId", songHandler.Status)
	songs.Get("/:songId/play", songHandler.Play)
	songs.Post("/:songId/publish", songHandler.Publish)
	songs.Post("/:songId/unpublish", songHandler.Unpublish)

	api.Get("/user/credits", userHandler.Credits)

	// WebSocket routes
	app.Get("/ws/songs/:songId", middleware.GatewayAuth(), streamHandler.Authorize, streamHandler.Serve())

	go func() {
		addr := ":" + cfg.Server.Port
		log.Info().Str("addr", addr).Msg("server starting")
		if err := app.Listen(addr); err != nil {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	srv.Shutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := exec.Drain(drainCtx); err != nil {
		// the reaper picks these up on the next start
		log.Warn().Err(err).Msg("dispatches still running at exit")
	}
}

// newOwnerLimiter allows one running song per owner. Tickets live in Redis
// so every process shares them, except in a single process run on the
// memory store or without Redis, where an in-process limiter is enough.
func newOwnerLimiter(cfg *config.Config, rdb *redis.Client, redisUp bool, st store.Store, log zerolog.Logger) limiter.Limiter {
	_, local := st.(*memory.Store)
	if local || !redisUp {
		log.Info().Bool("memory_store", local).Bool("redis_up", redisUp).Msg("owner limiter kept in process")
		return limiter.NewKeyed(1, cfg.Pipeline.TicketTTL)
	}
	log.Info().Msg("owner limiter backed by redis")
	return limiter.NewRedis(rdb, 1, cfg.Pipeline.TicketTTL)
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) store.Store {
	if cfg.Database.URL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return memory.New()
	}

	pool, err := postgres.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, pool, log); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	return postgres.New(pool)
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
