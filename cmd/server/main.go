// Package main runs the Splitcut HTTP API: dashboard pipeline endpoints, public variant
// resolution, the media proxy and the progress websocket, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/splitcut/backend/config"
	"github.com/splitcut/backend/internal/app"
	"github.com/splitcut/backend/internal/auth"
	"github.com/splitcut/backend/internal/jobs"
	"github.com/splitcut/backend/internal/middleware"
	"github.com/splitcut/backend/internal/pipeline"
	"github.com/splitcut/backend/internal/projects"
	"github.com/splitcut/backend/internal/realtime"
	"github.com/splitcut/backend/internal/segments"
	"github.com/splitcut/backend/internal/serving"
	"github.com/splitcut/backend/internal/variants"
	"github.com/splitcut/backend/internal/views"
	"github.com/splitcut/backend/pkg/database"
	"github.com/splitcut/backend/pkg/redis"
	"github.com/splitcut/backend/pkg/response"
	"github.com/splitcut/backend/pkg/storage"
)

func main() {
	logger := app.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Pipeline.QueueBackend == "memory" && !cfg.Pipeline.EmbeddedWorker {
		logger.Fatal("memory queue backend requires EMBEDDED_WORKER=true")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Pipeline.QueueBackend == "redis" {
		rdb, err = redis.NewClient(ctx, app.RedisOptions(cfg.Redis), logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	s3Client, err := storage.NewS3(ctx, app.S3Config(cfg.AWS), logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	broker, err := app.NewBroker(cfg.Pipeline, rdb, logger)
	if err != nil {
		logger.Fatal("queue", zap.Error(err))
	}

	// Progress events: workers publish to Redis, the hub relays to websocket clients. Without
	// Redis the embedded worker publishes straight into the hub.
	var hub *realtime.Hub
	var events pipeline.Publisher
	if rdb != nil {
		redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, redisPubSub)
		events = redisPubSub
	} else {
		hub = realtime.NewHub(logger, nil)
		events = hub
	}

	projectRepo := projects.NewRepository(pool)
	segmentRepo := segments.NewRepository(pool)
	variantRepo := variants.NewRepository(pool)
	jobRepo := jobs.NewRepository(pool)
	viewRepo := views.NewRepository(pool)

	ctrl := pipeline.NewController(pipeline.Stores{
		Projects: projectRepo,
		Segments: segmentRepo,
		Variants: variantRepo,
		Jobs:     jobRepo,
	}, broker, events, app.JobOptions(cfg.Pipeline), logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	projectHandler := projects.NewHandler(projectRepo, ctrl, variantRepo, viewRepo, app.TargetSpec(cfg.Target), logger)
	segmentHandler := segments.NewHandler(segmentRepo, projectRepo, variantRepo, s3Client, s3Client.PresignExpire(), logger)

	resolver := serving.NewResolver(projectRepo, variantRepo, views.NewTracker(viewRepo, logger), s3Client, serving.ResolverConfig{
		MediaBaseURL: cfg.Server.PublicBaseURL + "/media",
		SignTTL:      s3Client.PresignExpire(),
	}, logger)
	servingHandler := serving.NewHandler(resolver, s3Client, logger)

	validateToken := func(token string) (uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public: variant resolution and artifact proxy
	router.GET("/p/:slug/variant", servingHandler.ResolveVariant)
	router.GET("/media/*key", servingHandler.Media)
	router.HEAD("/media/*key", servingHandler.Media)

	// Dashboard API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/projects", projectHandler.List)
		api.POST("/projects", projectHandler.Create)
		api.GET("/projects/:id", projectHandler.Get)
		api.GET("/projects/:id/status", projectHandler.Status)
		api.POST("/projects/:id/process", projectHandler.Process)
		api.POST("/projects/:id/reset", projectHandler.Reset)
		api.GET("/projects/:id/variants", projectHandler.Variants)

		api.POST("/projects/:id/segments", segmentHandler.Create)
		api.GET("/projects/:id/segments", segmentHandler.List)
		api.POST("/segments/:id/uploaded", segmentHandler.ConfirmUpload)
		api.DELETE("/segments/:id", segmentHandler.Delete)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws/projects/:id", realtime.ServeWs(hub, projectRepo, validateToken, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if cfg.Pipeline.EmbeddedWorker {
		w := app.NewWorker(cfg, ctrl, broker, s3Client, logger)
		go func() {
			defer close(workerDone)
			if err := w.Run(workerCtx); err != nil {
				logger.Error("embedded worker", zap.Error(err))
			}
		}()
	} else {
		close(workerDone)
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("queue_backend", cfg.Pipeline.QueueBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	workerCancel()
	<-workerDone
	logger.Info("server stopped")
}
