// Package main runs the admin API server: video CRUD at the stream host
// boundary, webhook ingestion, and the status reconciliation engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reelhouse/backend/config"
	"github.com/reelhouse/backend/internal/auth"
	"github.com/reelhouse/backend/internal/middleware"
	"github.com/reelhouse/backend/internal/realtime"
	"github.com/reelhouse/backend/internal/reconcile"
	"github.com/reelhouse/backend/internal/stream"
	"github.com/reelhouse/backend/internal/videos"
	"github.com/reelhouse/backend/internal/worker"
	"github.com/reelhouse/backend/pkg/database"
	"github.com/reelhouse/backend/pkg/queue"
	"github.com/reelhouse/backend/pkg/redis"
	"github.com/reelhouse/backend/pkg/response"
	"github.com/reelhouse/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	streamClient, err := stream.NewClient(stream.Config{
		APIToken:     cfg.Stream.APIToken,
		AccountID:    cfg.Stream.AccountID,
		BaseURL:      cfg.Stream.BaseURL,
		DeliveryHost: cfg.Stream.DeliveryHost,
		SigningKey:   cfg.Stream.SigningKey,
		SigningKeyID: cfg.Stream.SigningKeyID,
	})
	if err != nil {
		logger.Fatal("stream client", zap.Error(err))
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("archiving disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	hub := realtime.NewHub(logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	videoRepo := videos.NewRepository(pool)
	engine := reconcile.NewEngine(streamClient, videoRepo, reconcile.Config{
		Interval:             cfg.Reconcile.Interval,
		GracePeriod:          cfg.Reconcile.GracePeriod,
		MaxTransientFailures: cfg.Reconcile.MaxTransientFailures,
		Concurrency:          cfg.Reconcile.Concurrency,
	}, logger)

	archiving := s3Client != nil
	engine.SetNotify(func(ev reconcile.Event) {
		hub.Broadcast(ev)
		if archiving && ev.Outcome == reconcile.OutcomeReady {
			if err := jobQueue.EnqueueVideoArchive(ctx, queue.VideoArchivePayload{
				VideoID:       ev.VideoID,
				RemoteAssetID: ev.RemoteAssetID,
			}); err != nil {
				logger.Error("enqueue archive failed", zap.Error(err), zap.String("video_id", ev.VideoID.String()))
			}
		}
	})

	videoHandler := videos.NewHandler(videoRepo, streamClient, engine, rdb.Client, videos.HandlerConfig{
		MaxDurationSeconds:    cfg.Stream.MaxDurationSeconds,
		ThumbnailTimestampPct: cfg.Stream.ThumbnailTimestampPct,
		AllowedOrigins:        cfg.Stream.AllowedOrigins,
		SyncCooldown:          cfg.Reconcile.SyncCooldown,
	}, logger)
	webhookHandler := videos.NewWebhookHandler(videoRepo, engine, cfg.Stream.WebhookSecret, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/videos", videoHandler.List)
		api.GET("/videos/:id", videoHandler.GetByID)
		api.GET("/videos/:id/playback-url", videoHandler.PlaybackURL)

		api.POST("/videos", middleware.RequireRole("admin"), videoHandler.Create)
		api.POST("/videos/:id/sync", middleware.RequireRole("admin"), videoHandler.Sync)
		api.POST("/videos/:id/retry", middleware.RequireRole("admin"), videoHandler.Retry)
		api.DELETE("/videos/:id", middleware.RequireRole("admin"), videoHandler.Delete)
	}

	// Webhooks (no JWT; HMAC signature verified in handler)
	router.POST("/webhooks/stream", webhookHandler.StreamStatus)

	// WebSocket status feed (token in query; no Authorization header on upgrade)
	router.GET("/ws", realtime.ServeWs(hub, logger, func(token string) error {
		_, err := jwtService.Validate(token)
		return err
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go engine.Start(bgCtx)

	if archiving {
		archiver := worker.NewArchiver(videoRepo, streamClient, s3Client, jobQueue, logger)
		go archiver.Run(bgCtx)
		logger.Info("archive worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
