package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/analysis"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/auth"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/config"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/endpoint"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/events"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/handlers"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/logging"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/repository"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/speech"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/usecase"
	"github.com/voiceofpanky/AI-VISION-GLASSES-V1/internal/visionclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	initial, err := cfg.EndpointSettings()
	if err != nil {
		logger.Fatal("invalid endpoint settings", zap.Error(err))
	}
	store := endpoint.NewStore(initial)

	hub := events.NewHub(logger)
	defer hub.Close()

	speaker, closeSpeaker := initSpeaker(cfg.TTSCommand, hub, logger)
	defer closeSpeaker()

	handler := analysis.NewHandler(
		store,
		visionclient.New(cfg.Endpoint.Timeout, logger),
		speaker,
		logger,
		analysis.WithMockLatency(cfg.MockLatency),
		analysis.WithPrompt(cfg.Prompt),
	)
	unsubscribe := handler.Tracker().Subscribe(hub.PublishState)
	defer unsubscribe()

	var repo usecase.AnalysisRepository
	if cfg.DatabaseDSN != "" {
		analysisRepo := repository.NewAnalysisRepository(initDatabase(ctx, cfg.DatabaseDSN, logger), logger)
		if err := analysisRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = analysisRepo
	} else {
		logger.Info("DATABASE_DSN not set, analysis history disabled")
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = usecase.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger), "vision-glasses:")
	} else {
		logger.Info("REDIS_ADDR not set, result cache disabled")
	}

	uc := usecase.NewAnalysisUseCase(handler, repo, cache, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, handlers.Dependencies{
		UseCase:    uc,
		Endpoint:   store,
		Hub:        hub,
		ConfigAuth: auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
		Logger:     logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("vision glasses API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("mock", initial.Mock),
		zap.Bool("endpoint_configured", initial.Configured()),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initSpeaker picks the local TTS sink: the configured command, an
// auto-detected one, or the log. Browser clients always get speak events.
func initSpeaker(command string, hub *events.Hub, logger *zap.Logger) (analysis.Speaker, func()) {
	if command == "" {
		if detected, ok := speech.DetectCommand(); ok {
			command = detected
		}
	}
	if command != "" {
		tts, err := speech.NewCommandSpeaker(command, logger)
		if err == nil {
			logger.Info("using tts command", zap.String("command", command))
			return speech.Multi{tts, hub}, tts.Close
		}
		logger.Warn("invalid tts command, falling back to log", zap.Error(err))
	}
	return speech.Multi{speech.NewLogSpeaker(logger), hub}, func() {}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
