package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/voxgate/server/adapters/asr"
	"github.com/voxgate/server/adapters/chat"
	"github.com/voxgate/server/domain/repositories"
	"github.com/voxgate/server/internal/api"
	"github.com/voxgate/server/internal/auth"
	"github.com/voxgate/server/internal/codec"
	"github.com/voxgate/server/internal/config"
	"github.com/voxgate/server/internal/session"
	"github.com/voxgate/server/internal/websocket"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	recognizer := buildRecognizer(cfg, logger)
	consumer := buildConsumer(cfg, logger)

	registry := session.NewRegistry(recognizer, consumer, session.RegistryConfig{
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		Session: session.Config{
			ConnectTimeout: cfg.ASR.ConnectTimeout,
			Audio: repositories.AudioConfig{
				SampleRate: codec.SampleRate,
				Encoding:   "LINEAR16",
				Language:   cfg.ASR.Language,
			},
		},
	}, logger)
	registry.StartSweeper()

	var authenticator *auth.Authenticator
	if cfg.Auth.Secret != "" {
		authenticator = auth.New(cfg.Auth.Secret, 24*time.Hour)
	} else {
		logger.Warn("JWT_SECRET not set, websocket authentication disabled")
	}

	gateway := websocket.NewGateway(registry, authenticator, cfg.Gateway.PartialThrottle, logger)
	go gateway.Run()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, gateway, authenticator, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(cfg.Server.Host + ":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Server.Port),
		zap.String("asrProvider", cfg.ASR.Provider))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	gateway.Shutdown()
	registry.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func buildRecognizer(cfg *config.Config, logger *zap.Logger) repositories.Recognizer {
	switch cfg.ASR.Provider {
	case "dashscope":
		return asr.NewDashScope(asr.DashScopeConfig{
			APIKey:         cfg.ASR.APIKey,
			Model:          cfg.ASR.Model,
			ConnectTimeout: cfg.ASR.ConnectTimeout,
			FinalTimeout:   cfg.ASR.FinalTimeout,
		}, logger)
	case "google":
		return asr.NewGoogle(asr.GoogleConfig{
			ConnectTimeout: cfg.ASR.ConnectTimeout,
			FinalTimeout:   cfg.ASR.FinalTimeout,
		}, logger)
	case "mock":
		return asr.NewMock(logger)
	default:
		logger.Fatal("Unknown ASR provider", zap.String("provider", cfg.ASR.Provider))
		return nil
	}
}

func buildConsumer(cfg *config.Config, logger *zap.Logger) repositories.TranscriptConsumer {
	switch cfg.Chat.Provider {
	case "gemini":
		consumer, err := chat.NewGemini(cfg.Chat.APIKey, cfg.Chat.Model, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Gemini", zap.Error(err))
		}
		return consumer
	default:
		return chat.NewNoop(logger)
	}
}
