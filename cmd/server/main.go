package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/eduport/attempt-gateway/internal/config"
	"github.com/eduport/attempt-gateway/internal/database"
	"github.com/eduport/attempt-gateway/internal/examapi"
	"github.com/eduport/attempt-gateway/internal/handler"
	"github.com/eduport/attempt-gateway/internal/logger"
	"github.com/eduport/attempt-gateway/internal/router"
	"github.com/eduport/attempt-gateway/internal/service"
	"github.com/eduport/attempt-gateway/internal/validator"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	gin.SetMode(cfg.GinMode)
	validator.Setup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Redis is a cache and resume-hint store, not a source of truth; run
	// degraded without it instead of refusing to start.
	var rdb *redis.Client
	if client, err := database.NewRedisClient(ctx, cfg, log); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, running without definition cache")
	} else {
		rdb = client
	}

	apiClient := examapi.NewHTTPClient(cfg.ExamAPIBaseURL, cfg.ExamAPITimeout, log)
	authService := service.NewAuthService(cfg.JWTSecret)
	sessionService := service.NewSessionService(apiClient, rdb, cfg.AutosaveDebounce, cfg.DefinitionCacheTTL, log)

	handlers := router.Handlers{
		Attempt: handler.NewAttemptHandler(sessionService, log),
		WS:      handler.NewWSHandler(sessionService, cfg.AllowedOrigins, log),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Setup(engine, handlers, authService, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: engine,
	}

	go func() {
		log.Info().Str("port", cfg.ServerPort).Msg("Attempt gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Drain live attempt sessions first so pending answers are flushed
	// upstream before connections close.
	sessionService.CloseAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
	if rdb != nil {
		rdb.Close()
	}
	log.Info().Msg("Server stopped")
}
