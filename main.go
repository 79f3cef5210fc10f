package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"steam-tracker/internal/api"
	"steam-tracker/internal/config"
	"steam-tracker/internal/database"
	"steam-tracker/internal/discord"
	"steam-tracker/internal/logging"
	"steam-tracker/internal/notify"
	steamservice "steam-tracker/internal/services/steam"
	"steam-tracker/internal/tracker"
)

// Exit codes, one per failure class so supervisors can tell a bad credential
// from a broken database.
const (
	exitConfig   = 2 // configuration or chat credentials
	exitDatabase = 3 // persistence init or schema mismatch
	exitCatalog  = 4 // catalog rejected the API key
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Printf("Configuration error: %v", err)
		return exitConfig
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Printf("Logger setup error: %v", err)
		return exitConfig
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.Initialize(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize database", zap.Error(err))
		return exitDatabase
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog := steamservice.NewSteamService(cfg.SteamAPIKey, cfg.RequestTimeout())
	if err := probeCatalogKey(ctx, catalog, cfg.RequestTimeout(), logger); err != nil {
		return exitCatalog
	}

	subs := tracker.NewSubscriptionStore(db)
	snaps := tracker.NewSnapshotStore(db)

	// The bot is built before the tracker so the dispatcher can use it as
	// its sender; SetTracker closes the loop before the gateway opens.
	bot, err := discord.New(cfg.DiscordToken, cfg.CommandPrefix, logger)
	if err != nil {
		logger.Error("failed to create discord session", zap.Error(err))
		return exitConfig
	}

	dispatcher := notify.NewDispatcher(subs, bot, logger, cfg.DedupWindow())
	if cfg.DefaultChannelID != "" {
		dispatcher.SetFallbackChannel(cfg.DefaultChannelID)
	}
	poller := tracker.NewPoller(catalog, subs, snaps, dispatcher, logger,
		cfg.PollInterval(), cfg.WorkerConcurrency)
	tr := tracker.New(catalog, subs, snaps, poller, logger)
	bot.SetTracker(tr)

	// Initialize Gin router
	r := gin.Default()

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API routes
	apiGroup := r.Group("/api/v1")
	handler := api.SetupRoutes(apiGroup, subs, snaps, poller, dispatcher, logger)
	dispatcher.AddObserver(handler.Broadcast)

	if err := bot.Open(ctx); err != nil {
		logger.Error("failed to open discord gateway", zap.Error(err))
		return exitConfig
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		poller.Run(ctx)
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server failed", zap.Error(err))
		stop()
		exitCode = 1
	}

	// Drain in dependency order: stop sweeping, flush pending notifications,
	// close chat, then take down the HTTP surface.
	<-pollDone
	dispatcher.Close()
	if err := bot.Close(); err != nil {
		logger.Warn("discord close failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	handler.Close()

	logger.Info("tracker stopped")
	return exitCode
}

// probeCatalogKey checks the Steam key once at startup. Only an outright
// rejection is fatal; a flaky network must not keep the bot from starting.
func probeCatalogKey(ctx context.Context, svc *steamservice.SteamService,
	timeout time.Duration, logger *zap.Logger) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := svc.ValidateAPIKey(probeCtx)
	if err == nil {
		logger.Info("steam api key accepted")
		return nil
	}
	if errors.Is(err, steamservice.ErrUnauthorized) {
		logger.Error("steam api key rejected", zap.Error(err))
		return err
	}
	logger.Warn("steam api key probe inconclusive, continuing", zap.Error(err))
	return nil
}
