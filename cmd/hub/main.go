package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsign/fleetlink/internal/hub"
	"github.com/fleetsign/fleetlink/internal/utils"
	"github.com/fleetsign/fleetlink/pkg/file"
)

func main() {
	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load configuration from file
	fileClient := file.NewFileService()
	config, err := utils.LoadConfig("configs/hub.yaml", fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	listenAddr := config.Hub.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	telemetryHub := hub.NewHub(time.Duration(config.Hub.PushInterval)*time.Second, logger)
	if err := telemetryHub.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start hub")
	}

	server := &http.Server{
		Addr:    listenAddr,
		Handler: telemetryHub.Router(time.Duration(config.Hub.SSEHeartbeatInterval) * time.Second),
	}

	go func() {
		logger.Info().Str("addr", listenAddr).Msg("Hub listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Hub server failed")
		}
	}()

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := telemetryHub.Stop(); err != nil {
		logger.Error().Err(err).Msg("Hub shutdown failed")
	}
}
