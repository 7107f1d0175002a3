package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
	"github.com/fleetsign/fleetlink/internal/offline"
	"github.com/fleetsign/fleetlink/internal/service_registry"
	"github.com/fleetsign/fleetlink/internal/services"
	"github.com/fleetsign/fleetlink/internal/utils"
	"github.com/fleetsign/fleetlink/pkg/file"
	"github.com/fleetsign/fleetlink/pkg/identity"
	"github.com/fleetsign/fleetlink/pkg/location"
	"github.com/fleetsign/fleetlink/pkg/sysinfo"
	"github.com/fleetsign/fleetlink/pkg/wsclient"
)

func main() {
	// Set up structured logging with JSON output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load configuration from file
	fileClient := file.NewFileService()
	config, err := utils.LoadConfig("configs/config.yaml", fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Load the device identity; connecting without a complete identity is
	// a configuration error, so fail before any network activity.
	deviceInfo := identity.NewDeviceInfo(config.Identity.DeviceFile, fileClient)
	if err := deviceInfo.LoadDeviceInfo(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load device information")
	}
	if err := deviceInfo.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Device identity is incomplete")
	}

	// Open the durable offline queue
	queue, err := offline.Open(config.Offline.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open offline queue")
	}
	defer queue.Close()

	if err := queue.InitSchema(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize offline queue schema")
	}

	locationCache := services.NewLocationCache()
	sysProvider := sysinfo.NewHostProvider()

	// The status service doubles as the supervisor's identification hook,
	// so wire the two through a late-bound closure.
	var statusService *services.StatusService

	supervisor := wsclient.NewSupervisor(wsclient.Config{
		BaseURL:              config.Server.BaseURL,
		Channel:              constants.ChannelPlayback,
		DeviceID:             deviceInfo.GetDeviceID(),
		MaterialID:           deviceInfo.GetMaterialID(),
		MaxReconnectAttempts: config.Connection.MaxReconnectAttempts,
		BaseDelay:            time.Duration(config.Connection.BaseDelay) * time.Second,
		MaxDelay:             time.Duration(config.Connection.MaxDelay) * time.Second,
		PingInterval:         time.Duration(config.Connection.PingInterval) * time.Second,
		PongTimeout:          time.Duration(config.Connection.PongTimeout) * time.Second,
	}, func() (models.Frame, error) {
		return statusService.BuildFrame()
	}, logger)

	statusService = services.NewStatusService(
		time.Duration(config.Services.Status.Interval)*time.Second,
		deviceInfo, supervisor, queue, sysProvider, locationCache, logger)

	playbackService := services.NewPlaybackService(
		time.Duration(config.Services.Playback.SampleIntervalMs)*time.Millisecond,
		deviceInfo, supervisor, queue, logger)

	flushService := services.NewFlushService(
		config.Server.BaseURL,
		time.Duration(config.Services.Flush.Interval)*time.Second,
		time.Duration(config.Services.Flush.RequestTimeout)*time.Second,
		time.Duration(config.Services.Flush.MaxAgeHours)*time.Hour,
		queue, logger)

	// Flush opportunistically whenever the link comes back.
	supervisor.OnStateChange(func(state wsclient.State, err error) {
		if state == wsclient.StateOpen {
			flushService.Trigger()
		}
		if err != nil {
			logger.Error().Err(err).Str("state", state.String()).Msg("Connection entered terminal state")
		}
	})

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(logger)
	serviceRegistry.RegisterService("flush", flushService)
	serviceRegistry.RegisterService("status", statusService)
	serviceRegistry.RegisterService("playback", playbackService)

	if config.Services.Location.Enabled {
		var provider location.Provider
		if config.Services.Location.SensorBased {
			provider = location.NewDeviceSensorProvider(
				config.Services.Location.GPSDevicePort,
				config.Services.Location.GPSDeviceBaudRate)
		} else {
			provider, err = location.NewGoogleGeolocationProvider(
				config.Services.Location.MapsAPIKey,
				config.Services.Location.ModemIndex)
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to create geolocation provider")
			}
		}

		locationService := services.NewLocationService(
			time.Duration(config.Services.Location.Interval)*time.Second,
			deviceInfo, supervisor, queue, locationCache, provider, logger)
		serviceRegistry.RegisterService("location", locationService)
	}

	// Start all registered services in the registry
	if err := serviceRegistry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	if err := supervisor.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start connection supervisor")
	}

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	supervisor.Disconnect()
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop services cleanly")
	}
}
