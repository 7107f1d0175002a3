package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
	"github.com/fleetsign/fleetlink/pkg/identity"
	"github.com/fleetsign/fleetlink/pkg/location"
	"github.com/fleetsign/fleetlink/pkg/wsclient"
)

// LocationService periodically reads the device position. Live fixes ride
// on the next status frame through the shared cache; while the link is down
// each fix is also captured as a location-data offline entry.
type LocationService struct {
	// Configuration fields
	interval time.Duration

	// Dependencies
	deviceInfo       identity.DeviceInfoInterface
	sender           FrameSender
	queue            OfflineStore
	cache            *LocationCache
	locationProvider location.Provider
	logger           zerolog.Logger

	// Internal state management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocationService creates a new LocationService instance with the provided configuration.
func NewLocationService(interval time.Duration, deviceInfo identity.DeviceInfoInterface, sender FrameSender,
	queue OfflineStore, cache *LocationCache, locationProvider location.Provider, logger zerolog.Logger) *LocationService {
	return &LocationService{
		interval:         interval,
		deviceInfo:       deviceInfo,
		sender:           sender,
		queue:            queue,
		cache:            cache,
		locationProvider: locationProvider,
		logger:           logger,
		running:          false,
	}
}

// Start initiates the LocationService, periodically recording device location.
func (l *LocationService) Start() error {
	if l.running {
		l.logger.Warn().Msg("LocationService is already running")
		return errors.New("location service is already running")
	}

	// Initialize context and cancel function
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.running = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := l.recordCurrentLocation(); err != nil {
					l.logger.Error().
						Err(err).
						Msg("Failed to record current location")
				}
			case <-l.ctx.Done():
				l.logger.Info().Msg("LocationService is stopping")
				return
			}
		}
	}()

	l.logger.Info().
		Dur("interval", l.interval).
		Msg("LocationService started")
	return nil
}

// Stop gracefully stops the LocationService, ensuring all goroutines are terminated.
func (l *LocationService) Stop() error {
	if !l.running {
		l.logger.Warn().Msg("LocationService is not running")
		return errors.New("location service is not running")
	}

	// Signal cancellation and wait for the goroutine to exit
	l.cancel()
	l.wg.Wait()

	// Close the location provider
	if err := l.locationProvider.Close(); err != nil {
		l.logger.Error().Err(err).Msg("Failed to close location provider")
		return err
	}

	l.running = false
	l.logger.Info().Msg("LocationService stopped")
	return nil
}

// recordCurrentLocation fetches the current location, refreshes the shared
// cache, and queues an offline entry when no live link exists.
func (l *LocationService) recordCurrentLocation() error {
	// Fetch location from the provider
	loc, err := l.locationProvider.GetLocation()
	if err != nil {
		l.logger.Error().
			Err(err).
			Msg("Failed to get location from provider")
		return err
	}

	l.cache.Set(models.GPSFix{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.Accuracy,
	})

	if l.sender.State() == wsclient.StateOpen {
		// The fix reaches the hub on the next status frame.
		return nil
	}

	entry := models.Location{
		DeviceID:  l.deviceInfo.GetDeviceID(),
		Timestamp: time.Now(),
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.Accuracy,
	}

	if err := l.queue.Enqueue(l.ctx, constants.QueueKindLocation, entry); err != nil {
		l.logger.Error().Err(err).Msg("Failed to queue location entry offline")
		return err
	}

	l.logger.Debug().Msg("Link down, location queued offline")
	return nil
}
