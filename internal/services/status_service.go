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
	"github.com/fleetsign/fleetlink/pkg/sysinfo"
	"github.com/fleetsign/fleetlink/pkg/wsclient"
)

// StatusService periodically announces device liveness to the hub. When the
// link is down the frame is captured in the offline queue instead of being
// dropped.
type StatusService struct {
	Interval   time.Duration
	DeviceInfo identity.DeviceInfoInterface
	Sender     FrameSender
	Queue      OfflineStore
	SysInfo    sysinfo.Provider
	Location   *LocationCache
	Logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusService initializes a new StatusService.
func NewStatusService(interval time.Duration, deviceInfo identity.DeviceInfoInterface, sender FrameSender,
	queue OfflineStore, sysInfo sysinfo.Provider, location *LocationCache, logger zerolog.Logger) *StatusService {

	return &StatusService{
		Interval:   interval,
		DeviceInfo: deviceInfo,
		Sender:     sender,
		Queue:      queue,
		SysInfo:    sysInfo,
		Location:   location,
		Logger:     logger,
	}
}

// Start launches the status loop in a separate goroutine.
func (s *StatusService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatusLoop()
	}()

	s.Logger.Info().Dur("interval", s.Interval).Msg("StatusService started successfully")
	return nil
}

// Stop gracefully stops the status service.
func (s *StatusService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatusService stopped successfully")
	return nil
}

// BuildFrame assembles the current status frame. Also used by the
// supervisor's identification hook so the hub can classify the connection.
func (s *StatusService) BuildFrame() (models.Frame, error) {
	frame := models.StatusFrame{
		Type:       models.FrameTypeStatus,
		DeviceID:   s.DeviceInfo.GetDeviceID(),
		MaterialID: s.DeviceInfo.GetMaterialID(),
		DeviceName: s.DeviceInfo.GetDeviceIdentity().DeviceName,
		Timestamp:  time.Now(),
		IsOnline:   true,
	}

	if s.SysInfo != nil {
		if info, err := s.SysInfo.Collect(); err != nil {
			s.Logger.Warn().Err(err).Msg("Failed to collect platform info")
		} else {
			frame.Platform = info.Platform
			frame.OSVersion = info.OSVersion
			frame.MemoryUsedPercent = info.MemUsedPercent
			if frame.DeviceName == "" {
				frame.DeviceName = info.Hostname
			}
		}
	}

	if s.Location != nil {
		frame.GPS = s.Location.Get()
	}

	return frame, nil
}

// runStatusLoop continuously sends status frames at the specified interval.
func (s *StatusService) runStatusLoop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame, err := s.BuildFrame()
			if err != nil {
				s.Logger.Error().Err(err).Msg("Failed to build status frame")
				continue
			}

			err = s.Sender.Send(frame)
			if errors.Is(err, wsclient.ErrNotOpen) {
				if qerr := s.Queue.Enqueue(s.ctx, constants.QueueKindDeviceStatus, frame); qerr != nil {
					s.Logger.Error().Err(qerr).Msg("Failed to queue status frame offline")
				} else {
					s.Logger.Debug().Msg("Link down, status frame queued offline")
				}
			} else if err != nil {
				s.Logger.Error().Err(err).Msg("Failed to send status frame")
			} else {
				s.Logger.Debug().Msg("Status frame sent successfully")
			}

		case <-s.ctx.Done():
			s.Logger.Info().Msg("StatusService stopping gracefully")
			return
		}
	}
}
