package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
	"github.com/fleetsign/fleetlink/pkg/identity"
	"github.com/fleetsign/fleetlink/pkg/wsclient"
)

// PlaybackClock samples the player's local position. It is read at a high
// rate, so implementations must be cheap and non-blocking.
type PlaybackClock func() (currentTime, duration float64)

// PlaybackService converts the continuously-changing playback position into
// a bounded-rate stream of playback frames. While the state is "playing" it
// samples on a fixed interval; every state transition is emitted
// immediately, out of band of the periodic sample. The sampler stops the
// instant the state leaves "playing" and nothing is emitted after Stop.
type PlaybackService struct {
	SampleInterval time.Duration
	DeviceInfo     identity.DeviceInfoInterface
	Sender         FrameSender
	Queue          OfflineStore
	Logger         zerolog.Logger

	mu      sync.Mutex
	running bool
	state   string
	adID    string
	adTitle string
	clock   PlaybackClock
	gen     int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPlaybackService initializes a new PlaybackService.
func NewPlaybackService(sampleInterval time.Duration, deviceInfo identity.DeviceInfoInterface,
	sender FrameSender, queue OfflineStore, logger zerolog.Logger) *PlaybackService {

	if sampleInterval == 0 {
		sampleInterval = constants.DefaultPlaybackSampleInterval
	}
	return &PlaybackService{
		SampleInterval: sampleInterval,
		DeviceInfo:     deviceInfo,
		Sender:         sender,
		Queue:          queue,
		Logger:         logger,
		state:          constants.PlaybackStateLoading,
	}
}

// Start marks the service as running. Frames flow once a track and clock
// are set and the state enters "playing".
func (p *PlaybackService) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		p.Logger.Warn().Msg("PlaybackService is already running")
		return errors.New("playback service is already running")
	}
	p.running = true

	p.Logger.Info().Dur("sample_interval", p.SampleInterval).Msg("PlaybackService started successfully")
	return nil
}

// Stop halts the sampler. No frame is emitted after Stop returns, even if
// a sample timer was already pending.
func (p *PlaybackService) Stop() error {
	p.mu.Lock()

	if !p.running {
		p.mu.Unlock()
		p.Logger.Warn().Msg("PlaybackService is not running")
		return errors.New("playback service is not running")
	}
	p.running = false
	p.stopSamplerLocked()
	p.mu.Unlock()

	p.wg.Wait()

	p.Logger.Info().Msg("PlaybackService stopped successfully")
	return nil
}

// SetTrack records the ad currently on screen and its position clock.
func (p *PlaybackService) SetTrack(adID, adTitle string, clock PlaybackClock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adID = adID
	p.adTitle = adTitle
	p.clock = clock
}

// SetState records a player state transition. The transition frame is
// emitted immediately; the periodic sampler runs only while playing.
func (p *PlaybackService) SetState(state string) error {
	switch state {
	case constants.PlaybackStatePlaying, constants.PlaybackStatePaused,
		constants.PlaybackStateBuffering, constants.PlaybackStateLoading,
		constants.PlaybackStateEnded:
	default:
		return fmt.Errorf("invalid playback state %q", state)
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New("playback service is not running")
	}
	if state == p.state {
		p.mu.Unlock()
		return nil
	}

	p.state = state
	frame := p.buildFrameLocked()

	if state == constants.PlaybackStatePlaying {
		p.startSamplerLocked()
	} else {
		p.stopSamplerLocked()
	}

	// Transition frames go out immediately so observers see state changes
	// without waiting for the next sample tick. Emitting under the lock is
	// what makes Stop's no-emission-after-return guarantee hold.
	p.emitLocked(frame)
	p.mu.Unlock()
	return nil
}

// State returns the current playback state.
func (p *PlaybackService) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// startSamplerLocked replaces any prior sampler. Starting a new one always
// cancels the previous instance so duplicate timers cannot accumulate.
func (p *PlaybackService) startSamplerLocked() {
	p.stopSamplerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	gen := p.gen

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				if !p.running || gen != p.gen || p.state != constants.PlaybackStatePlaying {
					p.mu.Unlock()
					return
				}
				p.emitLocked(p.buildFrameLocked())
				p.mu.Unlock()

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *PlaybackService) stopSamplerLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
}

func (p *PlaybackService) buildFrameLocked() models.PlaybackFrame {
	var current, duration float64
	if p.clock != nil {
		current, duration = p.clock()
	}

	progress := 0.0
	if duration > 0 {
		progress = current / duration * 100
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
	}

	return models.PlaybackFrame{
		Type:        models.FrameTypePlayback,
		DeviceID:    p.DeviceInfo.GetDeviceID(),
		AdID:        p.adID,
		AdTitle:     p.adTitle,
		State:       p.state,
		CurrentTime: current,
		Duration:    duration,
		Progress:    progress,
		Timestamp:   time.Now(),
	}
}

func (p *PlaybackService) emitLocked(frame models.PlaybackFrame) {
	err := p.Sender.Send(frame)
	if errors.Is(err, wsclient.ErrNotOpen) {
		if qerr := p.Queue.Enqueue(context.Background(), constants.QueueKindAdPlayback, frame); qerr != nil {
			p.Logger.Error().Err(qerr).Msg("Failed to queue playback frame offline")
		}
		return
	}
	if err != nil {
		p.Logger.Error().Err(err).Str("state", frame.State).Msg("Failed to send playback frame")
	}
}
