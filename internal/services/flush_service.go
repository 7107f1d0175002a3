package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
	"github.com/fleetsign/fleetlink/internal/offline"
	"github.com/fleetsign/fleetlink/internal/utils"
)

// FlushQueue is the slice of the offline queue the flusher needs.
type FlushQueue interface {
	Pending(ctx context.Context, kind string) ([]models.QueuedOfflineEntry, error)
	Delete(ctx context.Context, id int64) error
	PruneOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// FlushService drains the offline queue through the hub's HTTP intake
// endpoints. It runs opportunistically: on a coarse interval and whenever
// Trigger fires (app foregrounded, connectivity regained). Entries leave
// the queue only on a 2xx response carrying success:true, so delivery is
// at-least-once and arbitrarily delayed.
type FlushService struct {
	BaseURL  string
	Interval time.Duration
	MaxAge   time.Duration
	Queue    FlushQueue
	Client   *http.Client
	Logger   zerolog.Logger

	pool    *utils.WorkerPool
	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFlushService initializes a new FlushService.
func NewFlushService(baseURL string, interval, requestTimeout, maxAge time.Duration,
	queue FlushQueue, logger zerolog.Logger) *FlushService {

	if interval == 0 {
		interval = constants.DefaultFlushInterval
	}
	if requestTimeout == 0 {
		requestTimeout = constants.DefaultFlushTimeout
	}
	if maxAge == 0 {
		maxAge = constants.DefaultQueueMaxAge
	}

	return &FlushService{
		BaseURL:  baseURL,
		Interval: interval,
		MaxAge:   maxAge,
		Queue:    queue,
		Client:   &http.Client{Timeout: requestTimeout},
		Logger:   logger,
	}
}

// Start launches the flush loop.
func (f *FlushService) Start() error {
	if f.ctx != nil {
		f.Logger.Warn().Msg("FlushService is already running")
		return errors.New("flush service is already running")
	}

	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.trigger = make(chan struct{}, 1)
	f.pool = utils.NewWorkerPool(len(offline.Kinds))

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.runFlushLoop()
	}()

	f.Logger.Info().Dur("interval", f.Interval).Msg("FlushService started successfully")
	return nil
}

// Stop gracefully stops the flush service.
func (f *FlushService) Stop() error {
	if f.ctx == nil {
		f.Logger.Warn().Msg("FlushService is not running")
		return errors.New("flush service is not running")
	}

	f.cancel()
	f.wg.Wait()
	f.pool.Shutdown()

	f.ctx = nil
	f.cancel = nil

	f.Logger.Info().Msg("FlushService stopped successfully")
	return nil
}

// Trigger requests an immediate flush pass. Non-blocking; coalesces with
// any pass already requested.
func (f *FlushService) Trigger() {
	if f.trigger == nil {
		return
	}
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

func (f *FlushService) runFlushLoop() {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushAll()
		case <-f.trigger:
			f.flushAll()
		case <-f.ctx.Done():
			f.Logger.Info().Msg("FlushService stopping gracefully")
			return
		}
	}
}

// flushAll prunes expired entries and drains each kind concurrently.
func (f *FlushService) flushAll() {
	if _, err := f.Queue.PruneOlderThan(f.ctx, f.MaxAge); err != nil {
		f.Logger.Error().Err(err).Msg("Failed to prune offline queue")
	}

	var passWg sync.WaitGroup
	for _, kind := range offline.Kinds {
		kind := kind
		passWg.Add(1)
		f.pool.Submit(func() {
			defer passWg.Done()
			f.flushKind(kind)
		})
	}
	passWg.Wait()
}

// flushKind submits queued entries of one kind in capture order, stopping
// at the first failure so FIFO order per kind is preserved.
func (f *FlushService) flushKind(kind string) {
	entries, err := f.Queue.Pending(f.ctx, kind)
	if err != nil {
		f.Logger.Error().Err(err).Str("kind", kind).Msg("Failed to read pending entries")
		return
	}

	for _, entry := range entries {
		if f.ctx.Err() != nil {
			return
		}

		if err := f.submit(kind, entry); err != nil {
			f.Logger.Warn().Err(err).Str("kind", kind).Int64("id", entry.ID).Msg("Flush failed, entry stays queued")
			return
		}

		if err := f.Queue.Delete(f.ctx, entry.ID); err != nil {
			f.Logger.Error().Err(err).Int64("id", entry.ID).Msg("Failed to remove flushed entry")
			return
		}

		f.Logger.Debug().Str("kind", kind).Int64("id", entry.ID).Msg("Flushed offline entry")
	}
}

// submit POSTs one entry to its kind-specific intake endpoint.
func (f *FlushService) submit(kind string, entry models.QueuedOfflineEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queued entry: %w", err)
	}

	url := f.BaseURL + "/offlineQueue/" + kind
	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build intake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post to intake endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("intake endpoint returned status %d", resp.StatusCode)
	}

	var ack models.IntakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("decode intake response: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("intake rejected entry: %s", ack.Message)
	}

	return nil
}
