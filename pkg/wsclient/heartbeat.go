package wsclient

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// heartbeatMonitor detects half-open connections the transport has not yet
// noticed as closed. While running it sends a ping every interval and, when
// no pong arrived within the timeout, fires the expired callback exactly
// once. It holds no state beyond the last-pong timestamp and must be fully
// stopped whenever the owning connection leaves the open state.
type heartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	sendPing func() error
	expired  func()
	logger   zerolog.Logger

	mu       sync.Mutex
	lastPong time.Time
	fired    bool
	done     chan struct{}
	wg       sync.WaitGroup
	running  bool
}

func newHeartbeatMonitor(interval, timeout time.Duration, sendPing func() error, expired func(), logger zerolog.Logger) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval: interval,
		timeout:  timeout,
		sendPing: sendPing,
		expired:  expired,
		logger:   logger,
	}
}

// Start launches the ping loop. The last-pong clock starts at now.
func (h *heartbeatMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.lastPong = time.Now()
	h.fired = false
	h.done = make(chan struct{})

	h.wg.Add(1)
	go h.run(h.done)
}

// Pong records that the peer answered; resets the timeout clock.
func (h *heartbeatMonitor) Pong() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPong = time.Now()
}

// LastPong returns when the most recent pong was received.
func (h *heartbeatMonitor) LastPong() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPong
}

// Stop cancels the ping loop and waits for it to exit. Idempotent.
func (h *heartbeatMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *heartbeatMonitor) run(done chan struct{}) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			overdue := time.Since(h.lastPong) > h.timeout
			alreadyFired := h.fired
			if overdue {
				h.fired = true
			}
			h.mu.Unlock()

			if overdue {
				if !alreadyFired {
					h.logger.Warn().Dur("timeout", h.timeout).Msg("No pong within timeout")
					// Run the expiry out of band: it tears the
					// connection down, which in turn stops this
					// monitor and waits for this goroutine.
					go h.expired()
				}
				return
			}

			if err := h.sendPing(); err != nil {
				// The read loop will observe the broken transport;
				// nothing to do here beyond noting it.
				h.logger.Debug().Err(err).Msg("Failed to send ping")
			}

		case <-done:
			return
		}
	}
}
