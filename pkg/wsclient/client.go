package wsclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
)

// Sentinel errors surfaced by the supervisor.
var (
	// ErrNotOpen is returned by Send when no open connection exists. Such
	// sends are dropped; callers needing durability use the offline queue.
	ErrNotOpen = errors.New("connection is not open")
	// ErrMaxAttempts marks the terminal state after exhausting automatic
	// reconnects. Only a manual Reconnect clears it.
	ErrMaxAttempts = errors.New("maximum reconnect attempts reached")
	// ErrClosed is returned once Disconnect has been called.
	ErrClosed = errors.New("supervisor is closed")
	// ErrAlreadyConnected is returned by Connect on a live supervisor.
	ErrAlreadyConnected = errors.New("supervisor is already connected or connecting")
)

// State of the supervised connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config parametrizes a supervisor for one client role.
type Config struct {
	// BaseURL is the hub's API host, e.g. "https://api.fleetsign.io".
	// http(s) schemes are upgraded to ws(s).
	BaseURL string
	// Channel is "status" or "playback".
	Channel string
	// DeviceID identifies this client to the hub.
	DeviceID string
	// MaterialID is the mounted display identifier. Required for device
	// roles, optional for observers.
	MaterialID string
	// Admin registers this connection as an admin observer.
	Admin bool

	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	HandshakeTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = constants.DefaultMaxReconnectAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = constants.DefaultReconnectBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = constants.DefaultReconnectMaxDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = constants.DefaultPingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = constants.DefaultPongTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// validate catches caller configuration errors before any connection
// attempt is made. These are never retried.
func (c *Config) validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if c.Channel != constants.ChannelStatus && c.Channel != constants.ChannelPlayback {
		return fmt.Errorf("invalid channel %q", c.Channel)
	}
	if c.DeviceID == "" {
		return errors.New("device id is required")
	}
	if !c.Admin && c.MaterialID == "" {
		return errors.New("material id is required for device connections")
	}
	return nil
}

// buildURL turns the configured base API host into the hub's ws(s) endpoint.
func (c *Config) buildURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws/" + c.Channel
	q := u.Query()
	q.Set("deviceId", c.DeviceID)
	if c.MaterialID != "" {
		q.Set("materialId", c.MaterialID)
	}
	if c.Admin {
		q.Set("admin", "true")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// IdentifyFunc is the role-specific hook producing the identification frame
// sent immediately after the connection opens. A nil hook sends nothing.
type IdentifyFunc func() (models.Frame, error)

// Supervisor owns a single logical WebSocket connection to the hub and runs
// the open/heartbeat/reconnect state machine shared by every client role.
type Supervisor struct {
	cfg      Config
	identify IdentifyFunc
	logger   zerolog.Logger

	mu               sync.Mutex
	state            State
	conn             *websocket.Conn
	gen              int
	reconnectAttempt int
	reconnectTimer   *time.Timer
	heartbeat        *heartbeatMonitor
	lastErr          error
	closed           bool

	// wmu serializes frame writes; gorilla allows one concurrent writer.
	wmu sync.Mutex

	// cbWg tracks in-flight subscriber callbacks so Disconnect can wait
	// them out before returning.
	cbWg sync.WaitGroup

	onMessage func(models.Frame)
	onState   func(State, error)
}

// NewSupervisor creates a supervisor for the given role configuration. The
// identify hook shapes the frame announced to the hub on every open.
func NewSupervisor(cfg Config, identify IdentifyFunc, logger zerolog.Logger) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg:      cfg,
		identify: identify,
		logger:   logger.With().Str("channel", cfg.Channel).Str("device_id", cfg.DeviceID).Logger(),
		state:    StateIdle,
	}
}

// OnMessage registers the handler for inbound non-protocol frames. Must be
// called before Connect.
func (s *Supervisor) OnMessage(fn func(models.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnStateChange registers the handler observing state transitions. The
// error is non-nil for the terminal max-attempts state.
func (s *Supervisor) OnStateChange(fn func(State, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent terminal or transport error.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ReconnectAttempt returns the current reconnect attempt counter.
func (s *Supervisor) ReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempt
}

// Connect validates the configuration and starts the first connection
// attempt. Configuration errors are returned synchronously and are not
// retried.
func (s *Supervisor) Connect() error {
	if err := s.cfg.validate(); err != nil {
		return err
	}
	endpoint, err := s.cfg.buildURL()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state == StateConnecting || s.state == StateOpen {
		return ErrAlreadyConnected
	}

	s.setStateLocked(StateConnecting, nil)
	gen := s.gen
	go s.dial(endpoint, gen)

	return nil
}

// Reconnect tears down any existing connection immediately, resets the
// attempt counter and reconnects without backoff. Used for explicit
// user-triggered recovery.
func (s *Supervisor) Reconnect() error {
	if err := s.cfg.validate(); err != nil {
		return err
	}
	endpoint, err := s.cfg.buildURL()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	s.cancelReconnectTimerLocked()
	s.teardownConnLocked()
	s.reconnectAttempt = 0
	s.lastErr = nil
	s.setStateLocked(StateConnecting, nil)
	gen := s.gen
	s.mu.Unlock()

	go s.dial(endpoint, gen)

	return nil
}

// Disconnect stops the supervisor for good: pending reconnect timers are
// cancelled, the heartbeat stops, the transport closes and no further
// callback is delivered after this call returns. Idempotent. Must not be
// called from inside an OnMessage or OnStateChange handler.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	// Clear the subscribers before driving the closing transitions so they
	// never reach a handler.
	s.onMessage = nil
	s.onState = nil

	s.cancelReconnectTimerLocked()
	s.teardownConnLocked()
	s.setStateLocked(StateClosed, nil)
	s.mu.Unlock()

	// Wait out any callback already dispatched before the lock was taken.
	s.cbWg.Wait()

	s.logger.Info().Msg("Connection supervisor disconnected")
}

// Send marshals and writes one frame. Frames sent while the connection is
// not open are dropped with ErrNotOpen.
func (s *Supervisor) Send(frame models.Frame) error {
	s.mu.Lock()
	if s.state != StateOpen || s.conn == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.mu.Unlock()

	return s.writeFrame(conn, frame)
}

func (s *Supervisor) writeFrame(conn *websocket.Conn, frame models.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frame.FrameType(), err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// dial performs one connection attempt for the given generation.
func (s *Supervisor) dial(endpoint string, gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		s.logger.Warn().Err(err).Int("attempt", s.reconnectAttempt).Msg("Connection attempt failed")
		s.handleClosedLocked(err)
		s.mu.Unlock()
		return
	}

	s.conn = conn
	s.reconnectAttempt = 0
	s.lastErr = nil
	s.setStateLocked(StateOpen, nil)

	hb := newHeartbeatMonitor(s.cfg.PingInterval, s.cfg.PongTimeout,
		func() error { return s.writeFrame(conn, models.NewPing()) },
		func() { s.forceClose(gen) },
		s.logger)
	s.heartbeat = hb
	hb.Start()

	s.mu.Unlock()

	s.logger.Info().Str("endpoint", endpoint).Msg("Connection open")

	if s.identify != nil {
		if frame, err := s.identify(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to build identification frame")
		} else if err := s.writeFrame(conn, frame); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send identification frame")
		}
	}

	go s.readLoop(conn, gen)
}

// readLoop consumes inbound frames until the transport reports an error.
func (s *Supervisor) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.transportClosed(gen, err)
			return
		}

		frame, err := models.DecodeFrame(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Rejected inbound frame")
			continue
		}

		switch frame.(type) {
		case models.PingFrame:
			// Any received ping obligates an immediate pong.
			if err := s.writeFrame(conn, models.NewPong()); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to answer ping")
			}
		case models.PongFrame:
			s.mu.Lock()
			if gen == s.gen && s.heartbeat != nil {
				s.heartbeat.Pong()
			}
			s.mu.Unlock()
		default:
			s.mu.Lock()
			handler := s.onMessage
			if gen != s.gen {
				handler = nil
			}
			if handler != nil {
				s.cbWg.Add(1)
			}
			s.mu.Unlock()
			if handler != nil {
				handler(frame)
				s.cbWg.Done()
			}
		}
	}
}

// forceClose treats a liveness failure exactly like a transport error.
func (s *Supervisor) forceClose(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	s.logger.Warn().Msg("Pong timeout, force-closing connection")
	s.teardownConnLocked()
	s.handleClosedLocked(errors.New("pong timeout"))
}

// transportClosed handles the transport's own close/error notification.
func (s *Supervisor) transportClosed(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}
	s.logger.Warn().Err(err).Msg("Connection lost")
	s.teardownConnLocked()
	s.handleClosedLocked(err)
}

// handleClosedLocked drives the CLOSED state: schedule a backoff reconnect
// or surface the terminal max-attempts error.
func (s *Supervisor) handleClosedLocked(cause error) {
	s.lastErr = cause
	s.setStateLocked(StateClosed, nil)

	if s.reconnectAttempt >= s.cfg.MaxReconnectAttempts {
		s.lastErr = ErrMaxAttempts
		s.logger.Error().Int("attempts", s.reconnectAttempt).Msg("Maximum reconnect attempts reached, giving up")
		s.setStateLocked(StateClosed, ErrMaxAttempts)
		return
	}

	delay := backoffDelay(s.reconnectAttempt+1, s.cfg.BaseDelay, s.cfg.MaxDelay)
	s.logger.Info().Dur("delay", delay).Int("next_attempt", s.reconnectAttempt+1).Msg("Scheduling reconnect")

	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed || s.state != StateClosed {
			s.mu.Unlock()
			return
		}
		s.reconnectAttempt++
		s.setStateLocked(StateConnecting, nil)
		gen := s.gen
		s.mu.Unlock()

		endpoint, err := s.cfg.buildURL()
		if err != nil {
			// The URL was valid at Connect time; this cannot regress.
			s.logger.Error().Err(err).Msg("Failed to rebuild endpoint URL")
			return
		}
		s.dial(endpoint, gen)
	})
}

// teardownConnLocked closes any live transport and stops its heartbeat,
// bumping the generation so stale timer and socket callbacks become no-ops.
func (s *Supervisor) teardownConnLocked() {
	s.gen++

	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}

	if s.conn != nil {
		s.setStateLocked(StateClosing, nil)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Supervisor) cancelReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// setStateLocked records the transition and notifies the subscriber
// without holding the lock during the callback.
func (s *Supervisor) setStateLocked(state State, err error) {
	if s.state == state && err == nil {
		return
	}
	s.state = state
	if s.onState != nil {
		fn := s.onState
		s.cbWg.Add(1)
		go func() {
			defer s.cbWg.Done()
			fn(state, err)
		}()
	}
}

// backoffDelay computes the delay before reconnect attempt n (n >= 1):
// min(base * 2^n, max), exponential with a ceiling and no jitter.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
