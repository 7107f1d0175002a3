package wsclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
)

// testHub is a minimal in-process peer: it upgrades connections, records
// inbound frames and can slam the door on demand.
type testHub struct {
	t *testing.T

	mu        sync.Mutex
	conns     []*websocket.Conn
	frames    []models.Frame
	rejectAll bool

	server *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	h := &testHub{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		reject := h.rejectAll
		h.mu.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := models.DecodeFrame(data)
			if err != nil {
				continue
			}
			if _, ok := frame.(models.PingFrame); ok {
				_ = conn.WriteJSON(models.NewPong())
				continue
			}
			h.mu.Lock()
			h.frames = append(h.frames, frame)
			h.mu.Unlock()
		}
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *testHub) setReject(reject bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectAll = reject
}

func (h *testHub) closeAllConns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		c.Close()
	}
	h.conns = nil
}

func (h *testHub) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *testHub) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:              baseURL,
		Channel:              constants.ChannelPlayback,
		DeviceID:             "TAB-1",
		MaterialID:           "MAT-9",
		MaxReconnectAttempts: 3,
		BaseDelay:            10 * time.Millisecond,
		MaxDelay:             80 * time.Millisecond,
		PingInterval:         time.Hour, // heartbeat inert unless a test wants it
		PongTimeout:          time.Hour,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// TestConfig_Validate tests that configuration errors fail fast.
func TestConfig_Validate(t *testing.T) {
	cfg := testConfig("http://example.com")
	cfg.MaterialID = ""

	s := NewSupervisor(cfg, nil, zerolog.Nop())
	err := s.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "material id")
	assert.Equal(t, StateIdle, s.State())

	cfg = testConfig("http://example.com")
	cfg.DeviceID = ""
	s = NewSupervisor(cfg, nil, zerolog.Nop())
	assert.Error(t, s.Connect())

	cfg = testConfig("http://example.com")
	cfg.Channel = "bogus"
	s = NewSupervisor(cfg, nil, zerolog.Nop())
	assert.Error(t, s.Connect())
}

// TestConfig_BuildURL tests scheme upgrade and query parameters.
func TestConfig_BuildURL(t *testing.T) {
	cfg := testConfig("https://api.example.com")
	endpoint, err := cfg.buildURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(endpoint, "wss://api.example.com/ws/playback?"))
	assert.Contains(t, endpoint, "deviceId=TAB-1")
	assert.Contains(t, endpoint, "materialId=MAT-9")
	assert.NotContains(t, endpoint, "admin")

	cfg.Admin = true
	endpoint, err = cfg.buildURL()
	require.NoError(t, err)
	assert.Contains(t, endpoint, "admin=true")

	cfg.BaseURL = "http://api.example.com"
	endpoint, err = cfg.buildURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(endpoint, "ws://"))
}

// TestBackoffDelay tests the exponential-with-ceiling schedule.
func TestBackoffDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, 2*time.Second, backoffDelay(1, base, max))
	assert.Equal(t, 4*time.Second, backoffDelay(2, base, max))
	assert.Equal(t, 8*time.Second, backoffDelay(3, base, max))
	assert.Equal(t, 16*time.Second, backoffDelay(4, base, max))
	assert.Equal(t, 30*time.Second, backoffDelay(5, base, max))
	assert.Equal(t, 30*time.Second, backoffDelay(10, base, max))
}

// TestSupervisor_OpenResetsAttempt tests that reaching OPEN resets the
// reconnect counter to zero.
func TestSupervisor_OpenResetsAttempt(t *testing.T) {
	hub := newTestHub(t)

	s := NewSupervisor(testConfig(hub.server.URL), nil, zerolog.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.State() == StateOpen })
	assert.Equal(t, 0, s.ReconnectAttempt())

	// Drop the connection; the supervisor reconnects and resets again.
	hub.closeAllConns()
	waitFor(t, time.Second, func() bool { return s.State() == StateOpen && hub.connCount() == 1 })
	assert.Equal(t, 0, s.ReconnectAttempt())
}

// TestSupervisor_SendWhileClosed tests that sends without an open
// connection are dropped with ErrNotOpen.
func TestSupervisor_SendWhileClosed(t *testing.T) {
	hub := newTestHub(t)

	s := NewSupervisor(testConfig(hub.server.URL), nil, zerolog.Nop())
	err := s.Send(models.NewPing())
	assert.ErrorIs(t, err, ErrNotOpen)
}

// TestSupervisor_MaxAttemptsTerminal tests that after the maximum number
// of consecutive failures no further reconnect is scheduled, and that a
// manual Reconnect resets the counter and recovers.
func TestSupervisor_MaxAttemptsTerminal(t *testing.T) {
	hub := newTestHub(t)
	hub.setReject(true)

	s := NewSupervisor(testConfig(hub.server.URL), nil, zerolog.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect())

	waitFor(t, 2*time.Second, func() bool {
		return s.State() == StateClosed && s.LastError() == ErrMaxAttempts
	})
	assert.Equal(t, s.cfg.MaxReconnectAttempts, s.ReconnectAttempt())

	// No further automatic attempt is scheduled.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateClosed, s.State())

	// A manual reconnect bypasses backoff and recovers once the hub is back.
	hub.setReject(false)
	require.NoError(t, s.Reconnect())
	waitFor(t, time.Second, func() bool { return s.State() == StateOpen })
	assert.Equal(t, 0, s.ReconnectAttempt())
	assert.NoError(t, s.LastError())
}

// TestSupervisor_DisconnectIdempotent tests that calling Disconnect twice
// produces the same end state as calling it once.
func TestSupervisor_DisconnectIdempotent(t *testing.T) {
	hub := newTestHub(t)

	s := NewSupervisor(testConfig(hub.server.URL), nil, zerolog.Nop())
	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.State() == StateOpen })

	s.Disconnect()
	assert.Equal(t, StateClosed, s.State())

	s.Disconnect()
	assert.Equal(t, StateClosed, s.State())

	// A closed supervisor stays closed.
	assert.ErrorIs(t, s.Connect(), ErrClosed)
	assert.ErrorIs(t, s.Reconnect(), ErrClosed)
}

// TestSupervisor_SilentAfterDisconnect tests the synchronous-cancellation
// guarantee: no state or message callback lands once Disconnect has
// returned, even for the transitions Disconnect itself drives.
func TestSupervisor_SilentAfterDisconnect(t *testing.T) {
	hub := newTestHub(t)

	s := NewSupervisor(testConfig(hub.server.URL), nil, zerolog.Nop())

	var mu sync.Mutex
	var returned bool
	var late []State
	s.OnStateChange(func(state State, err error) {
		mu.Lock()
		defer mu.Unlock()
		if returned {
			late = append(late, state)
		}
	})
	s.OnMessage(func(frame models.Frame) {
		mu.Lock()
		defer mu.Unlock()
		if returned {
			late = append(late, StateOpen)
		}
	})

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return s.State() == StateOpen })

	s.Disconnect()
	mu.Lock()
	returned = true
	mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, late, "callbacks delivered after Disconnect returned")
}

// TestSupervisor_ReconnectValidatesConfig tests that a manual reconnect
// applies the same fail-fast configuration checks as Connect.
func TestSupervisor_ReconnectValidatesConfig(t *testing.T) {
	cfg := testConfig("http://example.com")
	cfg.MaterialID = ""

	s := NewSupervisor(cfg, nil, zerolog.Nop())
	err := s.Reconnect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "material id")
	assert.Equal(t, StateIdle, s.State())
}

// TestSupervisor_DisconnectCancelsReconnect tests that a pending backoff
// timer never fires after Disconnect returns.
func TestSupervisor_DisconnectCancelsReconnect(t *testing.T) {
	hub := newTestHub(t)
	hub.setReject(true)

	s := NewSupervisor(testConfig(hub.server.URL), nil, zerolog.Nop())
	require.NoError(t, s.Connect())

	// Let at least one failed attempt schedule a retry, then disconnect.
	waitFor(t, time.Second, func() bool { return s.ReconnectAttempt() >= 1 })
	s.Disconnect()

	hub.setReject(false)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, hub.connCount())
}

// TestSupervisor_IdentificationFrame tests that the role hook's frame is
// sent immediately on open.
func TestSupervisor_IdentificationFrame(t *testing.T) {
	hub := newTestHub(t)

	identify := func() (models.Frame, error) {
		return models.StatusFrame{
			Type:       models.FrameTypeStatus,
			DeviceID:   "TAB-1",
			MaterialID: "MAT-9",
			Timestamp:  time.Now(),
			IsOnline:   true,
		}, nil
	}

	s := NewSupervisor(testConfig(hub.server.URL), identify, zerolog.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return hub.frameCount() == 1 })

	hub.mu.Lock()
	status, ok := hub.frames[0].(models.StatusFrame)
	hub.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "TAB-1", status.DeviceID)
}

// TestSupervisor_AnswersPing tests the symmetric pong obligation: a ping
// pushed by the hub is answered immediately.
func TestSupervisor_AnswersPing(t *testing.T) {
	hub := newTestHub(t)

	s := NewSupervisor(testConfig(hub.server.URL), nil, zerolog.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect())
	waitFor(t, time.Second, func() bool { return hub.connCount() == 1 })

	hub.mu.Lock()
	conn := hub.conns[0]
	hub.mu.Unlock()

	pongCh := make(chan struct{}, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if frame, err := models.DecodeFrame(data); err == nil {
				if _, ok := frame.(models.PongFrame); ok {
					pongCh <- struct{}{}
					return
				}
			}
		}
	}()

	require.NoError(t, conn.WriteJSON(models.NewPing()))

	select {
	case <-pongCh:
	case <-time.After(time.Second):
		t.Fatal("no pong received for ping")
	}
}

// TestSupervisor_PongTimeoutForcesReconnect tests the liveness failure
// path: with a peer that never answers pings the connection is
// force-closed and a reconnect follows.
func TestSupervisor_PongTimeoutForcesReconnect(t *testing.T) {
	// A silent peer: accepts the upgrade but answers nothing.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var mu sync.Mutex
	accepted := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		accepted++
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond

	s := NewSupervisor(cfg, nil, zerolog.Nop())
	defer s.Disconnect()

	require.NoError(t, s.Connect())

	// The pong timeout must force-close and drive a second connection.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return accepted >= 2
	})
}
