package hub

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsign/fleetlink/internal/constants"
)

// sseSink adapts a text/event-stream response to the hub's Sink. Both the
// broadcast path and the per-connection heartbeat write through it, so
// writes are serialized here.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once
}

func (s *sseSink) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("sse stream closed")
	default:
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// writeEvent emits a named SSE event (connection, heartbeat).
func (s *sseSink) writeEvent(event string, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// handleSSEPlayback serves GET /sse/playback[?admin=true], the WebSocket
// alternative for observer dashboards behind proxies that block upgrades.
func (h *Hub) handleSSEPlayback(w http.ResponseWriter, r *http.Request, heartbeat time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher, done: make(chan struct{})}

	role := constants.RoleDevice
	if r.URL.Query().Get("admin") == "true" {
		role = constants.RoleAdminObserver
	}

	c := NewConn(uuid.NewString(), role, constants.ChannelPlayback, r.URL.Query().Get("deviceId"), "", sink)

	if err := sink.writeEvent("connection", `{"status":"connected"}`); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write SSE connection event")
		return
	}

	h.Register(c)
	defer func() {
		h.Unregister(c)
		sink.Close()
		h.logger.Info().Str("conn_id", c.ID).Msg("SSE connection closed")
	}()

	h.logger.Info().
		Str("conn_id", c.ID).
		Str("remote_addr", r.RemoteAddr).
		Str("role", role).
		Msg("SSE connection established")

	if heartbeat == 0 {
		heartbeat = constants.DefaultSSEHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sink.writeEvent("heartbeat", fmt.Sprintf(`{"timestamp":%d}`, time.Now().UnixMilli())); err != nil {
				h.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("SSE heartbeat failed")
				return
			}
		case <-r.Context().Done():
			return
		case <-sink.done:
			return
		}
	}
}
