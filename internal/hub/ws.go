package hub

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 5 * time.Second

// wsSink adapts a gorilla connection to the hub's Sink.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteFrame(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// handleWebSocket serves GET /ws/{channel}?deviceId=&materialId=[&admin=true].
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel != constants.ChannelStatus && channel != constants.ChannelPlayback {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	deviceID := r.URL.Query().Get("deviceId")
	materialID := r.URL.Query().Get("materialId")
	admin := r.URL.Query().Get("admin") == "true"

	role := constants.RoleDevice
	if admin {
		role = constants.RoleAdminObserver
	} else if deviceID == "" || materialID == "" {
		http.Error(w, "deviceId and materialId are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	c := NewConn(uuid.NewString(), role, channel, deviceID, materialID, &wsSink{conn: conn})
	h.Register(c)

	h.logger.Info().
		Str("conn_id", c.ID).
		Str("remote_addr", r.RemoteAddr).
		Str("channel", channel).
		Str("role", role).
		Msg("WebSocket connection established")

	defer func() {
		h.Unregister(c)
		conn.Close()
		h.logger.Info().Str("conn_id", c.ID).Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("WebSocket connection error")
			}
			return
		}

		frame, err := models.DecodeFrame(data)
		if err != nil {
			h.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("Rejected inbound frame")
			continue
		}

		h.HandleFrame(c, frame)
	}
}
