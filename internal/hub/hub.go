package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
)

// Sink is one registered transport handle (WebSocket or SSE) the hub can
// write serialized frames to.
type Sink interface {
	WriteFrame(data []byte) error
	Close() error
}

// Conn is a live connection in the hub's registry. The hub does not
// deduplicate device identities: a stale handle for the same deviceId may
// coexist briefly with its replacement until liveness evicts it.
type Conn struct {
	ID      string
	Role    string
	Channel string

	mu         sync.Mutex
	deviceID   string
	materialID string
	sink       Sink
}

// NewConn wraps a transport handle for registration.
func NewConn(id, role, channel, deviceID, materialID string, sink Sink) *Conn {
	return &Conn{
		ID:         id,
		Role:       role,
		Channel:    channel,
		deviceID:   deviceID,
		materialID: materialID,
		sink:       sink,
	}
}

// Device returns the identity this connection is bound to.
func (c *Conn) Device() (deviceID, materialID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID, c.materialID
}

// fillIdentity binds identity fields a transport could not supply up front,
// taken from the connection's first status frame.
func (c *Conn) fillIdentity(deviceID, materialID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceID == "" {
		c.deviceID = deviceID
	}
	if c.materialID == "" {
		c.materialID = materialID
	}
}

func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink.WriteFrame(data)
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.sink.Close()
}

// Hub is the server-side registry of all live connections. It classifies
// each as device or admin observer and relays every inbound device event to
// all observers. State is fully volatile: a restart drops the registry and
// clients simply reconnect.
type Hub struct {
	logger       zerolog.Logger
	pushInterval time.Duration

	conns   cmap.ConcurrentMap[string, *Conn]
	devices cmap.ConcurrentMap[string, models.DeviceSnapshot]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub initializes an empty hub.
func NewHub(pushInterval time.Duration, logger zerolog.Logger) *Hub {
	if pushInterval == 0 {
		pushInterval = constants.DefaultHubPushInterval
	}
	return &Hub{
		logger:       logger,
		pushInterval: pushInterval,
		conns:        cmap.New[*Conn](),
		devices:      cmap.New[models.DeviceSnapshot](),
	}
}

// Start launches the hub's own liveness push, which proactively detects
// dead sockets independent of client pings.
func (h *Hub) Start() error {
	if h.ctx != nil {
		return errors.New("hub is already running")
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runLivenessPush()
	}()

	h.logger.Info().Dur("push_interval", h.pushInterval).Msg("Hub started")
	return nil
}

// Stop halts the liveness push and closes every registered connection.
func (h *Hub) Stop() error {
	if h.ctx == nil {
		return errors.New("hub is not running")
	}

	h.cancel()
	h.wg.Wait()

	for item := range h.conns.IterBuffered() {
		item.Val.close()
	}
	h.conns.Clear()

	h.ctx = nil
	h.cancel = nil

	h.logger.Info().Msg("Hub stopped")
	return nil
}

// Register adds a connection to the registry. A newly registered observer
// immediately receives the current device list.
func (h *Hub) Register(c *Conn) {
	h.conns.Set(c.ID, c)
	deviceID, _ := c.Device()
	h.logger.Info().
		Str("conn_id", c.ID).
		Str("role", c.Role).
		Str("channel", c.Channel).
		Str("device_id", deviceID).
		Msg("Connection registered")

	if c.Role == constants.RoleAdminObserver {
		list := models.DeviceListFrame{Type: models.FrameTypeDeviceList, Devices: h.Snapshots()}
		if data, err := json.Marshal(list); err == nil {
			if err := c.write(data); err != nil {
				h.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("Failed to send device list")
			}
		}
	}
}

// Unregister removes a connection. Idempotent: unregistering twice is a
// no-op. When the last handle for a device disappears its snapshot flips
// offline and observers are notified.
func (h *Hub) Unregister(c *Conn) {
	if _, ok := h.conns.Get(c.ID); !ok {
		return
	}
	h.conns.Remove(c.ID)
	h.logger.Info().Str("conn_id", c.ID).Str("role", c.Role).Msg("Connection unregistered")

	deviceID, _ := c.Device()
	if c.Role != constants.RoleDevice || deviceID == "" {
		return
	}

	for item := range h.conns.IterBuffered() {
		if item.Val.Role != constants.RoleDevice || item.Val == c {
			continue
		}
		if otherID, _ := item.Val.Device(); otherID == deviceID {
			// A newer handle for this device is still live.
			return
		}
	}

	if snap, ok := h.devices.Get(deviceID); ok {
		snap.IsOnline = false
		snap.LastSeen = time.Now()
		h.devices.Set(deviceID, snap)
		h.broadcastToObservers(models.DeviceUpdateFrame{
			Type:   models.FrameTypeDeviceUpdate,
			Device: snap,
		}, "")
	}
}

// Snapshots returns the hub's last-known view of every device.
func (h *Hub) Snapshots() []models.DeviceSnapshot {
	snaps := make([]models.DeviceSnapshot, 0, h.devices.Count())
	for item := range h.devices.IterBuffered() {
		snaps = append(snaps, item.Val)
	}
	return snaps
}

// ObserverCount reports how many observer connections are registered.
func (h *Hub) ObserverCount() int {
	n := 0
	for item := range h.conns.IterBuffered() {
		if item.Val.Role == constants.RoleAdminObserver {
			n++
		}
	}
	return n
}

// HandleFrame processes one inbound, already-validated frame.
func (h *Hub) HandleFrame(c *Conn, frame models.Frame) {
	switch f := frame.(type) {
	case models.PingFrame:
		// Any received ping obligates an immediate pong.
		if data, err := json.Marshal(models.NewPong()); err == nil {
			if err := c.write(data); err != nil {
				h.evict(c, err)
			}
		}

	case models.PongFrame:
		// Liveness push answered; nothing further to do.

	case models.StatusFrame:
		c.fillIdentity(f.DeviceID, f.MaterialID)
		snap := h.applyStatus(f, false)
		h.broadcastToObservers(models.DeviceUpdateFrame{
			Type:   models.FrameTypeDeviceUpdate,
			Device: snap,
		}, c.ID)

	case models.PlaybackFrame:
		h.broadcastToObservers(f, c.ID)

	default:
		h.logger.Warn().Str("type", frame.FrameType()).Str("conn_id", c.ID).Msg("Ignoring unexpected inbound frame")
	}
}

// applyStatus upserts a device snapshot. Queued status replays only apply
// when their payload timestamp is newer than the current snapshot, since
// the offline path gives no ordering relative to live updates.
func (h *Hub) applyStatus(f models.StatusFrame, queued bool) models.DeviceSnapshot {
	snap, ok := h.devices.Get(f.DeviceID)
	if queued && ok && !f.Timestamp.After(snap.LastSeen) {
		return snap
	}

	snap = models.DeviceSnapshot{
		DeviceID:   f.DeviceID,
		MaterialID: f.MaterialID,
		DeviceName: f.DeviceName,
		Platform:   f.Platform,
		OSVersion:  f.OSVersion,
		IsOnline:   f.IsOnline && !queued,
		LastSeen:   f.Timestamp,
		GPS:        f.GPS,
	}
	if snap.LastSeen.IsZero() {
		snap.LastSeen = time.Now()
	}
	h.devices.Set(f.DeviceID, snap)
	return snap
}

// broadcastToObservers serializes once and writes to every live observer.
// A write failure on one connection never aborts delivery to the others;
// the failed connection is evicted and logged.
func (h *Hub) broadcastToObservers(frame models.Frame, excludeConnID string) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("type", frame.FrameType()).Msg("Failed to serialize broadcast frame")
		return
	}

	delivered := 0
	for item := range h.conns.IterBuffered() {
		c := item.Val
		if c.Role != constants.RoleAdminObserver || c.ID == excludeConnID {
			continue
		}
		if err := c.write(data); err != nil {
			h.evict(c, err)
			continue
		}
		delivered++
	}

	h.logger.Debug().Str("type", frame.FrameType()).Int("observers", delivered).Msg("Broadcast delivered")
}

// evict removes and closes a connection whose write failed.
func (h *Hub) evict(c *Conn, cause error) {
	h.logger.Warn().Err(cause).Str("conn_id", c.ID).Str("role", c.Role).Msg("Evicting dead connection")
	h.Unregister(c)
	c.close()
}

// runLivenessPush periodically pings every connection so devices that
// vanished without a clean close are detected server-side.
func (h *Hub) runLivenessPush() {
	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	data, err := json.Marshal(models.NewPing())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to serialize liveness ping")
		return
	}

	for {
		select {
		case <-ticker.C:
			for item := range h.conns.IterBuffered() {
				c := item.Val
				if err := c.write(data); err != nil {
					h.evict(c, err)
				}
			}
		case <-h.ctx.Done():
			return
		}
	}
}
