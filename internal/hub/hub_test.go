package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
)

// fakeSink records every frame written to it and can be told to fail.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	failed bool
	closed bool
}

func (s *fakeSink) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("broken pipe")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.frames = append(s.frames, buf)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// decoded returns the i-th written frame parsed through the wire codec.
func (s *fakeSink) decoded(t *testing.T, i int) models.Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.frames), i)
	frame, err := models.DecodeFrame(s.frames[i])
	require.NoError(t, err)
	return frame
}

func newTestHub() *Hub {
	return NewHub(time.Hour, zerolog.Nop())
}

func deviceConn(id, deviceID string) (*Conn, *fakeSink) {
	sink := &fakeSink{}
	return NewConn(id, constants.RoleDevice, constants.ChannelPlayback, deviceID, "MAT-"+deviceID, sink), sink
}

func observerConn(id string) (*Conn, *fakeSink) {
	sink := &fakeSink{}
	return NewConn(id, constants.RoleAdminObserver, constants.ChannelPlayback, "", "", sink), sink
}

func statusFrame(deviceID string, online bool) models.StatusFrame {
	return models.StatusFrame{
		Type:       models.FrameTypeStatus,
		DeviceID:   deviceID,
		MaterialID: "MAT-" + deviceID,
		DeviceName: "tablet-" + deviceID,
		Timestamp:  time.Now(),
		IsOnline:   online,
	}
}

// TestHub_BroadcastToAllObservers tests that a device status reaches every
// observer but never echoes back to the sending device.
func TestHub_BroadcastToAllObservers(t *testing.T) {
	h := newTestHub()

	dev, devSink := deviceConn("c-dev", "TAB-1")
	h.Register(dev)

	var obsSinks []*fakeSink
	for _, id := range []string{"c-obs1", "c-obs2", "c-obs3"} {
		obs, sink := observerConn(id)
		h.Register(obs)
		obsSinks = append(obsSinks, sink)
	}

	h.HandleFrame(dev, statusFrame("TAB-1", true))

	for _, sink := range obsSinks {
		// Frame 0 is the deviceList sent on register.
		require.Equal(t, 2, sink.count())
		update, ok := sink.decoded(t, 1).(models.DeviceUpdateFrame)
		require.True(t, ok)
		assert.Equal(t, "TAB-1", update.Device.DeviceID)
		assert.True(t, update.Device.IsOnline)
	}
	assert.Equal(t, 0, devSink.count())
}

// TestHub_ObserverGetsDeviceListOnConnect tests the snapshot push to a
// newly registered observer.
func TestHub_ObserverGetsDeviceListOnConnect(t *testing.T) {
	h := newTestHub()

	dev, _ := deviceConn("c-dev", "TAB-1")
	h.Register(dev)
	h.HandleFrame(dev, statusFrame("TAB-1", true))

	obs, sink := observerConn("c-obs")
	h.Register(obs)

	require.Equal(t, 1, sink.count())
	list, ok := sink.decoded(t, 0).(models.DeviceListFrame)
	require.True(t, ok)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "TAB-1", list.Devices[0].DeviceID)
}

// TestHub_FailedObserverIsEvicted tests write-failure isolation: one broken
// observer never blocks delivery to the others and is removed from the
// registry.
func TestHub_FailedObserverIsEvicted(t *testing.T) {
	h := newTestHub()

	dev, _ := deviceConn("c-dev", "TAB-1")
	h.Register(dev)

	obsGood1, sinkGood1 := observerConn("c-obs1")
	obsBad, sinkBad := observerConn("c-obs2")
	obsGood2, sinkGood2 := observerConn("c-obs3")
	h.Register(obsGood1)
	h.Register(obsBad)
	h.Register(obsGood2)
	require.Equal(t, 3, h.ObserverCount())

	sinkBad.fail()
	h.HandleFrame(dev, statusFrame("TAB-1", true))

	assert.Equal(t, 2, sinkGood1.count())
	assert.Equal(t, 2, sinkGood2.count())
	assert.Equal(t, 2, h.ObserverCount())
	assert.True(t, sinkBad.isClosed())

	// The next broadcast targets only the survivors.
	h.HandleFrame(dev, statusFrame("TAB-1", true))
	assert.Equal(t, 3, sinkGood1.count())
	assert.Equal(t, 3, sinkGood2.count())
	assert.Equal(t, 1, sinkBad.count())
}

// TestHub_PlaybackFanout tests playback relays, including that a second
// device connection does not receive them.
func TestHub_PlaybackFanout(t *testing.T) {
	h := newTestHub()

	dev, _ := deviceConn("c-dev", "TAB-1")
	other, otherSink := deviceConn("c-dev2", "TAB-2")
	obs, obsSink := observerConn("c-obs")
	h.Register(dev)
	h.Register(other)
	h.Register(obs)

	h.HandleFrame(dev, models.PlaybackFrame{
		Type:     models.FrameTypePlayback,
		DeviceID: "TAB-1",
		AdID:     "AD-7",
		AdTitle:  "Summer Sale",
		State:    constants.PlaybackStatePlaying,
		Progress: 42.5,
	})

	require.Equal(t, 2, obsSink.count())
	pb, ok := obsSink.decoded(t, 1).(models.PlaybackFrame)
	require.True(t, ok)
	assert.Equal(t, "AD-7", pb.AdID)
	assert.InDelta(t, 42.5, pb.Progress, 0.001)

	assert.Equal(t, 0, otherSink.count())
}

// TestHub_PingGetsPong tests the hub's side of the pong obligation.
func TestHub_PingGetsPong(t *testing.T) {
	h := newTestHub()

	dev, sink := deviceConn("c-dev", "TAB-1")
	h.Register(dev)

	h.HandleFrame(dev, models.NewPing())

	require.Equal(t, 1, sink.count())
	_, ok := sink.decoded(t, 0).(models.PongFrame)
	assert.True(t, ok)
}

// TestHub_UnregisterIdempotent tests that a double unregister is harmless
// and that only the last device handle flips the snapshot offline.
func TestHub_UnregisterIdempotent(t *testing.T) {
	h := newTestHub()

	dev, _ := deviceConn("c-dev", "TAB-1")
	h.Register(dev)
	h.HandleFrame(dev, statusFrame("TAB-1", true))

	obs, obsSink := observerConn("c-obs")
	h.Register(obs)
	base := obsSink.count()

	h.Unregister(dev)

	snaps := h.Snapshots()
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].IsOnline)

	update, ok := obsSink.decoded(t, base).(models.DeviceUpdateFrame)
	require.True(t, ok)
	assert.False(t, update.Device.IsOnline)

	// Second unregister: no new broadcast, no panic.
	h.Unregister(dev)
	assert.Equal(t, base+1, obsSink.count())
}

// TestHub_StatusBackfillsIdentity tests that a connection registered
// without identity parameters is bound by its first status frame, so its
// unregister still flips the device snapshot offline.
func TestHub_StatusBackfillsIdentity(t *testing.T) {
	h := newTestHub()

	sink := &fakeSink{}
	dev := NewConn("c-dev", constants.RoleDevice, constants.ChannelPlayback, "", "", sink)
	h.Register(dev)

	h.HandleFrame(dev, statusFrame("TAB-1", true))

	deviceID, materialID := dev.Device()
	assert.Equal(t, "TAB-1", deviceID)
	assert.Equal(t, "MAT-TAB-1", materialID)

	h.Unregister(dev)

	snaps := h.Snapshots()
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].IsOnline)
}

// TestHub_StaleHandleKeepsDeviceOnline tests that with two live handles for
// one device, dropping one does not mark the device offline.
func TestHub_StaleHandleKeepsDeviceOnline(t *testing.T) {
	h := newTestHub()

	stale, _ := deviceConn("c-old", "TAB-1")
	fresh, _ := deviceConn("c-new", "TAB-1")
	h.Register(stale)
	h.Register(fresh)
	h.HandleFrame(fresh, statusFrame("TAB-1", true))

	h.Unregister(stale)

	snaps := h.Snapshots()
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].IsOnline)
}

// TestHub_QueuedStatusOrdering tests that a replayed status older than the
// live snapshot does not clobber it, while a newer one does.
func TestHub_QueuedStatusOrdering(t *testing.T) {
	h := newTestHub()

	now := time.Now()
	live := statusFrame("TAB-1", true)
	live.Timestamp = now
	live.DeviceName = "live-name"
	h.applyStatus(live, false)

	older := statusFrame("TAB-1", true)
	older.Timestamp = now.Add(-time.Minute)
	older.DeviceName = "stale-name"
	snap := h.applyStatus(older, true)
	assert.Equal(t, "live-name", snap.DeviceName)

	newer := statusFrame("TAB-1", true)
	newer.Timestamp = now.Add(time.Minute)
	newer.DeviceName = "newer-name"
	snap = h.applyStatus(newer, true)
	assert.Equal(t, "newer-name", snap.DeviceName)
	// Queued replays never assert present liveness.
	assert.False(t, snap.IsOnline)
}

// TestHub_StartStop tests the running-state guards.
func TestHub_StartStop(t *testing.T) {
	h := newTestHub()

	assert.Error(t, h.Stop())
	require.NoError(t, h.Start())
	assert.Error(t, h.Start())

	dev, sink := deviceConn("c-dev", "TAB-1")
	h.Register(dev)

	require.NoError(t, h.Stop())
	assert.True(t, sink.isClosed())
	assert.Equal(t, 0, h.conns.Count())
}

// TestHub_SnapshotJSONShape pins the observer-facing field names.
func TestHub_SnapshotJSONShape(t *testing.T) {
	h := newTestHub()
	h.applyStatus(statusFrame("TAB-1", true), false)

	data, err := json.Marshal(models.DeviceListFrame{
		Type:    models.FrameTypeDeviceList,
		Devices: h.Snapshots(),
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"deviceId":"TAB-1"`)
	assert.Contains(t, string(data), `"isOnline":true`)
	assert.Contains(t, string(data), `"type":"deviceList"`)
}
