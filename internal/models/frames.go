package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetsign/fleetlink/internal/constants"
)

// Frame type discriminators carried in the "type" field of every envelope.
const (
	FrameTypePing         = "ping"
	FrameTypePong         = "pong"
	FrameTypeStatus       = "status"
	FrameTypePlayback     = "adPlaybackUpdate"
	FrameTypeDeviceUpdate = "deviceUpdate"
	FrameTypeDeviceList   = "deviceList"
)

// Frame is implemented by every message that travels over the wire.
type Frame interface {
	FrameType() string
}

// PingFrame is a liveness probe. Either side may send it; the receiver
// must answer with a pong immediately.
type PingFrame struct {
	Type string `json:"type"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type string `json:"type"`
}

// GPSFix is an optional position attached to a status frame.
type GPSFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// StatusFrame identifies a device and reports its liveness. It doubles as
// the identification frame a device sends right after the connection opens.
type StatusFrame struct {
	Type              string    `json:"type"`
	DeviceID          string    `json:"deviceId"`
	MaterialID        string    `json:"materialId"`
	Timestamp         time.Time `json:"timestamp"`
	Platform          string    `json:"platform"`
	DeviceName        string    `json:"deviceName"`
	OSVersion         string    `json:"osVersion"`
	IsOnline          bool      `json:"isOnline"`
	MemoryUsedPercent float64   `json:"memoryUsedPercent,omitempty"`
	GPS               *GPSFix   `json:"gps,omitempty"`
}

// PlaybackFrame reports the playback position of the ad currently on screen.
type PlaybackFrame struct {
	Type        string    `json:"type"`
	DeviceID    string    `json:"deviceId"`
	AdID        string    `json:"adId"`
	AdTitle     string    `json:"adTitle"`
	State       string    `json:"state"`
	CurrentTime float64   `json:"currentTime"`
	Duration    float64   `json:"duration"`
	Progress    float64   `json:"progress"`
	Timestamp   time.Time `json:"timestamp"`
}

// DeviceSnapshot is the hub's last-known view of one device.
type DeviceSnapshot struct {
	DeviceID   string    `json:"deviceId"`
	MaterialID string    `json:"materialId"`
	DeviceName string    `json:"deviceName,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	OSVersion  string    `json:"osVersion,omitempty"`
	IsOnline   bool      `json:"isOnline"`
	LastSeen   time.Time `json:"lastSeen"`
	GPS        *GPSFix   `json:"gps,omitempty"`
}

// DeviceUpdateFrame is pushed by the hub to observers when a device's
// snapshot changes. Queued marks updates replayed from the offline intake
// path, whose payload timestamps are authoritative over arrival order.
type DeviceUpdateFrame struct {
	Type   string         `json:"type"`
	Device DeviceSnapshot `json:"device"`
	Queued bool           `json:"queued,omitempty"`
}

// DeviceListFrame is pushed to an observer once on connect.
type DeviceListFrame struct {
	Type    string           `json:"type"`
	Devices []DeviceSnapshot `json:"devices"`
}

func (PingFrame) FrameType() string         { return FrameTypePing }
func (PongFrame) FrameType() string         { return FrameTypePong }
func (StatusFrame) FrameType() string       { return FrameTypeStatus }
func (PlaybackFrame) FrameType() string     { return FrameTypePlayback }
func (DeviceUpdateFrame) FrameType() string { return FrameTypeDeviceUpdate }
func (DeviceListFrame) FrameType() string   { return FrameTypeDeviceList }

// NewPing returns a ready-to-send ping frame.
func NewPing() PingFrame { return PingFrame{Type: FrameTypePing} }

// NewPong returns a ready-to-send pong frame.
func NewPong() PongFrame { return PongFrame{Type: FrameTypePong} }

var validPlaybackStates = map[string]struct{}{
	constants.PlaybackStatePlaying:   {},
	constants.PlaybackStatePaused:    {},
	constants.PlaybackStateBuffering: {},
	constants.PlaybackStateLoading:   {},
	constants.PlaybackStateEnded:     {},
}

// envelope is the minimal shape used to pick a concrete frame type.
type envelope struct {
	Type string `json:"type"`
}

// DecodeFrame parses and validates one wire frame. Unknown or malformed
// frames are rejected here so nothing partially-typed travels further in.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case FrameTypePing:
		return NewPing(), nil

	case FrameTypePong:
		return NewPong(), nil

	case FrameTypeStatus:
		var f StatusFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed status frame: %w", err)
		}
		if f.DeviceID == "" {
			return nil, fmt.Errorf("status frame missing deviceId")
		}
		if f.MaterialID == "" {
			return nil, fmt.Errorf("status frame missing materialId")
		}
		return f, nil

	case FrameTypePlayback:
		var f PlaybackFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed playback frame: %w", err)
		}
		if f.DeviceID == "" || f.AdID == "" {
			return nil, fmt.Errorf("playback frame missing deviceId or adId")
		}
		if _, ok := validPlaybackStates[f.State]; !ok {
			return nil, fmt.Errorf("playback frame has invalid state %q", f.State)
		}
		if f.Progress < 0 || f.Progress > 100 {
			return nil, fmt.Errorf("playback frame progress %.2f out of range [0,100]", f.Progress)
		}
		return f, nil

	case FrameTypeDeviceUpdate:
		var f DeviceUpdateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed device update frame: %w", err)
		}
		return f, nil

	case FrameTypeDeviceList:
		var f DeviceListFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed device list frame: %w", err)
		}
		return f, nil

	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}
