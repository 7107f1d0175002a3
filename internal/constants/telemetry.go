package constants

import "time"

// WebSocket channels exposed by the hub.
const (
	ChannelStatus   = "status"
	ChannelPlayback = "playback"
)

// Connection roles as classified by the hub.
const (
	RoleDevice        = "device"
	RoleAdminObserver = "admin_observer"
)

// Playback states reported by the player.
const (
	PlaybackStatePlaying   = "playing"
	PlaybackStatePaused    = "paused"
	PlaybackStateBuffering = "buffering"
	PlaybackStateLoading   = "loading"
	PlaybackStateEnded     = "ended"
)

// Offline queue kinds and their intake endpoints (/offlineQueue/<kind>).
const (
	QueueKindDeviceStatus = "device-status"
	QueueKindLocation     = "location-data"
	QueueKindAdPlayback   = "ad-playback"
	QueueKindQRScan       = "qr-scan"
)

// Reconnect policy defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
)

// Heartbeat defaults.
const (
	DefaultPingInterval    = 25 * time.Second
	DefaultPongTimeout     = 90 * time.Second
	DefaultHubPushInterval = 30 * time.Second
	DefaultSSEHeartbeat    = 30 * time.Second
)

// Offline queue defaults.
const (
	DefaultFlushTimeout  = 10 * time.Second
	DefaultQueueMaxAge   = 24 * time.Hour
	DefaultFlushInterval = 60 * time.Second
)

// DefaultPlaybackSampleInterval bounds the rate of playback updates while playing.
const DefaultPlaybackSampleInterval = 200 * time.Millisecond
