package utils

import (
	"time"

	"github.com/fleetsign/fleetlink/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	Server struct {
		BaseURL string `yaml:"base_url"` // Hub API host, e.g. https://api.fleetsign.io
	} `yaml:"server"`

	Identity struct {
		DeviceFile string `yaml:"device_file"` // Path to the device identity file
	} `yaml:"identity"`

	Connection struct {
		PingInterval         time.Duration `yaml:"ping_interval"`          // Interval between pings (in seconds)
		PongTimeout          time.Duration `yaml:"pong_timeout"`           // Max silence before force-close (in seconds)
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // Automatic reconnects before giving up
		BaseDelay            time.Duration `yaml:"base_delay"`             // Initial reconnect backoff (in seconds)
		MaxDelay             time.Duration `yaml:"max_delay"`              // Backoff ceiling (in seconds)
	} `yaml:"connection"`

	Services struct {
		Status struct {
			Enabled  bool          `yaml:"enabled"`  // Enable/disable the status service
			Interval time.Duration `yaml:"interval"` // Interval between status frames (in seconds)
		} `yaml:"status"`

		Playback struct {
			Enabled          bool          `yaml:"enabled"`            // Enable/disable playback reporting
			SampleIntervalMs time.Duration `yaml:"sample_interval_ms"` // Playback sampling interval (in milliseconds)
		} `yaml:"playback"`

		Location struct {
			Enabled           bool          `yaml:"enabled"`         // Enable/disable the location service
			Interval          time.Duration `yaml:"interval"`        // Interval between location reads (in seconds)
			SensorBased       bool          `yaml:"sensor_based"`    // Use GPS sensor or geolocation API
			MapsAPIKey        string        `yaml:"maps_api_key"`    // Google maps API Key
			GPSDeviceBaudRate int           `yaml:"gps_baud_rate"`   // The Baud rate for GPS sensor
			GPSDevicePort     string        `yaml:"gps_device_port"` // UNIX port where the GPS sensor is mounted
			ModemIndex        int           `yaml:"modem_index"`     // mmcli modem index for cell lookups
		} `yaml:"location_service"`

		Flush struct {
			Interval       time.Duration `yaml:"interval"`        // Opportunistic flush interval (in seconds)
			RequestTimeout time.Duration `yaml:"request_timeout"` // HTTP timeout per flush POST (in seconds)
			MaxAgeHours    int           `yaml:"max_age_hours"`   // Evict queued entries older than this
		} `yaml:"flush"`
	} `yaml:"services"`

	Offline struct {
		DBPath string `yaml:"db_path"` // Path to the on-device queue database
	} `yaml:"offline"`

	Hub struct {
		ListenAddr           string        `yaml:"listen_addr"`            // Bind address for the hub HTTP server
		PushInterval         time.Duration `yaml:"push_interval"`          // Server-side liveness push interval (in seconds)
		SSEHeartbeatInterval time.Duration `yaml:"sse_heartbeat_interval"` // SSE heartbeat interval (in seconds)
	} `yaml:"hub"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	// Use the ReadYamlFile method from fileClient
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
