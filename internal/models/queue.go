package models

import (
	"encoding/json"
	"time"
)

// QueuedOfflineEntry is a telemetry event captured while no live connection
// existed, persisted until the flush path delivers it over HTTP.
type QueuedOfflineEntry struct {
	ID              int64           `json:"id"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	QueuedTimestamp time.Time       `json:"queuedTimestamp"`
}

// IntakeResponse is the body returned by the hub's offline intake endpoints.
type IntakeResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// QRScan is the payload of a qr-scan offline entry, recorded by the driver
// app when a passenger scans an on-screen code.
type QRScan struct {
	DeviceID   string    `json:"deviceId"`
	MaterialID string    `json:"materialId"`
	AdID       string    `json:"adId"`
	Code       string    `json:"code"`
	ScannedAt  time.Time `json:"scannedAt"`
}
