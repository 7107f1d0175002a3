package hub

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
)

var intakeKinds = map[string]struct{}{
	constants.QueueKindDeviceStatus: {},
	constants.QueueKindLocation:     {},
	constants.QueueKindAdPlayback:   {},
	constants.QueueKindQRScan:       {},
}

// handleOfflineIntake serves POST /offlineQueue/{kind}: the degraded
// delivery path devices use while no live connection exists. Accepted
// entries are replayed to observers tagged as queued; their payload
// timestamps, not arrival order, are authoritative.
func (h *Hub) handleOfflineIntake(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if _, ok := intakeKinds[kind]; !ok {
		writeIntakeResponse(w, http.StatusNotFound, models.IntakeResponse{
			Success: false,
			Message: "unknown queue kind",
		})
		return
	}

	var entry models.QueuedOfflineEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeIntakeResponse(w, http.StatusBadRequest, models.IntakeResponse{
			Success: false,
			Message: "malformed entry",
		})
		return
	}
	if entry.Kind != "" && entry.Kind != kind {
		writeIntakeResponse(w, http.StatusBadRequest, models.IntakeResponse{
			Success: false,
			Message: "entry kind does not match endpoint",
		})
		return
	}

	if err := h.replayQueuedEntry(kind, entry); err != nil {
		h.logger.Warn().Err(err).Str("kind", kind).Msg("Rejected queued entry")
		writeIntakeResponse(w, http.StatusBadRequest, models.IntakeResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	h.logger.Debug().Str("kind", kind).Int64("id", entry.ID).Msg("Accepted queued entry")
	writeIntakeResponse(w, http.StatusOK, models.IntakeResponse{
		Success: true,
		Message: "entry accepted",
		Data:    entry.Payload,
	})
}

// replayQueuedEntry validates the queued payload and forwards it to
// observers where it has a live equivalent.
func (h *Hub) replayQueuedEntry(kind string, entry models.QueuedOfflineEntry) error {
	switch kind {
	case constants.QueueKindDeviceStatus:
		frame, err := models.DecodeFrame(entry.Payload)
		if err != nil {
			return err
		}
		status, ok := frame.(models.StatusFrame)
		if !ok {
			return errUnexpectedPayload(kind)
		}
		snap := h.applyStatus(status, true)
		h.broadcastToObservers(models.DeviceUpdateFrame{
			Type:   models.FrameTypeDeviceUpdate,
			Device: snap,
			Queued: true,
		}, "")
		return nil

	case constants.QueueKindAdPlayback:
		frame, err := models.DecodeFrame(entry.Payload)
		if err != nil {
			return err
		}
		playback, ok := frame.(models.PlaybackFrame)
		if !ok {
			return errUnexpectedPayload(kind)
		}
		h.broadcastToObservers(playback, "")
		return nil

	case constants.QueueKindLocation:
		var loc models.Location
		if err := json.Unmarshal(entry.Payload, &loc); err != nil {
			return err
		}
		if loc.DeviceID == "" {
			return errUnexpectedPayload(kind)
		}
		if snap, ok := h.devices.Get(loc.DeviceID); ok && loc.Timestamp.After(snap.LastSeen) {
			snap.GPS = &models.GPSFix{Latitude: loc.Latitude, Longitude: loc.Longitude, Accuracy: loc.Accuracy}
			h.devices.Set(loc.DeviceID, snap)
			h.broadcastToObservers(models.DeviceUpdateFrame{
				Type:   models.FrameTypeDeviceUpdate,
				Device: snap,
				Queued: true,
			}, "")
		}
		return nil

	case constants.QueueKindQRScan:
		var scan models.QRScan
		if err := json.Unmarshal(entry.Payload, &scan); err != nil {
			return err
		}
		// Scan analytics are consumed by the reporting backend; the hub
		// only acknowledges receipt.
		h.logger.Info().
			Str("device_id", scan.DeviceID).
			Str("ad_id", scan.AdID).
			Time("scanned_at", scan.ScannedAt).
			Msg("QR scan received via offline intake")
		return nil
	}

	return errUnexpectedPayload(kind)
}

type intakeError string

func (e intakeError) Error() string { return string(e) }

func errUnexpectedPayload(kind string) error {
	return intakeError("unexpected payload for kind " + kind)
}

func writeIntakeResponse(w http.ResponseWriter, status int, resp models.IntakeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
