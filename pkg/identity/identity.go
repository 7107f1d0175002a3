package identity

import (
	"errors"
	"os"

	"github.com/fleetsign/fleetlink/pkg/file"
)

// ErrMissingMaterialID is returned when a device identity has no mounted
// display assigned. Connecting without one is a configuration error, not a
// transient failure, so callers must not retry.
var ErrMissingMaterialID = errors.New("device identity has no material id")

// Identity holds the device's unique identifier and other metadata.
type Identity struct {
	DeviceID   string `json:"device_id,omitempty"`
	MaterialID string `json:"material_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	FleetID    string `json:"fleet_id,omitempty"`
}

// DeviceInfoInterface defines methods for managing device identity.
type DeviceInfoInterface interface {
	LoadDeviceInfo() error
	SaveDeviceID(deviceID string) error
	GetDeviceID() string
	GetMaterialID() string
	GetDeviceIdentity() *Identity
	Validate() error
}

// DeviceInfo manages the device identity and its associated file operations.
type DeviceInfo struct {
	DeviceInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
}

// NewDeviceInfo initializes a new DeviceInfo instance.
func NewDeviceInfo(filePath string, fileOps file.FileOperations) DeviceInfoInterface {
	return &DeviceInfo{
		DeviceInfoFile: filePath,
		fileOps:        fileOps,
		Identity:       Identity{},
	}
}

// LoadDeviceInfo reads the device information from the file and populates the Identity field.
func (d *DeviceInfo) LoadDeviceInfo() error {
	err := d.fileOps.ReadJsonFile(d.DeviceInfoFile, &d.Identity)
	if err != nil {
		if os.IsNotExist(err) {
			// File does not exist, initialize with default empty values
			d.Identity = Identity{}
			return nil
		}
		return err
	}

	return nil
}

// GetDeviceIdentity returns the current device Identity.
func (d *DeviceInfo) GetDeviceIdentity() *Identity {
	return &d.Identity
}

// GetDeviceID returns the current device ID.
func (d *DeviceInfo) GetDeviceID() string {
	return d.Identity.DeviceID
}

// GetMaterialID returns the identifier of the mounted display.
func (d *DeviceInfo) GetMaterialID() string {
	return d.Identity.MaterialID
}

// Validate checks that the identity is complete enough to open a device connection.
func (d *DeviceInfo) Validate() error {
	if d.Identity.DeviceID == "" {
		return errors.New("device identity has no device id")
	}
	if d.Identity.MaterialID == "" {
		return ErrMissingMaterialID
	}
	return nil
}

// SaveDeviceID updates the device ID in the Identity field and writes it back to the file.
func (d *DeviceInfo) SaveDeviceID(deviceID string) error {
	d.Identity.DeviceID = deviceID
	return d.fileOps.WriteJsonFile(d.DeviceInfoFile, d.Identity)
}
