package testutil

import (
	"time"

	"github.com/HerbHall/esplink/pkg/models"
)

// NewDeviceRecord returns a DeviceRecord with sensible defaults, suitable
// for test fixtures. Override individual fields via options.
func NewDeviceRecord(opts ...func(*models.DeviceRecord)) models.DeviceRecord {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := models.DeviceRecord{
		DeviceID:       "sensor-1",
		Address:        "10.0.0.5",
		Port:           80,
		Status:         models.DeviceStatusActive,
		RegisteredAt:   now,
		RegisteredFrom: "10.0.0.5",
		LastSeen:       now,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithDeviceID sets the record's device identity.
func WithDeviceID(id string) func(*models.DeviceRecord) {
	return func(d *models.DeviceRecord) { d.DeviceID = id }
}

// WithAddress sets the record's bound address.
func WithAddress(addr string) func(*models.DeviceRecord) {
	return func(d *models.DeviceRecord) { d.Address = addr }
}

// WithMetadata sets the record's metadata map.
func WithMetadata(md map[string]any) func(*models.DeviceRecord) {
	return func(d *models.DeviceRecord) { d.Metadata = md }
}
