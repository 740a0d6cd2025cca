package models

import "time"

// DeviceStatus represents the lifecycle state of a registered device.
type DeviceStatus string

const (
	// DeviceStatusActive is the only state a registered device occupies;
	// deletion is the sole exit.
	DeviceStatusActive DeviceStatus = "active"
)

// Endpoint is the reachable address a device reports at registration.
type Endpoint struct {
	Address  string         `json:"address"`
	Port     int            `json:"port"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeviceRecord tracks one registered device identity. DeviceID,
// RegisteredAt, and RegisteredFrom never change after creation; the
// endpoint fields refresh on re-registration from the same address.
type DeviceRecord struct {
	DeviceID       string         `json:"device_id"`
	Address        string         `json:"address"`
	Port           int            `json:"port"`
	Status         DeviceStatus   `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RegisteredAt   time.Time      `json:"registered_at"`
	RegisteredFrom string         `json:"registered_from"`
	LastSeen       time.Time      `json:"last_seen"`
	Submissions    int64          `json:"submissions"`
	LastSubmission time.Time      `json:"last_submission,omitzero"`
}

// Clone returns a deep copy of the record, safe to hand to callers
// without exposing manager-owned state.
func (d *DeviceRecord) Clone() *DeviceRecord {
	out := *d
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
