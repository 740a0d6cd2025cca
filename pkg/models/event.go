package models

import "time"

// TrafficEvent is the structured record the transport handlers emit after
// every registration, submission, or relay outcome. The journal module
// persists these; the access control manager never produces them itself.
type TrafficEvent struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
