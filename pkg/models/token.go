package models

import "time"

// AuthToken is the bearer credential minted at registration. At most one
// live token exists per device; a re-registration supersedes the previous
// one. Tokens are opaque and are not re-validated on data submission.
type AuthToken struct {
	DeviceID  string    `json:"device_id"`
	Value     string    `json:"value"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token's expiry has passed at the given time.
func (t *AuthToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
