package accesscontrol

import (
	"errors"
	"fmt"
	"time"
)

// Expected denial outcomes. These are values, not faults: callers inspect
// them with errors.Is / errors.As and translate them to their own status
// vocabulary. The manager never panics for a documented input.
var (
	// ErrBlacklisted means the originating address is barred from registering.
	ErrBlacklisted = errors.New("origin address is blacklisted")

	// ErrNotRegistered means the whitelist is enabled and no record matches
	// the device identity.
	ErrNotRegistered = errors.New("device is not registered")

	// ErrAddressMismatch means strict-address mode is enabled and the
	// caller's address differs from the registered one.
	ErrAddressMismatch = errors.New("caller address does not match registered address")
)

// RateLimitedError reports too many registration attempts from one address
// within the cooldown window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many registration attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

// ConflictError reports a registration for an identity already bound to a
// different address.
type ConflictError struct {
	DeviceID     string
	BoundAddress string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %q is already registered from %s", e.DeviceID, e.BoundAddress)
}
