// Package accesscontrol implements the device authentication and whitelist
// manager: device identities, bearer tokens, per-address registration rate
// limits, and the blacklist. The Manager is a pure in-memory state machine;
// transports call into it and translate its typed results, and an external
// scheduler drives the periodic sweep.
package accesscontrol

import (
	"sync"
	"time"

	"github.com/HerbHall/esplink/pkg/models"
)

// activeWindow is how recently a device must have been seen to count as
// active in Stats.
const activeWindow = 5 * time.Minute

// blacklistFactor times MaxRegistrationAttempts is the cumulative conflict
// count at which an origin address is blacklisted automatically.
const blacklistFactor = 2

// Config holds the manager's runtime-mutable knobs.
type Config struct {
	MaxRegistrationAttempts int           `json:"max_registration_attempts"`
	RegistrationCooldown    time.Duration `json:"registration_cooldown"`
	TokenExpiry             time.Duration `json:"token_expiry"`
	RequireUniqueAddresses  bool          `json:"require_unique_addresses"`
	EnableWhitelist         bool          `json:"enable_whitelist"`
}

// ConfigUpdate is a partial configuration change; nil fields are left as-is.
// Updates apply to subsequent operations only and never re-evaluate
// existing tokens or counters.
type ConfigUpdate struct {
	MaxRegistrationAttempts *int
	RegistrationCooldown    *time.Duration
	TokenExpiry             *time.Duration
	RequireUniqueAddresses  *bool
	EnableWhitelist         *bool
}

// attemptCounter tracks registration attempts from one origin address.
// Count accrues on conflict outcomes only; the cooldown window zeroes the
// count the rate limiter sees, while the stored total keeps feeding the
// auto-blacklist threshold until the sweep prunes the stale record.
type attemptCounter struct {
	count       int
	lastAttempt time.Time
}

// blacklistEntry records why and when an address was barred.
type blacklistEntry struct {
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// RegisterResult is the success payload of Register.
type RegisterResult struct {
	Device    *models.DeviceRecord
	Token     *models.AuthToken
	Refreshed bool
	Warning   string
}

// Snapshot is the read-only aggregate returned by Stats.
type Snapshot struct {
	Devices         int    `json:"devices"`
	ActiveDevices   int    `json:"active_devices"`
	BlacklistSize   int    `json:"blacklist_size"`
	LiveTokens      int    `json:"live_tokens"`
	AttemptCounters int    `json:"attempt_counters"`
	Config          Config `json:"config"`
}

// Manager owns all four state collections and the configuration. One mutex
// guards everything: operations are short, in-memory, and never block on
// I/O while holding it, so per-key linearizability follows directly.
type Manager struct {
	mu  sync.Mutex
	now func() time.Time

	cfg         Config
	devices     map[string]*models.DeviceRecord
	tokens      map[string]*models.AuthToken // keyed by device ID
	tokenValues map[string]struct{}          // live token values, for uniqueness
	attempts    map[string]*attemptCounter   // keyed by origin address
	blacklist   map[string]blacklistEntry    // keyed by address
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithClock overrides the manager's time source. Tests use this with
// testutil.Clock; production uses the default time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager with the given starting configuration.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		now:         time.Now,
		cfg:         cfg,
		devices:     make(map[string]*models.DeviceRecord),
		tokens:      make(map[string]*models.AuthToken),
		tokenValues: make(map[string]struct{}),
		attempts:    make(map[string]*attemptCounter),
		blacklist:   make(map[string]blacklistEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register processes a registration attempt for deviceID arriving from
// originAddress. The checks run in a fixed order: blacklist, rate limit,
// then duplicate identity. A new identity creates a record; a duplicate
// from the same address is a refresh (metadata shallow-merged, token
// superseded); a duplicate from a different address is a conflict that
// increments the origin's attempt counter and can auto-blacklist it.
func (m *Manager) Register(deviceID string, ep models.Endpoint, originAddress string) (*RegisterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if _, barred := m.blacklist[originAddress]; barred {
		return nil, ErrBlacklisted
	}

	if c, ok := m.attempts[originAddress]; ok {
		effective := c.count
		if now.Sub(c.lastAttempt) > m.cfg.RegistrationCooldown {
			effective = 0
		}
		if effective >= m.cfg.MaxRegistrationAttempts {
			retryAfter := m.cfg.RegistrationCooldown - now.Sub(c.lastAttempt)
			if retryAfter < 0 {
				retryAfter = 0
			}
			// The counter is not incremented here; only conflict outcomes accrue.
			return nil, &RateLimitedError{RetryAfter: retryAfter}
		}
	}

	existing, ok := m.devices[deviceID]
	if !ok {
		record := &models.DeviceRecord{
			DeviceID:       deviceID,
			Address:        ep.Address,
			Port:           ep.Port,
			Status:         models.DeviceStatusActive,
			Metadata:       copyMetadata(ep.Metadata),
			RegisteredAt:   now,
			RegisteredFrom: originAddress,
			LastSeen:       now,
		}
		m.devices[deviceID] = record
		token := m.mintTokenLocked(deviceID, now)
		return &RegisterResult{Device: record.Clone(), Token: token}, nil
	}

	if existing.Address == ep.Address {
		// Same-origin refresh. Not a conflict: first write wins except
		// when the holder itself re-registers.
		existing.Port = ep.Port
		mergeMetadata(existing, ep.Metadata)
		existing.LastSeen = now
		token := m.mintTokenLocked(deviceID, now)
		return &RegisterResult{
			Device:    existing.Clone(),
			Token:     token,
			Refreshed: true,
			Warning:   "re-registered from same address",
		}, nil
	}

	// Identity conflict: the device ID is bound to a different address.
	c := m.attempts[originAddress]
	if c == nil {
		c = &attemptCounter{}
		m.attempts[originAddress] = c
	}
	c.count++
	c.lastAttempt = now
	if c.count >= blacklistFactor*m.cfg.MaxRegistrationAttempts {
		m.blacklist[originAddress] = blacklistEntry{
			Reason:  "exceeded registration attempt limit",
			AddedAt: now,
		}
	}
	return nil, &ConflictError{DeviceID: deviceID, BoundAddress: existing.Address}
}

// IsAuthorized reports whether deviceID may submit data. With the
// whitelist disabled every identity is authorized, registered or not.
func (m *Manager) IsAuthorized(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAuthorizedLocked(deviceID)
}

func (m *Manager) isAuthorizedLocked(deviceID string) bool {
	if !m.cfg.EnableWhitelist {
		return true
	}
	_, ok := m.devices[deviceID]
	return ok
}

// ValidateSubmission checks a data submission from callerAddress and, on
// success, counts it. Failure paths never mutate state; each success
// increments the submission counter exactly once.
func (m *Manager) ValidateSubmission(deviceID, callerAddress string) (*models.DeviceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if !m.isAuthorizedLocked(deviceID) {
		return nil, ErrNotRegistered
	}

	record, ok := m.devices[deviceID]
	if !ok {
		// Whitelist disabled and identity unknown: accept without a record
		// to count against.
		return nil, nil
	}

	if m.cfg.RequireUniqueAddresses && record.Address != callerAddress {
		return nil, ErrAddressMismatch
	}

	record.Submissions++
	record.LastSubmission = now
	record.LastSeen = now
	return record.Clone(), nil
}

// Unregister deletes the device record and its token if present, reporting
// whether a record existed. Attempt counters and the blacklist are untouched.
func (m *Manager) Unregister(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[deviceID]; !ok {
		return false
	}
	delete(m.devices, deviceID)
	if tok, ok := m.tokens[deviceID]; ok {
		delete(m.tokenValues, tok.Value)
		delete(m.tokens, deviceID)
	}
	return true
}

// BlacklistAddress bars an address from registering. Entries never expire
// on their own; removal is explicit via UnblacklistAddress.
func (m *Manager) BlacklistAddress(address, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklist[address] = blacklistEntry{Reason: reason, AddedAt: m.now()}
}

// UnblacklistAddress removes an address from the blacklist, reporting
// whether it was present.
func (m *Manager) UnblacklistAddress(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[address]
	delete(m.blacklist, address)
	return ok
}

// IsBlacklisted reports whether an address is currently barred.
func (m *Manager) IsBlacklisted(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[address]
	return ok
}

// UpdateConfig applies a partial configuration change. It takes effect for
// subsequent operations immediately.
func (m *Manager) UpdateConfig(u ConfigUpdate) Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.MaxRegistrationAttempts != nil {
		m.cfg.MaxRegistrationAttempts = *u.MaxRegistrationAttempts
	}
	if u.RegistrationCooldown != nil {
		m.cfg.RegistrationCooldown = *u.RegistrationCooldown
	}
	if u.TokenExpiry != nil {
		m.cfg.TokenExpiry = *u.TokenExpiry
	}
	if u.RequireUniqueAddresses != nil {
		m.cfg.RequireUniqueAddresses = *u.RequireUniqueAddresses
	}
	if u.EnableWhitelist != nil {
		m.cfg.EnableWhitelist = *u.EnableWhitelist
	}
	return m.cfg
}

// Config returns the current configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Device returns a snapshot of one device record.
func (m *Manager) Device(deviceID string) (*models.DeviceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.devices[deviceID]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// Devices returns snapshots of all device records.
func (m *Manager) Devices() []*models.DeviceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.DeviceRecord, 0, len(m.devices))
	for _, record := range m.devices {
		out = append(out, record.Clone())
	}
	return out
}

// BlacklistedAddress is one entry of the blacklist listing.
type BlacklistedAddress struct {
	Address string    `json:"address"`
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// Blacklist returns the current blacklist entries.
func (m *Manager) Blacklist() []BlacklistedAddress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BlacklistedAddress, 0, len(m.blacklist))
	for addr, e := range m.blacklist {
		out = append(out, BlacklistedAddress{Address: addr, Reason: e.Reason, AddedAt: e.AddedAt})
	}
	return out
}

// Stats returns a read-only aggregate of the manager's state.
func (m *Manager) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	active := 0
	for _, record := range m.devices {
		if now.Sub(record.LastSeen) <= activeWindow {
			active++
		}
	}
	return Snapshot{
		Devices:         len(m.devices),
		ActiveDevices:   active,
		BlacklistSize:   len(m.blacklist),
		LiveTokens:      len(m.tokens),
		AttemptCounters: len(m.attempts),
		Config:          m.cfg,
	}
}

// Cleanup is the periodic sweep: it prunes expired tokens and attempt
// counters stale by twice the cooldown. Device records and the blacklist
// are never touched. Safe to call at any time, including on empty state.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	for deviceID, tok := range m.tokens {
		if tok.Expired(now) {
			delete(m.tokenValues, tok.Value)
			delete(m.tokens, deviceID)
		}
	}
	staleAfter := blacklistFactor * m.cfg.RegistrationCooldown
	for addr, c := range m.attempts {
		if now.Sub(c.lastAttempt) > staleAfter {
			delete(m.attempts, addr)
		}
	}
}

// mintTokenLocked issues a fresh token for deviceID, superseding any prior
// one. Caller holds m.mu.
func (m *Manager) mintTokenLocked(deviceID string, now time.Time) *models.AuthToken {
	if prev, ok := m.tokens[deviceID]; ok {
		delete(m.tokenValues, prev.Value)
	}

	value := newTokenValue()
	for {
		if _, taken := m.tokenValues[value]; !taken {
			break
		}
		value = newTokenValue()
	}

	token := &models.AuthToken{
		DeviceID:  deviceID,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.TokenExpiry),
	}
	m.tokens[deviceID] = token
	m.tokenValues[value] = struct{}{}

	out := *token
	return &out
}

func copyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// mergeMetadata shallow-merges incoming keys over the record's existing
// metadata; keys absent from the update are preserved.
func mergeMetadata(record *models.DeviceRecord, md map[string]any) {
	if len(md) == 0 {
		return
	}
	if record.Metadata == nil {
		record.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		record.Metadata[k] = v
	}
}
