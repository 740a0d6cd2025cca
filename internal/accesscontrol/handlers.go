package accesscontrol

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/internal/server"
	"github.com/HerbHall/esplink/pkg/models"
)

// registerRequest is the JSON body for POST /register.
type registerRequest struct {
	DeviceID string         `json:"device_id"`
	Address  string         `json:"address"`
	Port     int            `json:"port"`
	Metadata map[string]any `json:"metadata"`
}

// registerResponse is the success payload for POST /register.
type registerResponse struct {
	Device    *models.DeviceRecord `json:"device"`
	Token     string               `json:"token"`
	ExpiresAt time.Time            `json:"token_expires_at"`
	Warning   string               `json:"warning,omitempty"`
}

// submissionResponse is the success payload for POST /data.
type submissionResponse struct {
	Status      string               `json:"status"`
	Device      *models.DeviceRecord `json:"device,omitempty"`
	Submissions int64                `json:"submissions,omitempty"`
}

// blacklistRequest is the JSON body for POST /blacklist.
type blacklistRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// configResponse renders the runtime configuration with human-readable
// durations.
type configResponse struct {
	MaxRegistrationAttempts int    `json:"max_registration_attempts"`
	RegistrationCooldown    string `json:"registration_cooldown"`
	TokenExpiry             string `json:"token_expiry"`
	RequireUniqueAddresses  bool   `json:"require_unique_addresses"`
	EnableWhitelist         bool   `json:"enable_whitelist"`
}

func newConfigResponse(cfg Config) configResponse {
	return configResponse{
		MaxRegistrationAttempts: cfg.MaxRegistrationAttempts,
		RegistrationCooldown:    cfg.RegistrationCooldown.String(),
		TokenExpiry:             cfg.TokenExpiry.String(),
		RequireUniqueAddresses:  cfg.RequireUniqueAddresses,
		EnableWhitelist:         cfg.EnableWhitelist,
	}
}

// statsResponse is the payload for GET /stats.
type statsResponse struct {
	Devices         int            `json:"devices"`
	ActiveDevices   int            `json:"active_devices"`
	BlacklistSize   int            `json:"blacklist_size"`
	LiveTokens      int            `json:"live_tokens"`
	AttemptCounters int            `json:"attempt_counters"`
	Config          configResponse `json:"config"`
}

// Routes implements the module HTTP surface, mounted under /api/v1/access.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/register", Handler: m.handleRegister},
		{Method: "POST", Path: "/data", Handler: m.handleData},
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/devices/{id}", Handler: m.handleGetDevice},
		{Method: "DELETE", Path: "/devices/{id}", Handler: m.handleUnregister},
		{Method: "GET", Path: "/blacklist", Handler: m.handleListBlacklist},
		{Method: "POST", Path: "/blacklist", Handler: m.handleBlacklist},
		{Method: "DELETE", Path: "/blacklist/{address}", Handler: m.handleUnblacklist},
		{Method: "GET", Path: "/config", Handler: m.handleGetConfig},
		{Method: "PATCH", Path: "/config", Handler: m.handleUpdateConfig},
		{Method: "GET", Path: "/stats", Handler: m.handleStats},
	}
}

// handleRegister processes a device registration.
//
//	@Summary		Register device
//	@Description	Registers or refreshes a device identity and mints a bearer token.
//	@Tags			access
//	@Accept			json
//	@Produce		json
//	@Param			body	body		registerRequest	true	"Device endpoint info"
//	@Success		200		{object}	registerResponse
//	@Failure		400		{object}	server.Problem
//	@Failure		403		{object}	server.Problem
//	@Failure		409		{object}	server.Problem
//	@Failure		429		{object}	server.Problem
//	@Router			/access/register [post]
func (m *Module) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if req.DeviceID == "" {
		server.BadRequest(w, "device_id is required", r.URL.Path)
		return
	}
	if req.Address == "" {
		server.BadRequest(w, "address is required", r.URL.Path)
		return
	}
	if req.Port == 0 {
		req.Port = 80
	}

	origin := remoteAddress(r)
	result, err := m.manager.Register(req.DeviceID, models.Endpoint{
		Address:  req.Address,
		Port:     req.Port,
		Metadata: req.Metadata,
	}, origin)
	if err != nil {
		m.denyRegistration(r.Context(), w, r, req.DeviceID, origin, err)
		return
	}

	outcome := "registered"
	topic := TopicDeviceRegistered
	if result.Refreshed {
		outcome = "refreshed"
		topic = TopicDeviceRefreshed
	}
	registrationsTotal.WithLabelValues(outcome).Inc()
	m.emit(r.Context(), topic, req.DeviceID, origin, outcome, result.Warning)
	m.logger.Info("device registered",
		zap.String("device_id", req.DeviceID),
		zap.String("origin", origin),
		zap.Bool("refreshed", result.Refreshed),
	)

	server.WriteJSON(w, http.StatusOK, registerResponse{
		Device:    result.Device,
		Token:     result.Token.Value,
		ExpiresAt: result.Token.ExpiresAt,
		Warning:   result.Warning,
	})
}

// denyRegistration maps a manager denial to a problem response and records it.
func (m *Module) denyRegistration(ctx context.Context, w http.ResponseWriter, r *http.Request, deviceID, origin string, err error) {
	var rateLimited *RateLimitedError
	var conflict *ConflictError

	switch {
	case errors.Is(err, ErrBlacklisted):
		registrationsTotal.WithLabelValues("blacklisted").Inc()
		m.emit(ctx, TopicRegistrationDenied, deviceID, origin, "blacklisted", "")
		server.Forbidden(w, "origin address is blacklisted", r.URL.Path)

	case errors.As(err, &rateLimited):
		registrationsTotal.WithLabelValues("rate_limited").Inc()
		m.emit(ctx, TopicRegistrationDenied, deviceID, origin, "rate_limited", rateLimited.RetryAfter.String())
		seconds := int(rateLimited.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		server.RateLimited(w, err.Error(), r.URL.Path)

	case errors.As(err, &conflict):
		registrationsTotal.WithLabelValues("conflict").Inc()
		m.emit(ctx, TopicRegistrationDenied, deviceID, origin, "conflict", "bound to "+conflict.BoundAddress)
		server.Conflict(w, err.Error(), r.URL.Path)

	default:
		m.logger.Error("unexpected registration failure", zap.Error(err))
		server.InternalError(w, "registration failed", r.URL.Path)
	}
}

// handleData validates a telemetry submission.
//
//	@Summary		Submit data
//	@Description	Validates a device data submission against the whitelist.
//	@Tags			access
//	@Accept			json
//	@Produce		json
//	@Param			X-Device-ID	header		string	true	"Device identity"
//	@Success		200			{object}	submissionResponse
//	@Failure		400			{object}	server.Problem
//	@Failure		401			{object}	server.Problem
//	@Failure		403			{object}	server.Problem
//	@Router			/access/data [post]
func (m *Module) handleData(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	if deviceID == "" {
		server.BadRequest(w, "X-Device-ID header is required", r.URL.Path)
		return
	}

	caller := remoteAddress(r)
	record, err := m.manager.ValidateSubmission(deviceID, caller)
	switch {
	case errors.Is(err, ErrNotRegistered):
		submissionsTotal.WithLabelValues("not_registered").Inc()
		m.emit(r.Context(), TopicSubmissionDenied, deviceID, caller, "not_registered", "")
		server.Unauthorized(w, "device is not registered", r.URL.Path)
		return
	case errors.Is(err, ErrAddressMismatch):
		submissionsTotal.WithLabelValues("address_mismatch").Inc()
		m.emit(r.Context(), TopicSubmissionDenied, deviceID, caller, "address_mismatch", "")
		server.Forbidden(w, "caller address does not match registered address", r.URL.Path)
		return
	case err != nil:
		m.logger.Error("unexpected submission failure", zap.Error(err))
		server.InternalError(w, "submission failed", r.URL.Path)
		return
	}

	submissionsTotal.WithLabelValues("accepted").Inc()
	m.emit(r.Context(), TopicSubmissionAccepted, deviceID, caller, "accepted", "")

	resp := submissionResponse{Status: "accepted"}
	if record != nil {
		resp.Device = record
		resp.Submissions = record.Submissions
	}
	server.WriteJSON(w, http.StatusOK, resp)
}

// handleListDevices returns all registered devices.
//
//	@Summary	List devices
//	@Tags		access
//	@Produce	json
//	@Success	200	{array}	models.DeviceRecord
//	@Router		/access/devices [get]
func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := m.manager.Devices()
	if devices == nil {
		devices = []*models.DeviceRecord{}
	}
	server.WriteJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns a single device record.
//
//	@Summary	Get device
//	@Tags		access
//	@Produce	json
//	@Success	200	{object}	models.DeviceRecord
//	@Failure	404	{object}	server.Problem
//	@Router		/access/devices/{id} [get]
func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	record, ok := m.manager.Device(id)
	if !ok {
		server.NotFound(w, "device "+id+" not found", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, record)
}

// handleUnregister removes a device and its token.
//
//	@Summary	Unregister device
//	@Tags		access
//	@Produce	json
//	@Param		reason	query		string	false	"Reason recorded in the journal"
//	@Success	200		{object}	map[string]any
//	@Failure	404		{object}	server.Problem
//	@Router		/access/devices/{id} [delete]
func (m *Module) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !m.manager.Unregister(id) {
		server.NotFound(w, "device "+id+" not found", r.URL.Path)
		return
	}

	reason := r.URL.Query().Get("reason")
	m.emit(r.Context(), TopicDeviceUnregistered, id, remoteAddress(r), "unregistered", reason)
	m.logger.Info("device unregistered", zap.String("device_id", id), zap.String("reason", reason))
	server.WriteJSON(w, http.StatusOK, map[string]any{"removed": true})
}

// handleListBlacklist returns the blacklisted addresses.
//
//	@Summary	List blacklist
//	@Tags		access
//	@Produce	json
//	@Success	200	{array}	BlacklistedAddress
//	@Router		/access/blacklist [get]
func (m *Module) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, m.manager.Blacklist())
}

// handleBlacklist bars an address from registering.
//
//	@Summary	Blacklist address
//	@Tags		access
//	@Accept		json
//	@Produce	json
//	@Param		body	body		blacklistRequest	true	"Address to bar"
//	@Success	200		{object}	map[string]any
//	@Failure	400		{object}	server.Problem
//	@Router		/access/blacklist [post]
func (m *Module) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}
	if req.Address == "" {
		server.BadRequest(w, "address is required", r.URL.Path)
		return
	}

	m.manager.BlacklistAddress(req.Address, req.Reason)
	m.emit(r.Context(), TopicAddressBlacklisted, "", req.Address, "blacklisted", req.Reason)
	m.logger.Info("address blacklisted", zap.String("address", req.Address), zap.String("reason", req.Reason))
	server.WriteJSON(w, http.StatusOK, map[string]any{"blacklisted": true})
}

// handleUnblacklist restores a barred address.
//
//	@Summary	Unblacklist address
//	@Tags		access
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Failure	404	{object}	server.Problem
//	@Router		/access/blacklist/{address} [delete]
func (m *Module) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if !m.manager.UnblacklistAddress(address) {
		server.NotFound(w, "address "+address+" is not blacklisted", r.URL.Path)
		return
	}
	m.emit(r.Context(), TopicAddressRestored, "", address, "restored", "")
	server.WriteJSON(w, http.StatusOK, map[string]any{"removed": true})
}

// handleGetConfig returns the runtime configuration.
//
//	@Summary	Get configuration
//	@Tags		access
//	@Produce	json
//	@Success	200	{object}	configResponse
//	@Router		/access/config [get]
func (m *Module) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, newConfigResponse(m.manager.Config()))
}

// handleUpdateConfig applies a partial configuration change. Only the five
// recognized fields are accepted; anything else is rejected here, before
// the manager is reached.
//
//	@Summary	Update configuration
//	@Tags		access
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	configResponse
//	@Failure	400	{object}	server.Problem
//	@Router		/access/config [patch]
func (m *Module) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		server.BadRequest(w, "invalid JSON body", r.URL.Path)
		return
	}

	var update ConfigUpdate
	for key, value := range raw {
		switch key {
		case "max_registration_attempts":
			var n int
			if err := json.Unmarshal(value, &n); err != nil || n < 1 {
				server.BadRequest(w, "max_registration_attempts must be a positive integer", r.URL.Path)
				return
			}
			update.MaxRegistrationAttempts = &n
		case "registration_cooldown":
			d, err := parseDurationField(value)
			if err != nil {
				server.BadRequest(w, "registration_cooldown must be a duration string", r.URL.Path)
				return
			}
			update.RegistrationCooldown = &d
		case "token_expiry":
			d, err := parseDurationField(value)
			if err != nil {
				server.BadRequest(w, "token_expiry must be a duration string", r.URL.Path)
				return
			}
			update.TokenExpiry = &d
		case "require_unique_addresses":
			var b bool
			if err := json.Unmarshal(value, &b); err != nil {
				server.BadRequest(w, "require_unique_addresses must be a boolean", r.URL.Path)
				return
			}
			update.RequireUniqueAddresses = &b
		case "enable_whitelist":
			var b bool
			if err := json.Unmarshal(value, &b); err != nil {
				server.BadRequest(w, "enable_whitelist must be a boolean", r.URL.Path)
				return
			}
			update.EnableWhitelist = &b
		default:
			server.BadRequest(w, "unrecognized config field: "+key, r.URL.Path)
			return
		}
	}

	cfg := m.manager.UpdateConfig(update)
	m.emit(r.Context(), TopicConfigUpdated, "", remoteAddress(r), "updated", "")
	m.logger.Info("configuration updated",
		zap.Int("max_registration_attempts", cfg.MaxRegistrationAttempts),
		zap.Duration("registration_cooldown", cfg.RegistrationCooldown),
	)
	server.WriteJSON(w, http.StatusOK, newConfigResponse(cfg))
}

// handleStats returns a read-only aggregate of manager state.
//
//	@Summary	Access control stats
//	@Tags		access
//	@Produce	json
//	@Success	200	{object}	statsResponse
//	@Router		/access/stats [get]
func (m *Module) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := m.manager.Stats()
	server.WriteJSON(w, http.StatusOK, statsResponse{
		Devices:         snap.Devices,
		ActiveDevices:   snap.ActiveDevices,
		BlacklistSize:   snap.BlacklistSize,
		LiveTokens:      snap.LiveTokens,
		AttemptCounters: snap.AttemptCounters,
		Config:          newConfigResponse(snap.Config),
	})
}

// emit publishes a traffic event for the journal. Failures to record
// traffic never affect the caller-facing outcome.
func (m *Module) emit(ctx context.Context, topic, deviceID, address, outcome, detail string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    m.Name(),
		Timestamp: time.Now().UTC(),
		Payload: &models.TrafficEvent{
			ID:        uuid.New().String(),
			EventType: topic,
			DeviceID:  deviceID,
			Address:   address,
			Outcome:   outcome,
			Detail:    detail,
			CreatedAt: time.Now().UTC(),
		},
	})
}

// parseDurationField accepts a Go duration string ("5m") or a number of
// seconds.
func parseDurationField(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.ParseDuration(s)
	}
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// remoteAddress strips the port from the request's remote address.
func remoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
